package redis

import (
	redis "github.com/redis/go-redis/v9"
)

// takeFn removes a continuation and all of its index entries, returning its data or false. The
// key layout has to match keys.go.
const takeFn = `
local function take(prefix, token)
	local ck = prefix .. "continuation:" .. token
	local c = redis.call("HMGET", ck, "data", "instance", "key")
	if not c[1] then
		return false
	end

	redis.call("DEL", ck)

	local ik = prefix .. "instance:" .. c[2]
	if redis.call("GET", ik) == token then
		redis.call("DEL", ik)
	end

	redis.call("ZREM", prefix .. "expiring", token)
	redis.call("ZREM", prefix .. "by-creation", token)

	if redis.call("HINCRBY", prefix .. "correlation-keys", c[3], -1) <= 0 then
		redis.call("HDEL", prefix .. "correlation-keys", c[3])
	end

	return c[1]
end
`

// KEYS[1] - continuation key
// KEYS[2] - instance key
// KEYS[3] - expiring key
// KEYS[4] - by-creation key
// KEYS[5] - correlation-keys key
// ARGV[1] - token
// ARGV[2] - serialized continuation
// ARGV[3] - instance id
// ARGV[4] - canonical correlation key
// ARGV[5] - creation timestamp in unix milliseconds
// ARGV[6] - expiration timestamp in unix milliseconds, empty if the continuation does not expire
var putCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end

	redis.call("HSET", KEYS[1], "data", ARGV[2], "instance", ARGV[3], "key", ARGV[4])
	redis.call("SET", KEYS[2], ARGV[1])
	redis.call("ZADD", KEYS[4], ARGV[5], ARGV[1])
	if ARGV[6] ~= "" then
		redis.call("ZADD", KEYS[3], ARGV[6], ARGV[1])
	end
	redis.call("HINCRBY", KEYS[5], ARGV[4], 1)

	return 1
`)

// ARGV[1] - key prefix
// ARGV[2] - token
var takeCmd = redis.NewScript(takeFn + `
	return take(ARGV[1], ARGV[2])
`)

// KEYS[1] - instance key
// ARGV[1] - key prefix
var deleteInstanceCmd = redis.NewScript(takeFn + `
	local token = redis.call("GET", KEYS[1])
	if not token then
		return false
	end

	return take(ARGV[1], token)
`)

// KEYS[1] - expiring key
// ARGV[1] - key prefix
// ARGV[2] - current timestamp in unix milliseconds
// ARGV[3] - maximum number of continuations to claim
var takeExpiredCmd = redis.NewScript(takeFn + `
	local tokens = redis.call("ZRANGE", KEYS[1], "-inf", ARGV[2], "BYSCORE", "LIMIT", 0, ARGV[3])
	local r = {}
	for i = 1, #tokens do
		local data = take(ARGV[1], tokens[i])
		if data then
			table.insert(r, data)
		end
	end

	return r
`)
