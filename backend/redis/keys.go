package redis

type keys struct {
	prefix string
}

func newKeys(prefix string) *keys {
	return &keys{prefix: prefix}
}

// continuationKey returns the key of the hash holding a continuation. Fields are "data" (the
// serialized continuation), "instance" and "key" (the canonical correlation key).
func (k *keys) continuationKey(token string) string {
	return k.prefix + "continuation:" + token
}

// instanceKey returns the key holding the token of the continuation an instance waits on.
func (k *keys) instanceKey(instanceID string) string {
	return k.prefix + "instance:" + instanceID
}

// expiring returns the key of the ZSET of tokens scored by expiry in unix milliseconds.
// Continuations without expiry are not part of the set.
func (k *keys) expiring() string {
	return k.prefix + "expiring"
}

// byCreation returns the key of the ZSET of tokens scored by creation time in unix milliseconds.
// Used for listing continuations in the diagnostics API.
func (k *keys) byCreation() string {
	return k.prefix + "by-creation"
}

// correlationKeys returns the key of the hash counting active continuations per correlation key.
func (k *keys) correlationKeys() string {
	return k.prefix + "correlation-keys"
}
