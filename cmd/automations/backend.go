package main

import (
	"fmt"
	"time"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/backend/memory"
	"github.com/cschleiden/go-automations/backend/mysql"
	"github.com/cschleiden/go-automations/backend/postgres"
	"github.com/cschleiden/go-automations/backend/redis"
	"github.com/cschleiden/go-automations/backend/sqlite"
	"github.com/cschleiden/go-automations/config"
	redisv9 "github.com/redis/go-redis/v9"
)

func openBackend(c config.Backend, opts ...backend.BackendOption) (backend.Backend, error) {
	switch c.Type {
	case config.BackendMemory, "":
		return memory.NewMemoryBackend(opts...), nil

	case config.BackendSqlite:
		return sqlite.NewSqliteBackend(c.Sqlite.Path, sqlite.WithBackendOptions(opts...)), nil

	case config.BackendMysql:
		port := c.Mysql.Port
		if port == 0 {
			port = 3306
		}

		return mysql.NewMysqlBackend(c.Mysql.Host, port, c.Mysql.User, c.Mysql.Password, c.Mysql.Database,
			mysql.WithBackendOptions(opts...)), nil

	case config.BackendPostgres:
		port := c.Postgres.Port
		if port == 0 {
			port = 5432
		}

		return postgres.NewPostgresBackend(c.Postgres.Host, port, c.Postgres.User, c.Postgres.Password, c.Postgres.Database,
			postgres.WithBackendOptions(opts...)), nil

	case config.BackendRedis:
		client := redisv9.NewUniversalClient(&redisv9.UniversalOptions{
			Addrs:        c.Redis.Addrs,
			Username:     c.Redis.Username,
			Password:     c.Redis.Password,
			DB:           c.Redis.DB,
			WriteTimeout: time.Second * 30,
			ReadTimeout:  time.Second * 30,
		})

		b, err := redis.NewRedisBackend(client,
			redis.WithKeyPrefix(c.Redis.KeyPrefix),
			redis.WithBackendOptions(opts...),
		)
		if err != nil {
			return nil, fmt.Errorf("creating redis backend: %w", err)
		}

		return b, nil
	}

	return nil, fmt.Errorf("unknown backend type %q", c.Type)
}
