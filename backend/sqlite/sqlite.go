package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/metrics"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

var _ backend.Backend = (*sqliteBackend)(nil)

// NewInMemoryBackend returns a backend on a private in-memory database. Every connection would
// see its own database, so the pool is limited to a single connection.
func NewInMemoryBackend(opts ...option) *sqliteBackend {
	return newSqliteBackend("file::memory:", 1, opts...)
}

func NewSqliteBackend(path string, opts ...option) *sqliteBackend {
	return newSqliteBackend(fmt.Sprintf("file:%v?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path), 0, opts...)
}

func newSqliteBackend(dsn string, maxOpenConns int, opts ...option) *sqliteBackend {
	o := backend.ApplyOptions()
	options := &options{
		Options:         &o,
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	db.SetMaxOpenConns(maxOpenConns)

	b := &sqliteBackend{
		db:      db,
		options: options,
	}

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

type sqliteBackend struct {
	db      *sql.DB
	options *options
}

// Migrate applies any pending database migrations.
func (sb *sqliteBackend) Migrate() error {
	dbi, err := msqlite.WithInstance(sb.db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (sb *sqliteBackend) Put(ctx context.Context, c *core.Continuation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling continuation: %w", err)
	}

	res, err := sb.db.ExecContext(
		ctx,
		"INSERT INTO `continuations` (token, instance_id, correlation_key, created_at, expires_at, data) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (token) DO NOTHING",
		c.Token,
		c.InstanceID,
		c.Key.String(),
		c.CreatedAt.UnixMilli(),
		expiresAt(c),
		data,
	)
	if err != nil {
		return fmt.Errorf("inserting continuation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrConflict
	}

	return nil
}

func (sb *sqliteBackend) Take(ctx context.Context, token string) (*core.Continuation, error) {
	cs, err := sb.deleteReturning(ctx, "DELETE FROM `continuations` WHERE token = ? RETURNING data", token)
	if err != nil {
		return nil, fmt.Errorf("taking continuation: %w", err)
	}

	if len(cs) == 0 {
		return nil, backend.ErrNotFound
	}

	return cs[0], nil
}

func (sb *sqliteBackend) Keys(ctx context.Context) ([]core.CorrelationKey, error) {
	rows, err := sb.db.QueryContext(ctx, "SELECT DISTINCT correlation_key FROM `continuations` ORDER BY correlation_key")
	if err != nil {
		return nil, fmt.Errorf("reading correlation keys: %w", err)
	}

	defer rows.Close()

	keys := []core.CorrelationKey{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}

		k, err := core.ParseCorrelationKey(s)
		if err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, rows.Err()
}

func (sb *sqliteBackend) DeleteInstance(ctx context.Context, instanceID string) (*core.Continuation, error) {
	cs, err := sb.deleteReturning(ctx, "DELETE FROM `continuations` WHERE instance_id = ? RETURNING data", instanceID)
	if err != nil {
		return nil, fmt.Errorf("deleting continuation of instance: %w", err)
	}

	if len(cs) == 0 {
		return nil, backend.ErrNotFound
	}

	return cs[0], nil
}

func (sb *sqliteBackend) TakeExpired(ctx context.Context, now time.Time, limit int) ([]*core.Continuation, error) {
	cs, err := sb.deleteReturning(
		ctx,
		`DELETE FROM continuations WHERE token IN (
			SELECT token FROM continuations
			WHERE expires_at IS NOT NULL AND expires_at <= ?
			ORDER BY expires_at, token
			LIMIT ?
		) RETURNING data`,
		now.UnixMilli(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("taking expired continuations: %w", err)
	}

	// RETURNING does not preserve the order of the sub-query
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].ExpiresAt.Equal(cs[j].ExpiresAt) {
			return cs[i].Token < cs[j].Token
		}

		return cs[i].ExpiresAt.Before(cs[j].ExpiresAt)
	})

	return cs, nil
}

func (sb *sqliteBackend) List(ctx context.Context, afterToken string, count int) ([]*core.Continuation, error) {
	var rows *sql.Rows
	var err error
	if afterToken != "" {
		rows, err = sb.db.QueryContext(
			ctx,
			`SELECT c.data
			FROM continuations c
			INNER JOIN (SELECT token, created_at FROM continuations WHERE token = ?) cc
				ON c.created_at > cc.created_at OR (c.created_at = cc.created_at AND c.token > cc.token)
			ORDER BY c.created_at, c.token
			LIMIT ?`,
			afterToken,
			count,
		)
	} else {
		rows, err = sb.db.QueryContext(
			ctx,
			`SELECT c.data
			FROM continuations c
			ORDER BY c.created_at, c.token
			LIMIT ?`,
			count,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("listing continuations: %w", err)
	}

	return scanContinuations(rows)
}

func (sb *sqliteBackend) deleteReturning(ctx context.Context, query string, args ...any) ([]*core.Continuation, error) {
	rows, err := sb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return scanContinuations(rows)
}

func scanContinuations(rows *sql.Rows) ([]*core.Continuation, error) {
	defer rows.Close()

	r := []*core.Continuation{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var c core.Continuation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshaling continuation: %w", err)
		}

		r = append(r, &c)
	}

	return r, rows.Err()
}

func expiresAt(c *core.Continuation) *int64 {
	if c.ExpiresAt.IsZero() {
		return nil
	}

	ms := c.ExpiresAt.UnixMilli()
	return &ms
}

func (sb *sqliteBackend) Tracer() trace.Tracer {
	return sb.options.TracerProvider.Tracer(backend.TracerName)
}

func (sb *sqliteBackend) Metrics() metrics.Client {
	return sb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "sqlite"})
}

func (sb *sqliteBackend) Options() *backend.Options {
	return sb.options.Options
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}
