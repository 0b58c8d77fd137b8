package postgres

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
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

var _ backend.Backend = (*postgresBackend)(nil)

func NewPostgresBackend(host string, port int, user, password, database string, opts ...option) *postgresBackend {
	o := backend.ApplyOptions()
	options := &options{
		Options:         &o,
		ApplyMigrations: true,
		SSLMode:         "disable",
	}

	for _, opt := range opts {
		opt(options)
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", host, port, user, password, database, options.SSLMode)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		panic(err)
	}

	if options.PostgresOptions != nil {
		options.PostgresOptions(db)
	}

	b := &postgresBackend{
		db:             db,
		options:        options,
		ownsConnection: true,
	}

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

// NewPostgresBackendWithDB creates a new Postgres backend using an existing database connection.
// When using this constructor, the backend will not close the database connection when Close() is called.
func NewPostgresBackendWithDB(db *sql.DB, opts ...option) *postgresBackend {
	o := backend.ApplyOptions()
	options := &options{
		Options: &o,
	}

	for _, opt := range opts {
		opt(options)
	}

	b := &postgresBackend{
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

type postgresBackend struct {
	db             *sql.DB
	options        *options
	ownsConnection bool
}

// Migrate applies any pending database migrations.
func (pb *postgresBackend) Migrate() error {
	dbi, err := postgres.WithInstance(pb.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "postgres", dbi)
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

func (pb *postgresBackend) Put(ctx context.Context, c *core.Continuation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling continuation: %w", err)
	}

	res, err := pb.db.ExecContext(
		ctx,
		`INSERT INTO continuations (token, instance_id, correlation_key, created_at, expires_at, data)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (token) DO NOTHING`,
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

func (pb *postgresBackend) Take(ctx context.Context, token string) (*core.Continuation, error) {
	cs, err := pb.queryContinuations(ctx, "DELETE FROM continuations WHERE token = $1 RETURNING data", token)
	if err != nil {
		return nil, fmt.Errorf("taking continuation: %w", err)
	}

	if len(cs) == 0 {
		return nil, backend.ErrNotFound
	}

	return cs[0], nil
}

func (pb *postgresBackend) Keys(ctx context.Context) ([]core.CorrelationKey, error) {
	rows, err := pb.db.QueryContext(ctx, "SELECT DISTINCT correlation_key FROM continuations ORDER BY correlation_key")
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

func (pb *postgresBackend) DeleteInstance(ctx context.Context, instanceID string) (*core.Continuation, error) {
	cs, err := pb.queryContinuations(ctx, "DELETE FROM continuations WHERE instance_id = $1 RETURNING data", instanceID)
	if err != nil {
		return nil, fmt.Errorf("deleting continuation of instance: %w", err)
	}

	if len(cs) == 0 {
		return nil, backend.ErrNotFound
	}

	return cs[0], nil
}

func (pb *postgresBackend) TakeExpired(ctx context.Context, now time.Time, limit int) ([]*core.Continuation, error) {
	cs, err := pb.queryContinuations(
		ctx,
		`DELETE FROM continuations WHERE token IN (
			SELECT token FROM continuations
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at, token
			LIMIT $2
			FOR UPDATE SKIP LOCKED
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

func (pb *postgresBackend) List(ctx context.Context, afterToken string, count int) ([]*core.Continuation, error) {
	if afterToken != "" {
		return pb.queryContinuations(
			ctx,
			`SELECT c.data
			FROM continuations c
			INNER JOIN (SELECT token, created_at FROM continuations WHERE token = $1) cc
				ON c.created_at > cc.created_at OR (c.created_at = cc.created_at AND c.token > cc.token)
			ORDER BY c.created_at, c.token
			LIMIT $2`,
			afterToken,
			count,
		)
	}

	return pb.queryContinuations(
		ctx,
		`SELECT c.data
		FROM continuations c
		ORDER BY c.created_at, c.token
		LIMIT $1`,
		count,
	)
}

func (pb *postgresBackend) queryContinuations(ctx context.Context, query string, args ...any) ([]*core.Continuation, error) {
	rows, err := pb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

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

func (pb *postgresBackend) Tracer() trace.Tracer {
	return pb.options.TracerProvider.Tracer(backend.TracerName)
}

func (pb *postgresBackend) Metrics() metrics.Client {
	return pb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "postgres"})
}

func (pb *postgresBackend) Options() *backend.Options {
	return pb.options.Options
}

func (pb *postgresBackend) Close() error {
	if !pb.ownsConnection {
		return nil
	}

	return pb.db.Close()
}
