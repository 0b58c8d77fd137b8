package mysql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/metrics"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

var _ backend.Backend = (*mysqlBackend)(nil)

func NewMysqlBackend(host string, port int, user, password, database string, opts ...option) *mysqlBackend {
	o := backend.ApplyOptions()
	options := &options{
		Options:         &o,
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	if options.MySQLOptions != nil {
		options.MySQLOptions(db)
	}

	b := &mysqlBackend{
		dsn:     dsn,
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

type mysqlBackend struct {
	dsn     string
	db      *sql.DB
	options *options
}

// Migrate applies any pending database migrations.
func (b *mysqlBackend) Migrate() error {
	schemaDsn := b.dsn + "&multiStatements=true"
	db, err := sql.Open("mysql", schemaDsn)
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}

	dbi, err := mysql.WithInstance(db, &mysql.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("closing schema database: %w", err)
	}

	return nil
}

func (b *mysqlBackend) Put(ctx context.Context, c *core.Continuation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling continuation: %w", err)
	}

	res, err := b.db.ExecContext(
		ctx,
		"INSERT IGNORE INTO `continuations` (token, instance_id, correlation_key, created_at, expires_at, data) VALUES (?, ?, ?, ?, ?, ?)",
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

func (b *mysqlBackend) Take(ctx context.Context, token string) (*core.Continuation, error) {
	cs, err := b.claim(ctx, "SELECT token, data FROM `continuations` WHERE token = ? FOR UPDATE", token)
	if err != nil {
		return nil, fmt.Errorf("taking continuation: %w", err)
	}

	if len(cs) == 0 {
		return nil, backend.ErrNotFound
	}

	return cs[0], nil
}

func (b *mysqlBackend) Keys(ctx context.Context) ([]core.CorrelationKey, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT DISTINCT correlation_key FROM `continuations` ORDER BY correlation_key")
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

func (b *mysqlBackend) DeleteInstance(ctx context.Context, instanceID string) (*core.Continuation, error) {
	cs, err := b.claim(ctx, "SELECT token, data FROM `continuations` WHERE instance_id = ? FOR UPDATE", instanceID)
	if err != nil {
		return nil, fmt.Errorf("deleting continuation of instance: %w", err)
	}

	if len(cs) == 0 {
		return nil, backend.ErrNotFound
	}

	return cs[0], nil
}

func (b *mysqlBackend) TakeExpired(ctx context.Context, now time.Time, limit int) ([]*core.Continuation, error) {
	cs, err := b.claim(
		ctx,
		`SELECT token, data FROM continuations
			WHERE expires_at IS NOT NULL AND expires_at <= ?
			ORDER BY expires_at, token
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
		now.UnixMilli(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("taking expired continuations: %w", err)
	}

	return cs, nil
}

// claim locks the rows selected by the query, deletes them and returns their continuations in
// query order. The query has to select token and data.
func (b *mysqlBackend) claim(ctx context.Context, query string, args ...any) ([]*core.Continuation, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var tokens []any
	cs := []*core.Continuation{}

	for rows.Next() {
		var token string
		var data []byte
		if err := rows.Scan(&token, &data); err != nil {
			rows.Close()
			return nil, err
		}

		c, err := unmarshalContinuation(data)
		if err != nil {
			rows.Close()
			return nil, err
		}

		tokens = append(tokens, token)
		cs = append(cs, c)
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	if len(tokens) == 0 {
		return cs, nil
	}

	placeholders := strings.Repeat(",?", len(tokens))[1:]
	if _, err := tx.ExecContext(ctx, "DELETE FROM `continuations` WHERE token IN ("+placeholders+")", tokens...); err != nil {
		return nil, fmt.Errorf("deleting continuations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return cs, nil
}

func (b *mysqlBackend) List(ctx context.Context, afterToken string, count int) ([]*core.Continuation, error) {
	var rows *sql.Rows
	var err error
	if afterToken != "" {
		rows, err = b.db.QueryContext(
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
		rows, err = b.db.QueryContext(
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

	defer rows.Close()

	r := []*core.Continuation{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		c, err := unmarshalContinuation(data)
		if err != nil {
			return nil, err
		}

		r = append(r, c)
	}

	return r, rows.Err()
}

func unmarshalContinuation(data []byte) (*core.Continuation, error) {
	var c core.Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling continuation: %w", err)
	}

	return &c, nil
}

func expiresAt(c *core.Continuation) *int64 {
	if c.ExpiresAt.IsZero() {
		return nil
	}

	ms := c.ExpiresAt.UnixMilli()
	return &ms
}

func (b *mysqlBackend) Tracer() trace.Tracer {
	return b.options.TracerProvider.Tracer(backend.TracerName)
}

func (b *mysqlBackend) Metrics() metrics.Client {
	return b.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "mysql"})
}

func (b *mysqlBackend) Options() *backend.Options {
	return b.options.Options
}

func (b *mysqlBackend) Close() error {
	return b.db.Close()
}
