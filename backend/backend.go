package backend

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/metrics"
)

var (
	// ErrConflict is returned by Put when the token already has an active continuation.
	ErrConflict = errors.New("correlation token already has an active continuation")

	// ErrNotFound is returned when no active continuation matches.
	ErrNotFound = errors.New("continuation not found")
)

const TracerName = "go-automations"

// Backend persists suspended continuations. Every operation on a single token is atomic: a
// continuation is returned by at most one of Take, TakeExpired and DeleteInstance.
type Backend interface {
	// Put stores a new continuation. It never overwrites an active continuation with the same
	// token and returns ErrConflict instead.
	Put(ctx context.Context, c *core.Continuation) error

	// Take removes and returns the continuation for the given token. Returns ErrNotFound if no
	// continuation is active for the token.
	Take(ctx context.Context, token string) (*core.Continuation, error)

	// Keys returns the distinct correlation keys of all active continuations.
	Keys(ctx context.Context) ([]core.CorrelationKey, error)

	// DeleteInstance removes and returns the continuation held by the given instance. Returns
	// ErrNotFound if the instance holds none.
	DeleteInstance(ctx context.Context, instanceID string) (*core.Continuation, error)

	// TakeExpired removes and returns up to limit continuations that expired at or before now,
	// earliest expiry first.
	TakeExpired(ctx context.Context, now time.Time, limit int) ([]*core.Continuation, error)

	// List returns active continuations ordered by creation time. A non-empty afterToken
	// continues after the given continuation.
	List(ctx context.Context, afterToken string, count int) ([]*core.Continuation, error)

	// Tracer returns the configured tracer for the backend
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the backend
	Metrics() metrics.Client

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error
}
