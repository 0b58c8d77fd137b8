package diag

import (
	"context"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/engine"
)

// json: serialization in this file is part of the diagnostics API

// Engine is the part of the engine the diagnostics API inspects.
type Engine interface {
	Instance(id string) (*engine.Record, bool)
	Instances() []*engine.Record
	Continuations(ctx context.Context, afterToken string, count int) ([]*core.Continuation, error)
	Cancel(ctx context.Context, instanceID string) error
}

var _ Engine = (*engine.Engine)(nil)

// Reloader loads the current definitions into the registry and returns the new version.
type Reloader func(ctx context.Context) (uint64, error)

type InstanceTree struct {
	*engine.Record

	Children []*InstanceTree `json:"children,omitempty"`
}

// ContinuationRef omits the serialized instance state of a continuation.
type ContinuationRef struct {
	Token      string              `json:"token"`
	Key        core.CorrelationKey `json:"key"`
	InstanceID string              `json:"instance_id"`
	Workflow   string              `json:"workflow"`
	CreatedAt  string              `json:"created_at"`
	ExpiresAt  string              `json:"expires_at"`
}

type ReloadResult struct {
	Version uint64 `json:"version"`
	Error   string `json:"error,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}
