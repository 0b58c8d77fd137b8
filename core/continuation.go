package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CorrelationKey describes how to derive a correlation token from an event: the event paths
// whose values are compared and, optionally, the source the event has to come from.
type CorrelationKey struct {
	Source string   `json:"source,omitempty"`
	Paths  []string `json:"paths"`
}

// NewCorrelationKey returns a key with the paths in canonical order.
func NewCorrelationKey(source string, paths ...string) CorrelationKey {
	p := append([]string{}, paths...)
	sort.Strings(p)

	return CorrelationKey{Source: source, Paths: p}
}

// String returns the canonical form of the key, "<source>|path1&path2".
func (k CorrelationKey) String() string {
	return k.Source + "|" + strings.Join(k.Paths, "&")
}

// ParseCorrelationKey parses the canonical form returned by String.
func ParseCorrelationKey(s string) (CorrelationKey, error) {
	source, paths, ok := strings.Cut(s, "|")
	if !ok || paths == "" {
		return CorrelationKey{}, fmt.Errorf("invalid correlation key %q", s)
	}

	return NewCorrelationKey(source, strings.Split(paths, "&")...), nil
}

// Continuation is a suspended workflow instance waiting for a correlated event.
type Continuation struct {
	// Token identifies the continuation. At most one continuation per token is active.
	Token string `json:"token"`

	Key CorrelationKey `json:"key"`

	// InstanceID is the top-level instance that suspended.
	InstanceID string `json:"instance_id"`

	Workflow string `json:"workflow"`

	// Instance is the serialized instance state.
	Instance []byte `json:"instance"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// ResumeOnTimeout resumes the instance with Default as the resume payload once the
	// continuation expired, instead of failing it.
	ResumeOnTimeout bool           `json:"resume_on_timeout,omitempty"`
	Default         map[string]any `json:"default,omitempty"`
}

// Expired returns true if the continuation expired at the given time.
func (c *Continuation) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
