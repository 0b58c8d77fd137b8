package core

import (
	"time"
)

// Event is the canonical record of something that happened in an external system. Events are
// created by the normalizer and never mutated afterwards; consumers derive contexts from them.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id,omitempty"`

	// Source is the system that emitted the event, e.g. "slack".
	Source string `json:"source,omitempty"`

	// Type is the kind of event within the source, e.g. "slash_command".
	Type string `json:"type,omitempty"`

	// Payload is the structured document carried by the event.
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp is the receipt time, used for expiry checks.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Sequence is a monotonic receipt counter, used for ordering.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Document returns the structured view of the event that expressions resolve against.
func (e *Event) Document() map[string]any {
	if e == nil {
		return map[string]any{}
	}

	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	return map[string]any{
		"id":        e.ID,
		"source":    e.Source,
		"type":      e.Type,
		"payload":   payload,
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
	}
}
