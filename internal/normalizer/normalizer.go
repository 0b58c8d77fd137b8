package normalizer

import (
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/workflow"
	"github.com/google/uuid"
)

const (
	SourceKey  = "source"
	TypeKey    = "type"
	PayloadKey = "payload"
	IDKey      = "id"
)

// Normalizer turns raw payloads emitted by drivers into canonical events. It is safe for
// concurrent use.
type Normalizer struct {
	clock    clock.Clock
	sequence atomic.Uint64
}

func New(clock clock.Clock) *Normalizer {
	return &Normalizer{clock: clock}
}

// Normalize validates the envelope of a raw event and wraps the rest as payload. The raw map is
// copied and not retained.
//
// The payload is taken from the "payload" key if present, otherwise all keys except the
// envelope fields form the payload.
func (n *Normalizer) Normalize(raw map[string]any) (*core.Event, error) {
	if raw == nil {
		return nil, &workflow.EventMalformedError{Reason: "event is empty"}
	}

	source, err := envelopeField(raw, SourceKey)
	if err != nil {
		return nil, err
	}

	eventType, err := envelopeField(raw, TypeKey)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if p, ok := raw[PayloadKey]; ok {
		switch t := p.(type) {
		case map[string]any:
			payload = copyMap(t)
		case nil:
			payload = map[string]any{}
		default:
			return nil, &workflow.EventMalformedError{Reason: "payload must be a structured document"}
		}
	} else {
		payload = make(map[string]any, len(raw))
		for k, v := range raw {
			if k == SourceKey || k == TypeKey || k == IDKey {
				continue
			}

			payload[k] = v
		}
	}

	id, _ := raw[IDKey].(string)
	if id == "" {
		id = uuid.NewString()
	}

	return &core.Event{
		ID:        id,
		Source:    source,
		Type:      eventType,
		Payload:   payload,
		Timestamp: n.clock.Now().UTC(),
		Sequence:  n.sequence.Add(1),
	}, nil
}

func envelopeField(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", &workflow.EventMalformedError{Reason: "missing " + key}
	}

	s, ok := v.(string)
	if !ok || s == "" {
		return "", &workflow.EventMalformedError{Reason: key + " must be a non-empty string"}
	}

	return s, nil
}

// copyMap copies nested maps and lists so the event cannot be mutated through the raw payload.
func copyMap(m map[string]any) map[string]any {
	r := make(map[string]any, len(m))
	for k, v := range m {
		r[k] = copyValue(v)
	}

	return r
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		l := make([]any, len(t))
		for i, c := range t {
			l[i] = copyValue(c)
		}

		return l
	}

	return v
}
