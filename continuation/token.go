package continuation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/expr"
)

// Token renders the correlation token for the given key and values:
//
//	<source>|path1=value1&path2=value2
//
// Paths are in key order, values are JSON encoded so "5" and 5 yield different tokens.
func Token(key core.CorrelationKey, values map[string]any) (string, error) {
	var b strings.Builder
	b.WriteString(key.Source)
	b.WriteByte('|')

	for i, p := range key.Paths {
		v, ok := values[p]
		if !ok {
			return "", fmt.Errorf("missing correlation value for %q", p)
		}

		enc, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding correlation value for %q: %w", p, err)
		}

		if i > 0 {
			b.WriteByte('&')
		}

		b.WriteString(p)
		b.WriteByte('=')
		b.Write(enc)
	}

	return b.String(), nil
}

// Derive computes the token an event would resolve for the given key. It returns false when the
// event comes from a different source or does not carry all correlation paths.
func Derive(key core.CorrelationKey, e *core.Event) (string, bool) {
	if key.Source != "" && key.Source != e.Source {
		return "", false
	}

	doc := expr.EventLayer(e.Document())
	values := make(map[string]any, len(key.Paths))
	for _, p := range key.Paths {
		path, err := expr.ParsePath(p)
		if err != nil {
			return "", false
		}

		v, ok := path.Get(doc)
		if !ok {
			return "", false
		}

		values[p] = v
	}

	token, err := Token(key, values)
	if err != nil {
		return "", false
	}

	return token, true
}
