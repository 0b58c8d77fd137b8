package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompile_Resolve(t *testing.T) {
	scope := NewScope(map[string]any{
		"params": map[string]any{"service": "api", "replicas": 3},
		"steps": map[string]any{
			"post": map[string]any{"output": map[string]any{"ts": "1234.5"}},
		},
	})

	tests := []struct {
		name    string
		value   any
		want    any
		wantErr bool
	}{
		{name: "literal string", value: "hello", want: "hello"},
		{name: "literal number", value: 5, want: 5},
		{name: "whole reference keeps type", value: "${params.replicas}", want: 3},
		{name: "interpolation", value: "deploying ${params.service} x${params.replicas}", want: "deploying api x3"},
		{name: "optional absent", value: "${params.missing?}", want: nil},
		{name: "required absent", value: "${params.missing}", wantErr: true},
		{name: "escaped", value: "$${params.service}", want: "${params.service}"},
		{
			name:  "nested map",
			value: map[string]any{"ts": "${steps.post.output.ts}", "list": []any{"${params.service}", 1}},
			want:  map[string]any{"ts": "1234.5", "list": []any{"api", 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Compile(tt.value)
			require.NoError(t, err)

			r, err := v.Resolve(scope)
			if tt.wantErr {
				var me *MissingError
				require.ErrorAs(t, err, &me)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, r)
		})
	}
}

func TestCompile_InvalidReferences(t *testing.T) {
	for _, v := range []any{
		"${}",
		"${params.}",
		"prefix ${params.service",
		map[string]any{"x": []any{"${a b}"}},
	} {
		_, err := Compile(v)
		require.Error(t, err, "%v", v)
	}
}

func TestCompile_Refs(t *testing.T) {
	v := MustCompile(map[string]any{
		"a": "${params.a}",
		"b": "x ${steps.b.output} ${params.c?}",
	})

	var refs []string
	for _, r := range v.Refs() {
		refs = append(refs, r.String())
	}

	require.Equal(t, []string{"params.a", "steps.b.output", "params.c"}, refs)
}
