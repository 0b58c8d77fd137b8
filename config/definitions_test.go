package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cschleiden/go-automations/workflow"
	"github.com/stretchr/testify/require"
)

const alertDefinitions = `
systems:
  - name: pager
    driver: http
    data:
      url: https://pager.example.com
    functions:
      page:
        action: post
        params:
          path: /page
rules:
  - name: critical-alert
    when:
      source: monitoring
      type: alert
      match:
        payload.severity: critical
    do:
      workflow: escalate
      params:
        alert: ${payload.id}
---
workflows:
  - name: escalate
    params:
      - name: alert
        required: true
    steps:
      - name: page
        call: pager.page
        with:
          alert: ${params.alert}
      - name: ack
        suspend:
          source: pager
          correlate:
            payload.alert: ${params.alert}
          timeout: 15m
          on_timeout: resume
`

func TestParseDefinitions_MultipleDocuments(t *testing.T) {
	defs, err := ParseDefinitions(strings.NewReader(alertDefinitions))
	require.NoError(t, err)

	require.Len(t, defs.Systems, 1)
	require.Equal(t, "pager", defs.Systems[0].Name)
	require.Equal(t, "post", defs.Systems[0].Functions["page"].Action)

	require.Len(t, defs.Rules, 1)
	require.Equal(t, "escalate", defs.Rules[0].Do.Workflow)
	require.Equal(t, "critical", defs.Rules[0].When.Match["payload.severity"])

	require.Len(t, defs.Workflows, 1)
	w := defs.Workflows[0]
	require.Len(t, w.Steps, 2)
	require.Equal(t, 15*time.Minute, w.Steps[1].Suspend.Timeout)
	require.Equal(t, workflow.TimeoutResume, w.Steps[1].Suspend.OnTimeout)
}

func TestParseDefinitions_UnknownFields(t *testing.T) {
	_, err := ParseDefinitions(strings.NewReader("workflows:\n  - name: a\n    stepz: []\n"))
	require.Error(t, err)
}

func TestLoadDefinitions_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "rules:\n  - name: second\n    when: {source: s}\n    do: {workflow: w}\n")
	writeFile(t, dir, "a.yaml", "rules:\n  - name: first\n    when: {source: s}\n    do: {workflow: w}\n")
	writeFile(t, dir, "notes.txt", "not yaml")

	single := writeFile(t, t.TempDir(), "w.yaml", "workflows:\n  - name: w\n    steps: []\n")

	defs, err := LoadDefinitions(dir, single)
	require.NoError(t, err)

	require.Len(t, defs.Rules, 2)
	require.Equal(t, "first", defs.Rules[0].Name)
	require.Equal(t, "second", defs.Rules[1].Name)
	require.Len(t, defs.Workflows, 1)
}

func TestLoadDefinitions_Missing(t *testing.T) {
	_, err := LoadDefinitions(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
