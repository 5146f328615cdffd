package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/domain"
	"journeyline/internal/engine"
)

const welcomeYAML = `key: welcome
version: 1.0.0
name: Welcome
stages:
  - title: Watch the intro
    kind: lesson
  - title: ID document
    kind: upload
    sla_hours: 48
    requirements:
      - name: Passport
        accepted_types: [pdf]
        max_size_mb: 10
`

// run executes the CLI against workspace and returns what it printed.
func run(t *testing.T, workspace string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := out
	out = &buf
	t.Cleanup(func() { out = prev })
	root := newRootCmd()
	root.SetArgs(append([]string{"--workspace", workspace}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestCLIJourney(t *testing.T) {
	ws := t.TempDir()
	file := filepath.Join(ws, "welcome.yml")
	require.NoError(t, os.WriteFile(file, []byte(welcomeYAML), 0o644))

	text, err := run(t, ws, "migrate")
	require.NoError(t, err)
	assert.Contains(t, text, "schema version 1")
	_, err = run(t, ws, "template", "import", file)
	require.NoError(t, err)

	raw, err := run(t, ws, "--json", "journey", "start", "--template", "welcome", "--client", "c-1")
	require.NoError(t, err)
	var view engine.JourneyView
	require.NoError(t, json.Unmarshal([]byte(raw), &view))
	require.Len(t, view.Stages, 2)
	assert.Equal(t, "local-user", view.Journey.OwnerID)

	_, err = run(t, ws, "stage", "complete", view.Stages[0].ID)
	require.NoError(t, err)

	raw, err = run(t, ws, "--json", "journey", "next", view.Journey.ID)
	require.NoError(t, err)
	var next domain.NextAction
	require.NoError(t, json.Unmarshal([]byte(raw), &next))
	assert.Equal(t, view.Stages[1].ID, next.StageID)

	_, err = run(t, ws, "stage", "complete", view.Stages[1].ID)
	require.Error(t, err)
	var gateErr *domain.GateNotSatisfiedError
	assert.ErrorAs(t, err, &gateErr)

	text, err = run(t, ws, "log", "tail", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, text, "stage.completed")
}

func TestCLITickets(t *testing.T) {
	ws := t.TempDir()
	raw, err := run(t, ws, "--json", "ticket", "create", "--title", "Printer jammed", "--priority", "urgente")
	require.NoError(t, err)
	var tk domain.Ticket
	require.NoError(t, json.Unmarshal([]byte(raw), &tk))
	assert.Equal(t, domain.Priority("urgente"), tk.Priority)

	_, err = run(t, ws, "ticket", "create", "--title", "x", "--priority", "critica")
	var policyErr *domain.PolicyMissingError
	assert.ErrorAs(t, err, &policyErr)

	text, err := run(t, ws, "ticket", "resolve", tk.ID)
	require.NoError(t, err)
	assert.Contains(t, text, "resolved")
}

func TestCLIConfigInit(t *testing.T) {
	ws := t.TempDir()
	_, err := run(t, ws, "config", "init")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws, "journeyline.yml"))
	require.NoError(t, err)

	_, err = run(t, ws, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	text, err := run(t, ws, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, text, "config ok")
}

func TestCLIToken(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("JOURNEYLINE_JWT_SECRET", "cli-secret")
	text, err := run(t, ws, "token", "--actor", "ops")
	require.NoError(t, err)
	assert.Regexp(t, `^[\w-]+\.[\w-]+\.[\w-]+\n$`, text)
}
