package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/warlock/pkg/task"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const servicesYAML = `
services:
  - name: mailer
    command: /usr/local/bin/mailer
    args: [--queue, outbound]
    config:
      batch: 10
    delay: 5s
  - name: poller
    enabled: false
    command: /usr/local/bin/poll
    respawn: true
    respawn_delay: 30s
`

func TestParseServices(t *testing.T) {
	defs, err := ParseServices([]byte(servicesYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.True(t, defs[0].IsEnabled())
	assert.False(t, defs[1].IsEnabled())
	assert.Equal(t, 30*time.Second, defs[1].RespawnDelay)

	now := time.Unix(1700000000, 0)
	tk, err := defs[0].Task(now)
	require.NoError(t, err)
	assert.Equal(t, task.KindService, tk.Kind)
	assert.Equal(t, "mailer", tk.Name)
	assert.Equal(t, now.Add(5*time.Second), tk.Start)
	assert.JSONEq(t, `{"batch":10}`, string(tk.Config))
	assert.Equal(t, []string{"--queue", "outbound"}, tk.Exec.Args)
}

func TestServiceHealthCheck(t *testing.T) {
	doc := `
services:
  - name: api
    command: ./api
    health:
      type: HTTP
      url: http://127.0.0.1:8080/healthz
      interval: 10s
      retries: 5
`
	defs, err := ParseServices([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, defs[0].Health)

	p, err := defs[0].Health.Monitor()
	require.NoError(t, err)
	cfg := p.Config()
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 5, cfg.Retries)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestParseServicesRejectsBadDefinitions(t *testing.T) {
	tests := map[string]string{
		"no name":    "services:\n  - command: x\n",
		"no command": "services:\n  - name: x\n",
		"duplicate":  "services:\n  - {name: x, command: a}\n  - {name: x, command: b}\n",
		"not yaml":   "services: [",
		"bad health": "services:\n  - {name: x, command: a, health: {type: tcp}}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseServices([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestWatchServices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services: []\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []ServiceDef, 4)
	require.NoError(t, WatchServices(ctx, path, zerolog.Nop(), func(defs []ServiceDef) { changes <- defs }))

	require.NoError(t, os.WriteFile(path, []byte(servicesYAML), 0o644))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case defs := <-changes:
			if len(defs) == 2 {
				assert.Equal(t, "mailer", defs[0].Name)
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
