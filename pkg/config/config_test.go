package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 13080, cfg.Port)
	assert.Equal(t, "/warlock", cfg.Path)
	assert.Equal(t, 60*time.Second, cfg.Client.Check)
	assert.Equal(t, 5*time.Second, cfg.Event.QueueTimeout)
	assert.Equal(t, 3, cfg.Task.Retries)
	assert.Equal(t, 10*time.Second, cfg.Task.Retry)
	assert.Equal(t, 10*time.Second, cfg.Task.Expire)
	assert.Equal(t, 30*time.Second, cfg.Process.Timeout)
	assert.Equal(t, 5, cfg.Process.Limit)
	assert.Equal(t, 5, cfg.Service.Restarts)
	assert.Equal(t, 300*time.Second, cfg.Service.Disable)
	assert.Equal(t, 15*time.Second, cfg.Cluster.ReconnectTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warlock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 14000
admin_key: secret
client:
  check: 30s
cluster:
  name: prod
  peers: [10.0.0.2:13080]
event:
  global:
    - event: job.done
      command: /usr/bin/notify
      args: [--all]
`), 0o644))

	t.Setenv("WARLOCK_TASK_RETRIES", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.Int("port", 13080, "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 14000, cfg.Port, "unchanged flag does not override the file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Task.Retries)
	assert.Equal(t, 30*time.Second, cfg.Client.Check)
	assert.Equal(t, []string{"10.0.0.2:13080"}, cfg.Cluster.Peers)
	require.Len(t, cfg.Event.Global, 1)
	assert.Equal(t, "/usr/bin/notify", cfg.Event.Global[0].Exec().Command)
	assert.Equal(t, []string{"--all"}, cfg.Event.Global[0].Args)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
	assert.Contains(t, string(out), "check: 30s")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	cfg.Path = "warlock"
	cfg.Cluster.Peers = []string{"a:1"}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Limit = 10
	cfg.RateLimit.Window = 500 * time.Millisecond
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
	assert.Contains(t, err.Error(), "path must start with /")
	assert.Contains(t, err.Error(), "cluster.name")
	assert.Contains(t, err.Error(), "window of at least 1s")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}
