package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/warlock/pkg/health"
	"github.com/cuemby/warlock/pkg/task"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ServiceDef is one entry of the services file.
type ServiceDef struct {
	Name         string            `yaml:"name"`
	Enabled      *bool             `yaml:"enabled,omitempty"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Dir          string            `yaml:"dir,omitempty"`
	Config       map[string]any    `yaml:"config,omitempty"`
	Delay        time.Duration     `yaml:"delay,omitempty"`
	Respawn      bool              `yaml:"respawn,omitempty"`
	RespawnDelay time.Duration     `yaml:"respawn_delay,omitempty"`
	Health       *HealthCheck      `yaml:"health,omitempty"`
}

// HealthCheck configures the monitor of a running service.
type HealthCheck struct {
	Type        string        `yaml:"type"`
	URL         string        `yaml:"url,omitempty"`
	Address     string        `yaml:"address,omitempty"`
	Send        string        `yaml:"send,omitempty"`
	Expect      string        `yaml:"expect,omitempty"`
	Command     []string      `yaml:"command,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Retries     int           `yaml:"retries,omitempty"`
	StartPeriod time.Duration `yaml:"start_period,omitempty"`
}

// Monitor builds the health monitor described by h.
func (h HealthCheck) Monitor() (*health.Monitor, error) {
	spec := health.Spec{
		Type:    health.CheckType(strings.ToLower(h.Type)),
		URL:     h.URL,
		Address: h.Address,
		Send:    h.Send,
		Expect:  h.Expect,
		Command: h.Command,
	}
	checker, err := health.NewChecker(spec, h.Timeout)
	if err != nil {
		return nil, err
	}
	return health.NewMonitor(checker, health.Config{
		Interval:    h.Interval,
		Timeout:     h.Timeout,
		Retries:     h.Retries,
		StartPeriod: h.StartPeriod,
	}), nil
}

type servicesFile struct {
	Services []ServiceDef `yaml:"services"`
}

// IsEnabled reports whether the service starts with the server.
func (d ServiceDef) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Task builds the supervised task for this service, due at now+Delay.
func (d ServiceDef) Task(now time.Time) (*task.Task, error) {
	var cfg json.RawMessage
	if len(d.Config) > 0 {
		b, err := json.Marshal(d.Config)
		if err != nil {
			return nil, fmt.Errorf("service %s: bad config: %w", d.Name, err)
		}
		cfg = b
	}
	t := task.NewService(d.Name, task.Exec{Command: d.Command, Args: d.Args, Env: d.Env, Dir: d.Dir}, cfg)
	t.Respawn = d.Respawn
	t.RespawnDelay = d.RespawnDelay
	t.Start = now.Add(d.Delay)
	return t, nil
}

// LoadServices parses a services file.
func LoadServices(path string) ([]ServiceDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services file: %w", err)
	}
	return ParseServices(data)
}

// ParseServices parses services YAML.
func ParseServices(data []byte) ([]ServiceDef, error) {
	var f servicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse services: %w", err)
	}
	seen := make(map[string]bool, len(f.Services))
	for i, d := range f.Services {
		if d.Name == "" {
			return nil, fmt.Errorf("service %d has no name", i)
		}
		if d.Command == "" {
			return nil, fmt.Errorf("service %s has no command", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate service %s", d.Name)
		}
		if d.Health != nil {
			if _, err := d.Health.Monitor(); err != nil {
				return nil, fmt.Errorf("service %s: %w", d.Name, err)
			}
		}
		seen[d.Name] = true
	}
	return f.Services, nil
}

// WatchServices calls fn with the new definitions every time the services
// file is written, until ctx is done. The parent directory is watched so
// editors that replace the file are followed.
func WatchServices(ctx context.Context, path string, logger zerolog.Logger, fn func([]ServiceDef)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create services watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				defs, err := LoadServices(path)
				if err != nil {
					logger.Error().Err(err).Str("file", path).Msg("Ignoring invalid services file")
					continue
				}
				logger.Info().Str("file", path).Int("services", len(defs)).Msg("Services file changed")
				fn(defs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("Services watcher error")
			}
		}
	}()
	return nil
}
