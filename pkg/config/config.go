package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/warlock/pkg/task"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WARLOCK_CLIENT_CHECK.
const EnvPrefix = "WARLOCK"

// Config is the server configuration.
type Config struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Name     string `mapstructure:"name" yaml:"name"`
	Address  string `mapstructure:"address" yaml:"address"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Path     string `mapstructure:"path" yaml:"path"`
	Encode   bool   `mapstructure:"encode" yaml:"encode"`
	AdminKey string `mapstructure:"admin_key" yaml:"admin_key"`
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Client    ClientConfig    `mapstructure:"client" yaml:"client"`
	Event     EventConfig     `mapstructure:"event" yaml:"event"`
	Task      TaskConfig      `mapstructure:"task" yaml:"task"`
	Process   ProcessConfig   `mapstructure:"process" yaml:"process"`
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Cluster   ClusterConfig   `mapstructure:"cluster" yaml:"cluster"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	KV        KVConfig        `mapstructure:"kv" yaml:"kv"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

type ClientConfig struct {
	// Check is how long a client may stay silent before it is pinged.
	Check     time.Duration `mapstructure:"check" yaml:"check"`
	PingWait  time.Duration `mapstructure:"ping_wait" yaml:"ping_wait"`
	PingCount int           `mapstructure:"ping_count" yaml:"ping_count"`
}

type EventConfig struct {
	QueueTimeout time.Duration `mapstructure:"queue_timeout" yaml:"queue_timeout"`
	// Global events start a runner whenever they are triggered.
	Global []GlobalEvent `mapstructure:"global" yaml:"global"`
}

// GlobalEvent binds an event id to a command.
type GlobalEvent struct {
	Event   string            `mapstructure:"event" yaml:"event"`
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

// Exec returns the command of the event's runner.
func (g GlobalEvent) Exec() task.Exec {
	return task.Exec{Command: g.Command, Args: g.Args, Env: g.Env}
}

type TaskConfig struct {
	Retries int           `mapstructure:"retries" yaml:"retries"`
	Retry   time.Duration `mapstructure:"retry" yaml:"retry"`
	Expire  time.Duration `mapstructure:"expire" yaml:"expire"`
}

type ProcessConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Limit   int           `mapstructure:"limit" yaml:"limit"`
	// Command starts a worker process; empty means this binary's worker
	// subcommand.
	Command []string `mapstructure:"command" yaml:"command,omitempty"`
}

type ServiceConfig struct {
	Restarts int           `mapstructure:"restarts" yaml:"restarts"`
	Disable  time.Duration `mapstructure:"disable" yaml:"disable"`
	File     string        `mapstructure:"file" yaml:"file,omitempty"`
}

type ClusterConfig struct {
	Name             string        `mapstructure:"name" yaml:"name,omitempty"`
	AccessKey        string        `mapstructure:"access_key" yaml:"access_key,omitempty"`
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout" yaml:"reconnect_timeout"`
	Peers            []string      `mapstructure:"peers" yaml:"peers,omitempty"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Limit   int           `mapstructure:"limit" yaml:"limit"`
	Window  time.Duration `mapstructure:"window" yaml:"window"`
	Persist bool          `mapstructure:"persist" yaml:"persist"`
}

type KVConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Persist bool `mapstructure:"persist" yaml:"persist"`
	// Sweep is the cron schedule of the expired key sweep.
	Sweep string `mapstructure:"sweep" yaml:"sweep"`
}

type MetricsConfig struct {
	Listen   string        `mapstructure:"listen" yaml:"listen,omitempty"`
	Announce time.Duration `mapstructure:"announce" yaml:"announce"`
}

var defaults = map[string]any{
	"name":                      "warlock",
	"address":                   "0.0.0.0",
	"port":                      13080,
	"path":                      "/warlock",
	"encode":                    false,
	"admin_key":                 "",
	"data_dir":                  "./data",
	"log.level":                 "info",
	"log.json":                  false,
	"client.check":              60 * time.Second,
	"client.ping_wait":          5 * time.Second,
	"client.ping_count":         3,
	"event.queue_timeout":       5 * time.Second,
	"task.retries":              3,
	"task.retry":                10 * time.Second,
	"task.expire":               10 * time.Second,
	"process.timeout":           30 * time.Second,
	"process.limit":             5,
	"service.restarts":          5,
	"service.disable":           300 * time.Second,
	"service.file":              "",
	"cluster.name":              "",
	"cluster.access_key":        "",
	"cluster.reconnect_timeout": 15 * time.Second,
	"cluster.peers":             []string{},
	"ratelimit.enabled":         false,
	"ratelimit.limit":           100,
	"ratelimit.window":          60 * time.Second,
	"ratelimit.persist":         false,
	"kv.enabled":                true,
	"kv.persist":                false,
	"kv.sweep":                  "@every 1m",
	"metrics.listen":            "",
	"metrics.announce":          60 * time.Second,
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"id":        "id",
	"name":      "name",
	"address":   "address",
	"port":      "port",
	"path":      "path",
	"encode":    "encode",
	"admin-key": "admin_key",
	"data-dir":  "data_dir",
	"log-level": "log.level",
	"log-json":  "log.json",
	"cluster":   "cluster.name",
	"peers":     "cluster.peers",
	"metrics":   "metrics.listen",
	"services":  "service.file",
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetDefault("id", "")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := decode(New())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the config file at path (if any), applies WARLOCK_*
// environment overrides and any changed flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path must start with /: %q", c.Path))
	}
	if len(c.Cluster.Peers) > 0 && c.Cluster.Name == "" {
		errs = append(errs, errors.New("cluster.peers requires cluster.name"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window < time.Second) {
		errs = append(errs, errors.New("ratelimit needs a positive limit and a window of at least 1s"))
	}
	if c.Process.Limit < 0 {
		errs = append(errs, errors.New("process.limit must not be negative"))
	}
	for _, g := range c.Event.Global {
		if g.Event == "" || g.Command == "" {
			errs = append(errs, errors.New("global events need an event and a command"))
			break
		}
	}
	return errors.Join(errs...)
}

// ListenAddr is the address the server listens on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// YAML renders the effective configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	out.AdminKey = mask(out.AdminKey)
	out.Cluster.AccessKey = mask(out.Cluster.AccessKey)
	return yaml.Marshal(&out)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
