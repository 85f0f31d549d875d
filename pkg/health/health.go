package health

import (
	"context"
	"time"
)

// CheckType names a kind of health check.
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result is the outcome of one check.
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

func result(start time.Time, healthy bool, message string) Result {
	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// Checker checks one service.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often a service is checked and how many failures
// make it unhealthy.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
	// StartPeriod delays the first check after the service starts.
	StartPeriod time.Duration
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = d.Retries
	}
	return c
}

// Status accumulates check results. A service starts healthy and turns
// unhealthy after Retries consecutive failures; one success heals it.
type Status struct {
	Failures   int
	Successes  int
	LastCheck  time.Time
	LastResult Result
	Healthy    bool
	StartedAt  time.Time
}

// NewStatus returns a healthy status starting at now.
func NewStatus(now time.Time) *Status {
	return &Status{Healthy: true, StartedAt: now}
}

// Update records r and reports whether Healthy changed.
func (s *Status) Update(r Result, cfg Config) bool {
	before := s.Healthy
	s.LastCheck = r.CheckedAt
	s.LastResult = r
	if r.Healthy {
		s.Successes++
		s.Failures = 0
		s.Healthy = true
	} else {
		s.Failures++
		s.Successes = 0
		if s.Failures >= cfg.Retries {
			s.Healthy = false
		}
	}
	return s.Healthy != before
}

// InStartPeriod reports whether checks are still held back at now.
func (s *Status) InStartPeriod(now time.Time, cfg Config) bool {
	return cfg.StartPeriod > 0 && now.Sub(s.StartedAt) < cfg.StartPeriod
}
