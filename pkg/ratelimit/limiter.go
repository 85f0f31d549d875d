package ratelimit

import (
	"fmt"
	"time"
)

// Info describes the state of an identifier after a call to Allow.
type Info struct {
	Attempts  int           `json:"attempts"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	Remaining int           `json:"remaining"`
}

// Limiter allows at most Limit hits per identifier within the backend's
// window.
type Limiter struct {
	backend Backend
	limit   int
	window  time.Duration
}

// NewLimiter creates a limiter on backend.
func NewLimiter(backend Backend, limit int, window time.Duration) (*Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	return &Limiter{backend: backend, limit: limit, window: window}, nil
}

// Allow counts a hit for identifier unless the limit is already reached.
// Denied attempts are not counted.
func (l *Limiter) Allow(identifier string) (bool, Info, error) {
	rec, err := l.backend.Get(identifier)
	if err != nil {
		return false, Info{}, err
	}
	if len(rec.Log) >= l.limit {
		return false, l.info(rec), nil
	}
	rec, err = l.backend.Check(identifier)
	if err != nil {
		return false, Info{}, err
	}
	return true, l.info(rec), nil
}

// Info returns the current state of identifier without counting a hit.
func (l *Limiter) Info(identifier string) (Info, error) {
	rec, err := l.backend.Get(identifier)
	if err != nil {
		return Info{}, err
	}
	return l.info(rec), nil
}

// Reset forgets every hit of identifier.
func (l *Limiter) Reset(identifier string) error {
	return l.backend.Remove(identifier)
}

// Sweep runs the backend's periodic maintenance when it has any.
func (l *Limiter) Sweep() (int, error) {
	if s, ok := l.backend.(interface{ Sweep() (int, error) }); ok {
		return s.Sweep()
	}
	return 0, nil
}

// Shutdown flushes the backend.
func (l *Limiter) Shutdown() error {
	return l.backend.Shutdown()
}

func (l *Limiter) info(rec Record) Info {
	remaining := l.limit - len(rec.Log)
	if remaining < 0 {
		remaining = 0
	}
	return Info{
		Attempts:  len(rec.Log),
		Limit:     l.limit,
		Window:    l.window,
		Remaining: remaining,
	}
}
