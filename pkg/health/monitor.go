package health

import (
	"context"
	"fmt"
	"time"
)

// Report is sent after every check.
type Report struct {
	Result   Result
	Healthy  bool
	Changed  bool
	Failures int
}

// Monitor checks one service on an interval.
type Monitor struct {
	checker Checker
	cfg     Config
	status  *Status
}

// NewMonitor returns a monitor for checker. Zero fields of cfg take their
// defaults.
func NewMonitor(checker Checker, cfg Config) *Monitor {
	return &Monitor{checker: checker, cfg: cfg.withDefaults()}
}

// Config returns the effective settings.
func (p *Monitor) Config() Config { return p.cfg }

// Run checks until ctx is done, calling report after every check. The
// first check runs once the start period has passed.
func (p *Monitor) Run(ctx context.Context, report func(Report)) {
	p.status = NewStatus(time.Now())
	if p.cfg.StartPeriod > 0 {
		select {
		case <-time.After(p.cfg.StartPeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		report(p.check(ctx))
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Monitor) check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	r := p.checker.Check(ctx)
	changed := p.status.Update(r, p.cfg)
	return Report{Result: r, Healthy: p.status.Healthy, Changed: changed, Failures: p.status.Failures}
}

// Spec describes a checker.
type Spec struct {
	Type    CheckType
	URL     string
	Address string
	// Send and Expect turn a tcp check into a line exchange.
	Send    string
	Expect  string
	Command []string
}

// NewChecker builds the checker for spec.
func NewChecker(spec Spec, timeout time.Duration) (Checker, error) {
	switch spec.Type {
	case CheckTypeHTTP:
		if spec.URL == "" {
			return nil, fmt.Errorf("http health check needs a url")
		}
		c := NewHTTPChecker(spec.URL)
		if timeout > 0 {
			c.WithTimeout(timeout)
		}
		return c, nil
	case CheckTypeTCP:
		if spec.Address == "" {
			return nil, fmt.Errorf("tcp health check needs an address")
		}
		c := NewTCPChecker(spec.Address)
		if spec.Send != "" {
			c.WithExchange(spec.Send, spec.Expect)
		}
		if timeout > 0 {
			c.WithTimeout(timeout)
		}
		return c, nil
	case CheckTypeExec:
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("exec health check needs a command")
		}
		c := NewExecChecker(spec.Command)
		if timeout > 0 {
			c.WithTimeout(timeout)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unsupported health check type %q", spec.Type)
}
