package health

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	status := http.StatusOK
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewHTTPChecker(srv.URL)
	r := c.Check(context.Background())
	assert.True(t, r.Healthy, r.Message)
	assert.Equal(t, "HTTP 200 OK", r.Message)
	assert.Positive(t, r.Duration)

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()
	r = c.Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Contains(t, r.Message, "expected 200-399")

	r = c.WithStatusRange(500, 503).Check(context.Background())
	assert.True(t, r.Healthy, r.Message)
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewHTTPChecker(url).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Contains(t, r.Message, "request failed")
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	r := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, r.Healthy, r.Message)

	ln.Close()
	r = NewTCPChecker(addr).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, r.Healthy)
}

func TestTCPCheckerExchange(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			line, _ := bufio.NewReader(conn).ReadString('\n')
			if strings.HasPrefix(line, "PING") {
				_, _ = conn.Write([]byte("+PONG\r\n"))
			} else {
				_, _ = conn.Write([]byte("-ERR unknown\r\n"))
			}
			conn.Close()
		}
	}()

	c := NewTCPChecker(ln.Addr().String()).WithExchange("PING", "+PONG")
	r := c.Check(context.Background())
	assert.True(t, r.Healthy, r.Message)
	assert.Equal(t, "+PONG", r.Message)

	r = c.WithExchange("HELLO", "+PONG").Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Contains(t, r.Message, "unexpected reply")
}

func TestExecChecker(t *testing.T) {
	r := NewExecChecker([]string{"sh", "-c", "echo ready"}).Check(context.Background())
	assert.True(t, r.Healthy, r.Message)
	assert.Equal(t, "ready", r.Message)

	r = NewExecChecker([]string{"sh", "-c", "echo broken >&2; exit 3"}).Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Contains(t, r.Message, "broken")

	r = NewExecChecker(nil).Check(context.Background())
	assert.False(t, r.Healthy)

	r = NewExecChecker([]string{"sleep", "5"}).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Less(t, r.Duration, 5*time.Second)
}

func TestStatusUpdate(t *testing.T) {
	cfg := Config{Retries: 2}
	s := NewStatus(time.Now())
	fail := Result{Healthy: false}
	ok := Result{Healthy: true}

	assert.False(t, s.Update(fail, cfg))
	assert.True(t, s.Healthy)
	assert.Equal(t, 1, s.Failures)

	assert.True(t, s.Update(fail, cfg))
	assert.False(t, s.Healthy)

	assert.False(t, s.Update(fail, cfg))
	assert.Equal(t, 3, s.Failures)

	assert.True(t, s.Update(ok, cfg))
	assert.True(t, s.Healthy)
	assert.Zero(t, s.Failures)
	assert.Equal(t, 1, s.Successes)
}

func TestStatusStartPeriod(t *testing.T) {
	now := time.Now()
	s := NewStatus(now)
	assert.False(t, s.InStartPeriod(now, Config{}))
	assert.True(t, s.InStartPeriod(now.Add(time.Second), Config{StartPeriod: 2 * time.Second}))
	assert.False(t, s.InStartPeriod(now.Add(3*time.Second), Config{StartPeriod: 2 * time.Second}))
}

type scriptedChecker struct {
	mu      sync.Mutex
	results []bool
}

func (c *scriptedChecker) Check(context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	healthy := true
	if len(c.results) > 0 {
		healthy = c.results[0]
		c.results = c.results[1:]
	}
	return Result{Healthy: healthy, CheckedAt: time.Now()}
}

func (c *scriptedChecker) Type() CheckType { return "scripted" }

func TestMonitorReportsTransitions(t *testing.T) {
	checker := &scriptedChecker{results: []bool{true, false, false, true}}
	p := NewMonitor(checker, Config{Interval: 5 * time.Millisecond, Retries: 2})
	assert.Equal(t, 10*time.Second, p.Config().Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reports := make(chan Report, 16)
	go p.Run(ctx, func(r Report) {
		select {
		case reports <- r:
		default:
		}
	})

	var got []Report
	for len(got) < 4 {
		select {
		case r := <-reports:
			got = append(got, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d reports", len(got))
		}
	}
	cancel()

	assert.True(t, got[0].Healthy)
	assert.False(t, got[0].Changed)
	assert.True(t, got[1].Healthy)
	assert.Equal(t, 1, got[1].Failures)
	assert.False(t, got[2].Healthy)
	assert.True(t, got[2].Changed)
	assert.True(t, got[3].Healthy)
	assert.True(t, got[3].Changed)
}

func TestMonitorStopsDuringStartPeriod(t *testing.T) {
	p := NewMonitor(&scriptedChecker{}, Config{StartPeriod: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, func(Report) { t.Error("checked during the start period") })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestNewChecker(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want CheckType
		err  bool
	}{
		{"http", Spec{Type: CheckTypeHTTP, URL: "http://127.0.0.1/healthz"}, CheckTypeHTTP, false},
		{"tcp", Spec{Type: CheckTypeTCP, Address: "127.0.0.1:6379"}, CheckTypeTCP, false},
		{"exec", Spec{Type: CheckTypeExec, Command: []string{"true"}}, CheckTypeExec, false},
		{"http without url", Spec{Type: CheckTypeHTTP}, "", true},
		{"tcp without address", Spec{Type: CheckTypeTCP}, "", true},
		{"exec without command", Spec{Type: CheckTypeExec}, "", true},
		{"unknown", Spec{Type: "grpc"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewChecker(tt.spec, time.Second)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Type())
		})
	}
}
