package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/task"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	pid        int
	sent       []protocol.PacketType
	terminated int
}

func (h *fakeHandle) Send(t protocol.PacketType, payload any) error {
	h.sent = append(h.sent, t)
	return nil
}

func (h *fakeHandle) Terminate() error {
	h.terminated++
	return nil
}

func (h *fakeHandle) PID() int { return h.pid }

type fakeLauncher struct {
	launched []*task.Task
	handles  map[string]*fakeHandle
}

func (l *fakeLauncher) Launch(ctx context.Context, t *task.Task) (task.Handle, error) {
	if l.handles == nil {
		l.handles = make(map[string]*fakeHandle)
	}
	h := &fakeHandle{pid: 100 + len(l.launched)}
	l.launched = append(l.launched, t)
	l.handles[t.ID] = h
	return h, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time               { return c.t }
func (c *clock) advance(d time.Duration)      { c.t = c.t.Add(d) }
func (c *clock) at(d time.Duration) time.Time { return c.t.Add(d) }

func newTestScheduler(cfg Config) (*Scheduler, *fakeLauncher, *clock) {
	l := &fakeLauncher{}
	s := NewScheduler(cfg, l, zerolog.Nop())
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s, l, c
}

func internal(tag string, fn func() error) *task.Task {
	return task.NewInternal(tag, func(context.Context, *task.Task) error { return fn() })
}

func TestInternalTaskRunsWhenDue(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	ran := 0
	tk := internal("once", func() error { ran++; return nil })
	tk.Start = c.at(5 * time.Second)
	require.NoError(t, s.Add(tk))
	assert.Equal(t, task.StatusQueued, tk.Status)

	next := s.Tick(context.Background(), c.now())
	assert.Equal(t, 0, ran)
	assert.Equal(t, tk.Start, next)

	c.advance(5 * time.Second)
	s.Tick(context.Background(), c.now())
	assert.Equal(t, 1, ran)
	assert.Equal(t, task.StatusComplete, tk.Status)
	assert.Equal(t, int64(1), s.Stats().Execs)
	assert.Equal(t, int64(0), s.Stats().LateExecs)

	// Removed once the expiry window passes.
	c.advance(DefaultConfig().Expire)
	s.Tick(context.Background(), c.now())
	_, ok := s.Get(tk.ID)
	assert.False(t, ok)
}

func TestLateTaskStillRuns(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	var lateSeen time.Duration
	s.OnExec = func(_ *task.Task, late time.Duration) { lateSeen = late }

	tk := internal("late", func() error { return nil })
	tk.Start = c.now()
	require.NoError(t, s.Add(tk))

	c.advance(10 * time.Second)
	s.Tick(context.Background(), c.now())

	assert.Equal(t, task.StatusComplete, tk.Status)
	assert.Equal(t, int64(1), s.Stats().LateExecs)
	assert.Equal(t, 10*time.Second, lateSeen)
}

func TestInternalErrorRetriesThenFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retries = 2
	s, _, c := newTestScheduler(cfg)
	calls := 0
	tk := internal("flaky", func() error { calls++; return errors.New("boom") })
	require.NoError(t, s.Add(tk))

	s.Tick(context.Background(), c.now())
	assert.Equal(t, task.StatusRetry, tk.Status)
	assert.Equal(t, 1, tk.Retries)
	assert.Equal(t, c.at(cfg.RetryDelay), tk.Start)

	for i := 0; i < 2; i++ {
		c.advance(cfg.RetryDelay)
		s.Tick(context.Background(), c.now())
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, task.StatusError, tk.Status)

	st := s.Stats()
	assert.Equal(t, int64(2), st.Retries)
	assert.Equal(t, int64(1), st.Failed)
}

func TestCronTaskQueuesSuccessor(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	runs := 0
	tk := internal("cron", func() error { runs++; return nil })
	require.NoError(t, tk.SetSchedule("@every 1m"))
	require.NoError(t, s.Add(tk))
	assert.Equal(t, c.at(time.Minute), tk.Start)

	var starts []time.Time
	for i := 0; i < 3; i++ {
		c.advance(time.Minute)
		s.Tick(context.Background(), c.now())
		family := s.ByTag("cron")
		queued := family[len(family)-1]
		assert.Equal(t, task.StatusQueued, queued.Status)
		starts = append(starts, queued.Start)
	}
	assert.Equal(t, 3, runs)
	for i := 1; i < len(starts); i++ {
		assert.True(t, starts[i].After(starts[i-1]))
	}
}

func TestRunnerLifecycle(t *testing.T) {
	s, l, c := newTestScheduler(DefaultConfig())
	tk := task.NewRunner("job", task.Exec{Command: "true"}, nil)
	require.NoError(t, s.Add(tk))

	s.Tick(context.Background(), c.now())
	require.Len(t, l.launched, 1)
	assert.Equal(t, task.StatusRunning, tk.Status)
	assert.Equal(t, []protocol.PacketType{protocol.EXEC}, l.handles[tk.ID].sent)
	assert.Equal(t, 1, s.Stats().Processes)

	require.NoError(t, s.Report(tk.ID, task.StatusComplete, 0, ""))
	assert.Equal(t, task.StatusComplete, tk.Status)

	s.ProcessExited(tk.ID, 0)
	assert.Equal(t, 0, s.Stats().Processes)
	assert.Equal(t, task.StatusComplete, tk.Status)
	assert.Equal(t, int64(1), s.Stats().Execs)
}

func TestRunnerNonZeroExitRetries(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	tk := task.NewRunner("job", task.Exec{Command: "false"}, nil)
	require.NoError(t, s.Add(tk))
	s.Tick(context.Background(), c.now())

	s.ProcessExited(tk.ID, 1)
	assert.Equal(t, task.StatusRetry, tk.Status)
	assert.Equal(t, "exit code 1", tk.LastError)
	assert.Equal(t, 1, tk.ExitCode)
}

func TestEventRunnerDoesNotRetry(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	tk := task.NewRunner("event:job.done", task.Exec{Command: "false"}, nil)
	tk.Event = "job.done"
	tk.MaxRetries = 0
	require.NoError(t, s.Add(tk))
	s.Tick(context.Background(), c.now())

	s.ProcessExited(tk.ID, 2)
	assert.Equal(t, task.StatusError, tk.Status)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestRunnerTimeoutTerminates(t *testing.T) {
	s, l, c := newTestScheduler(DefaultConfig())
	tk := task.NewRunner("slow", task.Exec{Command: "sleep"}, nil)
	tk.Timeout = 5 * time.Second
	require.NoError(t, s.Add(tk))
	s.Tick(context.Background(), c.now())

	c.advance(5 * time.Second)
	s.Tick(context.Background(), c.now())
	s.Tick(context.Background(), c.now())
	assert.Equal(t, 1, l.handles[tk.ID].terminated)
}

func TestProcessLimitDefersTasks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessLimit = 1
	s, l, c := newTestScheduler(cfg)
	a := task.NewRunner("a", task.Exec{Command: "a"}, nil)
	b := task.NewRunner("b", task.Exec{Command: "b"}, nil)
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(b))

	s.Tick(context.Background(), c.now())
	assert.Len(t, l.launched, 1)
	assert.Equal(t, int64(1), s.Stats().LimitHits)

	first, second := a, b
	if l.launched[0] == b {
		first, second = b, a
	}
	assert.Equal(t, task.StatusWait, second.Status)

	s.ProcessExited(first.ID, 1)
	s.Tick(context.Background(), c.now())
	assert.Len(t, l.launched, 2)
	assert.Equal(t, task.StatusRunning, second.Status)
}

func TestServiceRestartsThenDisables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceRestarts = 2
	s, l, c := newTestScheduler(cfg)
	svc := task.NewService("mailer", task.Exec{Command: "mailer"}, nil)
	require.NoError(t, s.Add(svc))

	for i := 0; i < 2; i++ {
		s.Tick(context.Background(), c.now())
		require.Equal(t, task.StatusRunning, svc.Status)
		s.ProcessExited(svc.ID, 7)
		require.Equal(t, task.StatusRetry, svc.Status)
		assert.Equal(t, c.now(), svc.Start)
	}
	s.Tick(context.Background(), c.now())
	s.ProcessExited(svc.ID, 4)

	assert.Equal(t, task.StatusRetry, svc.Status)
	assert.Equal(t, c.at(cfg.ServiceDisable), svc.Start)
	assert.Equal(t, 0, svc.Retries)
	assert.Equal(t, 3, svc.Restarts)
	assert.Len(t, l.launched, 3)
}

func TestServiceFatalExitCode(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	svc := task.NewService("broken", task.Exec{Command: "broken"}, nil)
	require.NoError(t, s.Add(svc))
	s.Tick(context.Background(), c.now())

	s.ProcessExited(svc.ID, 3)
	assert.Equal(t, task.StatusError, svc.Status)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestDynamicServiceGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceRestarts = 0
	s, _, c := newTestScheduler(cfg)
	svc := task.NewService("dyn", task.Exec{Command: "dyn"}, nil)
	svc.Dynamic = true
	require.NoError(t, s.Add(svc))
	s.Tick(context.Background(), c.now())

	s.ProcessExited(svc.ID, 99)
	assert.Equal(t, task.StatusError, svc.Status)
}

func TestRespawnServiceQueuesSuccessor(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	svc := task.NewService("poller", task.Exec{Command: "poll"}, nil)
	svc.Respawn = true
	svc.RespawnDelay = 30 * time.Second
	require.NoError(t, s.Add(svc))
	s.Tick(context.Background(), c.now())

	s.ProcessExited(svc.ID, 0)
	assert.Equal(t, task.StatusComplete, svc.Status)

	family := s.ByTag(svc.Tag)
	require.Len(t, family, 2)
	next := family[1]
	assert.Equal(t, task.StatusQueued, next.Status)
	assert.Equal(t, c.at(30*time.Second), next.Start)
}

func TestScheduleTagOverwrite(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	first := internal("report", func() error { return nil })
	first.Start = c.at(time.Hour)
	ok, err := s.Schedule(first, false)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := internal("report", func() error { return nil })
	ok, err = s.Schedule(dup, false)
	require.NoError(t, err)
	assert.False(t, ok)

	replacement := internal("report", func() error { return nil })
	ok, err = s.Schedule(replacement, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, task.StatusCancelled, first.Status)
	assert.Len(t, s.ByTag("report"), 2)
}

func TestCancelKeepsTaskForGraceWindow(t *testing.T) {
	s, l, c := newTestScheduler(DefaultConfig())
	tk := task.NewRunner("job", task.Exec{Command: "sleep"}, nil)
	require.NoError(t, s.Add(tk))
	s.Tick(context.Background(), c.now())

	require.NoError(t, s.Cancel(tk.ID, 20*time.Second))
	assert.Equal(t, protocol.CANCEL, l.handles[tk.ID].sent[1])

	// A late status report still resolves.
	assert.NoError(t, s.Report(tk.ID, task.StatusComplete, 0, ""))
	assert.Equal(t, task.StatusCancelled, tk.Status)

	c.advance(20 * time.Second)
	s.Tick(context.Background(), c.now())
	_, ok := s.Get(tk.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Cancel("missing", 0), ErrTaskNotFound)
}

func TestCancelTag(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	for i := 0; i < 3; i++ {
		tk := internal("batch", func() error { return nil })
		tk.Start = c.at(time.Hour)
		require.NoError(t, s.Add(tk))
	}
	assert.Equal(t, 3, s.CancelTag("batch", 0))
	assert.Equal(t, 0, s.CancelTag("batch", 0))
	for _, tk := range s.ByTag("batch") {
		assert.Equal(t, task.StatusCancelled, tk.Status)
	}
}

func TestTaskGraphClosure(t *testing.T) {
	s, _, c := newTestScheduler(DefaultConfig())
	var tasks []*task.Task
	for i := 0; i < 4; i++ {
		fail := i%2 == 0
		tk := internal("mix", func() error {
			if fail {
				return errors.New("fail")
			}
			return nil
		})
		tasks = append(tasks, tk)
		require.NoError(t, s.Add(tk))
	}
	runner := task.NewRunner("mix", task.Exec{Command: "x"}, nil)
	tasks = append(tasks, runner)
	require.NoError(t, s.Add(runner))

	last := make(map[string]task.Status)
	for i := 0; i < 50; i++ {
		s.Tick(context.Background(), c.now())
		if i == 3 {
			s.ProcessExited(runner.ID, 1)
		}
		for _, tk := range tasks {
			prev, seen := last[tk.ID]
			if seen && prev != tk.Status {
				assert.False(t, prev.Terminal(), "%s regressed from %s to %s", tk.ID, prev, tk.Status)
			}
			last[tk.ID] = tk.Status
		}
		c.advance(5 * time.Second)
	}
}
