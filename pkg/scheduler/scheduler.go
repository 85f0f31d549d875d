package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/warlock/pkg/task"
	"github.com/rs/zerolog"
)

var ErrTaskNotFound = errors.New("task not found")

// lateThreshold is how far past its start a task may be dispatched before
// it counts as a late execution.
const lateThreshold = time.Second

// Config holds the scheduling defaults applied to tasks that do not set
// their own.
type Config struct {
	Retries         int
	RetryDelay      time.Duration
	Expire          time.Duration
	Timeout         time.Duration
	ProcessLimit    int
	ServiceRestarts int
	ServiceDisable  time.Duration
}

// DefaultConfig mirrors the server configuration defaults.
func DefaultConfig() Config {
	return Config{
		Retries:         3,
		RetryDelay:      10 * time.Second,
		Expire:          10 * time.Second,
		Timeout:         30 * time.Second,
		ProcessLimit:    5,
		ServiceRestarts: 5,
		ServiceDisable:  300 * time.Second,
	}
}

// Stats are the scheduler counters.
type Stats struct {
	Tasks     int   `json:"tasks"`
	Processes int   `json:"processes"`
	Execs     int64 `json:"execs"`
	LateExecs int64 `json:"late_execs"`
	Retries   int64 `json:"retries"`
	Failed    int64 `json:"failed"`
	LimitHits int64 `json:"limit_hits"`
}

// Scheduler owns the task queue and the tag index. It is driven by Tick and
// is not safe for concurrent use; the server loop is its only caller.
type Scheduler struct {
	cfg      Config
	launcher task.Launcher
	logger   zerolog.Logger
	now      func() time.Time

	tasks   map[string]*task.Task
	tags    map[string]map[string]*task.Task
	due     dueQueue
	waiting []string

	processes int
	stats     Stats

	// OnExec is called after every dispatch.
	OnExec func(t *task.Task, late time.Duration)
}

// NewScheduler creates a scheduler. launcher may be nil when only internal
// tasks are scheduled.
func NewScheduler(cfg Config, launcher task.Launcher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		now:      time.Now,
		tasks:    make(map[string]*task.Task),
		tags:     make(map[string]map[string]*task.Task),
	}
}

// Add queues a new task. Tasks without a start are due now; scheduled tasks
// without a start are due at their next occurrence.
func (s *Scheduler) Add(t *task.Task) error {
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already scheduled", t.ID)
	}
	now := s.now()
	if t.MaxRetries == task.DefaultRetries {
		t.MaxRetries = s.cfg.Retries
	}
	if t.RetryDelay == 0 {
		t.RetryDelay = s.cfg.RetryDelay
	}
	if t.Kind == task.KindRunner && t.Timeout == 0 {
		t.Timeout = s.cfg.Timeout
	}
	if t.Start.IsZero() {
		if t.Schedule != nil {
			t.Touch(now)
		} else {
			t.Start = now
		}
	}
	if err := t.Transition(task.StatusQueued); err != nil {
		return err
	}

	s.tasks[t.ID] = t
	if t.Tag != "" {
		family, ok := s.tags[t.Tag]
		if !ok {
			family = make(map[string]*task.Task)
			s.tags[t.Tag] = family
		}
		family[t.ID] = t
	}
	s.due.push(t.ID, t.Start)

	s.logger.Debug().
		Str("task_id", t.ID).
		Str("tag", t.Tag).
		Str("kind", t.Kind.String()).
		Time("start", t.Start).
		Msg("Task queued")
	return nil
}

// Schedule queues t unless an active task already carries its tag. With
// overwrite the existing family is cancelled first. It reports whether t
// was queued.
func (s *Scheduler) Schedule(t *task.Task, overwrite bool) (bool, error) {
	if t.Tag != "" && s.activeTag(t.Tag) {
		if !overwrite {
			s.logger.Debug().Str("tag", t.Tag).Msg("Skipping task, tag already scheduled")
			return false, nil
		}
		s.CancelTag(t.Tag, 0)
	}
	if err := s.Add(t); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) activeTag(tag string) bool {
	for _, t := range s.tags[tag] {
		switch t.Status {
		case task.StatusComplete, task.StatusCancelled:
		case task.StatusError:
			if !t.Expire.IsZero() {
				continue
			}
			return true
		default:
			return true
		}
	}
	return false
}

// Tick dispatches due tasks and runs housekeeping. It returns the time of
// the next due task, or zero when the queue is empty.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) time.Time {
	s.drainWaiting(ctx, now)

	for {
		e, ok := s.due.popDue(now)
		if !ok {
			break
		}
		t, ok := s.tasks[e.id]
		if !ok || !t.Start.Equal(e.at) {
			continue
		}
		switch t.Status {
		case task.StatusRetry:
			if err := t.Transition(task.StatusQueued); err != nil {
				s.defect(t, err)
				continue
			}
		case task.StatusQueued:
		default:
			continue
		}
		s.dispatch(ctx, t, now)
	}

	for id, t := range s.tasks {
		if t.TimedOut(now) && t.LastError != "timeout" {
			s.logger.Warn().
				Str("task_id", t.ID).
				Str("tag", t.Tag).
				Dur("timeout", t.Timeout).
				Msg("Task timed out, terminating")
			t.LastError = "timeout"
			if err := t.Terminate(); err != nil {
				s.logger.Error().Err(err).Str("task_id", t.ID).Msg("Failed to terminate task")
			}
			continue
		}
		if t.Expired(now) {
			s.remove(id)
		}
	}

	next, _ := s.due.peek()
	return next
}

func (s *Scheduler) drainWaiting(ctx context.Context, now time.Time) {
	pending := s.waiting
	s.waiting = nil
	for i, id := range pending {
		t, ok := s.tasks[id]
		if !ok || t.Status != task.StatusWait {
			continue
		}
		if s.atLimit(t) {
			s.waiting = append(s.waiting, pending[i:]...)
			return
		}
		if err := t.Transition(task.StatusQueued); err != nil {
			s.defect(t, err)
			continue
		}
		s.dispatch(ctx, t, now)
	}
}

func (s *Scheduler) atLimit(t *task.Task) bool {
	return t.Kind != task.KindInternal && s.cfg.ProcessLimit > 0 && s.processes >= s.cfg.ProcessLimit
}

func (s *Scheduler) dispatch(ctx context.Context, t *task.Task, now time.Time) {
	if s.atLimit(t) {
		s.stats.LimitHits++
		s.logger.Warn().
			Str("task_id", t.ID).
			Int("limit", s.cfg.ProcessLimit).
			Msg("Process limit reached, task waiting")
		if err := t.Transition(task.StatusWait); err != nil {
			s.defect(t, err)
			return
		}
		s.waiting = append(s.waiting, t.ID)
		return
	}

	late := now.Sub(t.Start)
	if late >= lateThreshold {
		s.stats.LateExecs++
		s.logger.Warn().
			Str("task_id", t.ID).
			Str("tag", t.Tag).
			Dur("late", late).
			Msg("Late task execution")
	} else {
		late = 0
	}

	if err := t.Begin(now); err != nil {
		s.defect(t, err)
		return
	}
	err := t.Run(ctx, s.launcher)
	if t.Handle() != nil {
		s.processes++
	}
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", t.ID).
			Str("tag", t.Tag).
			Msg("Task failed")
	} else {
		s.logger.Debug().Str("task_id", t.ID).Str("status", t.Status.String()).Msg("Task started")
	}
	if s.OnExec != nil {
		s.OnExec(t, late)
	}
	s.settle(t, now)
}

// settle applies the consequences of a task reaching Complete or Error.
func (s *Scheduler) settle(t *task.Task, now time.Time) {
	switch t.Status {
	case task.StatusComplete:
		s.stats.Execs++
		t.Expire = now.Add(s.cfg.Expire)
		if t.Recurring() {
			next := t.Successor(now)
			if err := s.Add(next); err != nil {
				s.logger.Error().Err(err).Str("tag", t.Tag).Msg("Failed to queue next run")
			}
		}
	case task.StatusError:
		if t.Retries < t.MaxRetries {
			s.retry(t, now.Add(t.RetryDelay))
			return
		}
		s.stats.Failed++
		t.Expire = now.Add(s.cfg.Expire)
		s.logger.Error().
			Str("task_id", t.ID).
			Str("tag", t.Tag).
			Int("retries", t.Retries).
			Str("error", t.LastError).
			Msg("Task failed permanently")
	}
}

func (s *Scheduler) retry(t *task.Task, at time.Time) {
	if err := t.Transition(task.StatusRetry); err != nil {
		s.defect(t, err)
		return
	}
	t.Retries++
	t.Start = at
	s.stats.Retries++
	s.due.push(t.ID, t.Start)
	s.logger.Info().
		Str("task_id", t.ID).
		Str("tag", t.Tag).
		Int("retry", t.Retries).
		Time("start", t.Start).
		Msg("Task scheduled for retry")
}

// Report applies a status report from a runner's worker process.
func (s *Scheduler) Report(id string, status task.Status, exitCode int, message string) error {
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	now := s.now()
	switch status {
	case task.StatusRunning:
		if t.Status == task.StatusStarting {
			return t.Transition(task.StatusRunning)
		}
		return nil
	case task.StatusComplete, task.StatusError:
		if t.Kind == task.KindService || t.Status != task.StatusRunning {
			return nil
		}
		t.ExitCode = exitCode
		if status == task.StatusError {
			if message == "" {
				message = fmt.Sprintf("exit code %d", exitCode)
			}
			if err := t.Fail(errors.New(message)); err != nil {
				return err
			}
		} else if err := t.Transition(task.StatusComplete); err != nil {
			return err
		}
		s.settle(t, now)
		return nil
	}
	return nil
}

// ProcessExited records the exit of a task's worker process.
func (s *Scheduler) ProcessExited(id string, code int) {
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	if t.Handle() != nil {
		t.Detach()
		if s.processes > 0 {
			s.processes--
		}
	}
	t.ExitCode = code
	if t.Status != task.StatusRunning && t.Status != task.StatusStarting {
		return
	}
	now := s.now()
	if t.Kind == task.KindService {
		s.serviceExited(t, code, now)
		return
	}
	if code == 0 {
		if err := t.Transition(task.StatusComplete); err != nil {
			s.defect(t, err)
			return
		}
	} else {
		if t.LastError == "" {
			t.LastError = fmt.Sprintf("exit code %d", code)
		}
		if err := t.Transition(task.StatusError); err != nil {
			s.defect(t, err)
			return
		}
	}
	s.settle(t, now)
}

func (s *Scheduler) serviceExited(t *task.Task, code int, now time.Time) {
	if code == 0 {
		if err := t.Transition(task.StatusComplete); err != nil {
			s.defect(t, err)
			return
		}
		s.logger.Info().Str("service", t.Name).Bool("respawn", t.Respawn).Msg("Service exited")
		s.settle(t, now)
		return
	}

	action := task.ServiceExit(code)
	s.logger.WithLevel(action.Level).
		Str("service", t.Name).
		Int("exit_code", code).
		Msg(action.Message)
	if err := t.Fail(errors.New(action.Message)); err != nil {
		s.defect(t, err)
		return
	}
	t.Restarts++
	if action.ResetRetries {
		t.Retries = 0
	}

	if !action.Restart {
		s.stats.Failed++
		t.Expire = now.Add(s.cfg.Expire)
		return
	}
	if t.Retries >= s.cfg.ServiceRestarts {
		if t.Dynamic {
			s.stats.Failed++
			t.Expire = now.Add(s.cfg.Expire)
			s.logger.Error().Str("service", t.Name).Int("restarts", t.Restarts).Msg("Dynamic service restarted too many times, giving up")
			return
		}
		s.logger.Error().
			Str("service", t.Name).
			Dur("disabled_for", s.cfg.ServiceDisable).
			Msg("Service restarted too many times, disabling")
		s.retry(t, now.Add(s.cfg.ServiceDisable))
		t.Retries = 0
		return
	}
	s.retry(t, now)
}

// Cancel cancels one task. A zero grace uses the configured expiry.
func (s *Scheduler) Cancel(id string, grace time.Duration) error {
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if grace == 0 {
		grace = s.cfg.Expire
	}
	if err := t.Cancel(s.now(), grace); err != nil {
		return err
	}
	s.logger.Info().Str("task_id", id).Str("tag", t.Tag).Msg("Task cancelled")
	return nil
}

// CancelTag cancels every cancellable task of a tag and returns how many
// were cancelled.
func (s *Scheduler) CancelTag(tag string, grace time.Duration) int {
	n := 0
	for id, t := range s.tags[tag] {
		if !task.CanTransition(t.Status, task.StatusCancelled) {
			continue
		}
		if err := s.Cancel(id, grace); err == nil {
			n++
		}
	}
	return n
}

// Get returns a task by id.
func (s *Scheduler) Get(id string) (*task.Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// ByTag returns every task of a tag ordered by start.
func (s *Scheduler) ByTag(tag string) []*task.Task {
	out := make([]*task.Task, 0, len(s.tags[tag]))
	for _, t := range s.tags[tag] {
		out = append(out, t)
	}
	sortByStart(out)
	return out
}

// List returns every known task ordered by start.
func (s *Scheduler) List() []*task.Task {
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sortByStart(out)
	return out
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	st := s.stats
	st.Tasks = len(s.tasks)
	st.Processes = s.processes
	return st
}

// Shutdown cancels every task and terminates running workers.
func (s *Scheduler) Shutdown() {
	for id, t := range s.tasks {
		if task.CanTransition(t.Status, task.StatusCancelled) {
			_ = s.Cancel(id, 0)
		}
		if err := t.Terminate(); err != nil {
			s.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to terminate task")
		}
	}
}

func (s *Scheduler) remove(id string) {
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	delete(s.tasks, id)
	if family, ok := s.tags[t.Tag]; ok {
		delete(family, id)
		if len(family) == 0 {
			delete(s.tags, t.Tag)
		}
	}
	s.logger.Debug().Str("task_id", id).Str("status", t.Status.String()).Msg("Task removed")
}

func (s *Scheduler) defect(t *task.Task, err error) {
	s.logger.Error().Err(err).Str("task_id", t.ID).Msg("Task state defect")
}

func sortByStart(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Start.Equal(tasks[j].Start) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].Start.Before(tasks[j].Start)
	})
}
