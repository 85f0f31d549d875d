package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/google/uuid"
)

// Kind selects what Run does.
type Kind int

const (
	// KindInternal runs a Go function in-process.
	KindInternal Kind = iota
	// KindRunner executes a command in a worker process.
	KindRunner
	// KindService supervises a long-lived worker process.
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindRunner:
		return "runner"
	case KindService:
		return "service"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DefaultRetries tells the scheduler to apply its configured retry limit.
const DefaultRetries = -1

var (
	ErrNoLauncher = errors.New("no launcher for out-of-process task")
	ErrNoFunc     = errors.New("internal task has no function")
)

// Func is the body of an internal task.
type Func func(ctx context.Context, t *Task) error

// Exec describes the command a runner executes.
type Exec struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Handle is the control channel to a launched worker process.
type Handle interface {
	Send(t protocol.PacketType, payload any) error
	Terminate() error
	PID() int
}

// Launcher starts the worker process backing a runner or service task.
type Launcher interface {
	Launch(ctx context.Context, t *Task) (Handle, error)
}

// ExecPayload is the body of an EXEC packet.
type ExecPayload struct {
	ID     string          `json:"id"`
	Tag    string          `json:"tag,omitempty"`
	Exec   Exec            `json:"exec"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ServicePayload is the body of a SERVICE packet.
type ServicePayload struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Exec   Exec            `json:"exec"`
	Config json.RawMessage `json:"config,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Task is one unit of scheduled work. Tasks are owned by the scheduler and
// must not be mutated concurrently.
type Task struct {
	ID     string `json:"id"`
	Tag    string `json:"tag,omitempty"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	// Start is the next due time.
	Start        time.Time `json:"start"`
	Schedule     Schedule  `json:"-"`
	ScheduleExpr string    `json:"schedule,omitempty"`

	Retries    int           `json:"retries"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"-"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	// Expire is when a finished task is dropped from the queue.
	Expire time.Time `json:"expire,omitempty"`

	Started   time.Time `json:"started,omitempty"`
	ExitCode  int       `json:"exit_code"`
	LastError string    `json:"error,omitempty"`
	Restarts  int       `json:"restarts,omitempty"`

	Func   Func            `json:"-"`
	Exec   Exec            `json:"exec,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Service fields.
	Name         string          `json:"name,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	Respawn      bool            `json:"respawn,omitempty"`
	RespawnDelay time.Duration   `json:"-"`
	Dynamic      bool            `json:"dynamic,omitempty"`
	Owner        string          `json:"owner,omitempty"`

	// Event is set on runners scheduled by a global event.
	Event string `json:"event,omitempty"`

	handle Handle
}

// NewInternal creates an in-process task.
func NewInternal(tag string, fn Func) *Task {
	return &Task{ID: uuid.New().String(), Tag: tag, Kind: KindInternal, Func: fn, MaxRetries: DefaultRetries}
}

// NewRunner creates a task executing exec in a worker process.
func NewRunner(tag string, exec Exec, params json.RawMessage) *Task {
	return &Task{ID: uuid.New().String(), Tag: tag, Kind: KindRunner, Exec: exec, Params: params, MaxRetries: DefaultRetries}
}

// NewService creates a supervised service task.
func NewService(name string, exec Exec, config json.RawMessage) *Task {
	return &Task{
		ID:         uuid.New().String(),
		Tag:        "service:" + name,
		Kind:       KindService,
		Name:       name,
		Exec:       exec,
		Config:     config,
		MaxRetries: DefaultRetries,
	}
}

// SetSchedule parses expr and makes the task recurring.
func (t *Task) SetSchedule(expr string) error {
	s, err := ParseSchedule(expr)
	if err != nil {
		return err
	}
	t.Schedule = s
	t.ScheduleExpr = expr
	return nil
}

// Transition moves the task along the status graph.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	return nil
}

// Touch returns the next due time. Scheduled tasks advance to the first
// occurrence after max(Start, now), so successive calls strictly increase.
func (t *Task) Touch(now time.Time) time.Time {
	if t.Schedule == nil {
		return t.Start
	}
	from := t.Start
	if now.After(from) {
		from = now
	}
	t.Start = t.Schedule.Next(from)
	return t.Start
}

// Ready reports whether a queued task is due.
func (t *Task) Ready(now time.Time) bool {
	return t.Status == StatusQueued && !now.Before(t.Start)
}

// Recurring reports whether completion produces a successor.
func (t *Task) Recurring() bool {
	return t.Schedule != nil || (t.Kind == KindService && t.Respawn)
}

// Successor returns the next run of a recurring task: same definition and
// tag, fresh id and counters.
func (t *Task) Successor(now time.Time) *Task {
	next := &Task{
		ID:           uuid.New().String(),
		Tag:          t.Tag,
		Kind:         t.Kind,
		Start:        t.Start,
		Schedule:     t.Schedule,
		ScheduleExpr: t.ScheduleExpr,
		MaxRetries:   t.MaxRetries,
		RetryDelay:   t.RetryDelay,
		Timeout:      t.Timeout,
		Func:         t.Func,
		Exec:         t.Exec,
		Params:       t.Params,
		Name:         t.Name,
		Config:       t.Config,
		Respawn:      t.Respawn,
		RespawnDelay: t.RespawnDelay,
		Dynamic:      t.Dynamic,
		Owner:        t.Owner,
		Event:        t.Event,
	}
	if next.Schedule != nil {
		next.Touch(now)
	} else {
		next.Start = now.Add(t.RespawnDelay)
	}
	return next
}

// Begin moves a due task to Starting.
func (t *Task) Begin(now time.Time) error {
	if err := t.Transition(StatusStarting); err != nil {
		return err
	}
	t.Started = now
	t.ExitCode = 0
	t.LastError = ""
	return nil
}

// Run executes the task. Internal tasks finish before Run returns; runner
// and service tasks are Running once their worker has been sent its
// payload and finish when the worker reports or exits.
func (t *Task) Run(ctx context.Context, l Launcher) error {
	if t.Kind == KindInternal {
		return t.runInternal(ctx)
	}
	if l == nil {
		return t.fail(ErrNoLauncher)
	}
	h, err := l.Launch(ctx, t)
	if err != nil {
		return t.fail(fmt.Errorf("launch: %w", err))
	}
	t.handle = h

	var ptype protocol.PacketType
	var payload any
	if t.Kind == KindService {
		ptype = protocol.SERVICE
		payload = ServicePayload{ID: t.ID, Name: t.Name, Exec: t.Exec, Config: t.Config, Params: t.Params}
	} else {
		ptype = protocol.EXEC
		payload = ExecPayload{ID: t.ID, Tag: t.Tag, Exec: t.Exec, Params: t.Params}
	}
	if err := h.Send(ptype, payload); err != nil {
		_ = h.Terminate()
		return t.fail(fmt.Errorf("send %s: %w", ptype, err))
	}
	return t.Transition(StatusRunning)
}

func (t *Task) runInternal(ctx context.Context) (err error) {
	if t.Func == nil {
		return t.fail(ErrNoFunc)
	}
	if err := t.Transition(StatusRunning); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = t.fail(fmt.Errorf("panic: %v", r))
		}
	}()
	if ferr := t.Func(ctx, t); ferr != nil {
		return t.fail(ferr)
	}
	return t.Transition(StatusComplete)
}

func (t *Task) fail(err error) error {
	t.LastError = err.Error()
	if terr := t.Transition(StatusError); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

// Fail records err and moves a starting or running task to Error.
func (t *Task) Fail(err error) error {
	t.LastError = err.Error()
	return t.Transition(StatusError)
}

// Cancel marks the task Cancelled and keeps it around until now+grace so
// late status reports can still be attributed to it. A running worker is
// sent CANCEL.
func (t *Task) Cancel(now time.Time, grace time.Duration) error {
	if err := t.Transition(StatusCancelled); err != nil {
		return err
	}
	t.Expire = now.Add(grace)
	if t.handle != nil {
		if err := t.handle.Send(protocol.CANCEL, map[string]string{"id": t.ID}); err != nil {
			return t.handle.Terminate()
		}
	}
	return nil
}

// Expired reports whether a finished task has outlived its grace window.
func (t *Task) Expired(now time.Time) bool {
	switch t.Status {
	case StatusComplete, StatusCancelled, StatusError:
		return !t.Expire.IsZero() && !now.Before(t.Expire)
	}
	return false
}

// TimedOut reports whether a running task has exceeded its timeout.
func (t *Task) TimedOut(now time.Time) bool {
	return t.Status == StatusRunning && t.Timeout > 0 && !t.Started.Add(t.Timeout).After(now)
}

// Handle returns the worker control channel, if any.
func (t *Task) Handle() Handle {
	return t.handle
}

// Detach forgets the worker control channel after its process has exited.
func (t *Task) Detach() {
	t.handle = nil
}

// Terminate kills the task's worker process.
func (t *Task) Terminate() error {
	if t.handle == nil {
		return nil
	}
	return t.handle.Terminate()
}
