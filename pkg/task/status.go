package task

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a task.
type Status int

const (
	StatusInit Status = iota
	StatusQueued
	StatusStarting
	StatusRunning
	StatusComplete
	StatusCancelled
	StatusError
	StatusRetry
	StatusWait
)

var statusNames = [...]string{
	StatusInit:      "init",
	StatusQueued:    "queued",
	StatusStarting:  "starting",
	StatusRunning:   "running",
	StatusComplete:  "complete",
	StatusCancelled: "cancelled",
	StatusError:     "error",
	StatusRetry:     "retry",
	StatusWait:      "wait",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus resolves a status name as reported by worker processes.
func ParseStatus(name string) (Status, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return StatusInit, fmt.Errorf("unknown task status: %s", name)
}

// Terminal reports whether no transition leaves s. Error is terminal only
// once retries are exhausted, which the scheduler decides.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusInit:     {StatusQueued, StatusCancelled},
	StatusQueued:   {StatusStarting, StatusCancelled, StatusWait},
	StatusStarting: {StatusRunning, StatusError, StatusCancelled},
	StatusRunning:  {StatusComplete, StatusError, StatusCancelled},
	StatusError:    {StatusRetry},
	StatusRetry:    {StatusQueued, StatusCancelled},
	StatusWait:     {StatusQueued, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition matches every TransitionError.
var ErrInvalidTransition = errors.New("invalid task status transition")

// TransitionError reports an attempt to leave the status graph.
type TransitionError struct {
	TaskID   string
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid status transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
