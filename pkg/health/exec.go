package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecChecker is healthy when Command exits with status 0.
type ExecChecker struct {
	Command []string
	Timeout time.Duration
}

func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{Command: command, Timeout: 10 * time.Second}
}

func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if len(e.Command) == 0 {
		return result(start, false, "no command")
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	msg := truncate(strings.TrimSpace(out.String()))
	if err != nil {
		if msg == "" {
			return result(start, false, err.Error())
		}
		return result(start, false, fmt.Sprintf("%v: %s", err, msg))
	}
	if msg == "" {
		msg = "exit status 0"
	}
	return result(start, true, msg)
}

func (e *ExecChecker) Type() CheckType { return CheckTypeExec }

func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

const maxOutput = 100

func truncate(s string) string {
	if len(s) > maxOutput {
		return s[:maxOutput] + "..."
	}
	return s
}
