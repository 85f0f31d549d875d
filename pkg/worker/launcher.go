package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/task"
)

// AttachFunc hands a freshly spawned worker process to its owner, which
// reads its packets and waits for its exit.
type AttachFunc func(t *task.Task, p Process)

// Launcher spawns one worker process per runner or service task.
type Launcher struct {
	spawner Spawner
	command Command
	codec   *protocol.Codec
	attach  AttachFunc
}

// NewLauncher creates a launcher that starts command for every task.
// command is normally this binary's "worker" subcommand.
func NewLauncher(spawner Spawner, command Command, codec *protocol.Codec, attach AttachFunc) *Launcher {
	return &Launcher{spawner: spawner, command: command, codec: codec, attach: attach}
}

// Launch implements task.Launcher.
func (l *Launcher) Launch(ctx context.Context, t *task.Task) (task.Handle, error) {
	cmd := l.command
	cmd.Env = append(append([]string(nil), cmd.Env...),
		EnvTaskID+"="+t.ID,
		EnvTaskKind+"="+t.Kind.String(),
	)
	p, err := l.spawner.Spawn(ctx, cmd)
	if err != nil {
		return nil, err
	}
	p = &queuedProcess{Process: p, stdin: protocol.NewQueueWriter(p.Stdin(), 0, 0)}
	if l.attach != nil {
		l.attach(t, p)
	}
	return &processHandle{proc: p, codec: l.codec}, nil
}

// queuedProcess shares one queued stdin between the task handle and the
// owner of the process, so neither blocks on a worker that stops reading.
type queuedProcess struct {
	Process
	stdin *protocol.QueueWriter
}

func (p *queuedProcess) Stdin() io.WriteCloser { return p.stdin }

// processHandle writes line framed packets to a worker's stdin.
type processHandle struct {
	proc  Process
	codec *protocol.Codec
}

func (h *processHandle) Send(t protocol.PacketType, payload any) error {
	data, err := h.codec.Encode(t, payload)
	if err != nil {
		return err
	}
	frame, err := protocol.LineFramer{}.Frame(protocol.OpText, data)
	if err != nil {
		return err
	}
	if _, err := h.proc.Stdin().Write(frame); err != nil {
		return fmt.Errorf("write to worker %d: %w", h.proc.PID(), err)
	}
	return nil
}

func (h *processHandle) Terminate() error {
	return h.proc.Kill()
}

func (h *processHandle) PID() int {
	return h.proc.PID()
}
