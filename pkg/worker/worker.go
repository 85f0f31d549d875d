package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/task"
	"github.com/rs/zerolog"
)

// Environment passed to worker processes and the commands they run.
const (
	EnvTaskID   = "WARLOCK_TASK_ID"
	EnvTaskKind = "WARLOCK_TASK_KIND"
	EnvParams   = "WARLOCK_PARAMS"
	EnvService  = "WARLOCK_SERVICE"
	EnvConfig   = "WARLOCK_CONFIG"
)

// Exit codes of the worker runtime. Service supervisors interpret them with
// task.ServiceExit.
const (
	ExitOK          = 0
	ExitBadPayload  = 1
	ExitUnsupported = 2
	ExitNotFound    = 3
	ExitLostControl = 4
	ExitException   = 7
)

// maxLine bounds one line framed packet.
const maxLine = 4 << 20

// StatusReport is the payload of STATUS packets sent by a worker.
type StatusReport struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	PID      int    `json:"pid,omitempty"`
	Message  string `json:"message,omitempty"`
}

// LogMessage is the payload of LOG packets.
type LogMessage struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Worker is the runtime of a worker process. It reads line framed packets
// from the server on its input, runs the requested command and reports
// back on its output.
type Worker struct {
	in      io.Reader
	out     io.Writer
	codec   *protocol.Codec
	spawner Spawner
	logger  zerolog.Logger

	outMu     sync.Mutex
	id        string
	service   string
	child     Process
	cancelled bool
}

// New creates a worker runtime.
func New(in io.Reader, out io.Writer, codec *protocol.Codec, spawner Spawner, logger zerolog.Logger) *Worker {
	return &Worker{in: in, out: out, codec: codec, spawner: spawner, logger: logger}
}

// Run serves the control channel until the job finishes, the channel
// closes or ctx is done. It returns the process exit code.
func (w *Worker) Run(ctx context.Context) int {
	packets := make(chan protocol.Packet)
	go w.read(packets)

	done := make(chan int, 1)
	for {
		select {
		case <-ctx.Done():
			return w.abort(done, ExitLostControl)

		case code := <-done:
			return w.finish(code)

		case pkt, ok := <-packets:
			if !ok {
				w.logger.Warn().Msg("Control channel closed")
				return w.abort(done, ExitLostControl)
			}
			if code, exit := w.handle(ctx, pkt, done); exit {
				return code
			}
		}
	}
}

func (w *Worker) read(packets chan<- protocol.Packet) {
	defer close(packets)
	sc := bufio.NewScanner(w.in)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		pkt, err := w.codec.Decode(line)
		if err != nil && !errors.Is(err, protocol.ErrUnknownType) {
			w.logger.Error().Err(err).Msg("Bad packet from server")
			continue
		}
		packets <- pkt
	}
	if err := sc.Err(); err != nil {
		w.logger.Error().Err(err).Msg("Control channel read failed")
	}
}

func (w *Worker) handle(ctx context.Context, pkt protocol.Packet, done chan int) (int, bool) {
	switch pkt.Type {
	case protocol.EXEC:
		var p task.ExecPayload
		if err := pkt.Decode(&p); err != nil {
			w.report(StatusReport{Status: task.StatusError.String(), ExitCode: ExitBadPayload, Message: err.Error()})
			return ExitBadPayload, true
		}
		return w.start(ctx, p.ID, p.Exec, p.Params, nil, "", done)

	case protocol.SERVICE:
		var p task.ServicePayload
		if err := pkt.Decode(&p); err != nil {
			w.report(StatusReport{Status: task.StatusError.String(), ExitCode: ExitBadPayload, Message: err.Error()})
			return ExitBadPayload, true
		}
		return w.start(ctx, p.ID, p.Exec, p.Params, p.Config, p.Name, done)

	case protocol.CANCEL:
		w.cancelled = true
		if w.child != nil {
			w.logger.Info().Str("task_id", w.id).Msg("Cancelling")
			if err := w.child.Kill(); err != nil {
				w.logger.Error().Err(err).Msg("Failed to kill child")
			}
			return 0, false
		}
		return ExitOK, true

	case protocol.EVENT:
		if w.child == nil || w.service == "" {
			w.logger.Debug().Msg("Dropping event, no service running")
			return 0, false
		}
		line := append(append([]byte(nil), pkt.Payload...), '\n')
		if _, err := w.child.Stdin().Write(line); err != nil {
			w.logger.Warn().Err(err).Str("service", w.service).Msg("Failed to forward event")
		}

	case protocol.PING:
		w.send(protocol.PONG, nil)

	case protocol.SHUTDOWN:
		return w.abort(done, ExitOK), true

	default:
		w.logger.Debug().Str("type", pkt.Type.String()).Msg("Ignoring packet")
	}
	return 0, false
}

func (w *Worker) start(ctx context.Context, id string, ex task.Exec, params, config json.RawMessage, service string, done chan int) (int, bool) {
	if w.child != nil {
		w.logger.Warn().Str("task_id", id).Msg("Worker already running a job")
		return 0, false
	}
	w.id = id
	if ex.Command == "" {
		w.report(StatusReport{ID: id, Status: task.StatusError.String(), ExitCode: ExitNotFound, Message: "no command"})
		return ExitNotFound, true
	}

	env := make([]string, 0, len(ex.Env)+4)
	keys := make([]string, 0, len(ex.Env))
	for k := range ex.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+ex.Env[k])
	}
	env = append(env, EnvTaskID+"="+id)
	if len(params) > 0 {
		env = append(env, EnvParams+"="+string(params))
	}
	if service != "" {
		env = append(env, EnvService+"="+service)
	}
	if len(config) > 0 {
		env = append(env, EnvConfig+"="+string(config))
	}

	child, err := w.spawner.Spawn(ctx, Command{
		Path:   ex.Command,
		Args:   ex.Args,
		Env:    env,
		Dir:    ex.Dir,
		Stderr: &lineWriter{fn: func(line string) { w.log(line, "error") }},
	})
	if err != nil {
		w.report(StatusReport{ID: id, Status: task.StatusError.String(), ExitCode: ExitNotFound, Message: err.Error()})
		return ExitNotFound, true
	}
	w.child = child
	w.service = service
	// Services keep stdin open to receive signalled events.
	if service == "" {
		_ = child.Stdin().Close()
	}
	w.report(StatusReport{ID: id, Status: task.StatusRunning.String(), PID: child.PID()})

	go func() {
		sc := bufio.NewScanner(child.Stdout())
		sc.Buffer(make([]byte, 64*1024), maxLine)
		for sc.Scan() {
			w.log(sc.Text(), "info")
		}
		code, err := child.Wait()
		if err != nil {
			w.logger.Error().Err(err).Msg("Wait failed")
		}
		done <- code
	}()
	return 0, false
}

// finish reports the child's exit and maps it to the worker's exit code.
func (w *Worker) finish(code int) int {
	status := task.StatusComplete
	if code != 0 {
		status = task.StatusError
	}
	if w.cancelled {
		status = task.StatusCancelled
	}
	w.report(StatusReport{ID: w.id, Status: status.String(), ExitCode: code})
	w.child = nil
	switch {
	case w.cancelled:
		return ExitOK
	case code < 0:
		return ExitException
	default:
		return code
	}
}

func (w *Worker) abort(done <-chan int, code int) int {
	if w.child == nil {
		return code
	}
	if err := w.child.Kill(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to kill child")
	}
	<-done
	w.child = nil
	return code
}

func (w *Worker) report(r StatusReport) {
	w.send(protocol.STATUS, r)
}

func (w *Worker) log(message, level string) {
	w.send(protocol.LOG, LogMessage{Message: message, Level: level})
}

func (w *Worker) send(t protocol.PacketType, payload any) {
	data, err := w.codec.Encode(t, payload)
	if err != nil {
		w.logger.Error().Err(err).Str("type", t.String()).Msg("Encode failed")
		return
	}
	frame, err := protocol.LineFramer{}.Frame(protocol.OpText, data)
	if err != nil {
		w.logger.Error().Err(err).Msg("Frame failed")
		return
	}
	w.outMu.Lock()
	defer w.outMu.Unlock()
	if _, err := w.out.Write(frame); err != nil {
		w.logger.Error().Err(err).Msg("Write to server failed")
	}
}

// lineWriter calls fn for every complete line written to it.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(l.buf[:i], "\r"))
		l.buf = l.buf[i+1:]
		if line != "" {
			l.fn(line)
		}
	}
	return len(p), nil
}
