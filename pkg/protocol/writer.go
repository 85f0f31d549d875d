package protocol

import (
	"errors"
	"io"
	"sync"
	"time"
)

// DefaultWriteQueue is the number of pending writes a QueueWriter holds.
const DefaultWriteQueue = 256

// ErrWriteQueueFull is returned when the transport does not drain the queue
// fast enough. The writer is unusable afterwards.
var ErrWriteQueueFull = errors.New("write queue full")

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// QueueWriter writes to a transport from its own goroutine so Write never
// blocks on a slow peer. Writes are copied into a bounded queue; when the
// queue is full Write fails instead of waiting. Transports with write
// deadlines get timeout added to every write.
type QueueWriter struct {
	w       io.WriteCloser
	timeout time.Duration
	queue   chan []byte
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewQueueWriter starts the writer goroutine for w. A size of zero uses
// DefaultWriteQueue and a zero timeout sets no deadline.
func NewQueueWriter(w io.WriteCloser, size int, timeout time.Duration) *QueueWriter {
	if size <= 0 {
		size = DefaultWriteQueue
	}
	q := &QueueWriter{
		w:       w,
		timeout: timeout,
		queue:   make(chan []byte, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *QueueWriter) Write(b []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	if q.closed {
		return 0, io.ErrClosedPipe
	}
	select {
	case q.queue <- append([]byte(nil), b...):
		return len(b), nil
	default:
		q.err = ErrWriteQueueFull
		return 0, q.err
	}
}

// Close stops accepting writes. Queued bytes are still written, then the
// transport is closed. Close does not wait for that; use Done.
func (q *QueueWriter) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.queue)
	}
	return nil
}

// Done is closed once the transport has been closed.
func (q *QueueWriter) Done() <-chan struct{} { return q.done }

// Err returns the error that stopped the writer, if any.
func (q *QueueWriter) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *QueueWriter) run() {
	defer close(q.done)
	for b := range q.queue {
		if d, ok := q.w.(writeDeadliner); ok && q.timeout > 0 {
			_ = d.SetWriteDeadline(time.Now().Add(q.timeout))
		}
		if _, err := q.w.Write(b); err != nil {
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
			_ = q.w.Close()
			for range q.queue {
			}
			return
		}
	}
	_ = q.w.Close()
}
