package health

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// TCPChecker is healthy when Address accepts a connection. With Send set
// the line is written after connecting and the first line of the reply
// must start with Expect.
type TCPChecker struct {
	Address string
	Send    string
	Expect  string
	Timeout time.Duration
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return result(start, false, fmt.Sprintf("connection failed: %v", err))
	}
	defer conn.Close()
	if t.Send == "" {
		return result(start, true, "connected to "+t.Address)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(t.Timeout))
	}
	if _, err := fmt.Fprintf(conn, "%s\r\n", t.Send); err != nil {
		return result(start, false, fmt.Sprintf("write failed: %v", err))
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if err != nil && line == "" {
		return result(start, false, fmt.Sprintf("no reply: %v", err))
	}
	if !strings.HasPrefix(line, t.Expect) {
		return result(start, false, fmt.Sprintf("unexpected reply %q", truncate(line)))
	}
	return result(start, true, truncate(line))
}

func (t *TCPChecker) Type() CheckType { return CheckTypeTCP }

func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// WithExchange makes the check send a line and match the reply.
func (t *TCPChecker) WithExchange(send, expect string) *TCPChecker {
	t.Send = send
	t.Expect = expect
	return t
}
