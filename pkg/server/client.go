package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cuemby/warlock/pkg/events"
	"github.com/cuemby/warlock/pkg/metrics"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/rs/zerolog"
)

// ClientType is the role a connection authenticated as.
type ClientType int

const (
	TypeBasic ClientType = iota
	TypeUser
	TypeAdmin
	TypeAgent
	TypePeer
	TypeService
)

var clientTypeNames = map[ClientType]string{
	TypeBasic:   "basic",
	TypeUser:    "user",
	TypeAdmin:   "admin",
	TypeAgent:   "agent",
	TypePeer:    "peer",
	TypeService: "service",
}

func (t ClientType) String() string {
	if name, ok := clientTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// parseClientType maps an X-Warlock-Type header value. Empty means basic.
func parseClientType(s string) (ClientType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeBasic, true
	}
	for t, name := range clientTypeNames {
		if name == s && t != TypeService {
			return t, true
		}
	}
	return TypeBasic, false
}

// ConnState is the transport state of a client.
type ConnState int

const (
	StateDisconnected ConnState = iota
	// StateConnecting means the upgrade handshake has not completed.
	StateConnecting
	StateStreaming
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const writeTimeout = 10 * time.Second

var (
	// ErrClientClosed is returned when writing to a disconnected client.
	ErrClientClosed = errors.New("client closed")

	// errCloseRequested ends a connection without counting a protocol error.
	errCloseRequested = errors.New("connection closed by request")
)

// Client is one connection: a socket from a user, admin, agent or peer, or
// the pipes of a worker process. A client is owned by the server loop.
type Client struct {
	id       string
	ctype    ClientType
	state    ConnState
	name     string
	username string
	address  string
	port     int

	conn   io.WriteCloser
	framer protocol.Framer
	codec  *protocol.Codec
	srv    *Server
	logger zerolog.Logger

	// buf holds bytes of at most one partial frame between reads.
	buf []byte
	// payload reassembles a fragmented message; nil when none is pending.
	payload []byte
	// maxMessage caps the reassembled message.
	maxMessage int

	since       time.Time
	lastContact time.Time
	lastPing    time.Time
	pings       int

	// taskID is set on service clients.
	taskID string
	pid    int
	// peer is set on outbound cluster connections.
	peer     *Peer
	peerInfo *protocol.PeerInfo

	closed bool
}

func newClient(id string, conn io.WriteCloser, framer protocol.Framer, codec *protocol.Codec, logger zerolog.Logger, now time.Time) *Client {
	c := &Client{
		id:          id,
		state:       StateConnecting,
		conn:        conn,
		framer:      framer,
		codec:       codec,
		maxMessage:  protocol.DefaultMaxPayload,
		since:       now,
		lastContact: now,
		logger:      logger.With().Str("client_id", id).Logger(),
	}
	if nc, ok := conn.(net.Conn); ok {
		if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
			c.address = addr.IP.String()
			c.port = addr.Port
		} else if addr := nc.RemoteAddr(); addr != nil {
			c.address = addr.String()
		}
	}
	return c
}

// ID implements events.Subscriber.
func (c *Client) ID() string { return c.id }

func (c *Client) Type() ClientType { return c.ctype }

func (c *Client) State() ConnState { return c.state }

// Name returns the best label for log lines.
func (c *Client) Name() string {
	switch {
	case c.name != "":
		return c.name
	case c.username != "":
		return c.username
	case c.address != "":
		return fmt.Sprintf("%s:%d", c.address, c.port)
	}
	return c.id
}

// Recv feeds bytes read from the transport. It returns an error when the
// client must be disconnected.
func (c *Client) Recv(data []byte, now time.Time) error {
	if c.closed {
		return ErrClientClosed
	}
	c.lastContact = now
	c.buf = append(c.buf, data...)

	if c.state == StateConnecting {
		done, err := c.negotiate()
		if err != nil || !done {
			return err
		}
	}

	for len(c.buf) > 0 && !c.closed {
		frame, n, err := c.framer.Next(c.buf)
		if errors.Is(err, protocol.ErrIncompleteFrame) {
			break
		}
		if err != nil {
			return err
		}
		c.buf = c.buf[n:]
		if err := c.handleFrame(frame, now); err != nil {
			return err
		}
	}

	if len(c.buf) == 0 {
		c.buf = nil
	} else {
		c.buf = append([]byte(nil), c.buf...)
	}
	return nil
}

func (c *Client) negotiate() (bool, error) {
	if c.peer != nil {
		return c.peer.negotiate(c)
	}
	if c.srv == nil {
		return false, fmt.Errorf("%w: no handshake handler", protocol.ErrBadHandshake)
	}
	return c.srv.upgrade(c)
}

func (c *Client) handleFrame(f protocol.Frame, now time.Time) error {
	switch f.Opcode {
	case protocol.OpClose:
		code := f.Payload
		if len(code) > 2 {
			code = code[:2]
		}
		_ = c.writeFrame(protocol.OpClose, code)
		return errCloseRequested

	case protocol.OpPing:
		return c.writeFrame(protocol.OpPong, f.Payload)

	case protocol.OpPong:
		c.pings = 0
		return nil

	case protocol.OpContinuation:
		if c.payload == nil {
			return fmt.Errorf("%w: continuation without a message", protocol.ErrMalformedFrame)
		}
		if len(c.payload)+len(f.Payload) > c.maxMessage {
			return fmt.Errorf("%w: message over %d bytes", protocol.ErrFrameTooLarge, c.maxMessage)
		}
		c.payload = append(c.payload, f.Payload...)
		if !f.Fin {
			return nil
		}
		data := c.payload
		c.payload = nil
		return c.handlePacket(data, now)
	}

	if c.payload != nil {
		return fmt.Errorf("%w: data frame inside a fragmented message", protocol.ErrMalformedFrame)
	}
	if !f.Fin {
		c.payload = append(make([]byte, 0, len(f.Payload)), f.Payload...)
		return nil
	}
	return c.handlePacket(f.Payload, now)
}

func (c *Client) handlePacket(data []byte, now time.Time) error {
	c.logger.Trace().Bytes("packet", data).Msg("CLIENT<-PACKET")
	pkt, err := c.codec.Decode(data)
	if errors.Is(err, protocol.ErrUnknownType) {
		c.logger.Warn().Err(err).Msg("Unhandled packet")
		_ = c.SendError(pkt.Type, ErrUnhandled.Error())
		return nil
	}
	if err != nil {
		return err
	}
	if c.srv != nil {
		c.srv.command(c, pkt, now)
	}
	return nil
}

// Send encodes and writes one packet.
func (c *Client) Send(t protocol.PacketType, payload any) error {
	data, err := c.codec.Encode(t, payload)
	if err != nil {
		return err
	}
	c.logger.Trace().Bytes("packet", data).Msg("CLIENT->PACKET")
	if err := c.writeFrame(protocol.OpText, data); err != nil {
		return err
	}
	metrics.PacketsTotal.WithLabelValues("out", t.String()).Inc()
	return nil
}

// SendError replies with an ERROR packet for command.
func (c *Client) SendError(command protocol.PacketType, reason string) error {
	return c.Send(protocol.ERROR, protocol.ErrorPayload{Reason: reason, Command: command})
}

// SendEvent implements events.Subscriber.
func (c *Client) SendEvent(ev *events.Event) error {
	if c.state != StateStreaming {
		return fmt.Errorf("client %s is not streaming", c.id)
	}
	return c.Send(protocol.EVENT, protocol.EventPayload{
		ID:      ev.ID,
		Trigger: ev.Trigger,
		Time:    ev.Time,
		Data:    ev.Data,
	})
}

func (c *Client) writeFrame(op protocol.Opcode, payload []byte) error {
	frame, err := c.framer.Frame(op, payload)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// queueWrites moves the client's writes to a goroutine with a bounded
// queue. A client that cannot keep up is disconnected by the failed write.
func (c *Client) queueWrites() {
	if _, ok := c.conn.(*protocol.QueueWriter); !ok {
		c.conn = protocol.NewQueueWriter(c.conn, protocol.DefaultWriteQueue, writeTimeout)
	}
}

// write sends raw bytes, with a deadline on unqueued sockets.
func (c *Client) write(b []byte) error {
	if c.closed {
		return ErrClientClosed
	}
	if nc, ok := c.conn.(net.Conn); ok {
		_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("write to %s: %w", c.Name(), err)
	}
	return nil
}

// keepalive pings a silent client and reports whether it has missed too
// many pongs.
func (c *Client) keepalive(now time.Time, check, wait time.Duration, count int) bool {
	if c.state != StateStreaming || c.ctype == TypeService || check <= 0 {
		return true
	}
	if now.Sub(c.lastContact) < check {
		c.pings = 0
		return true
	}
	if now.Sub(c.lastPing) < wait {
		return true
	}
	if c.pings >= count {
		return false
	}
	c.pings++
	c.lastPing = now
	if err := c.writeFrame(protocol.OpPing, nil); err != nil {
		c.logger.Debug().Err(err).Msg("Ping failed")
		return false
	}
	return true
}

func (c *Client) close() {
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateDisconnected
	if err := c.conn.Close(); err != nil {
		c.logger.Trace().Err(err).Msg("Close")
	}
}
