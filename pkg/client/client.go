package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cuemby/warlock/pkg/kv"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds the handshake when the context has no deadline.
const DefaultTimeout = 10 * time.Second

var (
	// ErrClosed is returned after the connection has ended.
	ErrClosed = errors.New("connection closed")
)

// RemoteError is an ERROR packet answering a command.
type RemoteError struct {
	Command protocol.PacketType
	Reason  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Reason)
}

// Options configure Dial.
type Options struct {
	// Type is sent as X-Warlock-Type: user, admin or agent. Empty means basic.
	Type string
	// AccessKey is the admin key for Type admin.
	AccessKey string
	// Name is sent as X-Client-Name.
	Name string
	// User is sent base64 encoded in the UID query parameter.
	User string
	// Path of the upgrade endpoint; defaults to /warlock.
	Path string
	// Encode base64 encodes packets, matching a server started with encode.
	Encode bool
	// Events is the number of undelivered events buffered before the
	// reader blocks.
	Events int
	Logger zerolog.Logger
}

// Client is a connection to a Warlock server. Send, Call and the helpers
// are safe for concurrent use; replies are matched in arrival order, so
// concurrent Calls should use separate clients.
type Client struct {
	conn   net.Conn
	codec  *protocol.Codec
	framer protocol.WebSocketFramer
	logger zerolog.Logger

	wmu    sync.Mutex
	callMu sync.Mutex

	cid     string
	replies chan protocol.Packet
	events  chan protocol.EventPayload
	done    chan struct{}
	quit    chan struct{}
	once    sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to addr and completes the upgrade handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	rest, err := handshake(conn, addr, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	if opts.Events <= 0 {
		opts.Events = 256
	}
	c := &Client{
		conn:    conn,
		codec:   protocol.NewCodec("", opts.Encode),
		framer:  protocol.WebSocketFramer{Mask: true},
		logger:  opts.Logger,
		replies: make(chan protocol.Packet, 64),
		events:  make(chan protocol.EventPayload, opts.Events),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go c.readLoop(rest)

	pkt, err := c.recvCtx(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("waiting for INIT: %w", err)
	}
	if pkt.Type == protocol.INIT {
		var init protocol.InitPayload
		if err := pkt.Decode(&init); err == nil {
			c.cid = init.CID
		}
	}
	return c, nil
}

func handshake(conn net.Conn, addr string, opts Options) ([]byte, error) {
	key, err := protocol.NewHandshakeKey()
	if err != nil {
		return nil, err
	}
	path := opts.Path
	if path == "" {
		path = protocol.DefaultPath
	}
	if opts.User != "" {
		path += "?UID=" + url.QueryEscape(base64.StdEncoding.EncodeToString([]byte(opts.User)))
	}
	h := http.Header{}
	if opts.Type != "" {
		h.Set(protocol.HeaderWarlockType, opts.Type)
	}
	if opts.AccessKey != "" {
		h.Set(protocol.HeaderAccessKey, opts.AccessKey)
	}
	if opts.Name != "" {
		h.Set(protocol.HeaderClientName, opts.Name)
	}
	req := protocol.HandshakeRequest{Path: path, Host: addr, Key: key, Header: h}
	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to send upgrade request: %w", err)
	}

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		_, end, perr := protocol.ReadHandshakeResponse(buf, key)
		if perr == nil {
			return buf[end:], nil
		}
		if !errors.Is(perr, protocol.ErrIncompleteHeader) {
			return nil, perr
		}
		if err != nil {
			return nil, fmt.Errorf("reading upgrade response: %w", err)
		}
	}
}

// CID returns the client id assigned by the server.
func (c *Client) CID() string { return c.cid }

func (c *Client) readLoop(buf []byte) {
	defer close(c.done)
	var message []byte
	chunk := make([]byte, 32<<10)
	for {
		for len(buf) > 0 {
			f, n, err := c.framer.Next(buf)
			if errors.Is(err, protocol.ErrIncompleteFrame) {
				break
			}
			if err != nil {
				c.fail(err)
				return
			}
			buf = buf[n:]

			switch f.Opcode {
			case protocol.OpPing:
				if err := c.writeFrame(protocol.OpPong, f.Payload); err != nil {
					c.fail(err)
					return
				}
				continue
			case protocol.OpPong:
				continue
			case protocol.OpClose:
				c.fail(ErrClosed)
				return
			case protocol.OpContinuation:
				message = append(message, f.Payload...)
			default:
				message = append([]byte(nil), f.Payload...)
			}
			if !f.Fin {
				continue
			}
			c.dispatch(message)
			message = nil
		}

		n, err := c.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Client) dispatch(data []byte) {
	pkt, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping undecodable packet")
		return
	}
	if pkt.Type == protocol.EVENT {
		var ev protocol.EventPayload
		if err := pkt.Decode(&ev); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping bad event")
			return
		}
		select {
		case c.events <- ev:
		case <-c.quit:
		}
		return
	}
	select {
	case c.replies <- pkt:
	case <-c.quit:
	}
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) writeFrame(op protocol.Opcode, payload []byte) error {
	frame, err := c.framer.Frame(op, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

// Send writes one packet.
func (c *Client) Send(t protocol.PacketType, payload any) error {
	data, err := c.codec.Encode(t, payload)
	if err != nil {
		return err
	}
	if err := c.writeFrame(protocol.OpText, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}

// Recv returns the next packet that is not an EVENT.
func (c *Client) Recv(ctx context.Context) (protocol.Packet, error) {
	return c.recvCtx(ctx)
}

func (c *Client) recvCtx(ctx context.Context) (protocol.Packet, error) {
	select {
	case pkt := <-c.replies:
		return pkt, nil
	case <-c.done:
		select {
		case pkt := <-c.replies:
			return pkt, nil
		default:
		}
		if err := c.Err(); err != nil {
			return protocol.Packet{}, err
		}
		return protocol.Packet{}, ErrClosed
	case <-ctx.Done():
		return protocol.Packet{}, ctx.Err()
	}
}

// Call sends a command and waits for a reply of type expect, or for an
// ERROR about it which is returned as a *RemoteError. Other packets
// received meanwhile are dropped.
func (c *Client) Call(ctx context.Context, t protocol.PacketType, payload any, expect protocol.PacketType) (protocol.Packet, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.Send(t, payload); err != nil {
		return protocol.Packet{}, err
	}
	for {
		pkt, err := c.recvCtx(ctx)
		if err != nil {
			return protocol.Packet{}, err
		}
		switch pkt.Type {
		case expect:
			if expect == protocol.OK && !okFor(pkt, t) {
				continue
			}
			return pkt, nil
		case protocol.ERROR:
			var e protocol.ErrorPayload
			if err := pkt.Decode(&e); err != nil {
				return pkt, err
			}
			if e.Command == t {
				return pkt, &RemoteError{Command: e.Command, Reason: e.Reason}
			}
		}
		c.logger.Debug().Str("type", pkt.Type.String()).Msg("Dropping unrelated packet")
	}
}

func okFor(pkt protocol.Packet, t protocol.PacketType) bool {
	var ok protocol.OKPayload
	if err := pkt.Decode(&ok); err != nil {
		return false
	}
	return ok.Command == t
}

// Auth upgrades the connection to admin.
func (c *Client) Auth(ctx context.Context, key string) error {
	_, err := c.Call(ctx, protocol.AUTH, protocol.AuthPayload{Key: key}, protocol.OK)
	return err
}

// Ping measures a round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Call(ctx, protocol.PING, nil, protocol.PONG); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Subscribe subscribes to eventID. filter may be nil.
func (c *Client) Subscribe(ctx context.Context, eventID string, filter any) error {
	p := protocol.SubscribePayload{ID: eventID}
	if filter != nil {
		raw, err := json.Marshal(filter)
		if err != nil {
			return fmt.Errorf("bad filter: %w", err)
		}
		p.Filter = raw
	}
	_, err := c.Call(ctx, protocol.SUBSCRIBE, p, protocol.OK)
	return err
}

// Unsubscribe removes the subscription to eventID.
func (c *Client) Unsubscribe(ctx context.Context, eventID string) error {
	_, err := c.Call(ctx, protocol.UNSUBSCRIBE, protocol.SubscribePayload{ID: eventID}, protocol.OK)
	return err
}

// Trigger triggers eventID with data. With echo the event is delivered back
// to this client too.
func (c *Client) Trigger(ctx context.Context, eventID string, data any, echo bool) error {
	p := protocol.TriggerPayload{ID: eventID, Echo: echo}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("bad event data: %w", err)
		}
		p.Data = raw
	}
	_, err := c.Call(ctx, protocol.TRIGGER, p, protocol.OK)
	return err
}

// Status requests the server status. It needs an admin connection.
func (c *Client) Status(ctx context.Context, out any) error {
	pkt, err := c.Call(ctx, protocol.STATUS, nil, protocol.STATUS)
	if err != nil {
		return err
	}
	return pkt.Decode(out)
}

// KV runs a storage command and decodes its result into out, which may be
// nil.
func (c *Client) KV(ctx context.Context, t protocol.PacketType, req kv.Request, out any) error {
	if t.Category() != protocol.CategoryStorage {
		return fmt.Errorf("%s is not a KV command", t)
	}
	pkt, err := c.Call(ctx, t, req, t)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return pkt.Decode(out)
}

// NextEvent waits for the next delivered event.
func (c *Client) NextEvent(ctx context.Context) (protocol.EventPayload, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		select {
		case ev := <-c.events:
			return ev, nil
		default:
		}
		if err := c.Err(); err != nil {
			return protocol.EventPayload{}, err
		}
		return protocol.EventPayload{}, ErrClosed
	case <-ctx.Done():
		return protocol.EventPayload{}, ctx.Err()
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.writeFrame(protocol.OpClose, nil)
		c.fail(ErrClosed)
		close(c.quit)
		err = c.conn.Close()
	})
	<-c.done
	return err
}
