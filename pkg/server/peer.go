package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/rs/zerolog"
)

// PeerStatus is the connection state of an outbound cluster peer.
type PeerStatus int

const (
	PeerDisconnected PeerStatus = iota
	PeerConnecting
	PeerConnected
	PeerNegotiating
	PeerAuthenticating
	PeerStreaming
)

func (s PeerStatus) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerNegotiating:
		return "negotiating"
	case PeerAuthenticating:
		return "authenticating"
	case PeerStreaming:
		return "streaming"
	}
	return fmt.Sprintf("peer(%d)", int(s))
}

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// peerTransport is what a Peer needs from its owner.
type peerTransport interface {
	dial(ctx context.Context, addr string) (net.Conn, error)
	// attach registers conn as the peer's client and starts reading it.
	attach(p *Peer, conn net.Conn) *Client
	// detach removes the peer's client after a disconnect.
	detach(c *Client)
	// streaming is called once the peer has completed the handshake.
	streaming(p *Peer, c *Client)
}

type dialResult struct {
	conn net.Conn
	err  error
}

// Peer is an outbound connection to another server of the cluster. It is
// driven by Process on every loop tick.
type Peer struct {
	address string
	port    int
	cluster string
	key     string
	// local is this server's name, sent as X-Client-Name.
	local string

	status             PeerStatus
	reconnectTimeout   time.Duration
	lastConnectAttempt time.Time
	statusSince        time.Time

	transport peerTransport
	logger    zerolog.Logger

	dialed     chan dialResult
	cancelDial context.CancelFunc
	conn       net.Conn
	client     *Client
	wsKey      string
}

func newPeer(address string, port int, cluster, accessKey string, reconnect time.Duration, transport peerTransport, logger zerolog.Logger) *Peer {
	p := &Peer{
		address:          address,
		port:             port,
		cluster:          cluster,
		key:              accessKey,
		reconnectTimeout: reconnect,
		transport:        transport,
	}
	p.logger = logger.With().Str("peer", p.Addr()).Logger()
	return p
}

// Addr returns host:port.
func (p *Peer) Addr() string {
	return net.JoinHostPort(p.address, strconv.Itoa(p.port))
}

func (p *Peer) Status() PeerStatus { return p.status }

func (p *Peer) setStatus(s PeerStatus, now time.Time) {
	if p.status != s {
		p.logger.Debug().Str("from", p.status.String()).Str("to", s.String()).Msg("Peer status")
	}
	p.status = s
	p.statusSince = now
}

// Connect starts an asynchronous dial unless the last attempt is more
// recent than the reconnect timeout.
func (p *Peer) Connect(now time.Time) bool {
	if p.status != PeerDisconnected {
		return false
	}
	if !p.lastConnectAttempt.IsZero() && now.Sub(p.lastConnectAttempt) < p.reconnectTimeout {
		return false
	}
	p.lastConnectAttempt = now
	p.setStatus(PeerConnecting, now)
	p.logger.Debug().Msg("PEER->OPEN")

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	ch := make(chan dialResult)
	p.dialed = ch
	p.cancelDial = cancel
	addr := p.Addr()
	go func() {
		conn, err := p.transport.dial(ctx, addr)
		select {
		case ch <- dialResult{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
	return true
}

// Process advances the state machine.
func (p *Peer) Process(now time.Time) {
	switch p.status {
	case PeerDisconnected:
		p.Connect(now)

	case PeerConnecting:
		select {
		case r := <-p.dialed:
			p.cancelDial()
			if r.err != nil {
				p.logger.Info().Err(r.err).Msg("Peer connection failed")
				p.setStatus(PeerDisconnected, now)
				return
			}
			p.conn = r.conn
			p.client = p.transport.attach(p, r.conn)
			p.setStatus(PeerConnected, now)
		default:
			if now.Sub(p.lastConnectAttempt) > dialTimeout {
				p.logger.Info().Msg("Peer connection timed out")
				p.Disconnect(now)
			}
		}

	case PeerConnected:
		if err := p.sendUpgrade(); err != nil {
			p.logger.Warn().Err(err).Msg("Peer upgrade request failed")
			p.Disconnect(now)
			return
		}
		p.setStatus(PeerNegotiating, now)

	case PeerNegotiating, PeerAuthenticating:
		if now.Sub(p.statusSince) > handshakeTimeout {
			p.logger.Info().Str("status", p.status.String()).Msg("Peer handshake timed out")
			p.Disconnect(now)
		}
	}
}

func (p *Peer) sendUpgrade() error {
	key, err := protocol.NewHandshakeKey()
	if err != nil {
		return err
	}
	p.wsKey = key
	req := protocol.HandshakeRequest{
		Host: p.Addr(),
		Key:  key,
		Header: map[string][]string{
			protocol.HeaderWarlockType:      {TypePeer.String()},
			protocol.HeaderClusterName:      {p.cluster},
			protocol.HeaderClusterAccessKey: {p.key},
			protocol.HeaderClientName:       {p.local},
		},
	}
	return p.client.write(req.Bytes())
}

// negotiate consumes the upgrade response from c's buffer.
func (p *Peer) negotiate(c *Client) (bool, error) {
	if p.status != PeerNegotiating {
		return false, fmt.Errorf("%w: data from peer in state %s", protocol.ErrBadHandshake, p.status)
	}
	resp, n, err := protocol.ReadHandshakeResponse(c.buf, p.wsKey)
	if errors.Is(err, protocol.ErrIncompleteHeader) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.buf = c.buf[n:]

	now := time.Now()
	p.setStatus(PeerAuthenticating, now)
	name := resp.Header.Get(protocol.HeaderClusterName)
	if subtle.ConstantTimeCompare([]byte(name), []byte(p.cluster)) != 1 {
		return false, fmt.Errorf("%w: peer is in cluster %q", protocol.ErrBadHandshake, name)
	}

	c.state = StateStreaming
	p.setStatus(PeerStreaming, now)
	p.logger.Info().Msg("Peer connected")
	p.transport.streaming(p, c)
	return true, nil
}

// Disconnect closes the connection and waits for the reconnect timeout
// before dialing again.
func (p *Peer) Disconnect(now time.Time) {
	if p.status == PeerDisconnected {
		return
	}
	if p.cancelDial != nil {
		p.cancelDial()
	}
	p.dialed = nil
	if c := p.client; c != nil {
		p.client = nil
		p.transport.detach(c)
	} else if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.logger.Debug().Msg("PEER->CLOSE")
	p.setStatus(PeerDisconnected, now)
}

func (p *Peer) state() protocol.PeerState {
	return protocol.PeerState{
		Name:        p.Addr(),
		Address:     p.address,
		Port:        p.port,
		Status:      p.status.String(),
		LastAttempt: p.lastConnectAttempt,
	}
}
