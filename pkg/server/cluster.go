package server

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/rs/zerolog"
)

// DefaultPeerPort is used for peers configured without a port.
const DefaultPeerPort = 13080

// Cluster owns the outbound peers of this server and authenticates inbound
// ones.
type Cluster struct {
	name      string
	accessKey string
	peers     map[string]*Peer
	logger    zerolog.Logger
}

// NewCluster creates a cluster with one peer per address. A cluster without
// a name accepts no peers and dials none.
func NewCluster(name, accessKey, local string, addrs []string, reconnect time.Duration, transport peerTransport, logger zerolog.Logger) (*Cluster, error) {
	c := &Cluster{
		name:      name,
		accessKey: accessKey,
		peers:     make(map[string]*Peer),
		logger:    logger,
	}
	if name == "" {
		if len(addrs) > 0 {
			return nil, fmt.Errorf("cluster peers configured without a cluster name")
		}
		return c, nil
	}
	for _, addr := range addrs {
		host, port, err := splitPeerAddr(addr)
		if err != nil {
			return nil, err
		}
		p := newPeer(host, port, name, accessKey, reconnect, transport, logger)
		p.local = local
		if _, dup := c.peers[p.Addr()]; dup {
			return nil, fmt.Errorf("duplicate peer %s", p.Addr())
		}
		c.peers[p.Addr()] = p
	}
	return c, nil
}

func splitPeerAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, DefaultPeerPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid peer address %q", addr)
	}
	return host, port, nil
}

// Enabled reports whether the server belongs to a cluster.
func (c *Cluster) Enabled() bool { return c.name != "" }

// Name returns the cluster name.
func (c *Cluster) Name() string { return c.name }

// Process drives every peer.
func (c *Cluster) Process(now time.Time) {
	for _, p := range c.peers {
		p.Process(now)
	}
}

// Authorize checks the cluster headers of an inbound peer connection.
func (c *Cluster) Authorize(h http.Header) bool {
	if !c.Enabled() {
		return false
	}
	name := h.Get(protocol.HeaderClusterName)
	key := h.Get(protocol.HeaderClusterAccessKey)
	nameOK := subtle.ConstantTimeCompare([]byte(name), []byte(c.name)) == 1
	keyOK := subtle.ConstantTimeCompare([]byte(key), []byte(c.accessKey)) == 1
	return nameOK && keyOK
}

// Peers returns the state of every outbound peer, sorted by address.
func (c *Cluster) Peers() []protocol.PeerState {
	out := make([]protocol.PeerState, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p.state())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns the number of peers per status.
func (c *Cluster) Counts() map[string]int {
	out := make(map[string]int)
	for _, p := range c.peers {
		out[p.status.String()]++
	}
	return out
}

// Shutdown disconnects every peer.
func (c *Cluster) Shutdown(now time.Time) {
	for _, p := range c.peers {
		p.Disconnect(now)
	}
}
