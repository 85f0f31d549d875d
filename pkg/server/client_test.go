package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufConn struct {
	bytes.Buffer
	closed bool
}

func (b *bufConn) Close() error {
	b.closed = true
	return nil
}

// streamingClient returns a client past the handshake, writing unmasked
// frames to the returned buffer.
func streamingClient(t *testing.T) (*Client, *bufConn) {
	t.Helper()
	out := &bufConn{}
	c := newClient("c1", out, protocol.WebSocketFramer{}, protocol.NewCodec("s1", false), zerolog.Nop(), time.Now())
	c.state = StateStreaming
	return c, out
}

func maskedFrame(t *testing.T, op protocol.Opcode, payload []byte) []byte {
	t.Helper()
	b, err := protocol.WebSocketFramer{Mask: true}.Frame(op, payload)
	require.NoError(t, err)
	return b
}

func readFrame(t *testing.T, out *bufConn) protocol.Frame {
	t.Helper()
	f, n, err := protocol.WebSocketFramer{}.Next(out.Bytes())
	require.NoError(t, err)
	out.Next(n)
	return f
}

func TestClientBuffersPartialFrames(t *testing.T) {
	c, out := streamingClient(t)
	frame := maskedFrame(t, protocol.OpPing, []byte("hi"))

	for i := 0; i < len(frame)-1; i++ {
		require.NoError(t, c.Recv(frame[i:i+1], time.Now()))
	}
	assert.Zero(t, out.Len())
	assert.Len(t, c.buf, len(frame)-1)

	require.NoError(t, c.Recv(frame[len(frame)-1:], time.Now()))
	f := readFrame(t, out)
	assert.Equal(t, protocol.OpPong, f.Opcode)
	assert.Equal(t, "hi", string(f.Payload))
	assert.Nil(t, c.buf)
}

func TestClientReassemblesFragments(t *testing.T) {
	c, out := streamingClient(t)

	// An unknown packet type is answered with an ERROR, which shows the
	// two fragments arrived as one message.
	msg := []byte(`{"TYP":250}`)
	first := maskedFrame(t, protocol.OpText, msg[:5])
	first[0] &^= 0x80
	last := maskedFrame(t, protocol.OpContinuation, msg[5:])

	require.NoError(t, c.Recv(first, time.Now()))
	assert.Zero(t, out.Len())
	assert.NotNil(t, c.payload)

	require.NoError(t, c.Recv(last, time.Now()))
	assert.Nil(t, c.payload)

	f := readFrame(t, out)
	pkt, err := protocol.NewCodec("", false).Decode(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ERROR, pkt.Type)
	var e protocol.ErrorPayload
	require.NoError(t, pkt.Decode(&e))
	assert.Equal(t, protocol.PacketType(250), e.Command)
	assert.Equal(t, ErrUnhandled.Error(), e.Reason)
}

func TestClientRejectsInterleavedDataFrame(t *testing.T) {
	c, _ := streamingClient(t)
	first := maskedFrame(t, protocol.OpText, []byte(`{"TYP"`))
	first[0] &^= 0x80
	require.NoError(t, c.Recv(first, time.Now()))

	err := c.Recv(maskedFrame(t, protocol.OpText, []byte(`{"TYP":0}`)), time.Now())
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
}

func TestClientContinuationWithoutMessage(t *testing.T) {
	c, _ := streamingClient(t)
	err := c.Recv(maskedFrame(t, protocol.OpContinuation, []byte("x")), time.Now())
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
}

func TestClientCloseFrame(t *testing.T) {
	c, out := streamingClient(t)
	err := c.Recv(maskedFrame(t, protocol.OpClose, []byte{0x03, 0xE8, 'b', 'y', 'e'}), time.Now())
	assert.ErrorIs(t, err, errCloseRequested)

	f := readFrame(t, out)
	assert.Equal(t, protocol.OpClose, f.Opcode)
	assert.Equal(t, []byte{0x03, 0xE8}, f.Payload)
}

func TestClientMalformedPacket(t *testing.T) {
	c, _ := streamingClient(t)
	err := c.Recv(maskedFrame(t, protocol.OpText, []byte("not json")), time.Now())
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
}

func TestClientClosed(t *testing.T) {
	c, out := streamingClient(t)
	c.close()
	assert.True(t, out.closed)
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send(protocol.PING, nil), ErrClientClosed)
	assert.ErrorIs(t, c.Recv([]byte{0}, time.Now()), ErrClientClosed)
}

func TestClientKeepalive(t *testing.T) {
	c, out := streamingClient(t)
	start := time.Now()
	c.lastContact = start

	assert.True(t, c.keepalive(start.Add(time.Second), 5*time.Second, time.Second, 2))
	assert.Zero(t, out.Len())

	now := start.Add(6 * time.Second)
	assert.True(t, c.keepalive(now, 5*time.Second, time.Second, 2))
	assert.Equal(t, protocol.OpPing, readFrame(t, out).Opcode)

	// Within the wait no second ping goes out.
	assert.True(t, c.keepalive(now.Add(500*time.Millisecond), 5*time.Second, time.Second, 2))
	assert.Zero(t, out.Len())

	assert.True(t, c.keepalive(now.Add(2*time.Second), 5*time.Second, time.Second, 2))
	assert.Equal(t, 2, c.pings)
	assert.False(t, c.keepalive(now.Add(4*time.Second), 5*time.Second, time.Second, 2))

	// A pong resets the count.
	require.NoError(t, c.Recv(maskedFrame(t, protocol.OpPong, nil), now.Add(5*time.Second)))
	assert.Zero(t, c.pings)
}

func TestClientName(t *testing.T) {
	c, _ := streamingClient(t)
	assert.Equal(t, "c1", c.Name())
	c.address, c.port = "10.0.0.1", 4000
	assert.Equal(t, "10.0.0.1:4000", c.Name())
	c.username = "alice"
	assert.Equal(t, "alice", c.Name())
	c.name = "deployer"
	assert.Equal(t, "deployer", c.Name())
}

func TestParseClientType(t *testing.T) {
	tests := []struct {
		in   string
		want ClientType
		ok   bool
	}{
		{"", TypeBasic, true},
		{"basic", TypeBasic, true},
		{"User", TypeUser, true},
		{" admin ", TypeAdmin, true},
		{"agent", TypeAgent, true},
		{"peer", TypePeer, true},
		{"service", TypeBasic, false},
		{"root", TypeBasic, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseClientType(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientFragmentLimit(t *testing.T) {
	c, _ := streamingClient(t)
	c.maxMessage = 8

	first := maskedFrame(t, protocol.OpText, []byte(`{"TYP"`))
	first[0] &^= 0x80
	require.NoError(t, c.Recv(first, time.Now()))

	err := c.Recv(maskedFrame(t, protocol.OpContinuation, []byte(`:250}`)), time.Now())
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
}

func TestClientLineLimit(t *testing.T) {
	c := newClient("c1", &bufConn{}, protocol.LineFramer{MaxPayload: 8}, protocol.NewCodec("s1", false), zerolog.Nop(), time.Now())
	c.state = StateStreaming

	require.NoError(t, c.Recv([]byte("12345678"), time.Now()))
	err := c.Recv([]byte("9"), time.Now())
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
}

func TestQueuedClientDoesNotBlock(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := newClient("c1", local, protocol.WebSocketFramer{}, protocol.NewCodec("s1", false), zerolog.Nop(), time.Now())
	c.state = StateStreaming
	c.queueWrites()

	// remote is never read, so the queue fills and a send fails.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 2*protocol.DefaultWriteQueue; i++ {
			if err := c.Send(protocol.PING, nil); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrWriteQueueFull)
	case <-time.After(5 * time.Second):
		t.Fatal("send blocked on a stalled peer")
	}
	c.close()
}
