package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/cuemby/warlock/pkg/kv"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection, completes the upgrade, greets with
// INIT and answers each packet with whatever reply returns.
type fakeServer struct {
	addr  string
	req   chan *http.Request
	conn  chan net.Conn
	codec *protocol.Codec
}

func startFake(t *testing.T, reply func(pkt protocol.Packet) []protocol.Packet) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fs := &fakeServer{
		addr:  ln.Addr().String(),
		req:   make(chan *http.Request, 1),
		conn:  make(chan net.Conn, 1),
		codec: protocol.NewCodec("srv", false),
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fs.conn <- conn
		r := bufio.NewReader(conn)
		req, err := http.ReadRequest(r)
		if err != nil {
			return
		}
		fs.req <- req
		status, h := protocol.ValidateUpgrade(req, protocol.DefaultPath)
		if _, err := conn.Write(protocol.Response(status, h, "")); err != nil || status != http.StatusSwitchingProtocols {
			return
		}
		fs.write(conn, protocol.INIT, protocol.InitPayload{CID: "cid-1", SID: "srv"})

		var framer protocol.WebSocketFramer
		var buf []byte
		chunk := make([]byte, 4096)
		for {
			n, err := r.Read(chunk)
			if err != nil {
				return
			}
			buf = append(buf, chunk[:n]...)
			for {
				f, used, err := framer.Next(buf)
				if err != nil {
					break
				}
				buf = buf[used:]
				if f.Opcode == protocol.OpClose {
					return
				}
				if f.Opcode != protocol.OpText {
					continue
				}
				pkt, err := fs.codec.Decode(f.Payload)
				if err != nil {
					return
				}
				for _, out := range reply(pkt) {
					data, _ := fs.codec.Encode(out.Type, out.Payload)
					frame, _ := framer.Frame(protocol.OpText, data)
					if _, err := conn.Write(frame); err != nil {
						return
					}
				}
			}
		}
	}()
	return fs
}

func (fs *fakeServer) write(conn net.Conn, t protocol.PacketType, payload any) {
	data, _ := fs.codec.Encode(t, payload)
	frame, _ := protocol.WebSocketFramer{}.Frame(protocol.OpText, data)
	_, _ = conn.Write(frame)
}

func packet(t protocol.PacketType, payload string) protocol.Packet {
	p := protocol.Packet{Type: t}
	if payload != "" {
		p.Payload = []byte(payload)
	}
	return p
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialSendsHeaders(t *testing.T) {
	fs := startFake(t, func(protocol.Packet) []protocol.Packet { return nil })
	c, err := Dial(testCtx(t), fs.addr, Options{Type: "admin", AccessKey: "k", Name: "checker", User: "bob"})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "cid-1", c.CID())
	req := <-fs.req
	assert.Equal(t, "admin", req.Header.Get(protocol.HeaderWarlockType))
	assert.Equal(t, "k", req.Header.Get(protocol.HeaderAccessKey))
	assert.Equal(t, "monitor", req.Header.Get(protocol.HeaderClientName))
	uid, err := base64.StdEncoding.DecodeString(req.URL.Query().Get("UID"))
	require.NoError(t, err)
	assert.Equal(t, "bob", string(uid))
}

func TestDialRejected(t *testing.T) {
	fs := startFake(t, nil)
	_, err := Dial(testCtx(t), fs.addr, Options{Path: "/nope"})
	assert.ErrorIs(t, err, protocol.ErrBadHandshake)
}

func TestCallMatchesReplies(t *testing.T) {
	fs := startFake(t, func(pkt protocol.Packet) []protocol.Packet {
		switch pkt.Type {
		case protocol.SUBSCRIBE:
			// An unrelated OK arrives first and must be skipped.
			return []protocol.Packet{
				packet(protocol.OK, `{"command":34}`),
				packet(protocol.OK, `{"command":32,"name":"deploy"}`),
			}
		case protocol.AUTH:
			return []protocol.Packet{packet(protocol.ERROR, `{"command":2,"reason":"bad key"}`)}
		case protocol.KVGET:
			return []protocol.Packet{packet(protocol.KVGET, `"hello"`)}
		}
		return nil
	})
	c, err := Dial(testCtx(t), fs.addr, Options{})
	require.NoError(t, err)
	defer c.Close()
	ctx := testCtx(t)

	require.NoError(t, c.Subscribe(ctx, "deploy", nil))

	err = c.Auth(ctx, "wrong")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.AUTH, remote.Command)
	assert.Equal(t, "bad key", remote.Reason)
	assert.Equal(t, "AUTH failed: bad key", err.Error())

	var s string
	require.NoError(t, c.KV(ctx, protocol.KVGET, kv.Request{Key: "greeting"}, &s))
	assert.Equal(t, "hello", s)
}

func TestKVRejectsOtherCommands(t *testing.T) {
	c := &Client{}
	err := c.KV(context.Background(), protocol.TRIGGER, kv.Request{}, nil)
	assert.ErrorContains(t, err, "not a KV command")
}

func TestEventsAreQueuedSeparately(t *testing.T) {
	fs := startFake(t, func(pkt protocol.Packet) []protocol.Packet {
		if pkt.Type == protocol.TRIGGER {
			return []protocol.Packet{
				packet(protocol.EVENT, `{"id":"deploy","trigger":"t1","time":"2024-01-01T00:00:00Z","data":{"v":1}}`),
				packet(protocol.OK, `{"command":34}`),
			}
		}
		return nil
	})
	c, err := Dial(testCtx(t), fs.addr, Options{})
	require.NoError(t, err)
	defer c.Close()
	ctx := testCtx(t)

	require.NoError(t, c.Trigger(ctx, "deploy", map[string]int{"v": 1}, true))
	ev, err := c.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "deploy", ev.ID)
	assert.Equal(t, "t1", ev.Trigger)
	assert.JSONEq(t, `{"v":1}`, string(ev.Data))
}

func TestAnswersPing(t *testing.T) {
	fs := startFake(t, func(protocol.Packet) []protocol.Packet { return nil })
	c, err := Dial(testCtx(t), fs.addr, Options{})
	require.NoError(t, err)
	defer c.Close()

	conn := <-fs.conn
	frame, err := protocol.WebSocketFramer{}.Frame(protocol.OpPing, []byte("are you there"))
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	// The fake ignores the pong; the connection stays usable.
	assert.NoError(t, c.Send(protocol.NOOP, nil))
}

func TestClosedClient(t *testing.T) {
	fs := startFake(t, func(protocol.Packet) []protocol.Packet { return nil })
	c, err := Dial(testCtx(t), fs.addr, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Recv(testCtx(t))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = c.NextEvent(testCtx(t))
	assert.ErrorIs(t, err, ErrClosed)
}
