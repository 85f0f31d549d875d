package protocol

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKey(t *testing.T) {
	// Sample key from RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestHandshakeRoundTrip(t *testing.T) {
	key, err := NewHandshakeKey()
	require.NoError(t, err)

	h := http.Header{}
	h.Set(HeaderWarlockType, "peer")
	h.Set(HeaderClusterName, "main")
	req := HandshakeRequest{Host: "127.0.0.1:13080", Key: key, Header: h}
	data := req.Bytes()

	// Header block arrives in two pieces.
	_, _, err = ReadHandshakeRequest(data[:10])
	assert.ErrorIs(t, err, ErrIncompleteHeader)

	parsed, n, err := ReadHandshakeRequest(append(data, []byte("leftover")...))
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, "peer", parsed.Header.Get(HeaderWarlockType))
	assert.Equal(t, "main", parsed.Header.Get(HeaderClusterName))

	status, respHeader := ValidateUpgrade(parsed, DefaultPath)
	require.Equal(t, http.StatusSwitchingProtocols, status)

	resp := Response(status, respHeader, "")
	_, m, err := ReadHandshakeResponse(append(resp, 0x81, 0x00), key)
	require.NoError(t, err)
	assert.Equal(t, len(resp), m)

	_, _, err = ReadHandshakeResponse(resp, "some-other-key")
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestValidateUpgrade(t *testing.T) {
	base := func() string {
		return "GET /warlock HTTP/1.1\r\n" +
			"Host: localhost\r\n" +
			"Connection: keep-alive, Upgrade\r\n" +
			"Upgrade: websocket\r\n" +
			"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
			"Sec-WebSocket-Version: 13\r\n" +
			"Sec-WebSocket-Protocol: chat, warlock\r\n\r\n"
	}

	tests := []struct {
		name   string
		mutate func(string) string
		status int
	}{
		{name: "valid", mutate: func(s string) string { return s }, status: 101},
		{name: "wrong path", mutate: func(s string) string { return strings.Replace(s, "/warlock", "/other", 1) }, status: 404},
		{name: "post", mutate: func(s string) string { return strings.Replace(s, "GET", "POST", 1) }, status: 405},
		{name: "no upgrade token", mutate: func(s string) string { return strings.Replace(s, "keep-alive, Upgrade", "keep-alive", 1) }, status: 400},
		{name: "not websocket", mutate: func(s string) string { return strings.Replace(s, "Upgrade: websocket", "Upgrade: h2c", 1) }, status: 400},
		{name: "old version", mutate: func(s string) string { return strings.Replace(s, "Version: 13", "Version: 8", 1) }, status: 426},
		{name: "no subprotocol", mutate: func(s string) string { return strings.Replace(s, "chat, warlock", "chat", 1) }, status: 400},
		{name: "no key", mutate: func(s string) string {
			return strings.Replace(s, "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n", "", 1)
		}, status: 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _, err := ReadHandshakeRequest([]byte(tt.mutate(base())))
			require.NoError(t, err)
			status, header := ValidateUpgrade(req, "")
			assert.Equal(t, tt.status, status)
			if status == 101 {
				assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", header.Get("Sec-WebSocket-Accept"))
			}
			if status == 426 {
				assert.Equal(t, "13", header.Get("Sec-WebSocket-Version"))
			}
		})
	}
}

func TestReadHandshakeRequestBody(t *testing.T) {
	raw := "POST /warlock HTTP/1.1\r\nHost: localhost\r\nContent-Length: 5\r\n\r\nhel"
	_, _, err := ReadHandshakeRequest([]byte(raw))
	assert.ErrorIs(t, err, ErrIncompleteHeader)

	req, n, err := ReadHandshakeRequest([]byte(raw + "lo"))
	require.NoError(t, err)
	assert.Equal(t, len(raw)+2, n)
	body, _ := io.ReadAll(req.Body)
	assert.Equal(t, "hello", string(body))
}

func TestResponseRendering(t *testing.T) {
	resp := string(Response(http.StatusNotFound, nil, "not found"))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 404 Not Found\r\n"))
	assert.Contains(t, resp, "Content-Length: 9\r\n")
	assert.True(t, strings.HasSuffix(resp, "\r\n\r\nnot found"))

	_, _, err := ReadHandshakeResponse([]byte(resp), "k")
	assert.ErrorIs(t, err, ErrBadHandshake)
}
