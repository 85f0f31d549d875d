package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const (
	// Subprotocol is the WebSocket subprotocol every peer must offer.
	Subprotocol = "warlock"

	// DefaultPath is the request path of the upgrade endpoint.
	DefaultPath = "/warlock"

	websocketGUID    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	maxHeaderSize    = 64 << 10
	websocketVersion = "13"
)

// Headers exchanged during the upgrade.
const (
	HeaderWarlockType      = "X-Warlock-Type"
	HeaderAccessKey        = "X-Warlock-Access-Key"
	HeaderAgentID          = "X-Warlock-Agent-Id"
	HeaderClusterName      = "X-Cluster-Name"
	HeaderClusterAccessKey = "X-Cluster-Access-Key"
	HeaderClientName       = "X-Client-Name"
)

var (
	// ErrBadHandshake is returned when an upgrade request or response is invalid.
	ErrBadHandshake = errors.New("bad handshake")

	// ErrIncompleteHeader means the HTTP header block has not fully arrived.
	ErrIncompleteHeader = errors.New("incomplete header")
)

// HandshakeRequest describes an outgoing upgrade request.
type HandshakeRequest struct {
	Path   string
	Host   string
	Key    string
	Header http.Header
}

// Bytes renders the request.
func (r HandshakeRequest) Bytes() []byte {
	path := r.Path
	if path == "" {
		path = DefaultPath
	}
	h := http.Header{}
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", "websocket")
	h.Set("Sec-WebSocket-Key", r.Key)
	h.Set("Sec-WebSocket-Version", websocketVersion)
	h.Set("Sec-WebSocket-Protocol", Subprotocol)
	for k, v := range r.Header {
		h[k] = v
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", r.Host)
	writeHeader(&b, h)
	b.WriteString("\r\n")
	return b.Bytes()
}

// NewHandshakeKey returns a random Sec-WebSocket-Key.
func NewHandshakeKey() (string, error) {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("failed to generate handshake key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// AcceptKey computes the Sec-WebSocket-Accept value for key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ReadHandshakeRequest parses an HTTP request at the start of buf, including
// its body when Content-Length is set. It returns ErrIncompleteHeader until
// the whole request is buffered.
func ReadHandshakeRequest(buf []byte) (*http.Request, int, error) {
	end, err := headerEnd(buf)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:end])))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	consumed := end
	var body []byte
	if req.ContentLength > 0 {
		if req.ContentLength > maxHeaderSize {
			return nil, 0, fmt.Errorf("%w: request body too large", ErrBadHandshake)
		}
		if int64(len(buf)-end) < req.ContentLength {
			return nil, 0, ErrIncompleteHeader
		}
		consumed += int(req.ContentLength)
		body = append([]byte(nil), buf[end:consumed]...)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return req, consumed, nil
}

// ValidateUpgrade checks an upgrade request against the endpoint path and
// returns the status to answer with: 101 on success, otherwise 400, 404, 405
// or 426. The returned header goes into the response.
func ValidateUpgrade(req *http.Request, path string) (int, http.Header) {
	if path == "" {
		path = DefaultPath
	}
	if req.Method != http.MethodGet {
		return http.StatusMethodNotAllowed, nil
	}
	if req.Host == "" {
		return http.StatusBadRequest, nil
	}
	if req.URL.Path != path {
		return http.StatusNotFound, nil
	}
	if !headerContainsToken(req.Header, "Connection", "upgrade") {
		return http.StatusBadRequest, nil
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return http.StatusBadRequest, nil
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return http.StatusBadRequest, nil
	}
	if strings.TrimSpace(req.Header.Get("Sec-WebSocket-Version")) != websocketVersion {
		h := http.Header{}
		h.Set("Sec-WebSocket-Version", websocketVersion)
		return http.StatusUpgradeRequired, h
	}
	if !headerContainsToken(req.Header, "Sec-WebSocket-Protocol", Subprotocol) {
		return http.StatusBadRequest, nil
	}

	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", AcceptKey(key))
	h.Set("Sec-WebSocket-Protocol", Subprotocol)
	return http.StatusSwitchingProtocols, h
}

// Response renders an HTTP response with an optional body.
func Response(status int, header http.Header, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	h := http.Header{}
	for k, v := range header {
		h[k] = v
	}
	if status != http.StatusSwitchingProtocols {
		h.Set("Connection", "close")
		h.Set("Content-Length", fmt.Sprint(len(body)))
		if body != "" && h.Get("Content-Type") == "" {
			h.Set("Content-Type", "text/plain; charset=utf-8")
		}
	}
	writeHeader(&b, h)
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}

// ReadHandshakeResponse parses the server's answer to an upgrade request sent
// with key. It fails unless the status is 101 and the accept key matches. The
// returned count covers the header block only.
func ReadHandshakeResponse(buf []byte, key string) (*http.Response, int, error) {
	end, err := headerEnd(buf)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(buf[:end])), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return resp, end, fmt.Errorf("%w: server responded %s", ErrBadHandshake, resp.Status)
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != AcceptKey(key) {
		return resp, end, fmt.Errorf("%w: accept key mismatch", ErrBadHandshake)
	}
	if !headerContainsToken(resp.Header, "Sec-WebSocket-Protocol", Subprotocol) {
		return resp, end, fmt.Errorf("%w: subprotocol not accepted", ErrBadHandshake)
	}
	return resp, end, nil
}

func headerEnd(buf []byte) (int, error) {
	i := bytes.Index(buf, []byte("\r\n\r\n"))
	if i < 0 {
		if len(buf) > maxHeaderSize {
			return 0, fmt.Errorf("%w: header too large", ErrBadHandshake)
		}
		return 0, ErrIncompleteHeader
	}
	return i + 4, nil
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func writeHeader(b *bytes.Buffer, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(b, "%s: %s\r\n", k, v)
		}
	}
}
