package server

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuemby/warlock/pkg/metrics"
	"github.com/cuemby/warlock/pkg/protocol"
)

// upgrade consumes the upgrade request of an inbound connection. It
// returns true once the client is streaming.
func (s *Server) upgrade(c *Client) (bool, error) {
	req, n, err := protocol.ReadHandshakeRequest(c.buf)
	if errors.Is(err, protocol.ErrIncompleteHeader) {
		return false, nil
	}
	if err != nil {
		s.reject(c, http.StatusBadRequest, nil)
		return false, err
	}
	c.buf = c.buf[n:]
	c.logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("WEBSOCKETS<-HANDSHAKE")

	if req.Method == http.MethodPost {
		s.restTrigger(c, req)
		return false, errCloseRequested
	}

	status, header := protocol.ValidateUpgrade(req, s.cfg.Path)
	if status != http.StatusSwitchingProtocols {
		s.reject(c, status, header)
		return false, fmt.Errorf("%w: %d %s", protocol.ErrBadHandshake, status, http.StatusText(status))
	}

	ctype, ok := parseClientType(req.Header.Get(protocol.HeaderWarlockType))
	if !ok {
		s.reject(c, http.StatusBadRequest, nil)
		return false, fmt.Errorf("%w: unknown client type %q", protocol.ErrBadHandshake, req.Header.Get(protocol.HeaderWarlockType))
	}
	switch ctype {
	case TypePeer:
		if !s.cluster.Authorize(req.Header) {
			s.reject(c, http.StatusUnauthorized, nil)
			return false, fmt.Errorf("%w: peer not authorized", protocol.ErrBadHandshake)
		}
		header.Set(protocol.HeaderClusterName, s.cluster.Name())
	case TypeAdmin:
		if !s.adminKey(req.Header.Get(protocol.HeaderAccessKey)) {
			s.reject(c, http.StatusUnauthorized, nil)
			return false, fmt.Errorf("%w: bad admin key", protocol.ErrBadHandshake)
		}
	}
	c.ctype = ctype
	c.name = req.Header.Get(protocol.HeaderClientName)
	if uid := req.URL.Query().Get("UID"); uid != "" {
		if name, err := base64.StdEncoding.DecodeString(uid); err == nil {
			c.username = string(name)
			c.logger.Info().Str("user", c.username).Msg("USER")
		}
	}

	if err := c.write(protocol.Response(http.StatusSwitchingProtocols, header, "")); err != nil {
		return false, err
	}
	c.state = StateStreaming
	c.logger.Debug().Str("type", c.ctype.String()).Msg("WEBSOCKETS->ACCEPT")

	if err := c.Send(protocol.INIT, protocol.InitPayload{CID: c.id}); err != nil {
		return false, err
	}
	if c.ctype == TypePeer {
		s.broker.SubscribeAll(c)
		s.logger.Info().Str("peer", c.Name()).Msg("Peer joined")
	}
	return true, nil
}

func (s *Server) reject(c *Client, status int, header http.Header) {
	c.logger.Warn().Int("status", status).Msg("Handshake failed")
	metrics.ProtocolErrors.WithLabelValues("handshake").Inc()
	if err := c.write(protocol.Response(status, header, fmt.Sprintf("%d %s", status, http.StatusText(status)))); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write handshake response")
	}
}

func (s *Server) adminKey(key string) bool {
	if s.cfg.AdminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) == 1
}

// restTrigger serves a POST carrying an encoded TRIGGER packet. The
// Authorization header is "ApiKey <base64 admin key>".
func (s *Server) restTrigger(c *Client, req *http.Request) {
	respond := func(status int, body string) {
		if body == "" {
			body = http.StatusText(status)
		}
		if err := c.write(protocol.Response(status, nil, body)); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to write REST response")
		}
	}

	path := s.cfg.Path
	if path == "" {
		path = protocol.DefaultPath
	}
	if req.URL.Path != path {
		respond(http.StatusNotFound, "")
		return
	}
	scheme, token, _ := strings.Cut(req.Header.Get("Authorization"), " ")
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if !strings.EqualFold(scheme, "ApiKey") || err != nil || !s.adminKey(string(key)) {
		respond(http.StatusUnauthorized, "")
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil || len(body) == 0 {
		respond(http.StatusBadRequest, "missing packet")
		return
	}
	pkt, err := s.codec.Decode(body)
	if err != nil {
		respond(http.StatusBadRequest, err.Error())
		return
	}
	if pkt.Type != protocol.TRIGGER {
		respond(http.StatusBadRequest, "only TRIGGER packets are accepted")
		return
	}
	var p protocol.TriggerPayload
	if err := pkt.Decode(&p); err != nil || p.ID == "" {
		respond(http.StatusBadRequest, "bad trigger payload")
		return
	}
	metrics.PacketsTotal.WithLabelValues("in", pkt.Type.String()).Inc()
	s.trigger(p.ID, p.Data, "", p.Trigger)
	s.logger.Info().Str("event", p.ID).Str("source", c.Name()).Msg("REST trigger")
	respond(http.StatusOK, "OK")
}
