package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/warlock/pkg/events"
	"github.com/cuemby/warlock/pkg/log"
	"github.com/cuemby/warlock/pkg/metrics"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/task"
	"github.com/cuemby/warlock/pkg/worker"
)

var (
	// ErrUnhandled is the ERROR reason for packet types the server does
	// not process.
	ErrUnhandled = errors.New("unhandled packet type")

	// ErrNotAuthorized is the ERROR reason for commands the client's type
	// may not send.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrRateLimited is the ERROR reason for commands over the rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrKVDisabled is returned for KV commands when the store is off.
	ErrKVDisabled = errors.New("KV storage is disabled")
)

// peerCommands are the packets accepted from cluster peers.
var peerCommands = map[protocol.PacketType]bool{
	protocol.NOOP:       true,
	protocol.OK:         true,
	protocol.ERROR:      true,
	protocol.INIT:       true,
	protocol.PING:       true,
	protocol.PONG:       true,
	protocol.EVENT:      true,
	protocol.PEERINFO:   true,
	protocol.PEERSTATUS: true,
}

// unlimited are replies and keepalives, which do not count against the
// rate limit.
var unlimited = map[protocol.PacketType]bool{
	protocol.NOOP:  true,
	protocol.OK:    true,
	protocol.ERROR: true,
	protocol.PONG:  true,
}

// command runs one decoded packet from c. Failures are reported to c and
// never end the connection.
func (s *Server) command(c *Client, pkt protocol.Packet, now time.Time) {
	metrics.PacketsTotal.WithLabelValues("in", pkt.Type.String()).Inc()

	if s.limiter != nil && c.ctype != TypeService && c.ctype != TypePeer && !unlimited[pkt.Type] {
		allowed, info, err := s.limiter.Allow(c.limitKey())
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Msg("Rate limiter failed")
		case !allowed:
			metrics.RateLimited.Inc()
			c.logger.Debug().Int("attempts", info.Attempts).Str("type", pkt.Type.String()).Msg("Rate limited")
			_ = c.SendError(pkt.Type, ErrRateLimited.Error())
			return
		}
	}

	timer := metrics.NewTimer()
	err := s.processCommand(c, pkt, now)
	timer.ObserveDurationVec(metrics.CommandDuration, pkt.Type.String())
	if err == nil {
		return
	}
	c.logger.Info().Err(err).Str("type", pkt.Type.String()).Msg("Command failed")
	if sendErr := c.SendError(pkt.Type, err.Error()); sendErr != nil {
		c.logger.Debug().Err(sendErr).Msg("Failed to send error")
	}
}

// limitKey identifies c for the rate limiter.
func (c *Client) limitKey() string {
	if c.address != "" {
		return c.address
	}
	return c.id
}

func (s *Server) processCommand(c *Client, pkt protocol.Packet, now time.Time) error {
	if c.ctype == TypePeer && !peerCommands[pkt.Type] {
		return fmt.Errorf("%w: %s from peer", ErrNotAuthorized, pkt.Type)
	}

	if pkt.Type.Category() == protocol.CategoryStorage {
		return s.kvCommand(c, pkt)
	}

	switch pkt.Type {
	case protocol.NOOP, protocol.OK:
		c.logger.Debug().Str("type", pkt.Type.String()).RawJSON("payload", rawOrNull(pkt)).Msg("CLIENT<-" + pkt.Type.String())
		return nil

	case protocol.ERROR:
		var p protocol.ErrorPayload
		if err := pkt.Decode(&p); err != nil {
			return err
		}
		c.logger.Warn().Str("reason", p.Reason).Str("command", p.Command.String()).Msg("Client reported an error")
		return nil

	case protocol.INIT:
		if c.ctype == TypePeer {
			var p protocol.InitPayload
			if err := pkt.Decode(&p); err != nil {
				return err
			}
			c.logger.Debug().Str("sid", p.SID).Str("version", p.Version).Msg("Peer init")
			return c.Send(protocol.PEERINFO, s.peerInfo())
		}
		return c.Send(protocol.INIT, s.initPayload(c))

	case protocol.AUTH:
		var p protocol.AuthPayload
		if err := pkt.Decode(&p); err != nil {
			return err
		}
		if !s.adminKey(p.Key) {
			return ErrNotAuthorized
		}
		c.ctype = TypeAdmin
		c.logger.Info().Msg("Client authenticated as admin")
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.AUTH})

	case protocol.PING:
		return c.Send(protocol.PONG, rawPayload(pkt))

	case protocol.PONG:
		c.pings = 0
		if !pkt.Time.IsZero() {
			c.logger.Debug().Dur("rtt", now.Sub(pkt.Time)).Msg("PONG")
		}
		return nil

	case protocol.SUBSCRIBE:
		var p protocol.SubscribePayload
		if err := pkt.Decode(&p); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("unable to subscribe without an event id")
		}
		filter, err := events.ParseFilter(p.Filter)
		if err != nil {
			return err
		}
		queued := s.broker.Subscribe(c, p.ID, filter)
		c.logger.Debug().Str("event", p.ID).Int("queued", queued).Msg("SUBSCRIBE")
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.SUBSCRIBE, Name: p.ID})

	case protocol.UNSUBSCRIBE:
		var p protocol.SubscribePayload
		if err := pkt.Decode(&p); err != nil {
			return err
		}
		if !s.broker.Unsubscribe(c.id, p.ID) {
			return fmt.Errorf("not subscribed to %s", p.ID)
		}
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.UNSUBSCRIBE, Name: p.ID})

	case protocol.TRIGGER:
		var p protocol.TriggerPayload
		if err := pkt.Decode(&p); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("unable to trigger an event without an id")
		}
		origin := c.id
		if p.Echo {
			origin = ""
		}
		if !s.trigger(p.ID, p.Data, origin, p.Trigger) {
			c.logger.Debug().Str("event", p.ID).Str("trigger", p.Trigger).Msg("Duplicate trigger")
		}
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.TRIGGER, Name: p.ID})

	case protocol.EVENT:
		if c.ctype != TypePeer {
			return fmt.Errorf("%w: EVENT is only accepted from peers", ErrNotAuthorized)
		}
		var p protocol.EventPayload
		if err := pkt.Decode(&p); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("event without an id")
		}
		s.trigger(p.ID, p.Data, c.id, p.Trigger)
		return nil

	case protocol.STATUS:
		if c.ctype == TypeService && pkt.HasPayload() {
			return s.statusReport(c, pkt)
		}
		if c.ctype != TypeAdmin {
			return ErrNotAuthorized
		}
		return c.Send(protocol.STATUS, s.status(now))

	case protocol.LOG, protocol.DEBUG:
		var p protocol.LogPayload
		if err := pkt.Decode(&p); err != nil {
			return err
		}
		level := log.Level(p.Level)
		if level == "" {
			level = log.InfoLevel
			if pkt.Type == protocol.DEBUG {
				level = log.DebugLevel
			}
		}
		prefix := c.Name()
		if p.Name != "" {
			prefix = p.Name
		}
		s.logWriter.Write(p.Message, level, prefix)
		return nil

	case protocol.SHUTDOWN:
		if c.ctype != TypeAdmin {
			return ErrNotAuthorized
		}
		var p protocol.ShutdownPayload
		if err := pkt.Decode(&p); err != nil {
			return err
		}
		s.shutdown(time.Duration(p.Delay) * time.Second)
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.SHUTDOWN})

	case protocol.DELAY, protocol.SCHEDULE, protocol.EXEC:
		if c.ctype != TypeAdmin {
			return ErrNotAuthorized
		}
		var req protocol.ExecRequest
		if err := pkt.Decode(&req); err != nil {
			return err
		}
		r, err := s.runner(pkt.Type, req, now)
		if err != nil {
			return err
		}
		queued, err := s.sched.Schedule(r, req.Overwrite)
		if err != nil {
			return err
		}
		if !queued {
			return fmt.Errorf("a task tagged %s is already scheduled", req.Tag)
		}
		return c.Send(protocol.OK, protocol.OKPayload{Command: pkt.Type, TaskID: r.ID})

	case protocol.CANCEL:
		if c.ctype != TypeAdmin {
			return ErrNotAuthorized
		}
		var req protocol.CancelRequest
		if err := pkt.Decode(&req); err != nil {
			return err
		}
		switch {
		case req.ID != "":
			if err := s.sched.Cancel(req.ID, 0); err != nil {
				return err
			}
		case req.Tag != "":
			if s.sched.CancelTag(req.Tag, 0) == 0 {
				return fmt.Errorf("no task tagged %s", req.Tag)
			}
		default:
			return fmt.Errorf("unable to cancel without a task id or tag")
		}
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.CANCEL, TaskID: req.ID, Name: req.Tag})

	case protocol.ENABLE, protocol.DISABLE:
		if c.ctype != TypeAdmin {
			return ErrNotAuthorized
		}
		var req protocol.ServiceRequest
		if err := pkt.Decode(&req); err != nil {
			return err
		}
		var err error
		if pkt.Type == protocol.ENABLE {
			err = s.enableService(req.Name)
		} else {
			err = s.disableService(req.Name)
		}
		if err != nil {
			return err
		}
		return c.Send(protocol.OK, protocol.OKPayload{Command: pkt.Type, Name: req.Name})

	case protocol.SERVICE:
		if c.ctype != TypeAdmin {
			return ErrNotAuthorized
		}
		var req protocol.ServiceRequest
		if err := pkt.Decode(&req); err != nil {
			return err
		}
		info := s.serviceInfo(req.Name)
		if req.Name != "" && len(info) == 0 {
			return fmt.Errorf("service %s does not exist", req.Name)
		}
		return c.Send(protocol.SERVICE, info)

	case protocol.SPAWN:
		if c.ctype == TypeService {
			return ErrNotAuthorized
		}
		var req protocol.SpawnRequest
		if err := pkt.Decode(&req); err != nil {
			return err
		}
		id, err := s.spawn(c, req)
		if err != nil {
			return err
		}
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.SPAWN, Name: req.Name, TaskID: id})

	case protocol.KILL:
		var req protocol.ServiceRequest
		if err := pkt.Decode(&req); err != nil {
			return err
		}
		if err := s.kill(c, req.Name); err != nil {
			return err
		}
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.KILL, Name: req.Name})

	case protocol.SIGNAL:
		var req protocol.SignalRequest
		if err := pkt.Decode(&req); err != nil {
			return err
		}
		if err := s.signal(c, req); err != nil {
			return err
		}
		return c.Send(protocol.OK, protocol.OKPayload{Command: protocol.SIGNAL, Name: req.Service})

	case protocol.PEERINFO:
		if c.ctype != TypePeer {
			return fmt.Errorf("%w: PEERINFO is only accepted from peers", ErrNotAuthorized)
		}
		var info protocol.PeerInfo
		if err := pkt.Decode(&info); err != nil {
			return err
		}
		c.peerInfo = &info
		c.logger.Info().Str("peer_id", info.ID).Str("name", info.Name).Str("cluster", info.Cluster).Msg("Peer info")
		return nil

	case protocol.PEERSTATUS:
		if pkt.HasPayload() {
			var st protocol.PeerStatus
			if err := pkt.Decode(&st); err != nil {
				return err
			}
			c.logger.Debug().Int("peers", len(st.Peers)).Msg("Peer status")
			return nil
		}
		if c.ctype != TypeAdmin && c.ctype != TypePeer {
			return ErrNotAuthorized
		}
		return c.Send(protocol.PEERSTATUS, protocol.PeerStatus{Peers: s.cluster.Peers()})
	}

	c.logger.Warn().Str("type", pkt.Type.String()).Msg("Unhandled packet")
	return ErrUnhandled
}

func (s *Server) kvCommand(c *Client, pkt protocol.Packet) error {
	if s.kv == nil {
		return ErrKVDisabled
	}
	op := pkt.Type.String()
	res, err := s.kv.Handle(pkt.Type, pkt.Payload)
	if err != nil {
		metrics.KVOps.WithLabelValues(op, "error").Inc()
		return err
	}
	metrics.KVOps.WithLabelValues(op, "ok").Inc()
	return c.Send(pkt.Type, res)
}

// statusReport applies a worker's STATUS report to its task.
func (s *Server) statusReport(c *Client, pkt protocol.Packet) error {
	var r worker.StatusReport
	if err := pkt.Decode(&r); err != nil {
		return err
	}
	status, err := task.ParseStatus(r.Status)
	if err != nil {
		return err
	}
	id := c.taskID
	if id == "" {
		id = r.ID
	}
	if r.PID > 0 {
		c.pid = r.PID
	}
	return s.sched.Report(id, status, r.ExitCode, r.Message)
}

func (s *Server) initPayload(c *Client) protocol.InitPayload {
	caps := []string{"events", "tasks", "services"}
	if s.kv != nil {
		caps = append(caps, "kv")
	}
	if s.cluster.Enabled() {
		caps = append(caps, "cluster")
	}
	if s.limiter != nil {
		caps = append(caps, "ratelimit")
	}
	return protocol.InitPayload{CID: c.id, SID: s.id, Version: Version, Capabilities: caps}
}

func (s *Server) peerInfo() protocol.PeerInfo {
	info := protocol.PeerInfo{
		ID:      s.id,
		Name:    s.cfg.Name,
		Cluster: s.cluster.Name(),
		Address: s.cfg.Address,
		Port:    s.cfg.Port,
	}
	return info
}

// snapshot is the state pushed into the metrics collector.
func (s *Server) snapshot() metrics.Snapshot {
	clients := make(map[string]int)
	for _, c := range s.clients {
		clients[c.ctype.String()]++
	}
	tasks := make(map[string]int)
	for _, t := range s.sched.List() {
		tasks[t.Status.String()]++
	}
	st := s.sched.Stats()
	ev := s.broker.Stats()
	return metrics.Snapshot{
		Clients:       clients,
		Peers:         s.cluster.Counts(),
		Tasks:         tasks,
		Subscriptions: ev.Subscriptions,
		Processes:     st.Processes,
		Execs:         st.Execs,
		LateExecs:     st.LateExecs,
		Retries:       st.Retries,
		Failed:        st.Failed,
		LimitHits:     st.LimitHits,
		Triggered:     ev.Triggered,
		Delivered:     ev.Delivered,
	}
}

func rawPayload(pkt protocol.Packet) any {
	if !pkt.HasPayload() {
		return nil
	}
	return pkt.Payload
}

func rawOrNull(pkt protocol.Packet) []byte {
	if !pkt.HasPayload() {
		return []byte("null")
	}
	return pkt.Payload
}
