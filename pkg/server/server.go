package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/warlock/pkg/config"
	"github.com/cuemby/warlock/pkg/events"
	"github.com/cuemby/warlock/pkg/kv"
	"github.com/cuemby/warlock/pkg/log"
	"github.com/cuemby/warlock/pkg/metrics"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/ratelimit"
	"github.com/cuemby/warlock/pkg/scheduler"
	"github.com/cuemby/warlock/pkg/storage"
	"github.com/cuemby/warlock/pkg/task"
	"github.com/cuemby/warlock/pkg/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Version is reported in INIT replies and status.
var Version = "dev"

// tickInterval is how often the loop runs timers when no packet arrives.
const tickInterval = 100 * time.Millisecond

// Options injects collaborators. Zero values select the defaults derived
// from the configuration.
type Options struct {
	// Listener replaces the configured listen address.
	Listener net.Listener
	// Store backs the KV layer.
	Store storage.Store
	// Spawner starts worker processes.
	Spawner worker.Spawner
	// WorkerCommand starts the worker runtime; defaults to this binary's
	// worker subcommand.
	WorkerCommand *worker.Command
	// Dial connects to peers.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// loop messages posted by the I/O goroutines
type (
	connOpened struct{ conn net.Conn }
	connData   struct {
		client *Client
		data   []byte
	}
	connClosed struct {
		client *Client
		err    error
	}
	processExited struct {
		client *Client
		code   int
	}
	servicesLoaded struct{ defs []config.ServiceDef }
)

// Server is the Warlock server. All state is owned by the goroutine
// running Run; other goroutines talk to it through the inbox.
type Server struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger
	id     string
	codec  *protocol.Codec

	store     storage.Store
	rateStore storage.Store
	kv        *kv.Handler
	limiter   *ratelimit.Limiter
	broker    *events.Broker
	sched     *scheduler.Scheduler
	cluster   *Cluster
	collector *metrics.Collector
	logWriter *log.Writer

	clients  map[string]*Client
	services map[string]*service
	globals  map[string]config.GlobalEvent

	listener    net.Listener
	httpServer  *http.Server
	inbox       chan any
	ctx         context.Context
	ready       chan struct{}
	started     time.Time
	shutdownAt  time.Time
	lastObserve time.Time
}

// New builds a server from cfg. Run starts it.
func New(cfg *config.Config, opts Options, logger zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := &Server{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		id:        id,
		codec:     protocol.NewCodec(id, cfg.Encode),
		collector: metrics.NewCollector(),
		logWriter: log.NewWriter(logger.With().Str("component", "clients").Logger()),
		clients:   make(map[string]*Client),
		services:  make(map[string]*service),
		globals:   make(map[string]config.GlobalEvent),
		inbox:     make(chan any, 256),
		ready:     make(chan struct{}),
	}

	if err := s.openStores(); err != nil {
		return nil, err
	}

	s.broker = events.NewBroker(events.Config{QueueTimeout: cfg.Event.QueueTimeout}, logger.With().Str("component", "events").Logger())
	for _, g := range cfg.Event.Global {
		s.globals[g.Event] = g
	}

	if s.opts.Spawner == nil {
		s.opts.Spawner = worker.ExecSpawner{}
	}
	cmd, err := s.workerCommand()
	if err != nil {
		s.closeStores()
		return nil, err
	}
	launcher := worker.NewLauncher(s.opts.Spawner, cmd, s.codec, s.attachProcess)
	s.sched = scheduler.NewScheduler(scheduler.Config{
		Retries:         cfg.Task.Retries,
		RetryDelay:      cfg.Task.Retry,
		Expire:          cfg.Task.Expire,
		Timeout:         cfg.Process.Timeout,
		ProcessLimit:    cfg.Process.Limit,
		ServiceRestarts: cfg.Service.Restarts,
		ServiceDisable:  cfg.Service.Disable,
	}, launcher, logger.With().Str("component", "scheduler").Logger())
	s.sched.OnExec = func(_ *task.Task, late time.Duration) {
		metrics.TaskLateness.Observe(late.Seconds())
	}

	s.cluster, err = NewCluster(cfg.Cluster.Name, cfg.Cluster.AccessKey, cfg.Name, cfg.Cluster.Peers,
		cfg.Cluster.ReconnectTimeout, s, logger.With().Str("component", "cluster").Logger())
	if err != nil {
		s.closeStores()
		return nil, err
	}
	return s, nil
}

func (s *Server) openStores() error {
	switch {
	case s.opts.Store != nil:
		s.store = s.opts.Store
	case s.cfg.KV.Persist:
		store, err := storage.NewBoltStore(filepath.Join(s.cfg.DataDir, "kv.db"), storage.BoltOptions{})
		if err != nil {
			metrics.UpdateComponent(metrics.ComponentStorage, false, err.Error())
			return fmt.Errorf("failed to open KV store: %w", err)
		}
		s.store = store
	default:
		s.store = storage.NewMemoryStore()
	}
	if s.cfg.KV.Enabled {
		s.kv = kv.NewHandler(s.store, s.logger.With().Str("component", "kv").Logger())
	}

	if s.cfg.RateLimit.Enabled {
		backend, err := s.rateBackend()
		if err != nil {
			s.closeStores()
			return err
		}
		s.limiter, err = ratelimit.NewLimiter(backend, s.cfg.RateLimit.Limit, s.cfg.RateLimit.Window)
		if err != nil {
			s.closeStores()
			return err
		}
	}
	metrics.UpdateComponent(metrics.ComponentStorage, true, "")
	return nil
}

func (s *Server) rateBackend() (*ratelimit.StoreBackend, error) {
	if !s.cfg.RateLimit.Persist {
		return ratelimit.NewMemoryBackend(s.cfg.RateLimit.Window)
	}
	store, err := storage.NewBoltStore(filepath.Join(s.cfg.DataDir, "ratelimit.db"), storage.BoltOptions{})
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return nil, fmt.Errorf("%w: %v", ratelimit.ErrLockingUnsupported, err)
		}
		return nil, fmt.Errorf("failed to open rate limit store: %w", err)
	}
	s.rateStore = store
	return ratelimit.NewStoreBackend(store, ratelimit.Options{
		Window:       s.cfg.RateLimit.Window,
		CompactAfter: s.cfg.RateLimit.Window,
	})
}

func (s *Server) closeStores() {
	if s.store != nil && s.opts.Store == nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close KV store")
		}
	}
	if s.rateStore != nil {
		if err := s.rateStore.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close rate limit store")
		}
	}
}

func (s *Server) workerCommand() (worker.Command, error) {
	if s.opts.WorkerCommand != nil {
		return *s.opts.WorkerCommand, nil
	}
	if len(s.cfg.Process.Command) > 0 {
		return worker.Command{Path: s.cfg.Process.Command[0], Args: s.cfg.Process.Command[1:]}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return worker.Command{}, fmt.Errorf("failed to locate worker binary: %w", err)
	}
	args := []string{"worker"}
	if s.cfg.Encode {
		args = append(args, "--encode")
	}
	return worker.Command{Path: exe, Args: args}, nil
}

// ID returns the server id stamped on outgoing packets.
func (s *Server) ID() string { return s.id }

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listen address once ready.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Run serves until ctx is done or a SHUTDOWN command fires.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx
	s.started = time.Now()
	metrics.SetVersion(Version)

	ln := s.opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.ListenAddr())
		if err != nil {
			metrics.UpdateComponent(metrics.ComponentListener, false, err.Error())
			s.closeStores()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr(), err)
		}
	}
	s.listener = ln
	metrics.UpdateComponent(metrics.ComponentListener, true, "")
	go s.accept(ctx, ln)

	if s.cfg.Metrics.Listen != "" {
		s.serveMetrics()
	}
	if err := s.registerInternal(); err != nil {
		s.stop()
		return err
	}
	s.startServices(ctx)
	metrics.UpdateComponent(metrics.ComponentScheduler, true, "")
	if s.cluster.Enabled() {
		metrics.UpdateComponent(metrics.ComponentCluster, true, "")
	}

	s.logger.Info().
		Str("id", s.id).
		Str("addr", ln.Addr().String()).
		Str("version", Version).
		Msg("Warlock server started")
	close(s.ready)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return nil
		case m := <-s.inbox:
			s.handle(m, time.Now())
		case now := <-ticker.C:
			if s.tick(now) {
				s.stop()
				return nil
			}
		}
	}
}

func (s *Server) handle(m any, now time.Time) {
	switch m := m.(type) {
	case connOpened:
		s.open(m.conn, now)
	case connData:
		if m.client.closed {
			return
		}
		if err := m.client.Recv(m.data, now); err != nil {
			s.drop(m.client, err)
		}
	case connClosed:
		s.drop(m.client, m.err)
	case processExited:
		s.disconnect(m.client)
		s.sched.ProcessExited(m.client.taskID, m.code)
	case servicesLoaded:
		s.reloadServices(m.defs, now)
	case serviceChecked:
		s.recordHealth(m)
	default:
		s.logger.Error().Type("message", m).Msg("Unknown loop message")
	}
}

// tick runs timers and reports whether the server should stop.
func (s *Server) tick(now time.Time) bool {
	timer := metrics.NewTimer()
	s.sched.Tick(s.ctx, now)
	timer.ObserveDuration(metrics.TickDuration)

	s.broker.Cleanup()
	s.syncMonitors()
	s.cluster.Process(now)
	for _, c := range s.clients {
		if !c.keepalive(now, s.cfg.Client.Check, s.cfg.Client.PingWait, s.cfg.Client.PingCount) {
			c.logger.Info().Int("pings", c.pings).Msg("Client stopped answering pings")
			s.disconnect(c)
		}
	}
	if now.Sub(s.lastObserve) >= time.Second {
		s.lastObserve = now
		s.collector.Observe(s.snapshot())
	}
	return !s.shutdownAt.IsZero() && !now.Before(s.shutdownAt)
}

func (s *Server) post(ctx context.Context, m any) bool {
	select {
	case s.inbox <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) accept(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			time.Sleep(tickInterval)
			continue
		}
		if !s.post(ctx, connOpened{conn: conn}) {
			conn.Close()
			return
		}
	}
}

// read forwards everything read from r to the loop.
func (s *Server) read(ctx context.Context, c *Client, r io.Reader) {
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !s.post(ctx, connData{client: c, data: append([]byte(nil), buf[:n]...)}) {
				return
			}
		}
		if err != nil {
			s.post(ctx, connClosed{client: c, err: err})
			return
		}
	}
}

// readProcess forwards a worker's output and then its exit code.
func (s *Server) readProcess(ctx context.Context, c *Client, p worker.Process) {
	out := p.Stdout()
	buf := make([]byte, 32<<10)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if !s.post(ctx, connData{client: c, data: append([]byte(nil), buf[:n]...)}) {
				_, _ = io.Copy(io.Discard, out)
				break
			}
		}
		if err != nil {
			break
		}
	}
	code, err := p.Wait()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Wait for worker failed")
	}
	s.post(ctx, processExited{client: c, code: code})
}

func (s *Server) open(conn net.Conn, now time.Time) {
	c := newClient(uuid.New().String(), conn, protocol.WebSocketFramer{}, s.codec, s.logger, now)
	c.srv = s
	c.queueWrites()
	s.clients[c.id] = c
	c.logger.Debug().Str("addr", c.Name()).Msg("CLIENT<-CREATE")
	go s.read(s.ctx, c, conn)
}

// drop disconnects c after err ended its connection.
func (s *Server) drop(c *Client, err error) {
	if c.closed {
		return
	}
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, errCloseRequested), errors.Is(err, net.ErrClosed):
		c.logger.Debug().Msg("Client closed connection")
	case errors.Is(err, protocol.ErrBadHandshake):
		c.logger.Warn().Err(err).Msg("Handshake failed")
	case errors.Is(err, protocol.ErrMalformedFrame):
		c.logger.Warn().Err(err).Msg("Protocol error")
		metrics.ProtocolErrors.WithLabelValues("frame").Inc()
	default:
		c.logger.Info().Err(err).Msg("Connection error")
		metrics.ProtocolErrors.WithLabelValues("io").Inc()
	}
	s.disconnect(c)
}

// disconnect closes c and forgets everything tied to it. Other clients are
// unaffected.
func (s *Server) disconnect(c *Client) {
	if c.closed {
		return
	}
	c.close()
	delete(s.clients, c.id)
	if n := s.broker.UnsubscribeAll(c.id); n > 0 {
		c.logger.Debug().Int("subscriptions", n).Msg("Removed subscriptions")
	}
	if c.peer != nil {
		c.peer.Disconnect(time.Now())
	}
	s.killOwned(c)
	c.logger.Debug().Str("type", c.ctype.String()).Msg("CLIENT->CLOSE")
}

// Shutdown schedules a graceful stop after delay.
func (s *Server) shutdown(delay time.Duration) {
	s.shutdownAt = time.Now().Add(delay)
	s.logger.Info().Dur("delay", delay).Msg("Shutdown requested")
}

func (s *Server) stop() {
	s.logger.Info().Msg("Stopping Warlock server")
	if s.listener != nil {
		s.listener.Close()
	}
	metrics.UpdateComponent(metrics.ComponentListener, false, "stopped")
	now := time.Now()
	s.cluster.Shutdown(now)
	for _, c := range s.clients {
		if c.state == StateStreaming && c.ctype != TypeService {
			_ = c.writeFrame(protocol.OpClose, nil)
		}
		s.disconnect(c)
	}
	s.sched.Shutdown()
	if s.limiter != nil {
		if err := s.limiter.Shutdown(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to flush rate limiter")
		}
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	s.closeStores()
}

func (s *Server) serveMetrics() {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Metrics.Listen,
		Handler:           metrics.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	s.logger.Info().Str("addr", s.cfg.Metrics.Listen).Msg("Metrics listening")
}

// peerTransport

func (s *Server) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.opts.Dial != nil {
		return s.opts.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (s *Server) attach(p *Peer, conn net.Conn) *Client {
	c := newClient(uuid.New().String(), conn, protocol.WebSocketFramer{Mask: true}, s.codec, s.logger, time.Now())
	c.srv = s
	c.queueWrites()
	c.ctype = TypePeer
	c.peer = p
	c.name = p.Addr()
	s.clients[c.id] = c
	go s.read(s.ctx, c, conn)
	return c
}

func (s *Server) detach(c *Client) {
	s.disconnect(c)
}

func (s *Server) streaming(p *Peer, c *Client) {
	s.broker.SubscribeAll(c)
	if err := c.Send(protocol.INIT, s.initPayload(c)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to greet peer")
	}
}
