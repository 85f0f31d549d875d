package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/warlock/pkg/config"
	"github.com/cuemby/warlock/pkg/health"
	"github.com/cuemby/warlock/pkg/metrics"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/task"
	"github.com/cuemby/warlock/pkg/worker"
	"github.com/google/uuid"
)

// service is a configured service from the services file.
type service struct {
	def     config.ServiceDef
	enabled bool

	// monitorInstance is the run the monitor checks.
	monitorInstance string
	cancelMonitor   context.CancelFunc
	health          *health.Report
}

// ServiceInfo is the SERVICE reply for one service.
type ServiceInfo struct {
	Name     string      `json:"name"`
	Enabled  bool        `json:"enabled"`
	Dynamic  bool        `json:"dynamic,omitempty"`
	Owner    string      `json:"owner,omitempty"`
	TaskID   string      `json:"task_id,omitempty"`
	Status   task.Status `json:"status,omitempty"`
	PID      int         `json:"pid,omitempty"`
	Restarts int         `json:"restarts"`
	Command  string      `json:"command"`
	Healthy  *bool       `json:"healthy,omitempty"`
	Health   string      `json:"health,omitempty"`
}

func serviceTag(name string) string { return "service:" + name }

func dynamicTag(owner, name string) string { return "dynamic:" + owner + ":" + name }

// attachProcess registers a spawned worker as a service client. The
// launcher calls it from the loop while dispatching.
func (s *Server) attachProcess(t *task.Task, p worker.Process) {
	c := newClient(uuid.New().String(), p.Stdin(), protocol.LineFramer{}, s.codec, s.logger, time.Now())
	c.srv = s
	c.ctype = TypeService
	c.state = StateStreaming
	c.taskID = t.ID
	c.pid = p.PID()
	c.name = t.Tag
	if c.name == "" {
		c.name = t.Kind.String() + ":" + t.ID
	}
	s.clients[c.id] = c
	c.logger.Debug().Str("task_id", t.ID).Int("pid", c.pid).Msg("Worker attached")
	go s.readProcess(s.ctx, c, p)
}

// registerInternal queues the maintenance tasks.
func (s *Server) registerInternal() error {
	if s.kv != nil && s.cfg.KV.Sweep != "" {
		t := task.NewInternal("internal:kv-sweep", func(context.Context, *task.Task) error {
			n, err := s.kv.Expire()
			if n > 0 {
				metrics.KVExpired.Add(float64(n))
				s.logger.Debug().Int("keys", n).Msg("Expired KV keys")
			}
			return err
		})
		if err := t.SetSchedule(s.cfg.KV.Sweep); err != nil {
			return fmt.Errorf("kv.sweep: %w", err)
		}
		t.MaxRetries = 0
		if err := s.sched.Add(t); err != nil {
			return err
		}
	}

	if s.limiter != nil {
		t := task.NewInternal("internal:ratelimit-sweep", func(context.Context, *task.Task) error {
			n, err := s.limiter.Sweep()
			if n > 0 {
				s.logger.Debug().Int("records", n).Msg("Dropped idle rate limit records")
			}
			return err
		})
		t.Schedule = task.Every(s.cfg.RateLimit.Window)
		t.ScheduleExpr = "@every " + s.cfg.RateLimit.Window.String()
		t.MaxRetries = 0
		if err := s.sched.Add(t); err != nil {
			return err
		}
	}

	if s.cfg.Metrics.Announce > 0 {
		t := task.NewInternal("internal:stats", func(context.Context, *task.Task) error {
			st := s.sched.Stats()
			ev := s.broker.Stats()
			s.logger.Info().
				Int("clients", len(s.clients)).
				Int("tasks", st.Tasks).
				Int("processes", st.Processes).
				Int64("execs", st.Execs).
				Int64("late", st.LateExecs).
				Int64("failed", st.Failed).
				Int64("events", ev.Triggered).
				Int("subscriptions", ev.Subscriptions).
				Msg("Stats")
			s.collector.Observe(s.snapshot())
			return nil
		})
		t.Schedule = task.Every(s.cfg.Metrics.Announce)
		t.ScheduleExpr = "@every " + s.cfg.Metrics.Announce.String()
		t.MaxRetries = 0
		if err := s.sched.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// startServices loads the services file and watches it for changes.
func (s *Server) startServices(ctx context.Context) {
	path := s.cfg.Service.File
	if path == "" {
		return
	}
	defs, err := config.LoadServices(path)
	if err != nil {
		s.logger.Error().Err(err).Str("file", path).Msg("Failed to load services")
	} else {
		s.reloadServices(defs, time.Now())
	}
	go func() {
		err := config.WatchServices(ctx, path, s.logger, func(defs []config.ServiceDef) {
			s.post(ctx, servicesLoaded{defs: defs})
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("file", path).Msg("Services watcher stopped")
		}
	}()
}

// reloadServices applies a services file: removed services stop, new and
// changed ones (re)start when enabled.
func (s *Server) reloadServices(defs []config.ServiceDef, now time.Time) {
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.Name] = true
		old, exists := s.services[def.Name]
		if exists && sameService(old.def, def) {
			continue
		}
		if exists {
			old.stopMonitor()
			s.sched.CancelTag(serviceTag(def.Name), 0)
		}
		svc := &service{def: def, enabled: def.IsEnabled()}
		if exists {
			svc.enabled = old.enabled
		}
		s.services[def.Name] = svc
		if svc.enabled {
			if err := s.startService(svc, now); err != nil {
				s.logger.Error().Err(err).Str("service", def.Name).Msg("Failed to start service")
			}
		}
		s.logger.Info().Str("service", def.Name).Bool("enabled", svc.enabled).Bool("reloaded", exists).Msg("Service loaded")
	}
	for name := range s.services {
		if !seen[name] {
			s.services[name].stopMonitor()
			s.sched.CancelTag(serviceTag(name), 0)
			delete(s.services, name)
			s.logger.Info().Str("service", name).Msg("Service removed")
		}
	}
}

func sameService(a, b config.ServiceDef) bool {
	x, _ := json.Marshal(a)
	y, _ := json.Marshal(b)
	return string(x) == string(y)
}

func (s *Server) startService(svc *service, now time.Time) error {
	t, err := svc.def.Task(now)
	if err != nil {
		return err
	}
	_, err = s.sched.Schedule(t, false)
	return err
}

func (s *Server) enableService(name string) error {
	svc, ok := s.services[name]
	if !ok {
		return fmt.Errorf("service %s does not exist", name)
	}
	svc.enabled = true
	return s.startService(svc, time.Now())
}

func (s *Server) disableService(name string) error {
	svc, ok := s.services[name]
	if !ok {
		return fmt.Errorf("service %s does not exist", name)
	}
	svc.enabled = false
	svc.stopMonitor()
	s.sched.CancelTag(serviceTag(name), 0)
	return nil
}

// serviceInfo describes configured services and dynamic ones, optionally
// filtered by name.
func (s *Server) serviceInfo(name string) []ServiceInfo {
	var out []ServiceInfo
	for _, svc := range s.services {
		if name != "" && svc.def.Name != name {
			continue
		}
		info := ServiceInfo{Name: svc.def.Name, Enabled: svc.enabled, Command: svc.def.Command}
		s.fillTask(&info, serviceTag(svc.def.Name))
		if r := svc.health; r != nil {
			healthy := r.Healthy
			info.Healthy = &healthy
			info.Health = r.Result.Message
		}
		out = append(out, info)
	}
	for _, t := range s.sched.List() {
		if !t.Dynamic || (name != "" && t.Name != name) {
			continue
		}
		info := ServiceInfo{Name: t.Name, Enabled: true, Dynamic: true, Owner: t.Owner, Command: t.Exec.Command}
		s.fillTask(&info, t.Tag)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return dedupeInfo(out)
}

func (s *Server) fillTask(info *ServiceInfo, tag string) {
	family := s.sched.ByTag(tag)
	if len(family) == 0 {
		return
	}
	t := family[len(family)-1]
	info.TaskID = t.ID
	info.Status = t.Status
	info.Restarts = t.Restarts
	if h := t.Handle(); h != nil {
		info.PID = h.PID()
	}
}

// dedupeInfo drops repeated dynamic entries of one family.
func dedupeInfo(in []ServiceInfo) []ServiceInfo {
	out := in[:0]
	seen := make(map[string]bool, len(in))
	for _, info := range in {
		key := fmt.Sprintf("%s/%s/%t", info.Name, info.Owner, info.Dynamic)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, info)
	}
	return out
}

// spawn starts a dynamic service owned by c.
func (s *Server) spawn(c *Client, req protocol.SpawnRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("unable to spawn a service without a name")
	}
	if req.Command == "" {
		return "", fmt.Errorf("service %s has no command", req.Name)
	}
	t := task.NewService(req.Name, task.Exec{Command: req.Command, Args: req.Args, Env: req.Env}, req.Config)
	t.Tag = dynamicTag(c.id, req.Name)
	t.Dynamic = true
	t.Owner = c.id
	t.Respawn = req.Respawn
	t.RespawnDelay = time.Duration(req.RespawnDelay) * time.Second
	queued, err := s.sched.Schedule(t, false)
	if err != nil {
		return "", err
	}
	if !queued {
		return "", fmt.Errorf("dynamic service %s is already running", req.Name)
	}
	s.logger.Info().Str("service", req.Name).Str("owner", c.Name()).Msg("Dynamic service spawned")
	return t.ID, nil
}

// ownedServices returns the live dynamic services named name that c may
// control: its own, or any for admins.
func (s *Server) ownedServices(c *Client, name string) []*task.Task {
	var out []*task.Task
	for _, t := range s.sched.List() {
		if !t.Dynamic || t.Name != name || t.Status.Terminal() {
			continue
		}
		if t.Owner == c.id || c.ctype == TypeAdmin {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) kill(c *Client, name string) error {
	n := 0
	for _, t := range s.ownedServices(c, name) {
		if err := s.sched.Cancel(t.ID, 0); err == nil {
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("no dynamic service %s", name)
	}
	return nil
}

// signal forwards an event to the running instances of a dynamic service.
func (s *Server) signal(c *Client, req protocol.SignalRequest) error {
	if req.ID == "" || req.Service == "" {
		return fmt.Errorf("signal needs an event id and a service")
	}
	ev := protocol.EventPayload{ID: req.ID, Trigger: uuid.New().String(), Time: time.Now(), Data: req.Data}
	n := 0
	for _, t := range s.ownedServices(c, req.Service) {
		h := t.Handle()
		if h == nil {
			continue
		}
		if err := h.Send(protocol.EVENT, ev); err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to signal service")
			continue
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("unable to signal dynamic service %s", req.Service)
	}
	return nil
}

// killOwned cancels the dynamic services of a departing client.
func (s *Server) killOwned(c *Client) {
	if c.ctype == TypeService {
		return
	}
	prefix := dynamicTag(c.id, "")
	for _, t := range s.sched.List() {
		if t.Dynamic && strings.HasPrefix(t.Tag, prefix) && task.CanTransition(t.Status, task.StatusCancelled) {
			if err := s.sched.Cancel(t.ID, 0); err == nil {
				s.logger.Info().Str("service", t.Name).Msg("Dynamic service stopped with its owner")
			}
		}
	}
}

// runner builds a runner task from a DELAY, SCHEDULE or EXEC request.
func (s *Server) runner(t protocol.PacketType, req protocol.ExecRequest, now time.Time) (*task.Task, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("%s needs a command", t)
	}
	r := task.NewRunner(req.Tag, task.Exec{Command: req.Command, Args: req.Args, Env: req.Env, Dir: req.Dir}, req.Params)
	if req.Timeout > 0 {
		r.Timeout = time.Duration(req.Timeout) * time.Second
	}
	switch t {
	case protocol.DELAY:
		r.Start = now.Add(time.Duration(req.Delay) * time.Second)
	case protocol.SCHEDULE:
		switch {
		case req.Cron != "":
			if err := r.SetSchedule(req.Cron); err != nil {
				return nil, err
			}
		case req.When > 0:
			r.Start = time.Unix(req.When, 0)
		default:
			return nil, fmt.Errorf("unable to schedule code execution without an execution time")
		}
	default:
		r.Start = now
	}
	return r, nil
}

// trigger fires an event locally and starts the runner of a matching
// global event.
func (s *Server) trigger(eventID string, data json.RawMessage, origin, triggerID string) bool {
	ev, ok := s.broker.Trigger(eventID, data, origin, triggerID)
	if !ok {
		return false
	}
	if g, global := s.globals[eventID]; global {
		params, err := json.Marshal(map[string]any{"data": data, "event": protocol.EventPayload{
			ID: ev.ID, Trigger: ev.Trigger, Time: ev.Time, Data: ev.Data,
		}})
		if err != nil {
			s.logger.Error().Err(err).Str("event", eventID).Msg("Failed to encode global event")
			return true
		}
		r := task.NewRunner("event:"+eventID, g.Exec(), params)
		r.Event = eventID
		r.MaxRetries = 0
		if err := s.sched.Add(r); err != nil {
			s.logger.Error().Err(err).Str("event", eventID).Msg("Failed to queue global event")
		} else {
			s.logger.Info().Str("event", eventID).Str("task_id", r.ID).Msg("Global event triggered")
		}
	}
	return true
}
