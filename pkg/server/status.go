package server

import (
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/cuemby/warlock/pkg/events"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/scheduler"
	"github.com/shirou/gopsutil/v4/process"
)

// Status is the reply to an admin STATUS request.
type Status struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Version    string    `json:"version"`
	Started    time.Time `json:"started"`
	Uptime     float64   `json:"uptime"`
	PID        int       `json:"pid"`
	Memory     uint64    `json:"memory"`
	CPU        float64   `json:"cpu"`
	Goroutines int       `json:"goroutines"`

	Clients  []ClientStatus       `json:"clients"`
	Tasks    scheduler.Stats      `json:"tasks"`
	Events   events.Stats         `json:"events"`
	Queued   map[string]int       `json:"queued,omitempty"`
	Services []ServiceInfo        `json:"services,omitempty"`
	Cluster  string               `json:"cluster,omitempty"`
	Peers    []protocol.PeerState `json:"peers,omitempty"`
}

// ClientStatus describes one connected client.
type ClientStatus struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Name          string    `json:"name"`
	Since         time.Time `json:"since"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	PID           int       `json:"pid,omitempty"`
}

func (s *Server) status(now time.Time) Status {
	st := Status{
		ID:         s.id,
		Name:       s.cfg.Name,
		Version:    Version,
		Started:    s.started,
		Uptime:     now.Sub(s.started).Seconds(),
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		Tasks:      s.sched.Stats(),
		Events:     s.broker.Stats(),
		Queued:     s.broker.Queued(),
		Services:   s.serviceInfo(""),
		Cluster:    s.cluster.Name(),
		Peers:      s.cluster.Peers(),
	}
	if p, err := process.NewProcess(int32(st.PID)); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			st.Memory = mem.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			st.CPU = cpu
		}
	} else {
		s.logger.Debug().Err(err).Msg("Process stats unavailable")
	}

	for _, c := range s.clients {
		st.Clients = append(st.Clients, ClientStatus{
			ID:            c.id,
			Type:          c.ctype.String(),
			Name:          c.Name(),
			Since:         c.since,
			Subscriptions: s.broker.Subscriptions(c.id),
			TaskID:        c.taskID,
			PID:           c.pid,
		})
	}
	sort.Slice(st.Clients, func(i, j int) bool { return st.Clients[i].Since.Before(st.Clients[j].Since) })
	return st
}
