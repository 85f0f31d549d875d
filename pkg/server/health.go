package server

import (
	"context"
	"fmt"

	"github.com/cuemby/warlock/pkg/health"
	"github.com/cuemby/warlock/pkg/metrics"
	"github.com/cuemby/warlock/pkg/task"
)

// serviceChecked is posted by a monitor after every check.
type serviceChecked struct {
	name     string
	taskID   string
	instance string
	report   health.Report
}

// instance identifies one run of a service task; a restart keeps the
// task id.
func instance(t *task.Task) string {
	return fmt.Sprintf("%s#%d", t.ID, t.Restarts)
}

func (svc *service) stopMonitor() {
	if svc.cancelMonitor != nil {
		svc.cancelMonitor()
	}
	svc.cancelMonitor = nil
	svc.monitorInstance = ""
}

// syncMonitors runs one monitor per running instance of a service with a
// health check and stops monitors whose instance is gone.
func (s *Server) syncMonitors() {
	for name, svc := range s.services {
		if svc.def.Health == nil {
			continue
		}
		var running *task.Task
		for _, t := range s.sched.ByTag(serviceTag(name)) {
			if t.Status == task.StatusRunning {
				running = t
			}
		}
		if running == nil {
			if svc.cancelMonitor != nil {
				svc.stopMonitor()
			}
			continue
		}
		inst := instance(running)
		if svc.monitorInstance == inst {
			continue
		}
		svc.stopMonitor()

		monitor, err := svc.def.Health.Monitor()
		if err != nil {
			s.logger.Error().Err(err).Str("service", name).Msg("Invalid health check")
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		svc.cancelMonitor = cancel
		svc.monitorInstance = inst
		svc.health = nil
		id := running.ID
		go monitor.Run(ctx, func(r health.Report) {
			s.post(ctx, serviceChecked{name: name, taskID: id, instance: inst, report: r})
		})
		s.logger.Debug().Str("service", name).Str("instance", inst).Msg("Health monitor started")
	}
}

// recordHealth records a monitor report and stops an instance that turned
// unhealthy; the scheduler restarts it.
func (s *Server) recordHealth(m serviceChecked) {
	svc, ok := s.services[m.name]
	if !ok || svc.monitorInstance != m.instance {
		return
	}
	r := m.report
	svc.health = &r

	result := "pass"
	if !r.Result.Healthy {
		result = "fail"
	}
	metrics.ServiceHealthChecks.WithLabelValues(m.name, result).Inc()
	if r.Healthy {
		metrics.ServiceHealthy.WithLabelValues(m.name).Set(1)
	} else {
		metrics.ServiceHealthy.WithLabelValues(m.name).Set(0)
	}

	if !r.Changed {
		return
	}
	if r.Healthy {
		s.logger.Info().Str("service", m.name).Msg("Service is healthy again")
		return
	}
	s.logger.Warn().Str("service", m.name).Int("failures", r.Failures).Str("reason", r.Result.Message).Msg("Service is unhealthy, restarting")
	t, ok := s.sched.Get(m.taskID)
	if !ok || t.Status != task.StatusRunning || instance(t) != m.instance {
		return
	}
	if err := t.Terminate(); err != nil {
		s.logger.Error().Err(err).Str("service", m.name).Msg("Failed to stop unhealthy service")
	}
}
