package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the body of the health endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// Component names reported by the server.
const (
	ComponentListener  = "listener"
	ComponentStorage   = "storage"
	ComponentScheduler = "scheduler"
	ComponentCluster   = "cluster"
)

type componentHealth struct {
	healthy bool
	message string
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentHealth
	critical   []string
	started    time.Time
	version    string
}

var health = &healthRegistry{
	components: make(map[string]componentHealth),
	critical:   []string{ComponentListener, ComponentScheduler},
	started:    time.Now(),
}

// SetVersion sets the version reported by the health endpoints.
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// SetCritical replaces the components that must be healthy for readiness.
func SetCritical(names ...string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.critical = append([]string(nil), names...)
}

// UpdateComponent records the health of a component.
func UpdateComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = componentHealth{healthy: healthy, message: message}
}

// GetHealth reports unhealthy when any registered component is unhealthy.
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	out := health.status("healthy")
	for name, c := range health.components {
		if c.healthy {
			out.Components[name] = "healthy"
			continue
		}
		out.Status = "unhealthy"
		out.Components[name] = "unhealthy: " + c.message
	}
	return out
}

// GetReadiness reports ready once every critical component is healthy.
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	out := health.status("ready")
	for _, name := range health.critical {
		c, ok := health.components[name]
		switch {
		case !ok:
			out.Status = "not_ready"
			out.Message = "waiting for " + name
			out.Components[name] = "not registered"
		case !c.healthy:
			out.Status = "not_ready"
			out.Message = "waiting for " + name
			out.Components[name] = "not ready: " + c.message
		default:
			out.Components[name] = "ready"
		}
	}
	return out
}

func (h *healthRegistry) status(initial string) HealthStatus {
	return HealthStatus{
		Status:     initial,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
	}
}

func writeHealth(w http.ResponseWriter, s HealthStatus, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(s)
}

// HealthHandler serves /health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := GetHealth()
		writeHealth(w, s, s.Status != "unhealthy")
	}
}

// ReadyHandler serves /ready.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := GetReadiness()
		writeHealth(w, s, s.Status == "ready")
	}
}

// LivenessHandler always answers 200 while the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.mu.RLock()
		started := health.started
		health.mu.RUnlock()
		writeHealth(w, HealthStatus{Status: "alive", Timestamp: time.Now(), Uptime: time.Since(started).Round(time.Second).String()}, true)
	}
}

// resetHealth clears component state between tests.
func resetHealth() {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components = make(map[string]componentHealth)
	health.critical = []string{ComponentListener, ComponentScheduler}
}
