package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ClientsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warlock_clients_total",
			Help: "Connected clients by type",
		},
		[]string{"type"},
	)

	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warlock_peers_total",
			Help: "Cluster peers by connection status",
		},
		[]string{"status"},
	)

	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warlock_packets_total",
			Help: "Packets by direction and type",
		},
		[]string{"direction", "type"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warlock_command_duration_seconds",
			Help:    "Time spent handling a command in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	ProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warlock_protocol_errors_total",
			Help: "Connections dropped for protocol errors, by reason",
		},
		[]string{"reason"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_rate_limited_total",
			Help: "Commands rejected by the rate limiter",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warlock_tasks_total",
			Help: "Tasks by status",
		},
		[]string{"status"},
	)

	Processes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warlock_processes",
			Help: "Running worker processes",
		},
	)

	TaskExecs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_task_execs_total",
			Help: "Completed task executions",
		},
	)

	TaskLateExecs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_task_late_execs_total",
			Help: "Task executions dispatched after their start time",
		},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_task_retries_total",
			Help: "Task retries",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_tasks_failed_total",
			Help: "Tasks that failed permanently",
		},
	)

	TaskLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_task_limit_hits_total",
			Help: "Dispatches deferred by the process limit",
		},
	)

	TaskLateness = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warlock_task_lateness_seconds",
			Help:    "Delay between a task's start time and its dispatch",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		},
	)

	// Signalling metrics
	Subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warlock_subscriptions",
			Help: "Active event subscriptions",
		},
	)

	EventsTriggered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_events_triggered_total",
			Help: "Events triggered",
		},
	)

	EventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_events_delivered_total",
			Help: "Event deliveries to subscribers",
		},
	)

	// Storage metrics
	KVOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warlock_kv_operations_total",
			Help: "KV commands by operation and result",
		},
		[]string{"op", "result"},
	)

	KVExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warlock_kv_expired_total",
			Help: "KV keys removed by expiry sweeps",
		},
	)

	// Service health metrics
	ServiceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warlock_service_healthy",
			Help: "1 when the service passes its health check",
		},
		[]string{"service"},
	)

	ServiceHealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warlock_service_health_checks_total",
			Help: "Service health checks by result",
		},
		[]string{"service", "result"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warlock_tick_duration_seconds",
			Help:    "Time spent in one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ClientsTotal)
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(PacketsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(ProtocolErrors)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(Processes)
	prometheus.MustRegister(TaskExecs)
	prometheus.MustRegister(TaskLateExecs)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TaskLimitHits)
	prometheus.MustRegister(TaskLateness)
	prometheus.MustRegister(Subscriptions)
	prometheus.MustRegister(EventsTriggered)
	prometheus.MustRegister(EventsDelivered)
	prometheus.MustRegister(KVOps)
	prometheus.MustRegister(KVExpired)
	prometheus.MustRegister(ServiceHealthy)
	prometheus.MustRegister(ServiceHealthChecks)
	prometheus.MustRegister(TickDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Mux serves /metrics, /health, /ready and /live.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
