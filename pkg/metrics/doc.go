/*
Package metrics exposes Warlock's Prometheus metrics and health endpoints.

All collectors are package-level and registered with the default registry
in init, so any package can update them directly:

	metrics.PacketsTotal.WithLabelValues("in", "TRIGGER").Inc()
	metrics.RateLimited.Inc()

State that lives on the server loop (client counts, task statuses,
scheduler counters) is published through a Collector. The loop builds a
Snapshot on a timer and calls Observe; gauges are set directly and the
cumulative scheduler and event counters are applied as deltas.

# Metrics

	warlock_clients_total{type}            gauge
	warlock_peers_total{status}            gauge
	warlock_packets_total{direction,type}  counter
	warlock_command_duration_seconds{type} histogram
	warlock_protocol_errors_total{reason}  counter
	warlock_rate_limited_total             counter
	warlock_tasks_total{status}            gauge
	warlock_processes                      gauge
	warlock_task_execs_total               counter
	warlock_task_late_execs_total          counter
	warlock_task_retries_total             counter
	warlock_tasks_failed_total             counter
	warlock_task_limit_hits_total          counter
	warlock_task_lateness_seconds          histogram
	warlock_subscriptions                  gauge
	warlock_events_triggered_total         counter
	warlock_events_delivered_total         counter
	warlock_kv_operations_total{op,result} counter
	warlock_kv_expired_total               counter
	warlock_tick_duration_seconds          histogram

# Health

Components report with UpdateComponent. /health is unhealthy when any
component is; /ready waits for the critical components (listener and
scheduler by default, see SetCritical); /live always answers. Mux serves
all of them next to /metrics when metrics.listen is configured.
*/
package metrics
