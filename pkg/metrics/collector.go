package metrics

import "sync"

// Snapshot is a point-in-time view of the server, taken on the server loop
// and pushed here by Observe.
type Snapshot struct {
	Clients       map[string]int
	Peers         map[string]int
	Tasks         map[string]int
	Subscriptions int
	Processes     int

	// Cumulative counters.
	Execs     int64
	LateExecs int64
	Retries   int64
	Failed    int64
	LimitHits int64
	Triggered int64
	Delivered int64
}

// Collector turns snapshots into metric updates. Cumulative counters are
// applied as deltas against the previous snapshot.
type Collector struct {
	mu   sync.Mutex
	last Snapshot
	// label values set by the previous snapshot, reset to zero when they
	// disappear
	seen map[*labelGauge]map[string]bool
}

type labelGauge struct {
	set func(label string, v float64)
}

var (
	clientsGauge = &labelGauge{set: func(l string, v float64) { ClientsTotal.WithLabelValues(l).Set(v) }}
	peersGauge   = &labelGauge{set: func(l string, v float64) { PeersTotal.WithLabelValues(l).Set(v) }}
	tasksGauge   = &labelGauge{set: func(l string, v float64) { TasksTotal.WithLabelValues(l).Set(v) }}
)

// NewCollector creates a collector.
func NewCollector() *Collector {
	return &Collector{seen: make(map[*labelGauge]map[string]bool)}
}

// Observe applies a snapshot.
func (c *Collector) Observe(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setLabels(clientsGauge, s.Clients)
	c.setLabels(peersGauge, s.Peers)
	c.setLabels(tasksGauge, s.Tasks)
	Subscriptions.Set(float64(s.Subscriptions))
	Processes.Set(float64(s.Processes))

	addDelta(TaskExecs, s.Execs, c.last.Execs)
	addDelta(TaskLateExecs, s.LateExecs, c.last.LateExecs)
	addDelta(TaskRetries, s.Retries, c.last.Retries)
	addDelta(TasksFailed, s.Failed, c.last.Failed)
	addDelta(TaskLimitHits, s.LimitHits, c.last.LimitHits)
	addDelta(EventsTriggered, s.Triggered, c.last.Triggered)
	addDelta(EventsDelivered, s.Delivered, c.last.Delivered)

	c.last = s
}

func (c *Collector) setLabels(g *labelGauge, values map[string]int) {
	prev := c.seen[g]
	next := make(map[string]bool, len(values))
	for label, v := range values {
		g.set(label, float64(v))
		next[label] = true
	}
	for label := range prev {
		if !next[label] {
			g.set(label, 0)
		}
	}
	c.seen[g] = next
}

type adder interface{ Add(float64) }

func addDelta(c adder, now, before int64) {
	if now > before {
		c.Add(float64(now - before))
	}
}
