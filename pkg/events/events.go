package events

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Event is one triggered occurrence of an event id.
type Event struct {
	ID      string          `json:"id"`
	Trigger string          `json:"trigger"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Origin is the subscriber that triggered the event. It never receives
	// the event back.
	Origin string `json:"-"`

	seen map[string]struct{}
}

// Subscriber receives events. Clients and peers implement it.
type Subscriber interface {
	ID() string
	SendEvent(ev *Event) error
}

type subscription struct {
	subscriber Subscriber
	filter     Filter
	since      time.Time
}

// Config holds broker settings.
type Config struct {
	// QueueTimeout is how long triggered events stay queued for late
	// subscribers.
	QueueTimeout time.Duration

	// DedupeWindow is how long trigger ids are remembered to drop events
	// that come back around a peer loop. Defaults to one minute.
	DedupeWindow time.Duration
}

// Stats summarizes broker activity.
type Stats struct {
	Triggered     int64 `json:"triggered"`
	Delivered     int64 `json:"delivered"`
	Duplicates    int64 `json:"duplicates"`
	Subscriptions int   `json:"subscriptions"`
	Queued        int   `json:"queued"`
}

// Broker manages event subscriptions and distribution
type Broker struct {
	mu            sync.RWMutex
	subscriptions map[string]map[string]*subscription
	wildcard      map[string]Subscriber
	queue         map[string]map[string]*Event
	triggers      map[string]time.Time
	cfg           Config
	stats         Stats
	logger        zerolog.Logger
	now           func() time.Time
}

// NewBroker creates a new event broker
func NewBroker(cfg Config, logger zerolog.Logger) *Broker {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Minute
	}
	return &Broker{
		subscriptions: make(map[string]map[string]*subscription),
		wildcard:      make(map[string]Subscriber),
		queue:         make(map[string]map[string]*Event),
		triggers:      make(map[string]time.Time),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// Subscribe registers sub for eventID, replacing any earlier filter, and
// sends it every queued event it has not seen yet. It returns the number of
// queued events delivered.
func (b *Broker) Subscribe(sub Subscriber, eventID string, filter Filter) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscriptions[eventID]
	if !ok {
		subs = make(map[string]*subscription)
		b.subscriptions[eventID] = subs
	}
	s := &subscription{subscriber: sub, filter: filter, since: b.now()}
	subs[sub.ID()] = s
	b.logger.Debug().Str("event", eventID).Str("subscriber", sub.ID()).Msg("Subscribed")

	delivered := 0
	for _, ev := range b.queued(eventID) {
		if b.deliver(ev, s) {
			delivered++
		}
	}
	return delivered
}

// SubscribeAll registers sub for every event triggered from now on. Peers
// use it to replicate events.
func (b *Broker) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard[sub.ID()] = sub
}

// Unsubscribe removes the subscription of subscriberID to eventID.
func (b *Broker) Unsubscribe(subscriberID, eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscriptions[eventID]
	if !ok {
		return false
	}
	if _, ok := subs[subscriberID]; !ok {
		return false
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(b.subscriptions, eventID)
	}
	return true
}

// UnsubscribeAll removes every subscription held by subscriberID and returns
// how many event ids it was subscribed to.
func (b *Broker) UnsubscribeAll(subscriberID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.wildcard, subscriberID)
	removed := 0
	for eventID, subs := range b.subscriptions {
		if _, ok := subs[subscriberID]; ok {
			delete(subs, subscriberID)
			removed++
		}
		if len(subs) == 0 {
			delete(b.subscriptions, eventID)
		}
	}
	return removed
}

// Trigger queues an event and delivers it to every matching subscriber
// except origin. An empty triggerID gets a fresh one. A trigger id seen
// within the dedupe window is dropped and Trigger returns false.
func (b *Broker) Trigger(eventID string, data json.RawMessage, origin, triggerID string) (*Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if triggerID == "" {
		triggerID = xid.New().String()
	}
	if _, dup := b.triggers[triggerID]; dup {
		b.stats.Duplicates++
		b.logger.Debug().Str("event", eventID).Str("trigger", triggerID).Msg("Dropping duplicate trigger")
		return nil, false
	}

	now := b.now()
	ev := &Event{
		ID:      eventID,
		Trigger: triggerID,
		Time:    now,
		Data:    data,
		Origin:  origin,
		seen:    make(map[string]struct{}),
	}
	if origin != "" {
		ev.seen[origin] = struct{}{}
	}
	b.triggers[triggerID] = now
	b.stats.Triggered++

	if b.cfg.QueueTimeout > 0 {
		q, ok := b.queue[eventID]
		if !ok {
			q = make(map[string]*Event)
			b.queue[eventID] = q
		}
		q[triggerID] = ev
	}

	for _, s := range b.subscriptions[eventID] {
		b.deliver(ev, s)
	}
	for id, sub := range b.wildcard {
		if _, seen := ev.seen[id]; seen {
			continue
		}
		if err := sub.SendEvent(ev); err != nil {
			b.logger.Warn().Err(err).Str("event", eventID).Str("subscriber", id).Msg("Failed to send event")
			continue
		}
		ev.seen[id] = struct{}{}
		b.stats.Delivered++
	}
	return ev, true
}

// Cleanup drops queued events older than the queue timeout and forgets
// trigger ids older than the dedupe window.
func (b *Broker) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for eventID, q := range b.queue {
		for triggerID, ev := range q {
			if !ev.Time.Add(b.cfg.QueueTimeout).After(now) {
				delete(q, triggerID)
			}
		}
		if len(q) == 0 {
			delete(b.queue, eventID)
		}
	}
	for triggerID, at := range b.triggers {
		if !at.Add(b.cfg.DedupeWindow).After(now) {
			delete(b.triggers, triggerID)
		}
	}
}

// Subscriptions returns the event ids subscriberID is subscribed to.
func (b *Broker) Subscriptions(subscriberID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for eventID, subs := range b.subscriptions {
		if _, ok := subs[subscriberID]; ok {
			ids = append(ids, eventID)
		}
	}
	sort.Strings(ids)
	return ids
}

// SubscriberCount returns the number of subscribers of eventID.
func (b *Broker) SubscriberCount(eventID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions[eventID])
}

// Stats returns a snapshot of broker counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := b.stats
	for _, subs := range b.subscriptions {
		st.Subscriptions += len(subs)
	}
	for _, q := range b.queue {
		st.Queued += len(q)
	}
	return st
}

// Queued returns the ids of events currently queued with their counts.
func (b *Broker) Queued() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.queue))
	for eventID, q := range b.queue {
		out[eventID] = len(q)
	}
	return out
}

// queued returns the live queued events of eventID, oldest first.
func (b *Broker) queued(eventID string) []*Event {
	now := b.now()
	var out []*Event
	for _, ev := range b.queue[eventID] {
		if ev.Time.Add(b.cfg.QueueTimeout).After(now) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// deliver sends ev to s unless already seen or filtered.
func (b *Broker) deliver(ev *Event, s *subscription) bool {
	id := s.subscriber.ID()
	if _, seen := ev.seen[id]; seen {
		return false
	}
	if !s.filter.Match(ev.Data) {
		return false
	}
	if err := s.subscriber.SendEvent(ev); err != nil {
		b.logger.Warn().Err(err).Str("event", ev.ID).Str("subscriber", id).Msg("Failed to send event")
		return false
	}
	ev.seen[id] = struct{}{}
	b.stats.Delivered++
	return true
}
