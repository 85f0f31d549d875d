/*
Package events implements Warlock's signal bus.

Clients subscribe to event ids, anyone may trigger an event, and the broker
delivers each triggered event to every matching subscriber at most once.

	TRIGGER job.done ──► Broker.Trigger
	                        │
	                        ├─ drop if trigger id already seen (peer loops)
	                        ├─ queue for QueueTimeout (late subscribers)
	                        ├─ subscribers of "job.done" passing their Filter
	                        └─ wildcard subscribers (cluster peers)
	                              except the event's origin

Each event remembers which subscribers it was sent to, so subscribing twice
or subscribing after the trigger never produces a second copy. Delivery
order across subscribers is unspecified.

Subscriptions may carry a Filter over the event data; see Filter for the
operators.

The broker does no I/O of its own. Subscriber.SendEvent is expected to queue
the event on the subscriber's connection and return quickly.
*/
package events
