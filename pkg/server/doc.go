/*
Package server implements the Warlock server: the connection loop, the
command dispatcher and the cluster peers.

# Loop

One goroutine, Run, owns every client, the scheduler, the event broker and
the KV handler. Everything that blocks runs elsewhere and talks to the loop
through its inbox:

	accept ──┐    socket readers ──┐     worker pipes ──┐
	         │                     │                    │
	         ▼                     ▼                    ▼
	   ┌───────────────────────────────────────────────────────┐
	   │                     inbox (chan)                      │
	   └──────────────────────────┬────────────────────────────┘
	                              ▼
	   ┌───────────────────────────────────────────────────────┐
	   │ Run: handle message │ tick every 100ms                │
	   │   Client.Recv → frames → command                      │
	   │   Scheduler.Tick, Broker.Cleanup, monitors, peers       │
	   │   keepalive pings, metrics snapshot                   │
	   └───────────────────────────────────────────────────────┘

Writes happen on the loop with a write deadline.

# Clients

Inbound sockets start Connecting and must send a WebSocket upgrade request
for the configured path. X-Warlock-Type selects the client type; admin
requires X-Warlock-Access-Key, peer requires the cluster name and access
key. A POST to the path with "Authorization: ApiKey <base64 key>" and a
TRIGGER packet body triggers an event without upgrading.

Worker processes started by the scheduler are attached as service
clients speaking line-framed packets over their pipes. They report task
status with STATUS and forward output as LOG.

# Cluster

Every configured peer is dialled and kept connected by Peer, a small state
machine driven from the tick. Streaming peers subscribe to every event;
EVENT packets from a peer are triggered locally with the peer as origin
and the original trigger id, which the broker dedupes, so events do not
loop around the cluster.
*/
package server
