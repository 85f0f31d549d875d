/*
Package protocol implements the Warlock wire protocol.

Every message exchanged between the server, its clients, its peers and its
supervised processes is a Packet: a JSON envelope carrying a type code, the
sender id, a timestamp and an optional payload.

	{"TYP": 34, "SID": "a1b2c3", "TME": 1760000000, "PLD": {"id": "job.done"}}

When the codec is created with encoded set, the envelope is base64 encoded
before framing.

# Packet Types

Type codes are grouped by their high nibble so the category of a packet can
be derived from its value:

	0x00-0x0F  system       NOOP INIT AUTH OK ERROR STATUS SHUTDOWN PING PONG PEERINFO PEERSTATUS
	0x10-0x1F  execution    DELAY SCHEDULE EXEC CANCEL
	0x20-0x2F  signalling   SUBSCRIBE UNSUBSCRIBE TRIGGER EVENT
	0x30-0x3F  service      ENABLE DISABLE SERVICE SPAWN KILL SIGNAL
	0x40-0x5F  storage      KVGET ... KVVALS
	0x90-0x9F  logging      LOG DEBUG

Decoding an unknown type code returns the packet together with
ErrUnknownType so receivers can log it and carry on.

# Framing

Network connections use RFC 6455 frames after an HTTP upgrade handshake on
the /warlock path with the "warlock" subprotocol. Supervised processes talk
over pipes using LineFramer, one packet per line. Both framers report
ErrIncompleteFrame when the buffer ends in the middle of a frame; the caller
keeps those bytes and retries when more data arrives.

# Handshake

	Client                                   Server
	  │  GET /warlock HTTP/1.1                  │
	  │  Upgrade: websocket                     │
	  │  Sec-WebSocket-Key: ...                 │
	  │  Sec-WebSocket-Protocol: warlock        │
	  │  X-Warlock-Type: peer|agent|user|admin  │
	  │ ──────────────────────────────────────► │ ValidateUpgrade
	  │                                         │
	  │  HTTP/1.1 101 Switching Protocols       │
	  │  Sec-WebSocket-Accept: ...              │
	  │ ◄────────────────────────────────────── │
	  │  INIT {"cid": "..."}                    │
	  │ ◄────────────────────────────────────── │
*/
package protocol
