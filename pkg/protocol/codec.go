package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedFrame is returned when a packet cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownType is returned together with the decoded packet when the
	// type code is not a known PacketType. Callers treat it as unhandled.
	ErrUnknownType = errors.New("unknown packet type")
)

// Packet is a decoded protocol message.
type Packet struct {
	Type    PacketType
	SID     string
	Time    time.Time
	Payload json.RawMessage
}

// Decode unmarshals the packet payload into v. An empty payload leaves v untouched.
func (p Packet) Decode(v any) error {
	if len(p.Payload) == 0 || bytes.Equal(p.Payload, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	return nil
}

// HasPayload reports whether the packet carries a non-null payload.
func (p Packet) HasPayload() bool {
	return len(p.Payload) > 0 && !bytes.Equal(p.Payload, []byte("null"))
}

type envelope struct {
	Type    *int            `json:"TYP"`
	SID     string          `json:"SID,omitempty"`
	Time    int64           `json:"TME,omitempty"`
	Payload json.RawMessage `json:"PLD,omitempty"`
}

// Codec encodes and decodes packets. It is safe for concurrent use.
type Codec struct {
	sid     string
	encoded bool
	now     func() time.Time
}

// NewCodec creates a codec stamping outgoing packets with sid. When encoded
// is true the JSON envelope is base64 encoded on the wire.
func NewCodec(sid string, encoded bool) *Codec {
	return &Codec{sid: sid, encoded: encoded, now: time.Now}
}

// SID returns the sender id stamped on outgoing packets.
func (c *Codec) SID() string {
	return c.sid
}

// Encoded reports whether packets are base64 encoded.
func (c *Codec) Encoded() bool {
	return c.encoded
}

// Encode serializes a packet of type t with the given payload. A nil payload
// omits the PLD field.
func (c *Codec) Encode(t PacketType, payload any) ([]byte, error) {
	if !t.Known() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, uint8(t))
	}
	typ := int(t)
	env := envelope{Type: &typ, SID: c.sid, Time: c.now().Unix()}
	if payload != nil {
		switch p := payload.(type) {
		case json.RawMessage:
			env.Payload = p
		default:
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
			}
			env.Payload = data
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal packet: %w", err)
	}
	if !c.encoded {
		return data, nil
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out, nil
}

// Decode parses a single packet. When the type code is unknown the packet is
// returned along with ErrUnknownType.
func (c *Codec) Decode(data []byte) (Packet, error) {
	data = bytes.TrimSpace(data)
	if c.encoded {
		raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(raw, data)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: base64: %v", ErrMalformedFrame, err)
		}
		data = raw[:n]
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == nil {
		return Packet{}, fmt.Errorf("%w: no packet type", ErrMalformedFrame)
	}
	if *env.Type < 0 || *env.Type > 0xFF {
		return Packet{}, fmt.Errorf("%w: bad packet type %d", ErrMalformedFrame, *env.Type)
	}

	pkt := Packet{
		Type:    PacketType(*env.Type),
		SID:     env.SID,
		Payload: env.Payload,
	}
	if env.Time > 0 {
		pkt.Time = time.Unix(env.Time, 0)
	}
	if !pkt.Type.Known() {
		return pkt, fmt.Errorf("%w: 0x%02X", ErrUnknownType, *env.Type)
	}
	return pkt, nil
}
