package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedCodec(encoded bool) *Codec {
	c := NewCodec("server-1", encoded)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     PacketType
		payload any
	}{
		{name: "no payload", typ: PING},
		{name: "object payload", typ: TRIGGER, payload: map[string]any{"id": "job.done", "data": map[string]any{"n": 1.0}}},
		{name: "string payload", typ: LOG, payload: "hello"},
		{name: "kv payload", typ: KVSET, payload: map[string]any{"k": "a", "v": []any{1.0, 2.0}}},
		{name: "logging range", typ: DEBUG, payload: "x"},
	}

	for _, encoded := range []bool{false, true} {
		c := fixedCodec(encoded)
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				data, err := c.Encode(tt.typ, tt.payload)
				require.NoError(t, err)

				pkt, err := c.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, tt.typ, pkt.Type)
				assert.Equal(t, "server-1", pkt.SID)
				assert.Equal(t, int64(1700000000), pkt.Time.Unix())

				if tt.payload == nil {
					assert.False(t, pkt.HasPayload())
					return
				}
				var got any
				require.NoError(t, pkt.Decode(&got))
				assert.Equal(t, tt.payload, got)
			})
		}
	}
}

func TestCodecWireFormat(t *testing.T) {
	c := fixedCodec(false)
	data, err := c.Encode(EVENT, map[string]string{"id": "x"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(EVENT), raw["TYP"])
	assert.Equal(t, "server-1", raw["SID"])
	assert.Equal(t, float64(1700000000), raw["TME"])
	assert.Equal(t, map[string]any{"id": "x"}, raw["PLD"])
}

func TestCodecDecodeErrors(t *testing.T) {
	c := fixedCodec(false)

	tests := []struct {
		name string
		data string
		err  error
	}{
		{name: "not json", data: "{nope", err: ErrMalformedFrame},
		{name: "missing type", data: `{"PLD":1}`, err: ErrMalformedFrame},
		{name: "type out of range", data: `{"TYP":300}`, err: ErrMalformedFrame},
		{name: "array", data: `[1,2]`, err: ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.data))
			assert.True(t, errors.Is(err, tt.err), "got %v", err)
		})
	}

	_, err := fixedCodec(true).Decode([]byte("!!!not base64"))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCodecUnknownTypeIsNotFatal(t *testing.T) {
	c := fixedCodec(false)
	pkt, err := c.Decode([]byte(`{"TYP":127,"PLD":{"a":1}}`))
	require.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, PacketType(0x7F), pkt.Type)
	assert.True(t, pkt.HasPayload())

	_, err = c.Encode(PacketType(0x7F), nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestPacketTypeCategory(t *testing.T) {
	tests := []struct {
		typ      PacketType
		category Category
	}{
		{NOOP, CategorySystem},
		{PONG, CategorySystem},
		{PEERSTATUS, CategorySystem},
		{SCHEDULE, CategoryExecution},
		{EVENT, CategorySignalling},
		{SIGNAL, CategoryService},
		{KVGET, CategoryStorage},
		{KVVALS, CategoryStorage},
		{LOG, CategoryLogging},
		{PacketType(0x70), CategoryUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.category, tt.typ.Category(), tt.typ.String())
	}
}

func TestParsePacketType(t *testing.T) {
	typ, err := ParsePacketType("kvincr")
	require.NoError(t, err)
	assert.Equal(t, KVINCR, typ)
	assert.Equal(t, "KVINCR", typ.String())

	_, err = ParsePacketType("bogus")
	assert.Error(t, err)
	assert.Equal(t, "PacketType(0x7F)", PacketType(0x7F).String())
}
