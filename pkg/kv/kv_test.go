package kv

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() (*Handler, *time.Time) {
	h := NewHandler(storage.NewMemoryStore(), zerolog.Nop())
	now := time.Unix(1700000000, 0)
	h.now = func() time.Time { return now }
	return h, &now
}

func call(t *testing.T, h *Handler, typ protocol.PacketType, payload string) any {
	t.Helper()
	result, err := h.Handle(typ, json.RawMessage(payload))
	require.NoError(t, err)
	return result
}

func TestSetGetHasDel(t *testing.T) {
	h, _ := newTestHandler()

	assert.Nil(t, call(t, h, protocol.KVGET, `{"k":"a"}`))
	assert.Equal(t, true, call(t, h, protocol.KVSET, `{"k":"a","v":{"x":1}}`))
	assert.Equal(t, map[string]any{"x": json.Number("1")}, call(t, h, protocol.KVGET, `{"k":"a"}`))
	assert.Equal(t, true, call(t, h, protocol.KVHAS, `{"k":"a"}`))
	assert.Equal(t, false, call(t, h, protocol.KVHAS, `{"k":"a","n":"other"}`))
	assert.Equal(t, true, call(t, h, protocol.KVDEL, `{"k":"a"}`))
	assert.Equal(t, false, call(t, h, protocol.KVDEL, `{"k":"a"}`))
}

func TestListOrder(t *testing.T) {
	h, _ := newTestHandler()

	assert.Equal(t, 1, call(t, h, protocol.KVPUSH, `{"k":"l","v":"b"}`))
	assert.Equal(t, 2, call(t, h, protocol.KVPUSH, `{"k":"l","v":"c"}`))
	assert.Equal(t, 3, call(t, h, protocol.KVUNSHIFT, `{"k":"l","v":"a"}`))
	assert.Equal(t, 3, call(t, h, protocol.KVCOUNT, `{"k":"l"}`))

	assert.Equal(t, []any{"a", "b", "c"}, call(t, h, protocol.KVGET, `{"k":"l"}`))
	assert.Equal(t, "c", call(t, h, protocol.KVPOP, `{"k":"l"}`))
	assert.Equal(t, "a", call(t, h, protocol.KVSHIFT, `{"k":"l"}`))
	assert.Equal(t, "b", call(t, h, protocol.KVPOP, `{"k":"l"}`))
	assert.Nil(t, call(t, h, protocol.KVPOP, `{"k":"l"}`))
	assert.Nil(t, call(t, h, protocol.KVSHIFT, `{"k":"missing"}`))
	assert.Equal(t, 0, call(t, h, protocol.KVCOUNT, `{"k":"missing"}`))
}

func TestListOpsRejectNonList(t *testing.T) {
	h, _ := newTestHandler()
	call(t, h, protocol.KVSET, `{"k":"s","v":"text"}`)

	for _, typ := range []protocol.PacketType{protocol.KVPUSH, protocol.KVUNSHIFT, protocol.KVPOP, protocol.KVSHIFT, protocol.KVCOUNT} {
		_, err := h.Handle(typ, json.RawMessage(`{"k":"s","v":1}`))
		var te *TypeError
		require.True(t, errors.As(err, &te), "%s: %v", typ, err)
		assert.Equal(t, typ, te.Op)
	}
}

func TestIncrDecr(t *testing.T) {
	h, _ := newTestHandler()

	assert.Equal(t, int64(1), call(t, h, protocol.KVINCR, `{"k":"n"}`))
	assert.Equal(t, int64(6), call(t, h, protocol.KVINCR, `{"k":"n","s":5}`))
	assert.Equal(t, int64(4), call(t, h, protocol.KVDECR, `{"k":"n","s":2}`))
	assert.Equal(t, int64(-1), call(t, h, protocol.KVDECR, `{"k":"fresh"}`))
	assert.Equal(t, json.Number("4"), call(t, h, protocol.KVGET, `{"k":"n"}`))

	for _, v := range []string{`"5"`, `1.5`, `[1]`, `{"a":1}`, `true`} {
		call(t, h, protocol.KVSET, `{"k":"bad","v":`+v+`}`)
		_, err := h.Handle(protocol.KVINCR, json.RawMessage(`{"k":"bad"}`))
		var te *TypeError
		assert.True(t, errors.As(err, &te), "value %s", v)
	}
}

func TestIncrDecrOverflow(t *testing.T) {
	maxInt, minInt := strconv.FormatInt(math.MaxInt64, 10), strconv.FormatInt(math.MinInt64, 10)
	tests := []struct {
		name  string
		start string
		op    protocol.PacketType
		req   string
		want  int64
		err   bool
	}{
		{"incr to max", strconv.FormatInt(math.MaxInt64-1, 10), protocol.KVINCR, `{"k":"n"}`, math.MaxInt64, false},
		{"incr past max", maxInt, protocol.KVINCR, `{"k":"n"}`, 0, true},
		{"large step past max", "1", protocol.KVINCR, `{"k":"n","s":` + maxInt + `}`, 0, true},
		{"decr to min", strconv.FormatInt(math.MinInt64+1, 10), protocol.KVDECR, `{"k":"n"}`, math.MinInt64, false},
		{"decr past min", minInt, protocol.KVDECR, `{"k":"n"}`, 0, true},
		{"negative incr past min", minInt, protocol.KVINCR, `{"k":"n","s":-1}`, 0, true},
		{"decr by min step", "0", protocol.KVDECR, `{"k":"n","s":` + minInt + `}`, 0, true},
		{"decr by negative step past max", maxInt, protocol.KVDECR, `{"k":"n","s":-1}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler()
			call(t, h, protocol.KVSET, `{"k":"n","v":`+tt.start+`}`)

			got, err := h.Handle(tt.op, json.RawMessage(tt.req))
			if !tt.err {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			assert.ErrorIs(t, err, ErrOverflow)
			assert.Equal(t, json.Number(tt.start), call(t, h, protocol.KVGET, `{"k":"n"}`))
		})
	}
}

func TestNamespaceOperations(t *testing.T) {
	h, _ := newTestHandler()
	call(t, h, protocol.KVSET, `{"k":"b","v":2}`)
	call(t, h, protocol.KVSET, `{"k":"a","v":1}`)
	call(t, h, protocol.KVSET, `{"n":"other","k":"z","v":26}`)

	assert.Equal(t, []string{"a", "b"}, call(t, h, protocol.KVKEYS, `{}`))
	assert.Equal(t, []any{json.Number("1"), json.Number("2")}, call(t, h, protocol.KVVALS, ``))
	assert.Equal(t, map[string]any{"z": json.Number("26")}, call(t, h, protocol.KVLIST, `{"n":"other"}`))

	assert.Equal(t, json.Number("1"), call(t, h, protocol.KVPULL, `{"k":"a"}`))
	assert.Equal(t, []string{"b"}, call(t, h, protocol.KVKEYS, `{}`))

	assert.Equal(t, true, call(t, h, protocol.KVCLEAR, `{}`))
	assert.Equal(t, []string{}, call(t, h, protocol.KVKEYS, `{}`))
	assert.Equal(t, []string{"z"}, call(t, h, protocol.KVKEYS, `{"n":"other"}`))
}

func TestTTLExpiry(t *testing.T) {
	h, now := newTestHandler()
	call(t, h, protocol.KVSET, `{"k":"temp","v":1,"t":10}`)
	call(t, h, protocol.KVSET, `{"k":"perm","v":1}`)

	*now = now.Add(5 * time.Second)
	// Access slides the expiry to now+10.
	assert.Equal(t, json.Number("1"), call(t, h, protocol.KVGET, `{"k":"temp"}`))

	*now = now.Add(9 * time.Second)
	assert.Equal(t, true, call(t, h, protocol.KVHAS, `{"k":"temp"}`))

	*now = now.Add(1 * time.Second)
	assert.Equal(t, false, call(t, h, protocol.KVHAS, `{"k":"temp"}`))
	assert.Equal(t, []string{"perm"}, call(t, h, protocol.KVKEYS, `{}`))
}

func TestExpireSweep(t *testing.T) {
	h, now := newTestHandler()
	call(t, h, protocol.KVSET, `{"k":"a","v":1,"t":1}`)
	call(t, h, protocol.KVSET, `{"n":"x","k":"b","v":1,"t":1}`)
	call(t, h, protocol.KVSET, `{"k":"c","v":1}`)

	*now = now.Add(2 * time.Second)
	removed, err := h.Expire()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ok, err := h.store.Has("default", "a")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = h.store.Has("default", "c")
	assert.True(t, ok)
}

func TestHandleErrors(t *testing.T) {
	h, _ := newTestHandler()

	_, err := h.Handle(protocol.KVGET, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrKeyRequired)

	_, err = h.Handle(protocol.KVPUSH, json.RawMessage(`{"k":"l"}`))
	assert.ErrorIs(t, err, ErrValueRequired)

	_, err = h.Handle(protocol.TRIGGER, nil)
	assert.ErrorIs(t, err, ErrNotKV)

	_, err = h.Handle(protocol.KVGET, json.RawMessage(`[`))
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
}
