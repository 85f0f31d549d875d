package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/storage"
	"github.com/rs/zerolog"
)

// DefaultNamespace is used when a request carries no namespace.
const DefaultNamespace = "default"

var (
	// ErrKeyRequired is returned when a keyed operation has no key.
	ErrKeyRequired = errors.New("key required")

	// ErrValueRequired is returned by push and unshift without a value.
	ErrValueRequired = errors.New("value required")

	// ErrNotKV is returned for packet types outside the storage range.
	ErrNotKV = errors.New("not a KV command")

	// ErrOverflow is returned when incr or decr would leave the int64 range.
	// The stored value is left unchanged.
	ErrOverflow = errors.New("integer overflow")
)

// TypeError reports an operation applied to a value of the wrong type.
type TypeError struct {
	Op   protocol.PacketType
	Key  string
	Want string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s: value of %q is not %s", e.Op, e.Key, e.Want)
}

// Request is the payload of every KV packet.
type Request struct {
	Namespace string          `json:"n,omitempty"`
	Key       string          `json:"k,omitempty"`
	Value     json.RawMessage `json:"v,omitempty"`
	TTL       int64           `json:"t,omitempty"`
	Step      *int64          `json:"s,omitempty"`
}

// slot is the stored envelope of a value. TTL is in seconds and Expires in
// unix seconds; zero means no expiry.
type slot struct {
	Value   json.RawMessage `json:"v"`
	TTL     int64           `json:"t,omitempty"`
	Expires int64           `json:"e,omitempty"`
}

// Handler executes KV commands against a storage.Store.
type Handler struct {
	store  storage.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewHandler creates a handler on store.
func NewHandler(store storage.Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger, now: time.Now}
}

// Handle decodes payload and runs the command t. The result is sent back to
// the caller in a packet of the same type.
func (h *Handler) Handle(t protocol.PacketType, payload json.RawMessage) (any, error) {
	if t.Category() != protocol.CategoryStorage || !t.Known() {
		return nil, fmt.Errorf("%w: %s", ErrNotKV, t)
	}
	var req Request
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
		}
	}
	if req.Namespace == "" {
		req.Namespace = DefaultNamespace
	}
	h.logger.Debug().Str("ns", req.Namespace).Str("key", req.Key).Msg(t.String())

	switch t {
	case protocol.KVLIST:
		return h.List(req.Namespace)
	case protocol.KVCLEAR:
		return true, h.Clear(req.Namespace)
	case protocol.KVKEYS:
		return h.Keys(req.Namespace)
	case protocol.KVVALS:
		return h.Values(req.Namespace)
	}

	if req.Key == "" {
		return nil, fmt.Errorf("%s: %w", t, ErrKeyRequired)
	}

	switch t {
	case protocol.KVGET:
		return h.Get(req.Namespace, req.Key)
	case protocol.KVSET:
		return true, h.Set(req.Namespace, req.Key, req.Value, req.TTL)
	case protocol.KVHAS:
		return h.Has(req.Namespace, req.Key)
	case protocol.KVDEL:
		return h.Delete(req.Namespace, req.Key)
	case protocol.KVPULL:
		return h.Pull(req.Namespace, req.Key)
	case protocol.KVPUSH:
		return h.Push(req.Namespace, req.Key, req.Value)
	case protocol.KVPOP:
		return h.Pop(req.Namespace, req.Key)
	case protocol.KVSHIFT:
		return h.Shift(req.Namespace, req.Key)
	case protocol.KVUNSHIFT:
		return h.Unshift(req.Namespace, req.Key, req.Value)
	case protocol.KVCOUNT:
		return h.Count(req.Namespace, req.Key)
	case protocol.KVINCR:
		return h.Incr(req.Namespace, req.Key, step(req.Step))
	case protocol.KVDECR:
		delta := step(req.Step)
		if delta == math.MinInt64 {
			return nil, fmt.Errorf("%w: %s step %d on %q", ErrOverflow, t, delta, req.Key)
		}
		return h.Incr(req.Namespace, req.Key, -delta)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotKV, t)
}

func step(s *int64) int64 {
	if s == nil {
		return 1
	}
	return *s
}

// Get returns the decoded value of key, or nil when it does not exist.
func (h *Handler) Get(ns, key string) (any, error) {
	s, ok, err := h.touch(ns, key)
	if err != nil || !ok {
		return nil, err
	}
	return decode(s.Value)
}

// Set stores value under key. A positive ttl expires the key ttl seconds
// after its last access.
func (h *Handler) Set(ns, key string, value json.RawMessage, ttl int64) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	s := slot{Value: value}
	if ttl > 0 {
		s.TTL = ttl
		s.Expires = h.now().Unix() + ttl
	}
	return h.write(ns, key, s)
}

// Has reports whether key exists and has not expired.
func (h *Handler) Has(ns, key string) (bool, error) {
	_, ok, err := h.read(ns, key)
	return ok, err
}

// Delete removes key and reports whether it existed.
func (h *Handler) Delete(ns, key string) (bool, error) {
	_, ok, err := h.read(ns, key)
	if err != nil || !ok {
		return false, err
	}
	return h.store.Delete(ns, key)
}

// Pull returns the value of key and deletes it.
func (h *Handler) Pull(ns, key string) (any, error) {
	s, ok, err := h.read(ns, key)
	if err != nil || !ok {
		return nil, err
	}
	if _, err := h.store.Delete(ns, key); err != nil {
		return nil, err
	}
	return decode(s.Value)
}

// Push appends value to the list at key and returns the new length.
func (h *Handler) Push(ns, key string, value json.RawMessage) (int, error) {
	return h.insert(protocol.KVPUSH, ns, key, value, false)
}

// Unshift prepends value to the list at key and returns the new length.
func (h *Handler) Unshift(ns, key string, value json.RawMessage) (int, error) {
	return h.insert(protocol.KVUNSHIFT, ns, key, value, true)
}

// Pop removes and returns the last element of the list at key.
func (h *Handler) Pop(ns, key string) (any, error) {
	return h.remove(protocol.KVPOP, ns, key, false)
}

// Shift removes and returns the first element of the list at key.
func (h *Handler) Shift(ns, key string) (any, error) {
	return h.remove(protocol.KVSHIFT, ns, key, true)
}

// Count returns the length of the list at key. A missing key counts zero.
func (h *Handler) Count(ns, key string) (int, error) {
	s, ok, err := h.touch(ns, key)
	if err != nil || !ok {
		return 0, err
	}
	list, err := asList(protocol.KVCOUNT, key, s.Value)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// Incr adds delta to the integer at key, starting from zero, and returns the
// new value.
func (h *Handler) Incr(ns, key string, delta int64) (int64, error) {
	op := protocol.KVINCR
	if delta < 0 {
		op = protocol.KVDECR
	}
	s, _, err := h.touch(ns, key)
	if err != nil {
		return 0, err
	}
	var n int64
	if !isNull(s.Value) {
		if bytes.HasPrefix(bytes.TrimSpace(s.Value), []byte(`"`)) {
			return 0, &TypeError{Op: op, Key: key, Want: "an integer"}
		}
		var num json.Number
		dec := json.NewDecoder(bytes.NewReader(s.Value))
		dec.UseNumber()
		if err := dec.Decode(&num); err != nil {
			return 0, &TypeError{Op: op, Key: key, Want: "an integer"}
		}
		if n, err = num.Int64(); err != nil {
			return 0, &TypeError{Op: op, Key: key, Want: "an integer"}
		}
	}
	if (delta > 0 && n > math.MaxInt64-delta) || (delta < 0 && n < math.MinInt64-delta) {
		return 0, fmt.Errorf("%w: %s %d by %d on %q", ErrOverflow, op, n, delta, key)
	}
	n += delta
	s.Value = json.RawMessage(fmt.Sprint(n))
	return n, h.write(ns, key, s)
}

// List returns every live key of ns with its value.
func (h *Handler) List(ns string) (map[string]any, error) {
	out := make(map[string]any)
	err := h.each(ns, func(key string, s slot) error {
		v, err := decode(s.Value)
		if err != nil {
			return err
		}
		out[key] = v
		return nil
	})
	return out, err
}

// Keys returns the live keys of ns in key order.
func (h *Handler) Keys(ns string) ([]string, error) {
	keys := []string{}
	err := h.each(ns, func(key string, _ slot) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// Values returns the live values of ns in key order.
func (h *Handler) Values(ns string) ([]any, error) {
	values := []any{}
	err := h.each(ns, func(_ string, s slot) error {
		v, err := decode(s.Value)
		if err != nil {
			return err
		}
		values = append(values, v)
		return nil
	})
	return values, err
}

// Clear removes every key of ns.
func (h *Handler) Clear(ns string) error {
	return h.store.Clear(ns)
}

// Expire deletes every expired key in every namespace and returns how many
// were removed.
func (h *Handler) Expire() (int, error) {
	namespaces, err := h.store.Namespaces()
	if err != nil {
		return 0, err
	}
	now := h.now().Unix()
	removed := 0
	for _, ns := range namespaces {
		var expired []string
		err := h.store.ForEach(ns, func(key string, value []byte) error {
			var s slot
			if json.Unmarshal(value, &s) == nil && s.expired(now) {
				expired = append(expired, key)
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		for _, key := range expired {
			if _, err := h.store.Delete(ns, key); err != nil {
				return removed, err
			}
			h.logger.Debug().Str("ns", ns).Str("key", key).Msg("KVEXPIRE")
			removed++
		}
	}
	return removed, nil
}

func (h *Handler) insert(op protocol.PacketType, ns, key string, value json.RawMessage, front bool) (int, error) {
	if len(value) == 0 {
		return 0, fmt.Errorf("%s: %w", op, ErrValueRequired)
	}
	s, _, err := h.touch(ns, key)
	if err != nil {
		return 0, err
	}
	list, err := asList(op, key, s.Value)
	if err != nil {
		return 0, err
	}
	if front {
		list = append([]json.RawMessage{value}, list...)
	} else {
		list = append(list, value)
	}
	if s.Value, err = json.Marshal(list); err != nil {
		return 0, err
	}
	return len(list), h.write(ns, key, s)
}

func (h *Handler) remove(op protocol.PacketType, ns, key string, front bool) (any, error) {
	s, ok, err := h.touch(ns, key)
	if err != nil || !ok {
		return nil, err
	}
	list, err := asList(op, key, s.Value)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	var item json.RawMessage
	if front {
		item, list = list[0], list[1:]
	} else {
		item, list = list[len(list)-1], list[:len(list)-1]
	}
	if s.Value, err = json.Marshal(list); err != nil {
		return nil, err
	}
	if err := h.write(ns, key, s); err != nil {
		return nil, err
	}
	return decode(item)
}

// read loads a live slot, deleting it when expired.
func (h *Handler) read(ns, key string) (slot, bool, error) {
	data, err := h.store.Get(ns, key)
	if errors.Is(err, storage.ErrNotFound) {
		return slot{}, false, nil
	}
	if err != nil {
		return slot{}, false, err
	}
	var s slot
	if err := json.Unmarshal(data, &s); err != nil {
		return slot{}, false, fmt.Errorf("corrupt value at %s/%s: %w", ns, key, err)
	}
	if s.expired(h.now().Unix()) {
		if _, err := h.store.Delete(ns, key); err != nil {
			return slot{}, false, err
		}
		return slot{}, false, nil
	}
	return s, true, nil
}

// touch is read plus sliding the expiry of keys that carry a TTL.
func (h *Handler) touch(ns, key string) (slot, bool, error) {
	s, ok, err := h.read(ns, key)
	if err != nil || !ok {
		return s, ok, err
	}
	if s.TTL > 0 {
		s.Expires = h.now().Unix() + s.TTL
		if err := h.write(ns, key, s); err != nil {
			return s, ok, err
		}
	}
	return s, true, nil
}

func (h *Handler) write(ns, key string, s slot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return h.store.Set(ns, key, data)
}

func (h *Handler) each(ns string, fn func(key string, s slot) error) error {
	now := h.now().Unix()
	return h.store.ForEach(ns, func(key string, value []byte) error {
		var s slot
		if err := json.Unmarshal(value, &s); err != nil || s.expired(now) {
			return nil
		}
		return fn(key, s)
	})
}

func (s slot) expired(now int64) bool {
	return s.Expires > 0 && s.Expires <= now
}

func asList(op protocol.PacketType, key string, value json.RawMessage) ([]json.RawMessage, error) {
	if isNull(value) {
		return []json.RawMessage{}, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(value, &list); err != nil {
		return nil, &TypeError{Op: op, Key: key, Want: "a list"}
	}
	return list, nil
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func decode(v json.RawMessage) (any, error) {
	if isNull(v) {
		return nil, nil
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
