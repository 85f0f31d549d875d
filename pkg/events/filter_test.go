package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	data := json.RawMessage(`{"job":{"id":7,"owner":"alice","tags":["a"]},"status":"done"}`)

	tests := []struct {
		name   string
		filter string
		match  bool
	}{
		{name: "empty", filter: ``, match: true},
		{name: "plain equal", filter: `{"status":"done"}`, match: true},
		{name: "plain differ", filter: `{"status":"failed"}`, match: false},
		{name: "dotted path", filter: `{"job.owner":"alice"}`, match: true},
		{name: "loose number", filter: `{"job.id":"7"}`, match: true},
		{name: "missing field", filter: `{"job.missing":1}`, match: false},
		{name: "is", filter: `{"job.id":{"is":7}}`, match: true},
		{name: "not", filter: `{"job.owner":{"not":"bob"}}`, match: true},
		{name: "not equal value", filter: `{"job.owner":{"not":"alice"}}`, match: false},
		{name: "like", filter: `{"job.owner":{"like":"^al"}}`, match: true},
		{name: "like miss", filter: `{"job.owner":{"like":"^bo"}}`, match: false},
		{name: "in", filter: `{"job.id":{"in":[1,7]}}`, match: true},
		{name: "in miss", filter: `{"job.id":{"in":[1,2]}}`, match: false},
		{name: "nin", filter: `{"status":{"nin":["failed"]}}`, match: true},
		{name: "nin miss", filter: `{"status":{"nin":["done"]}}`, match: false},
		{name: "object value", filter: `{"job":{"id":7,"owner":"alice","tags":["a"]}}`, match: true},
		{name: "all rules", filter: `{"status":"done","job.id":{"in":[7]}}`, match: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(json.RawMessage(tt.filter))
			require.NoError(t, err)
			assert.Equal(t, tt.match, f.Match(data))
		})
	}
}

func TestParseFilterRejectsBadInput(t *testing.T) {
	_, err := ParseFilter(json.RawMessage(`[1]`))
	assert.Error(t, err)

	_, err = ParseFilter(json.RawMessage(`{"a":{"like":"("}}`))
	assert.Error(t, err)
}
