package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHealth(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")
	UpdateComponent(ComponentListener, true, "")
	UpdateComponent(ComponentStorage, true, "")

	h := GetHealth()
	assert.Equal(t, "healthy", h.Status)
	assert.Len(t, h.Components, 2)
	assert.Equal(t, "1.2.3", h.Version)

	UpdateComponent(ComponentStorage, false, "database locked")
	h = GetHealth()
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "unhealthy: database locked", h.Components[ComponentStorage])
}

func TestGetReadiness(t *testing.T) {
	resetHealth()
	r := GetReadiness()
	assert.Equal(t, "not_ready", r.Status)
	assert.Equal(t, "not registered", r.Components[ComponentListener])

	UpdateComponent(ComponentListener, true, "")
	UpdateComponent(ComponentScheduler, true, "")
	assert.Equal(t, "ready", GetReadiness().Status)

	SetCritical(ComponentListener, ComponentCluster)
	r = GetReadiness()
	assert.Equal(t, "not_ready", r.Status)
	assert.Equal(t, "waiting for "+ComponentCluster, r.Message)
}

func TestHealthHandlers(t *testing.T) {
	resetHealth()
	UpdateComponent(ComponentListener, false, "bind failed")

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/health", http.StatusServiceUnavailable, "unhealthy"},
		{"/ready", http.StatusServiceUnavailable, "not_ready"},
		{"/live", http.StatusOK, "alive"},
	}
	mux := Mux()
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.body, body.Status)
		})
	}
}
