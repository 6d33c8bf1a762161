package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-oms/health"
)

type pending int

func (p pending) Pending() int { return int(p) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterPending(reg, "producer", "orders", pending(3)))

	checks := health.NewRegistry()
	checks.Register(health.NewPendingChecker("bridge", pending(3), 100))
	h := NewServer(":0", reg, checks).Handler()

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `oms_producer_pending{name="orders"} 3`)

	rec = get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bridge"`)

	assert.Equal(t, "ready", get(t, h, "/ready").Body.String())
	assert.Equal(t, "ok", get(t, h, "/live").Body.String())

	checks.Register(health.NewPendingChecker("bridge", pending(100), 100))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/ready").Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:19191", prometheus.NewRegistry(), nil)
	errCh := server.Start()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://127.0.0.1:19191/live")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	for err := range errCh {
		assert.NoError(t, err)
	}
}

func TestRegisterPending(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterPending(reg, "bridge", "main", pending(7)))
	assert.Error(t, RegisterPending(reg, "bridge", "main", pending(1)))

	expected := `
# HELP oms_bridge_pending Operations awaiting completion
# TYPE oms_bridge_pending gauge
oms_bridge_pending{name="main"} 7
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "oms_bridge_pending"))
}
