package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/metrics"
)

type downStore struct{ cache.Client }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func get(t *testing.T, h http.Handler, path string) (*http.Response, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func TestHealthz(t *testing.T) {
	s := NewServer(Config{Version: "1.2.3", Store: cache.NewMemory("")})
	res, body := get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "ok", out["status"])
	require.Equal(t, "1.2.3", out["version"])
}

func TestReadyz(t *testing.T) {
	mem := cache.NewMemory("")
	res, _ := get(t, NewServer(Config{Store: mem}).Handler(), "/readyz")
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := get(t, NewServer(Config{Store: downStore{mem}}).Handler(), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	require.Contains(t, string(body), `"store":"down"`)

	res, _ = get(t, NewServer(Config{}).Handler(), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	h := NewServer(Config{Store: cache.NewMemory(""), Gatherer: reg}).Handler()

	get(t, h, "/healthz")
	res, body := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(body), `authguard_http_requests_total{method="GET",path="/healthz",status="200"}`)
}

func TestUnknownRoute(t *testing.T) {
	res, _ := get(t, NewServer(Config{}).Handler(), "/nope")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}
