package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/thushan/fleetctl/internal/config"
	"github.com/thushan/fleetctl/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func listenAt(t *testing.T, port int, handler http.HandlerFunc) {
	t.Helper()
	lst, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &httptest.Server{Listener: lst, Config: &http.Server{Handler: handler}}
	srv.Start()
	t.Cleanup(srv.Close)
}

// newTestApplication builds an Application wired against n stub worker
// endpoints already listening, skipping the Supervisor (no process is
// spawned in this test -- instances are marked Running directly, the way
// an out-of-process dispatcher-only deployment would observe them).
func newTestApplication(t *testing.T, n int, stub http.HandlerFunc) (*Application, []int) {
	t.Helper()

	basePort := freePort(t)
	ports := make([]int, n)
	for i := range ports {
		ports[i] = basePort + i
		listenAt(t, ports[i], stub)
	}

	cfg := config.DefaultConfig()
	cfg.MLXServers.BasePort = basePort
	cfg.MLXServers.Host = "127.0.0.1"
	cfg.MLXServers.Instances = n
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.LoadBalancer.MaxRetries = 1
	cfg.Performance.RequestTimeout = 2 * time.Second

	application, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < n; i++ {
		application.store.Get(i).SetLifecycle(domain.Running)
	}
	return application, ports
}

func TestCompletionsHandler_HealthyPathAnnotatesAndRecordsSuccess(t *testing.T) {
	app, _ := newTestApplication(t, 2, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}],"usage":{"total_tokens":5}}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", jsonBody(`{"prompt":"hi","max_tokens":1}`))
	rec := httptest.NewRecorder()

	app.completionsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	perf, ok := parsed["_performance"].(map[string]any)
	if !ok {
		t.Fatal("expected _performance object in response")
	}
	if _, ok := perf["instance_id"]; !ok {
		t.Fatal("expected instance_id in _performance")
	}

	var totalRequests uint64
	for _, snap := range app.store.Snapshots(domain.DefaultScoreWeights, app.config.LoadBalancer.TargetTPS) {
		totalRequests += snap.Totals.Requests
	}
	if totalRequests != 1 {
		t.Fatalf("expected exactly one recorded request across the fleet, got %d", totalRequests)
	}
}

func TestCompletionsHandler_NoHealthyInstancesReturns503(t *testing.T) {
	app, _ := newTestApplication(t, 1, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Force every instance out of the eligible set.
	for _, inst := range app.store.All() {
		inst.SetLifecycle(domain.Stopped)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", jsonBody(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()

	app.completionsHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var parsed map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if parsed["error"] != domain.ErrDispatchEmpty.Error() {
		t.Fatalf("expected %q, got %q", domain.ErrDispatchEmpty.Error(), parsed["error"])
	}
}

func TestHealthHandler_AlwaysReportsHealthy(t *testing.T) {
	app, _ := newTestApplication(t, 1, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	app.healthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var parsed map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &parsed)
	if parsed["status"] != "healthy" {
		t.Fatalf(`expected {"status":"healthy"}, got %v`, parsed)
	}
}

func TestStatusHandler_ReportsPerInstanceSnapshot(t *testing.T) {
	app, _ := newTestApplication(t, 3, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	app.statusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var parsed struct {
		Count     int `json:"count"`
		Instances []struct {
			ID    int    `json:"ID"`
			State string `json:"State"`
		} `json:"instances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Count != 3 {
		t.Fatalf("expected 3 instances reported, got %d", parsed.Count)
	}
}

func TestMetricsHandler_TracksPeakThroughputAcrossReads(t *testing.T) {
	app, _ := newTestApplication(t, 1, func(w http.ResponseWriter, r *http.Request) {})
	app.store.Get(0).Throughput.Append(500)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	app.metricsHandler(rec, req)

	var first struct {
		GlobalMetrics struct {
			Peak float64 `json:"peak_throughput"`
		} `json:"global_metrics"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &first)
	if first.GlobalMetrics.Peak != 500 {
		t.Fatalf("expected peak 500, got %v", first.GlobalMetrics.Peak)
	}

	app.store.Get(0).Throughput.Append(10) // lower than the peak
	rec2 := httptest.NewRecorder()
	app.metricsHandler(rec2, req)

	var second struct {
		GlobalMetrics struct {
			Peak float64 `json:"peak_throughput"`
		} `json:"global_metrics"`
	}
	_ = json.Unmarshal(rec2.Body.Bytes(), &second)
	if second.GlobalMetrics.Peak != 500 {
		t.Fatalf("expected peak to remain 500 after a lower reading, got %v", second.GlobalMetrics.Peak)
	}
}

func TestStopHandler_WithoutPriorStartIsCleanNoOp(t *testing.T) {
	app, _ := newTestApplication(t, 1, func(w http.ResponseWriter, r *http.Request) {})

	// StopAll against never-spawned processes should be a clean no-op: no
	// process handle exists for any instance.
	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	rec := httptest.NewRecorder()
	app.stopHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /stop, got %d: %s", rec.Code, rec.Body.String())
	}
}

func jsonBody(s string) io.Reader {
	return io.NopCloser(strings.NewReader(s))
}
