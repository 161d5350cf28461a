package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/thushan/fleetctl/internal/adapter/balancer"
	"github.com/thushan/fleetctl/internal/adapter/registry"
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

func TestDispatcher_SuccessAnnotatesPerformanceAndRecordsSuccess(t *testing.T) {
	port := freePort(t)
	listenAt(t, port, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"hi"}],"usage":{"total_tokens":7}}`))
	})

	store := registry.New(1, "127.0.0.1", port, 5, time.Second)
	store.Get(0).SetLifecycle(domain.Running)

	sel, _ := balancer.NewFactory().Create(balancer.AlgoRoundRobin, balancer.DefaultConfig())
	d := New(store, sel, time.Second, 2, testLogger())

	out, status, err := d.Dispatch(context.Background(), "/v1/completions", []byte(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := parsed["_performance"]; !ok {
		t.Fatal("expected _performance annotation")
	}

	if store.Get(0).Totals().Successes != 1 {
		t.Fatalf("expected 1 recorded success, got %d", store.Get(0).Totals().Successes)
	}
	if store.Get(0).Totals().Tokens != 7 {
		t.Fatalf("expected usage.total_tokens to be used, got %d", store.Get(0).Totals().Tokens)
	}
}

func TestDispatcher_EmptyEligibleSetReturnsServiceUnavailable(t *testing.T) {
	store := registry.New(1, "127.0.0.1", freePort(t), 5, time.Second)
	// lifecycle left Stopped: not eligible

	sel, _ := balancer.NewFactory().Create(balancer.AlgoRoundRobin, balancer.DefaultConfig())
	d := New(store, sel, time.Second, 1, testLogger())

	_, status, err := d.Dispatch(context.Background(), "/v1/completions", []byte(`{}`))
	if err != domain.ErrDispatchEmpty {
		t.Fatalf("expected ErrDispatchEmpty, got %v", err)
	}
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestDispatcher_RetriesSameInstanceThenFails(t *testing.T) {
	port := freePort(t)
	var calls int
	listenAt(t, port, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	store := registry.New(1, "127.0.0.1", port, 5, time.Hour)
	store.Get(0).SetLifecycle(domain.Running)

	sel, _ := balancer.NewFactory().Create(balancer.AlgoRoundRobin, balancer.DefaultConfig())
	d := New(store, sel, time.Second, 2, testLogger())

	_, status, err := d.Dispatch(context.Background(), "/v1/completions", []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error after retry exhaustion")
	}
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if calls != 3 {
		t.Fatalf("expected 1 initial attempt + 2 retries = 3 calls, got %d", calls)
	}
	if store.Get(0).Latency.Len() != 3 {
		t.Fatalf("expected each non-2xx response to still append a latency sample, got %d samples", store.Get(0).Latency.Len())
	}
}

// TestDispatcher_TransportFailureRecordsNoLatency proves a connection-level
// failure (no response ever received) is distinguished from a non-2xx HTTP
// response: it must not contribute a latency sample.
func TestDispatcher_TransportFailureRecordsNoLatency(t *testing.T) {
	store := registry.New(1, "127.0.0.1", freePort(t), 5, time.Hour)
	store.Get(0).SetLifecycle(domain.Running)

	sel, _ := balancer.NewFactory().Create(balancer.AlgoRoundRobin, balancer.DefaultConfig())
	d := New(store, sel, 50*time.Millisecond, 0, testLogger())

	_, status, err := d.Dispatch(context.Background(), "/v1/completions", []byte(`{}`))
	if err == nil {
		t.Fatal("expected a transport error against an unlistened port")
	}
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if store.Get(0).Latency.Last() != 0 {
		t.Fatalf("expected no latency sample for a transport failure, got %v", store.Get(0).Latency.Last())
	}
}
