package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/thushan/fleetctl/internal/adapter/registry"
	"github.com/thushan/fleetctl/internal/core/domain"
)

type fakeRestarts struct {
	requested chan int
}

func (f *fakeRestarts) RequestRestart(inst *domain.Instance) {
	f.requested <- inst.ID
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listenAt starts an httptest-backed handler bound to a specific port so it
// lines up with the host/port the instance store assigns.
func listenAt(t *testing.T, port int, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	lst, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &httptest.Server{Listener: lst, Config: &http.Server{Handler: handler}}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
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

func TestProber_SuccessSetsHeartbeatAndPromotesStarting(t *testing.T) {
	port := freePort(t)
	listenAt(t, port, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"performance":{"average_response_time":12.5,"throughput_tokens_per_sec":90,"memory_usage_mb":512}}`))
	})

	store := registry.New(1, "127.0.0.1", port, 5, time.Second)
	store.Get(0).SetLifecycle(domain.Starting)

	restarts := &fakeRestarts{requested: make(chan int, 1)}
	prober := New(store, time.Hour, time.Second, testLogger(), restarts)

	prober.probe(context.Background(), store.Get(0))

	inst := store.Get(0)
	if inst.Lifecycle() != domain.Running {
		t.Fatalf("expected Starting->Running promotion, got %s", inst.Lifecycle())
	}
	if inst.LastHeartbeatAt().IsZero() {
		t.Fatal("expected heartbeat to be set")
	}
	if inst.Latency.Last() != 12.5 || inst.Throughput.Last() != 90 {
		t.Fatalf("expected merged performance fields, got latency=%v tps=%v", inst.Latency.Last(), inst.Throughput.Last())
	}
}

func TestProber_FailureOnRunningRequestsRestart(t *testing.T) {
	port := freePort(t)
	listenAt(t, port, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	store := registry.New(1, "127.0.0.1", port, 5, time.Second)
	store.Get(0).SetLifecycle(domain.Running)

	restarts := &fakeRestarts{requested: make(chan int, 1)}
	prober := New(store, time.Hour, time.Second, testLogger(), restarts)

	prober.probe(context.Background(), store.Get(0))

	select {
	case id := <-restarts.requested:
		if id != 0 {
			t.Fatalf("expected restart request for instance 0, got %d", id)
		}
	default:
		t.Fatal("expected a restart request to be raised")
	}
}

func TestProber_UnreachableInstanceCountsAsFailureWithoutRestartWhenStarting(t *testing.T) {
	store := registry.New(1, "127.0.0.1", freePort(t), 5, time.Second)
	store.Get(0).SetLifecycle(domain.Starting)

	restarts := &fakeRestarts{requested: make(chan int, 1)}
	prober := New(store, time.Hour, 100*time.Millisecond, testLogger(), restarts)

	prober.probe(context.Background(), store.Get(0))

	select {
	case <-restarts.requested:
		t.Fatal("Starting-state probe failures should not request a restart")
	default:
	}
	if store.Get(0).Lifecycle() != domain.Starting {
		t.Fatalf("expected instance to remain Starting, got %s", store.Get(0).Lifecycle())
	}
}
