// Package dispatcher forwards an inference request to a selected instance
// and records the outcome: a shared tuned *http.Transport, structured
// logging of failed attempts, and buffered JSON request/response handling (no
// streaming; the worker contract is a single JSON body in, single JSON body
// out).
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/thushan/fleetctl/internal/adapter/balancer"
	"github.com/thushan/fleetctl/internal/adapter/registry"
	"github.com/thushan/fleetctl/internal/core/constants"
	"github.com/thushan/fleetctl/internal/core/domain"
	"github.com/thushan/fleetctl/internal/util"
	"github.com/thushan/fleetctl/pkg/pool"
)

// pooledBuffer is a Resettable *bytes.Buffer wrapper so response bodies can
// be read into a reused buffer rather than allocating fresh on every request.
type pooledBuffer struct{ buf bytes.Buffer }

func (p *pooledBuffer) Reset() { p.buf.Reset() }

var bufferPool = pool.NewLitePool(func() *pooledBuffer { return &pooledBuffer{} })

const (
	tokensPerWord = 1.3

	maxTransportIdleConns    = 100
	maxIdleConnsPerHost      = 10
	transportDNSCacheTimeout = 300 * time.Second
	transportKeepAlive       = 30 * time.Second
)

// Dispatcher selects an eligible instance, forwards the request, retries
// up to maxRetries times against the same instance on failure, and records the outcome into
// the instance's counters, rings and circuit breaker.
type Dispatcher struct {
	store     *registry.Store
	selector  balancer.Selector
	transport *http.Transport
	client    *http.Client
	maxRetries atomic.Int64
	requestTimeout time.Duration
	logger    *slog.Logger
}

func New(store *registry.Store, selector balancer.Selector, requestTimeout time.Duration, maxRetries int, logger *slog.Logger) *Dispatcher {
	transport := &http.Transport{
		MaxIdleConns:        maxTransportIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     transportDNSCacheTimeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: requestTimeout, KeepAlive: transportKeepAlive}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	if requestTimeout <= 0 {
		requestTimeout = constants.DefaultRequestTimeout
	}
	d := &Dispatcher{
		store:          store,
		selector:       selector,
		transport:      transport,
		client:         &http.Client{Transport: transport, Timeout: requestTimeout},
		requestTimeout: requestTimeout,
		logger:         logger,
	}
	d.maxRetries.Store(int64(maxRetries))
	return d
}

// SetMaxRetries updates the same-instance retry budget used by every
// dispatch starting after this call, letting load_balancer.max_retries
// hot-reload without restarting the controller.
func (d *Dispatcher) SetMaxRetries(maxRetries int) {
	d.maxRetries.Store(int64(maxRetries))
}

// Dispatch selects an instance, forwards body (the client's raw JSON bytes) to
// its /v1/completions-style endpoint, and returns the raw response bytes
// annotated with a _performance object, or an error mapped per the error
// taxonomy (ErrDispatchEmpty on an empty eligible set, UpstreamError after
// retry exhaustion).
func (d *Dispatcher) Dispatch(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	eligible := d.store.Eligible()
	if len(eligible) == 0 {
		return nil, http.StatusServiceUnavailable, domain.ErrDispatchEmpty
	}

	inst, err := d.selector.Select(eligible)
	if err != nil {
		return nil, http.StatusServiceUnavailable, fmt.Errorf("select instance: %w", err)
	}

	return d.dispatchToInstance(ctx, inst, path, body)
}

func (d *Dispatcher) dispatchToInstance(ctx context.Context, inst *domain.Instance, path string, body []byte) ([]byte, int, error) {
	inst.IncrementInFlight()
	defer inst.DecrementInFlight()
	inst.SetLastUsedAt(time.Now())

	var lastErr error
	maxRetries := int(d.maxRetries.Load())
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := util.CalculateExponentialBackoff(attempt, constants.DispatcherRetryBaseDelay, constants.DefaultMaxBackoffSeconds, 0)
			select {
			case <-ctx.Done():
				return nil, http.StatusGatewayTimeout, ctx.Err()
			case <-time.After(backoff):
			}
		}

		respBody, status, latency, err := d.forwardOnce(ctx, inst, path, body)
		if err == nil {
			tokens := tokensFromResponse(respBody)
			if tokens == 0 {
				tokens = estimateTokens(path, body)
			}
			inst.RecordSuccess(tokens)
			inst.Latency.Append(float64(latency.Milliseconds()))
			if latency > 0 {
				inst.Throughput.Append(float64(tokens) / latency.Seconds())
			}
			inst.Breaker.RecordSuccess()
			return annotate(respBody, inst, latency), status, nil
		}

		lastErr = err
		// A response that came back non-2xx still counts as a completed
		// round trip: record its latency before folding it into the
		// failure path. A transport or timeout error never reached
		// that point, so it carries no latency sample.
		var upErr *domain.UpstreamError
		if errors.As(err, &upErr) && upErr.StatusCode > 0 {
			inst.Latency.Append(float64(latency.Milliseconds()))
		}
		inst.RecordFailure()
		inst.Breaker.RecordFailure()
		d.logger.Warn("dispatch attempt failed", "instance", inst.ID, "attempt", attempt, "error", err)
	}

	return nil, http.StatusInternalServerError, &domain.UpstreamError{InstanceID: inst.ID, Err: lastErr}
}

func (d *Dispatcher) forwardOnce(ctx context.Context, inst *domain.Instance, path string, body []byte) ([]byte, int, time.Duration, error) {
	url := fmt.Sprintf("http://%s:%d%s", inst.Host, inst.Port, path)

	reqCtx := ctx
	var cancel context.CancelFunc
	if d.requestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, 0, latency, &domain.UpstreamError{InstanceID: inst.ID, Err: err}
	}
	defer resp.Body.Close()

	pb := bufferPool.Get()
	defer bufferPool.Put(pb)
	if _, err := io.Copy(&pb.buf, resp.Body); err != nil {
		return nil, resp.StatusCode, latency, &domain.UpstreamError{InstanceID: inst.ID, StatusCode: resp.StatusCode, Err: err}
	}
	respBody := append([]byte(nil), pb.buf.Bytes()...)

	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, latency, &domain.UpstreamError{InstanceID: inst.ID, StatusCode: resp.StatusCode, Err: fmt.Errorf("non-2xx response")}
	}

	return respBody, resp.StatusCode, latency, nil
}

// tokensFromResponse reads usage.total_tokens from the worker's response
// when present; callers fall back to estimateTokens when it returns 0.
func tokensFromResponse(body []byte) uint64 {
	var parsed struct {
		Usage struct {
			TotalTokens uint64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed.Usage.TotalTokens
	}
	return 0
}

// estimateTokens approximates token count from the client's request body:
// word_count(prompt)*1.3 for completions, or the word count summed across
// every message's content field times 1.3 for chat-completions.
func estimateTokens(path string, reqBody []byte) uint64 {
	words := 0
	if strings.Contains(path, "chat") {
		var parsed struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(reqBody, &parsed); err == nil {
			for _, m := range parsed.Messages {
				words += len(strings.Fields(m.Content))
			}
		}
	} else {
		var parsed struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(reqBody, &parsed); err == nil {
			words = len(strings.Fields(parsed.Prompt))
		}
	}
	return uint64(float64(words) * tokensPerWord)
}

// annotate injects a _performance object into the response so the caller
// can observe which instance served the request without a separate query.
func annotate(body []byte, inst *domain.Instance, latency time.Duration) []byte {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	obj["_performance"] = map[string]any{
		"instance_id":    inst.ID,
		"latency_ms":     latency.Milliseconds(),
		"throughput_tps": inst.CurrentTPS(),
		"in_flight":      inst.InFlight(),
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}
