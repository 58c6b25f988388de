package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fleetillo/dispatch-gateway/pkg/logger"
)

const defaultTimeout = 10 * time.Second

type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64 // last N latencies for percentile calculation
	maxHistorySize int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.record(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())
}

func (m *ProviderMetrics) RecordFailure(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.record(latencyMs)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
}

func (m *ProviderMetrics) record(latencyMs int64) {
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / total
}

func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencyHistory) == 0 {
		return 0
	}

	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}
	return sorted[p95Index]
}

type ProviderState int

const (
	StateHealthy ProviderState = iota
	StateDegraded
	StateUnhealthy
)

// State grades the provider from its recent request history.
func (m *ProviderMetrics) State() ProviderState {
	switch {
	case m.ConsecutiveFails.Load() >= 5:
		return StateUnhealthy
	case m.SuccessRate() < 0.8 || m.AvgLatencyMs() > 5000:
		return StateDegraded
	default:
		return StateHealthy
	}
}

type ProviderStats struct {
	Name             string  `json:"name"`
	State            string  `json:"state"`
	TotalRequests    int64   `json:"total_requests"`
	SuccessfulReqs   int64   `json:"successful_requests"`
	FailedReqs       int64   `json:"failed_requests"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMs     int64   `json:"avg_latency_ms"`
	P95LatencyMs     int64   `json:"p95_latency_ms"`
	LastLatencyMs    int64   `json:"last_latency_ms"`
	ConsecutiveFails int32   `json:"consecutive_fails"`
}

func (m *ProviderMetrics) Stats(name string) ProviderStats {
	return ProviderStats{
		Name:             name,
		State:            stateString(m.State()),
		TotalRequests:    m.TotalRequests.Load(),
		SuccessfulReqs:   m.SuccessfulReqs.Load(),
		FailedReqs:       m.FailedReqs.Load(),
		SuccessRate:      m.SuccessRate(),
		AvgLatencyMs:     m.AvgLatencyMs(),
		P95LatencyMs:     m.P95LatencyMs(),
		LastLatencyMs:    m.LastLatencyMs.Load(),
		ConsecutiveFails: m.ConsecutiveFails.Load(),
	}
}

func stateString(state ProviderState) string {
	switch state {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

type httpRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

type httpResponse struct {
	Status  int
	Body    []byte
	Headers map[string]string
}

// Header looks a response header up case-insensitively.
func (r *httpResponse) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (r *httpResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// httpClient is a thin fasthttp wrapper that records per-provider metrics.
// Any HTTP status is returned to the caller; only transport failures are errors.
type httpClient struct {
	name    string
	client  *fasthttp.Client
	timeout atomic.Int64
	metrics *ProviderMetrics
}

func newHTTPClient(name string, timeout time.Duration) *httpClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &httpClient{
		name: name,
		client: &fasthttp.Client{
			Name:                "dispatch-gateway",
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
		metrics: NewProviderMetrics(),
	}
	c.timeout.Store(int64(timeout))
	return c
}

func (c *httpClient) setTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout.Store(int64(timeout))
	}
}

func (c *httpClient) do(ctx context.Context, r httpRequest) (*httpResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.URL)
	req.Header.SetMethod(r.Method)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.Body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(r.Body)
	}

	deadline := time.Now().Add(time.Duration(c.timeout.Load()))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	err := c.client.DoDeadline(req, resp, deadline)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		c.metrics.RecordFailure(latency)
		logger.Warn("provider request failed", "provider", c.name, "method", r.Method, "error", err, "latency_ms", latency)
		return nil, fmt.Errorf("request to %s failed: %w", c.name, err)
	}

	out := &httpResponse{
		Status:  resp.StatusCode(),
		Body:    append([]byte(nil), resp.Body()...),
		Headers: make(map[string]string),
	}
	resp.Header.VisitAll(func(key, value []byte) {
		out.Headers[string(key)] = string(value)
	})

	if out.OK() {
		c.metrics.RecordSuccess(latency)
	} else {
		c.metrics.RecordFailure(latency)
	}
	logger.Debug("provider request", "provider", c.name, "method", r.Method, "status", out.Status, "latency_ms", latency)
	return out, nil
}

func (c *httpClient) stats() ProviderStats {
	return c.metrics.Stats(c.name)
}
