// Command load fires dispatch requests at a running gateway and reports latency percentiles.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/valyala/fasthttp"
)

type loadConfig struct {
	URL               string `env:"TARGET_URL,default=http://localhost:3001/api/v1/dispatch"`
	RequestsPerSecond int    `env:"REQUESTS_PER_SECOND,default=200"`
	DurationSeconds   int    `env:"DURATION_SECONDS,default=30"`
	ConcurrentWorkers int    `env:"CONCURRENT_WORKERS,default=50"`
	APIKey            string `env:"API_KEY"`
	// Assignments is a comma separated list of route_id:driver_id pairs.
	Assignments string `env:"ASSIGNMENTS,required=true"`
}

type dispatchPayload struct {
	RouteID  string         `json:"route_id"`
	DriverID string         `json:"driver_id"`
	Metadata map[string]any `json:"metadata"`
}

type stats struct {
	accepted atomic.Int64
	failed   atomic.Int64
	mu       sync.Mutex
	latency  []time.Duration
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	s.latency = append(s.latency, d)
	s.mu.Unlock()
}

func (s *stats) sorted() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]time.Duration(nil), s.latency...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func parseAssignments(raw string) ([][]byte, error) {
	var payloads [][]byte
	for _, pair := range strings.Split(raw, ",") {
		route, driver, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || route == "" || driver == "" {
			return nil, fmt.Errorf("invalid assignment %q, want route_id:driver_id", pair)
		}
		b, err := json.Marshal(dispatchPayload{RouteID: route, DriverID: driver, Metadata: map[string]any{"source": "loadtest"}})
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, b)
	}
	return payloads, nil
}

func send(client *fasthttp.Client, cfg loadConfig, payload []byte, st *stats) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(cfg.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-API-Key", cfg.APIKey)
	req.SetBody(payload)

	start := time.Now()
	err := client.DoTimeout(req, resp, 30*time.Second)
	st.observe(time.Since(start))
	if err != nil || resp.StatusCode() != fasthttp.StatusAccepted {
		st.failed.Add(1)
		return
	}
	st.accepted.Add(1)
}

func main() {
	var cfg loadConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	payloads, err := parseAssignments(cfg.Assignments)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("target %s, %d rps for %ds, %d workers, %d assignments\n",
		cfg.URL, cfg.RequestsPerSecond, cfg.DurationSeconds, cfg.ConcurrentWorkers, len(payloads))

	client := &fasthttp.Client{MaxConnsPerHost: cfg.ConcurrentWorkers}
	st := &stats{}
	jobs := make(chan []byte, cfg.RequestsPerSecond)

	var wg sync.WaitGroup
	for i := 0; i < cfg.ConcurrentWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				send(client, cfg, p, st)
			}
		}()
	}

	start := time.Now()
	n := 0
	for sec := 0; sec < cfg.DurationSeconds; sec++ {
		tick := time.Now()
		for j := 0; j < cfg.RequestsPerSecond; j++ {
			jobs <- payloads[n%len(payloads)]
			n++
		}
		fmt.Printf("[%ds] accepted=%d failed=%d\n", sec+1, st.accepted.Load(), st.failed.Load())
		if d := time.Since(tick); d < time.Second {
			time.Sleep(time.Second - d)
		}
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	lat := st.sorted()
	total := st.accepted.Load() + st.failed.Load()
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("requests:  %d in %s (%.1f rps)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Printf("accepted:  %d\n", st.accepted.Load())
	fmt.Printf("failed:    %d\n", st.failed.Load())
	fmt.Printf("p50 %s  p95 %s  p99 %s  max %s\n",
		percentile(lat, 0.50), percentile(lat, 0.95), percentile(lat, 0.99), percentile(lat, 1))
}
