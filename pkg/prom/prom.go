package prom

import (
	"sync"

	xhttp "github.com/fleetillo/dispatch-gateway/pkg/http"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemDispatch = "dispatch"
	SystemChannel  = "channel"
)

// collectors holds every metric the gateway exports. It is nil until Create runs,
// which turns all recording helpers into no-ops for tests and tools.
type collectors struct {
	dispatchCreated   prometheus.Counter
	dispatchCompleted *prometheus.CounterVec
	deliveryDuration  *prometheus.HistogramVec
	channelSends      *prometheus.CounterVec
	sendDuration      *prometheus.HistogramVec
	fallbacks         *prometheus.CounterVec
	queuePending      *prometheus.GaugeVec
}

var (
	mu      sync.RWMutex
	metrics *collectors
)

// Create registers the gateway metrics on the default registry with env and instance
// as constant labels. Calling it twice returns the registration error of the duplicate.
func Create(host string, env string, namespace string) error {
	labels := prometheus.Labels{"env": env, "instance": host}
	opts := func(subsystem, name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels}
	}
	histogram := func(o prometheus.Opts) prometheus.HistogramOpts {
		return prometheus.HistogramOpts{
			Namespace: o.Namespace, Subsystem: o.Subsystem, Name: o.Name, Help: o.Help,
			ConstLabels: o.ConstLabels, Buckets: prometheus.DefBuckets,
		}
	}

	c := &collectors{
		dispatchCreated: prometheus.NewCounter(prometheus.CounterOpts(
			opts(SystemDispatch, "created_total", "Dispatches accepted by the api."))),
		dispatchCompleted: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts(SystemDispatch, "completed_total", "Dispatches that reached a terminal status.")), []string{"status"}),
		deliveryDuration: prometheus.NewHistogramVec(histogram(
			opts(SystemDispatch, "delivery_duration_seconds", "Time spent delivering one dispatch.")), []string{"status"}),
		channelSends: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts(SystemChannel, "sends_total", "Channel send attempts by result.")), []string{"channel", "result"}),
		sendDuration: prometheus.NewHistogramVec(histogram(
			opts(SystemChannel, "send_duration_seconds", "Provider round trip per channel send.")), []string{"channel"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts(SystemChannel, "fallbacks_total", "Fallback sends triggered by a failed channel.")), []string{"from", "to"}),
		queuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts(
			opts(SystemDispatch, "queue_pending", "Delivery tasks waiting in the stream.")), []string{"queue"}),
	}

	for _, col := range []prometheus.Collector{
		c.dispatchCreated, c.dispatchCompleted, c.deliveryDuration,
		c.channelSends, c.sendDuration, c.fallbacks, c.queuePending,
	} {
		if err := prometheus.Register(col); err != nil {
			return err
		}
	}

	mu.Lock()
	metrics = c
	mu.Unlock()
	return nil
}

func ListenAndServer(addr string, uri string) {
	s := xhttp.CreateServer()
	s.Router.GET(uri, fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	logger.Info("[metrics-server] listening...", "addr", addr, "uri", uri)
	if err := s.ListenAndServe(addr); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func current() *collectors {
	mu.RLock()
	defer mu.RUnlock()
	return metrics
}

func AddDispatchCreated() {
	if c := current(); c != nil {
		c.dispatchCreated.Inc()
	}
}

func AddDispatchCompleted(status string, seconds float64) {
	if c := current(); c != nil {
		c.dispatchCompleted.WithLabelValues(status).Inc()
		c.deliveryDuration.WithLabelValues(status).Observe(seconds)
	}
}

func AddChannelSend(channel string, success bool, seconds float64) {
	c := current()
	if c == nil {
		return
	}
	result := "failed"
	if success {
		result = "delivered"
	}
	c.channelSends.WithLabelValues(channel, result).Inc()
	c.sendDuration.WithLabelValues(channel).Observe(seconds)
}

func AddChannelFallback(from, to string) {
	if c := current(); c != nil {
		c.fallbacks.WithLabelValues(from, to).Inc()
	}
}

func SetQueuePending(queue string, pending int64) {
	if c := current(); c != nil {
		c.queuePending.WithLabelValues(queue).Set(float64(pending))
	}
}
