// Package metrics exports call lifecycle metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/glimte/rpcbridge/rpc"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements rpc.Observer with Prometheus metrics
type Collector struct {
	calls           *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	replyQueues     prometheus.Gauge
	cleanupFailures prometheus.Counter
}

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcbridge",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Total number of calls by target and terminal state",
		}, []string{"target", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rpcbridge",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Time from call start to resolution",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"target", "state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcbridge",
			Subsystem: "client",
			Name:      "calls_in_flight",
			Help:      "Calls started but not yet resolved",
		}),
		replyQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcbridge",
			Subsystem: "client",
			Name:      "reply_queues_open",
			Help:      "Reply queues currently declared",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcbridge",
			Subsystem: "client",
			Name:      "cleanup_failures_total",
			Help:      "Reply queue teardown steps that failed",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.calls,
		c.duration,
		c.inFlight,
		c.replyQueues,
		c.cleanupFailures,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CallStarted implements rpc.Observer
func (c *Collector) CallStarted(string) {
	c.inFlight.Inc()
}

// CallFinished implements rpc.Observer
func (c *Collector) CallFinished(target string, state rpc.State, d time.Duration) {
	c.inFlight.Dec()
	c.calls.WithLabelValues(target, state.String()).Inc()
	c.duration.WithLabelValues(target, state.String()).Observe(d.Seconds())
}

// ReplyQueueOpened implements rpc.Observer
func (c *Collector) ReplyQueueOpened() {
	c.replyQueues.Inc()
}

// ReplyQueueClosed implements rpc.Observer
func (c *Collector) ReplyQueueClosed() {
	c.replyQueues.Dec()
}

// CleanupFailed implements rpc.Observer
func (c *Collector) CleanupFailed(string, error) {
	c.cleanupFailures.Inc()
}

var _ rpc.Observer = (*Collector)(nil)
