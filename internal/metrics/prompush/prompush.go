// Package prompush implements metrics.Backend on a Prometheus registry.
//
// Flush pushes the registry to a Pushgateway when one is configured. The same
// registry can also be served directly (see Registry) by long-running
// processes such as the HTTP server.
package prompush

import (
	"context"
	"fmt"
	"time"

	"scrapegraph/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Options configures the backend.
type Options struct {
	// GatewayURL is the Pushgateway base URL. Empty disables pushing.
	GatewayURL string
	// JobName is the Pushgateway job. Defaults to "scrapegraph".
	JobName string
	// PushTimeout bounds one push. Defaults to 10s.
	PushTimeout time.Duration
}

type labelled struct {
	counter *prometheus.CounterVec
	hist    *prometheus.HistogramVec
	labels  []string
}

// Backend implements metrics.Backend.
type Backend struct {
	reg     *prometheus.Registry
	pusher  *push.Pusher
	timeout time.Duration
	byName  map[string]labelled
}

// New registers every known metric on a fresh registry.
func New(opts Options) *Backend {
	job := opts.JobName
	if job == "" {
		job = "scrapegraph"
	}
	timeout := opts.PushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	reg := prometheus.NewRegistry()
	b := &Backend{reg: reg, timeout: timeout, byName: make(map[string]labelled)}

	b.counter(metrics.ExecutableTotal, "Executable attempts by action kind and status.", "kind", "status")
	b.histogram(metrics.ExecutableDurationSeconds, "Executable attempt duration.", prometheus.DefBuckets, "kind", "status")
	b.counter(metrics.ResultsTotal, "Leaf outcomes by kind (succeeded, stuck, failed).", "kind")
	b.counter(metrics.RunsTotal, "Completed runs by status.", "status")
	b.counter(metrics.HTTPRequestsTotal, "HTTP requests by status.", "job", "status")
	b.counter(metrics.HTTPErrorsTotal, "HTTP errors by status.", "job", "status")
	b.histogram(metrics.HTTPRequestDuration, "Time to response headers.", prometheus.DefBuckets, "job", "status")
	b.histogram(metrics.HTTPResponseDuration, "Time to read the response body.", prometheus.DefBuckets, "job", "status")
	b.histogram(metrics.HTTPDownloadBytes, "Response body size.", prometheus.ExponentialBuckets(256, 4, 10), "job", "status")

	if opts.GatewayURL != "" {
		b.pusher = push.New(opts.GatewayURL, job).Gatherer(reg)
	}
	return b
}

func (b *Backend) counter(name, help string, labels ...string) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	b.reg.MustRegister(c)
	b.byName[name] = labelled{counter: c, labels: labels}
}

func (b *Backend) histogram(name, help string, buckets []float64, labels ...string) {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	b.reg.MustRegister(h)
	b.byName[name] = labelled{hist: h, labels: labels}
}

func values(names []string, l metrics.Labels) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = l[n]
	}
	return out
}

// Registry exposes the underlying registry for scraping.
func (b *Backend) Registry() *prometheus.Registry { return b.reg }

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	m, ok := b.byName[name]
	if !ok || m.counter == nil || delta <= 0 {
		return
	}
	m.counter.WithLabelValues(values(m.labels, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	m, ok := b.byName[name]
	if !ok || m.hist == nil {
		return
	}
	m.hist.WithLabelValues(values(m.labels, labels)...).Observe(value)
}

// Flush pushes the registry to the gateway. It is a no-op without one.
func (b *Backend) Flush() error {
	if b.pusher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushgateway: %w", err)
	}
	return nil
}

// Close performs a final Flush.
func (b *Backend) Close() error { return b.Flush() }

var _ metrics.Backend = (*Backend)(nil)
