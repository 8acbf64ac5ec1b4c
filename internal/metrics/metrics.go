// Package metrics is a small facade over pluggable metric backends.
//
// Engine code records through the package-level helpers; the process installs
// a Backend once at startup with SetBackend. With no backend installed every
// call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names shared by all backends.
const (
	ExecutableTotal           = "scrape_executable_total"
	ExecutableDurationSeconds = "scrape_executable_duration_seconds"
	ResultsTotal              = "scrape_results_total"
	RunsTotal                 = "scrape_runs_total"
	HTTPRequestsTotal         = "scrape_http_requests_total"
	HTTPErrorsTotal           = "scrape_http_errors_total"
	HTTPRequestDuration       = "scrape_http_request_duration_seconds"
	HTTPResponseDuration      = "scrape_http_response_duration_seconds"
	HTTPDownloadBytes         = "scrape_http_download_bytes"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations.
//
// Concurrency: implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

var (
	mu      sync.RWMutex
	backend Backend
)

// SetBackend installs b as the process-wide backend. nil disables metrics.
func SetBackend(b Backend) {
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error {
	if b := current(); b != nil {
		return b.Flush()
	}
	return nil
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	if b := current(); b != nil {
		b.IncCounter(name, delta, labels)
	}
}

// ObserveHistogram records one sample.
func ObserveHistogram(name string, value float64, labels Labels) {
	if b := current(); b != nil {
		b.ObserveHistogram(name, value, labels)
	}
}

// RecordExecutable records one executable attempt.
func RecordExecutable(kind, status string, d time.Duration) {
	l := Labels{"kind": kind, "status": status}
	IncCounter(ExecutableTotal, 1, l)
	ObserveHistogram(ExecutableDurationSeconds, d.Seconds(), l)
}

// RecordRun records the outcome counts of one completed run.
func RecordRun(status string, succeeded, stuck, failed int) {
	IncCounter(RunsTotal, 1, Labels{"status": status})
	IncCounter(ResultsTotal, float64(succeeded), Labels{"kind": "succeeded"})
	IncCounter(ResultsTotal, float64(stuck), Labels{"kind": "stuck"})
	IncCounter(ResultsTotal, float64(failed), Labels{"kind": "failed"})
}

// RecordHTTP records one HTTP exchange.
//
// status 0 means no response was received. Negative durations and sizes are
// treated as unknown and skipped.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	st := "0"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}

	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 400 || status == 0 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	if reqDur >= 0 {
		ObserveHistogram(HTTPRequestDuration, reqDur.Seconds(), l)
	}
	if respDur >= 0 {
		ObserveHistogram(HTTPResponseDuration, respDur.Seconds(), l)
	}
	if bytes >= 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}
