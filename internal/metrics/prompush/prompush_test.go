package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"scrapegraph/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend_RecordsIntoRegistry(t *testing.T) {
	t.Parallel()
	b := New(Options{})

	b.IncCounter(metrics.ExecutableTotal, 2, metrics.Labels{"kind": "load", "status": "success"})
	b.ObserveHistogram(metrics.HTTPDownloadBytes, 1024, metrics.Labels{"job": "j", "status": "200"})
	b.IncCounter("not_registered", 1, nil)

	n, err := testutil.GatherAndCount(b.Registry(), metrics.ExecutableTotal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exp := `
# HELP scrape_executable_total Executable attempts by action kind and status.
# TYPE scrape_executable_total counter
scrape_executable_total{kind="load",status="success"} 2
`
	require.NoError(t, testutil.GatherAndCompare(b.Registry(), strings.NewReader(exp), metrics.ExecutableTotal))

	assert.NoError(t, b.Flush(), "flush without gateway is a no-op")
}

func TestBackend_PushesToGateway(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New(Options{GatewayURL: srv.URL, JobName: "nightly"})
	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "complete"})
	require.NoError(t, b.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.Equal(t, "/metrics/job/nightly", paths[0])
	assert.NotEmpty(t, bodies[0])
}
