package main

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapegraph/internal/config"
	"scrapegraph/internal/metrics"
)

// testBackend is a minimal metrics backend used in tests.
type testBackend struct {
	closed *atomic.Bool
}

func (testBackend) IncCounter(string, float64, metrics.Labels)       {}
func (testBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (testBackend) Flush() error                                     { return nil }
func (b testBackend) Close() error {
	b.closed.Store(true)
	return nil
}

// env returns an environment lookup backed by vars only.
func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, ctx context.Context, stdin string, environ map[string]string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, deps{
		Stdout:   &stdout,
		Stderr:   &stderr,
		Stdin:    strings.NewReader(stdin),
		Environ:  env(environ),
		EnvFiles: []string{},
	})
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func newShop(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/fruit":
			_, _ = w.Write([]byte(`<ul><li>apple</li><li>pear</li></ul>`))
		case "/veg":
			_, _ = w.Write([]byte(`<ul><li>leek</li></ul>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

const listDoc = `{"load": "{{page}}", "then": {"find": "<li>(\\w+)</li>", "replace": "$1", "name": "item"}}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestRun_WritesCSVToStdout(t *testing.T) {
	t.Parallel()

	shop := newShop(t)
	doc := writeFile(t, "list.json", listDoc)

	res := runCLI(t, context.Background(), "", nil,
		"run", "--defaults", "page="+url.QueryEscape(shop.URL+"/fruit"), doc)
	require.Equal(t, 0, res.code, res.stderr)

	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	assert.Equal(t, "source,scope,name,value", lines[0])
	assert.Contains(t, res.stdout, ",item,apple\n")
	assert.Contains(t, res.stdout, ",item,pear\n")
	assert.Contains(t, res.stderr, `"msg":"all runs finished"`)
}

func TestRun_StrictFailsOnStuck(t *testing.T) {
	t.Parallel()

	doc := writeFile(t, "list.json", listDoc)

	res := runCLI(t, context.Background(), "", nil, "run", doc)
	assert.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stderr, "executable stuck")

	res = runCLI(t, context.Background(), "", nil, "run", "--strict", doc)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "1 of 1 runs left stuck or failed executables")
}

func TestRun_InputRowsToJSONL(t *testing.T) {
	t.Parallel()

	shop := newShop(t)
	doc := writeFile(t, "list.json", listDoc)
	in := writeFile(t, "pages.csv", "page;kind\n"+shop.URL+"/fruit;f\n"+shop.URL+"/veg;v\n")
	out := filepath.Join(t.TempDir(), "out.jsonl")

	res := runCLI(t, context.Background(), "", nil,
		"run", "--input", in, "--column-delimiter", ";",
		"--output-format", "jsonl", "--output", out, "--workers", "2", doc)
	require.Equal(t, 0, res.code, res.stderr)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	var items, runs int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, `"name":"item"`) && strings.Contains(line, `"event":"binding"`) {
			items++
		}
		if strings.Contains(line, `"event":"run"`) {
			runs++
		}
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 3, items)
	assert.Equal(t, 2, runs)
}

func TestRun_InputRowsDoNotShareCookies(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		who []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "row1", Path: "/"})
		case "/who":
			mu.Lock()
			who = append(who, r.Header.Get("Cookie"))
			mu.Unlock()
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	doc := writeFile(t, "page.json", `{"load": "{{page}}"}`)
	in := writeFile(t, "pages.csv", "page\n"+srv.URL+"/login\n"+srv.URL+"/who\n")

	res := runCLI(t, context.Background(), "", nil, "run", "--input", in, doc)
	require.Equal(t, 0, res.code, res.stderr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{""}, who, "each input row runs with an empty cookie jar")
}

func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()

	doc := writeFile(t, "list.json", listDoc)
	badCfg := writeFile(t, "cfg.yaml", "engine:\n  workers: -1\n")

	tests := []struct {
		name    string
		environ map[string]string
		args    []string
		want    string
	}{
		{name: "missing_uri", args: []string{"run"}, want: "accepts 1 arg"},
		{name: "unknown_flag", args: []string{"run", "--nope", doc}, want: "unknown flag"},
		{name: "bad_delimiter", args: []string{"run", "--column-delimiter", ";;", doc}, want: "one character"},
		{name: "unknown_output", args: []string{"run", "--output-format", "xml", doc}, want: "unsupported kind=xml"},
		{name: "bad_defaults", args: []string{"run", "--defaults", "a=%zz", doc}, want: "error:"},
		{name: "invalid_config", args: []string{"--config", badCfg, "run", doc}, want: "configuration is invalid"},
		{name: "missing_config", args: []string{"--config", "/does/not/exist.yaml", "run", doc}, want: "config: read"},
		{
			name:    "env_invalid",
			environ: map[string]string{"SCRAPEGRAPH_STORE_KIND": "redis"},
			args:    []string{"run", doc},
			want:    "configuration is invalid",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := runCLI(t, context.Background(), "", tc.environ, tc.args...)
			assert.Equal(t, 2, res.code)
			assert.Contains(t, res.stderr, tc.want)
		})
	}
}

func TestRun_CanceledContextIsRuntimeError(t *testing.T) {
	t.Parallel()

	shop := newShop(t)
	doc := writeFile(t, "list.json", listDoc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := runCLI(t, ctx, "", nil, "run", "--defaults", "page="+url.QueryEscape(shop.URL+"/fruit"), doc)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "context canceled")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	good := writeFile(t, "good.json", listDoc)
	res := runCLI(t, context.Background(), "", nil, "validate", good)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, good+": load\n  inline@"+good+": find\n", res.stdout)

	bad := writeFile(t, "bad.json", `{"load": "x", "then": {"find": "a", "max": "lots"}}`)
	res = runCLI(t, context.Background(), "", nil, "validate", bad)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "error:")
	assert.Contains(t, res.stderr, "instruction document is invalid")
}

func TestValidate_InlineWithMissingTags(t *testing.T) {
	t.Parallel()

	res := runCLI(t, context.Background(), "", nil, "validate", `{"load": "http://a/", "then": "{{next}}"}`)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "inline: load\n  {{next}}: missing next\n", res.stdout)
}

func TestInspect_Stdin(t *testing.T) {
	t.Parallel()

	html := `<ul><li>price 10</li><li>free</li></ul>`
	res := runCLI(t, context.Background(), html, nil,
		"inspect", "--selector", "li", "--text", "--find", `{"find": "price (\\d+)", "replace": "$1"}`)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "price 10\n")
	assert.Contains(t, res.stdout, `= "10"`)
	assert.Contains(t, res.stdout, "free\n  no matches")
}

func TestInspect_URLLinks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<a href="/p/1">one</a><a href="#top">top</a>`))
	}))
	t.Cleanup(srv.Close)

	res := runCLI(t, context.Background(), "", nil, "inspect", "--url", srv.URL+"/list", "--links")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, srv.URL+"/p/1\n", res.stdout)
}

func TestInspect_FindNeedsDefaults(t *testing.T) {
	t.Parallel()

	res := runCLI(t, context.Background(), "<p>x</p>", nil, "inspect", "--find", "{{doc}}")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, res.stderr, "--find needs --defaults for: doc")
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := runCLI(t, ctx, "", nil, "serve", "--addr", "127.0.0.1:0")
	assert.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stderr, "server shutting down")
}

func TestMetricsBackendIsClosed(t *testing.T) {
	// Installs a process-wide metrics backend.
	doc := writeFile(t, "list.json", listDoc)

	var called atomic.Bool
	closed := &atomic.Bool{}
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"run", doc}, deps{
		Stdout:   &stdout,
		Stderr:   &stderr,
		Environ:  env(map[string]string{"SCRAPEGRAPH_METRICS_BACKEND": "datadog", "SCRAPEGRAPH_METRICS_JOB": "unit"}),
		EnvFiles: []string{},
		BackendFactory: func(_ context.Context, cfg config.Metrics) (backendCloser, error) {
			called.Store(true)
			assert.Equal(t, "datadog", cfg.Backend)
			assert.Equal(t, "unit", cfg.Job)
			return testBackend{closed: closed}, nil
		},
	})
	require.Equal(t, 0, code, stderr.String())
	assert.True(t, called.Load())
	assert.True(t, closed.Load())
	assert.Contains(t, stderr.String(), "metrics enabled")
}

func TestParseDelimiter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    rune
		wantErr bool
	}{
		{in: "", want: 0},
		{in: ",", want: ','},
		{in: `\t`, want: '\t'},
		{in: "tab", want: '\t'},
		{in: "§", want: '§'},
		{in: ";;", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseDelimiter(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestRefFor(t *testing.T) {
	t.Parallel()

	r, err := refFor(` {"find": "x"}`)
	require.NoError(t, err)
	assert.Equal(t, "inline", r.String())

	r, err = refFor("http://a/{{b}}.json")
	require.NoError(t, err)
	assert.Equal(t, "http://a/{{b}}.json", r.String())
}
