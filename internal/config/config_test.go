package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(Options{EnvFiles: []string{}, Environ: envMap(nil)})
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Empty(t, Validate(cfg))
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scrapegraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  timeout: 5s
  user_agent: file-agent
engine:
  workers: 3
sink:
  kind: sqlite
  dsn: file:results.db
`), 0o600))

	cfg, err := Load(Options{
		Path:     path,
		EnvFiles: []string{},
		Environ: envMap(map[string]string{
			"SCRAPEGRAPH_ENGINE_WORKERS":       "8",
			"SCRAPEGRAPH_METRICS_TAGS":         "team:data,env:test",
			"SCRAPEGRAPH_SERVER_ALLOWED_HOSTS": "shop.example,*.cdn.example",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, "file-agent", cfg.HTTP.UserAgent)
	assert.Equal(t, 100, cfg.HTTP.MaxRedirects, "unset keys keep defaults")
	assert.Equal(t, 8, cfg.Engine.Workers, "environment wins over the file")
	assert.Equal(t, "sqlite", cfg.Sink.Kind)
	assert.Equal(t, "file:results.db", cfg.Sink.DSN)
	assert.Equal(t, []string{"team:data", "env:test"}, cfg.Metrics.Tags)
	assert.Equal(t, []string{"shop.example", "*.cdn.example"}, cfg.Server.AllowedHosts)
	assert.Equal(t, []string{"http", "https"}, cfg.Server.AllowedSchemes)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SCRAPEGRAPH_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("SCRAPEGRAPH_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("SCRAPEGRAPH_LOG_LEVEL"))

	cfg, err := Load(Options{EnvFiles: []string{envFile}})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(Options{Path: filepath.Join(t.TempDir(), "nope.yaml"), EnvFiles: []string{}, Environ: envMap(nil)})
	assert.ErrorContains(t, err, "config: read")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
		sev    Severity
	}{
		{name: "workers", mutate: func(c *Config) { c.Engine.Workers = 0 }, path: "engine.workers", sev: SeverityError},
		{name: "timeout", mutate: func(c *Config) { c.HTTP.Timeout = 0 }, path: "http.timeout", sev: SeverityError},
		{name: "dsn_required", mutate: func(c *Config) { c.Sink.Kind = "postgres" }, path: "sink.dsn", sev: SeverityError},
		{name: "unknown_sink", mutate: func(c *Config) { c.Sink.Kind = "kafka" }, path: "sink.kind", sev: SeverityWarning},
		{name: "redis_addr", mutate: func(c *Config) { c.Store.Kind = "redis" }, path: "store.redis_addr", sev: SeverityError},
		{name: "store_kind", mutate: func(c *Config) { c.Store.Kind = "disk" }, path: "store.kind", sev: SeverityError},
		{name: "pushgateway_url", mutate: func(c *Config) { c.Metrics.Backend = "pushgateway" }, path: "metrics.pushgateway_url", sev: SeverityError},
		{name: "log_format", mutate: func(c *Config) { c.Log.Format = "xml" }, path: "log.format", sev: SeverityWarning},
		{name: "allowed_schemes", mutate: func(c *Config) { c.Server.AllowedSchemes = []string{"https", "gopher"} }, path: "server.allowed_schemes", sev: SeverityError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			issues := Validate(cfg)
			require.Len(t, issues, 1)
			assert.Equal(t, tc.path, issues[0].Path)
			assert.Equal(t, tc.sev, issues[0].Severity)
			assert.Equal(t, tc.sev == SeverityError, HasErrors(issues))
		})
	}
}
