package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Severity of an Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var (
	dsnSinks  = map[string]bool{"sqlite": true, "postgres": true, "mssql": true, "elasticsearch": true}
	textSinks = map[string]bool{"csv": true, "tab": true, "jsonl": true}
)

// Validate checks cfg for values that would fail at startup. Unknown sink
// kinds are a warning since backends register themselves at link time.
func Validate(cfg Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.HTTP.Timeout <= 0 {
		add(SeverityError, "http.timeout", "must be positive, got %s", cfg.HTTP.Timeout)
	}
	if cfg.HTTP.MaxRedirects < 0 {
		add(SeverityError, "http.max_redirects", "must not be negative")
	}
	if cfg.HTTP.MaxAttempts > 10 {
		add(SeverityWarning, "http.max_attempts", "%d attempts per request is unusually high", cfg.HTTP.MaxAttempts)
	}
	if cfg.Engine.Workers < 1 {
		add(SeverityError, "engine.workers", "must be at least 1, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.MaxExtendsDepth < 1 {
		add(SeverityError, "engine.max_extends_depth", "must be at least 1, got %d", cfg.Engine.MaxExtendsDepth)
	}

	kind := strings.ToLower(cfg.Sink.Kind)
	switch {
	case kind == "":
		add(SeverityError, "sink.kind", "is required")
	case dsnSinks[kind]:
		if strings.TrimSpace(cfg.Sink.DSN) == "" {
			add(SeverityError, "sink.dsn", "is required for sink kind %q", kind)
		}
	case textSinks[kind]:
	default:
		add(SeverityWarning, "sink.kind", "%q is not a built-in sink kind", cfg.Sink.Kind)
	}

	switch strings.ToLower(cfg.Store.Kind) {
	case "memory":
	case "redis":
		if cfg.Store.RedisAddr == "" {
			add(SeverityError, "store.redis_addr", "is required for the redis store")
		}
	default:
		add(SeverityError, "store.kind", "must be memory or redis, got %q", cfg.Store.Kind)
	}

	switch strings.ToLower(cfg.Metrics.Backend) {
	case "none", "datadog":
	case "pushgateway":
		if u, err := url.Parse(cfg.Metrics.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			add(SeverityError, "metrics.pushgateway_url", "must be an absolute URL, got %q", cfg.Metrics.PushgatewayURL)
		}
	default:
		add(SeverityError, "metrics.backend", "must be none, pushgateway or datadog, got %q", cfg.Metrics.Backend)
	}

	for _, sc := range cfg.Server.AllowedSchemes {
		switch strings.ToLower(sc) {
		case "http", "https", "file":
		default:
			add(SeverityError, "server.allowed_schemes", "must be http, https or file, got %q", sc)
		}
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		add(SeverityWarning, "log.format", "unknown format %q, json is used", cfg.Log.Format)
	}
	return out
}
