package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scrapegraph/internal/config"
	"scrapegraph/internal/engine"
	"scrapegraph/internal/httpclient"
	"scrapegraph/internal/instruction"
	"scrapegraph/internal/loader"
	"scrapegraph/internal/logger"
	"scrapegraph/internal/metrics"
	"scrapegraph/internal/metrics/datadog"
	"scrapegraph/internal/metrics/prompush"
	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"

	// every sink kind is selectable from config or --output-format.
	_ "scrapegraph/internal/sink/all"
)

// backendCloser is the minimal interface used to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// newMetricsBackend builds the backend named by cfg.Backend.
func newMetricsBackend(ctx context.Context, cfg config.Metrics) (backendCloser, error) {
	switch cfg.Backend {
	case "pushgateway":
		return prompush.New(prompush.Options{GatewayURL: cfg.PushgatewayURL, JobName: cfg.Job}), nil
	case "datadog":
		// Flushes every cfg.FlushEvery and once more on Close.
		return datadog.NewBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       cfg.Tags,
			FlushEvery: cfg.FlushEvery,
		})
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("metrics: unknown backend %q", cfg.Backend)
	}
}

// startMetrics installs the configured backend. The returned stop flushes
// and uninstalls it; it is never nil. Init failures leave metrics disabled.
func (a *app) startMetrics(ctx context.Context) (backendCloser, func()) {
	b, err := a.d.BackendFactory(ctx, a.cfg.Metrics)
	if err != nil {
		a.log.Warn("metrics disabled", logger.String("backend", a.cfg.Metrics.Backend), logger.Error(err))
		return nil, func() {}
	}
	if b == nil {
		a.log.Debug("metrics disabled", logger.String("backend", a.cfg.Metrics.Backend))
		return nil, func() {}
	}
	a.log.Info("metrics enabled",
		logger.String("backend", a.cfg.Metrics.Backend),
		logger.String("job", a.cfg.Metrics.Job),
		logger.Strings("tags", a.cfg.Metrics.Tags),
	)
	metrics.SetBackend(b)
	return b, func() {
		metrics.SetBackend(nil)
		if err := b.Close(); err != nil {
			a.log.Warn("metrics flush failed", logger.Error(err))
		}
	}
}

// metricsHandler serves the backend's own registry when it has one.
func metricsHandler(b backendCloser) http.Handler {
	if pb, ok := b.(*prompush.Backend); ok {
		return promhttp.HandlerFor(pb.Registry(), promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (a *app) transport() (transport, error) {
	if a.d.Transport != nil {
		return a.d.Transport, nil
	}
	h := a.cfg.HTTP
	c, err := httpclient.New(httpclient.Options{
		Timeout:         h.Timeout,
		UserAgent:       h.UserAgent,
		MaxRedirects:    h.MaxRedirects,
		MaxConnsPerHost: h.MaxConnsPerHost,
		MaxAttempts:     h.MaxAttempts,
		Charset:         h.Charset,
		MaxBodyBytes:    h.MaxBodyBytes,
		JobName:         a.cfg.Metrics.Job,
		Logger:          a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}
	return c, nil
}

// sessions gives every run a cookie jar of its own when t is the HTTP client
// built from config. Other transports are shared as they are.
func sessions(t transport) func() (instruction.Requester, error) {
	c, ok := t.(*httpclient.Client)
	if !ok {
		return nil
	}
	return func() (instruction.Requester, error) {
		s, err := c.Session()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// deserializer loads documents through t. The zero policy allows any URI.
func (a *app) deserializer(t transport, policy loader.Policy) (*instruction.Deserializer, error) {
	cached, err := loader.NewCached(loader.New(t, a.d.Stdin), a.cfg.Loader.CacheSize)
	if err != nil {
		return nil, err
	}
	return instruction.NewDeserializer(loader.Restrict(cached, policy), instruction.Options{
		MaxExtendsDepth: a.cfg.Engine.MaxExtendsDepth,
		MemoSize:        a.cfg.Engine.MemoSize,
		Logger:          a.log,
	})
}

// store opens the configured scope store. The returned func closes it and
// is never nil.
func (a *app) store(ctx context.Context) (scope.Store, func(), error) {
	s := a.cfg.Store
	switch s.Kind {
	case "redis":
		rs, err := scope.NewRedisStore(ctx, scope.RedisConfig{
			Address:  s.RedisAddr,
			Password: s.Password,
			DB:       s.DB,
			Prefix:   s.Prefix,
			TTL:      s.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() {
			if err := rs.Close(); err != nil {
				a.log.Warn("close redis store", logger.Error(err))
			}
		}, nil
	default:
		return scope.NewMemoryStore(), func() {}, nil
	}
}

// dbKinds take --output as a DSN rather than a file path.
var dbKinds = map[string]bool{"sqlite": true, "postgres": true, "mssql": true, "elasticsearch": true}

// openSink builds the sink for kind, writing to output. Empty arguments fall
// back to config.
func (a *app) openSink(ctx context.Context, kind, output string) (sink.Sink, error) {
	cfg := sink.Config{
		Kind:   a.cfg.Sink.Kind,
		DSN:    a.cfg.Sink.DSN,
		Path:   a.cfg.Sink.Path,
		Index:  a.cfg.Sink.Index,
		Writer: a.d.Stdout,
	}
	if kind != "" {
		cfg.Kind = strings.ToLower(kind)
	}
	if output != "" {
		if dbKinds[cfg.Kind] {
			cfg.DSN = output
		} else {
			cfg.Path = output
		}
	}
	return sink.New(ctx, cfg)
}

func (a *app) scheduler(st scope.Store, d *instruction.Deserializer, t transport, sk sink.Sink, workers int) *engine.Scheduler {
	if workers <= 0 {
		workers = a.cfg.Engine.Workers
	}
	return engine.New(st, d, t, engine.Options{Workers: workers, Sink: sk, Logger: a.log, Sessions: sessions(t)})
}

// refFor turns a command-line argument into a ref: inline JSON when it looks
// like an object, a URI otherwise.
func refFor(arg string) (instruction.Ref, error) {
	if strings.HasPrefix(strings.TrimSpace(arg), "{") {
		return instruction.InlineRef(arg, ""), nil
	}
	return instruction.URIRef(arg, "")
}
