// Package sink receives the notifications a scrape run emits: every binding
// written, every scope branched, and the summary when a run completes.
//
// Backends register themselves by kind (see Register) so the CLI can select
// one from configuration. The csv, tab and jsonl kinds live in this package;
// database and search backends live in subpackages and are linked in by
// importing scrapegraph/internal/sink/all.
package sink

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"scrapegraph/internal/scope"
)

// Table names shared by the SQL backends.
const (
	TableScopes   = "scrape_scopes"
	TableBindings = "scrape_bindings"
	TableRuns     = "scrape_runs"
)

// Summary is the leaf count of a completed run.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Stuck     int `json:"stuck"`
	Failed    int `json:"failed"`
}

// Sink receives run events.
//
// Concurrency:
//   - Implementations must be safe for concurrent use; the engine notifies
//     from several goroutines when it runs siblings in parallel.
//
// Errors:
//   - Any error aborts the run that produced the event.
type Sink interface {
	// OnBinding reports that name was bound to value in scope.
	OnBinding(ctx context.Context, s scope.ID, name, value string) error
	// OnNewScope reports that child was branched from parent to hold one
	// result named name.
	OnNewScope(ctx context.Context, parent, child scope.ID, name string) error
	// OnRunComplete reports the final counts for the run rooted at s.
	OnRunComplete(ctx context.Context, s scope.ID, sum Summary) error
	// Close flushes and releases resources. Call once.
	Close() error
}

// Config selects and configures a backend.
//
// Edge cases:
//   - Kind must match a registered backend.
//   - DSN is backend-specific: a database DSN, or comma-separated addresses
//     for elasticsearch.
//   - For text kinds, Path "" or "-" writes to Writer (stdout when nil).
type Config struct {
	Kind      string
	DSN       string
	Path      string
	Writer    io.Writer
	Delimiter rune
	// Index is the elasticsearch index. Default "scrapegraph".
	Index string
}

// Factory builds a Sink from Config.
type Factory func(ctx context.Context, cfg Config) (Sink, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind.
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("sink: Register called with empty kind")
	}
	if f == nil {
		panic("sink: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("sink: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs the backend registered for cfg.Kind.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Sink, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("sink: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("sink: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backends in order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Nop discards every event.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) OnBinding(context.Context, scope.ID, string, string) error    { return nil }
func (Nop) OnNewScope(context.Context, scope.ID, scope.ID, string) error { return nil }
func (Nop) OnRunComplete(context.Context, scope.ID, Summary) error       { return nil }
func (Nop) Close() error                                                 { return nil }

// Multi fans every event out to each sink in order, stopping at the first
// error.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) OnBinding(ctx context.Context, s scope.ID, name, value string) error {
	for _, sk := range m {
		if err := sk.OnBinding(ctx, s, name, value); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) OnNewScope(ctx context.Context, parent, child scope.ID, name string) error {
	for _, sk := range m {
		if err := sk.OnNewScope(ctx, parent, child, name); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) OnRunComplete(ctx context.Context, s scope.ID, sum Summary) error {
	for _, sk := range m {
		if err := sk.OnRunComplete(ctx, s, sum); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, sk := range m {
		if err := sk.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
