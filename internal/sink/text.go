package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"scrapegraph/internal/scope"
)

func init() {
	Register("csv", newCSV)
	Register("tab", func(ctx context.Context, cfg Config) (Sink, error) {
		cfg.Delimiter = '\t'
		return newCSV(ctx, cfg)
	})
	Register("jsonl", newJSONL)
}

// openOutput returns cfg's writer and, when it opened a file, its closer.
func openOutput(cfg Config) (io.Writer, io.Closer, error) {
	if cfg.Path == "" || cfg.Path == "-" {
		if cfg.Writer != nil {
			return cfg.Writer, nil, nil
		}
		return os.Stdout, nil, nil
	}
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("sink: create %s: %w", cfg.Path, err)
	}
	return f, f, nil
}

// CSV writes one row per event with the columns source, scope, name, value.
// A binding has an empty source; a branch has the parent scope as source and
// an empty value. Run summaries are not written.
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
}

var _ Sink = (*CSV)(nil)

// CSVHeader is the first row written by a CSV sink.
var CSVHeader = []string{"source", "scope", "name", "value"}

func newCSV(_ context.Context, cfg Config) (Sink, error) {
	out, closer, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	return NewCSV(out, closer, cfg.Delimiter)
}

// NewCSV writes to w. closer may be nil. A zero delimiter means ','.
func NewCSV(w io.Writer, closer io.Closer, delimiter rune) (*CSV, error) {
	cw := csv.NewWriter(w)
	if delimiter != 0 {
		cw.Comma = delimiter
	}
	s := &CSV{w: cw, closer: closer}
	if err := s.write(CSVHeader); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CSV) write(row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("sink csv: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("sink csv: %w", err)
	}
	return nil
}

func (s *CSV) OnBinding(_ context.Context, sc scope.ID, name, value string) error {
	return s.write([]string{"", string(sc), name, value})
}

func (s *CSV) OnNewScope(_ context.Context, parent, child scope.ID, name string) error {
	return s.write([]string{string(parent), string(child), name, ""})
}

func (s *CSV) OnRunComplete(context.Context, scope.ID, Summary) error { return nil }

func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// jsonEvent is one JSONL line.
type jsonEvent struct {
	Event     string   `json:"event"`
	Scope     scope.ID `json:"scope"`
	Parent    scope.ID `json:"parent,omitempty"`
	Name      string   `json:"name,omitempty"`
	Value     *string  `json:"value,omitempty"`
	Succeeded *int     `json:"succeeded,omitempty"`
	Stuck     *int     `json:"stuck,omitempty"`
	Failed    *int     `json:"failed,omitempty"`
}

// JSONL writes one JSON object per event with "event" set to binding, scope
// or run.
type JSONL struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

var _ Sink = (*JSONL)(nil)

func newJSONL(_ context.Context, cfg Config) (Sink, error) {
	out, closer, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	return NewJSONL(out, closer), nil
}

// NewJSONL writes to w. closer may be nil.
func NewJSONL(w io.Writer, closer io.Closer) *JSONL {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONL{enc: enc, closer: closer}
}

func (s *JSONL) emit(ev jsonEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("sink jsonl: %w", err)
	}
	return nil
}

func (s *JSONL) OnBinding(_ context.Context, sc scope.ID, name, value string) error {
	return s.emit(jsonEvent{Event: "binding", Scope: sc, Name: name, Value: &value})
}

func (s *JSONL) OnNewScope(_ context.Context, parent, child scope.ID, name string) error {
	return s.emit(jsonEvent{Event: "scope", Scope: child, Parent: parent, Name: name})
}

func (s *JSONL) OnRunComplete(_ context.Context, sc scope.ID, sum Summary) error {
	return s.emit(jsonEvent{Event: "run", Scope: sc, Succeeded: &sum.Succeeded, Stuck: &sum.Stuck, Failed: &sum.Failed})
}

func (s *JSONL) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
