// Package elasticsearch indexes run events as documents, one per binding,
// scope and run, so a rerun overwrites rather than duplicates.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"
)

// DefaultIndex is used when Config.Index is empty.
const DefaultIndex = "scrapegraph"

func init() {
	sink.Register("elasticsearch", func(_ context.Context, cfg sink.Config) (sink.Sink, error) {
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("sink elasticsearch: missing dsn (comma separated addresses)")
		}
		var addrs []string
		for _, a := range strings.Split(cfg.DSN, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		client, err := es.NewClient(es.Config{Addresses: addrs})
		if err != nil {
			return nil, fmt.Errorf("sink elasticsearch: %w", err)
		}
		return New(client, cfg.Index), nil
	})
}

type document struct {
	Event     string    `json:"event"`
	Scope     string    `json:"scope"`
	Parent    string    `json:"parent,omitempty"`
	Name      string    `json:"name,omitempty"`
	Value     *string   `json:"value,omitempty"`
	Succeeded *int      `json:"succeeded,omitempty"`
	Stuck     *int      `json:"stuck,omitempty"`
	Failed    *int      `json:"failed,omitempty"`
	Timestamp time.Time `json:"@timestamp"`
}

// Sink is safe for concurrent use.
type Sink struct {
	client *es.Client
	index  string
	now    func() time.Time
}

var _ sink.Sink = (*Sink)(nil)

func New(client *es.Client, index string) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	return &Sink{client: client, index: index, now: time.Now}
}

func (s *Sink) OnBinding(ctx context.Context, sc scope.ID, name, value string) error {
	return s.put(ctx, string(sc)+":"+name, document{Event: "binding", Scope: string(sc), Name: name, Value: &value})
}

func (s *Sink) OnNewScope(ctx context.Context, parent, child scope.ID, name string) error {
	return s.put(ctx, "scope:"+string(child), document{Event: "scope", Scope: string(child), Parent: string(parent), Name: name})
}

func (s *Sink) OnRunComplete(ctx context.Context, sc scope.ID, sum sink.Summary) error {
	return s.put(ctx, "run:"+string(sc), document{
		Event:     "run",
		Scope:     string(sc),
		Succeeded: &sum.Succeeded,
		Stuck:     &sum.Stuck,
		Failed:    &sum.Failed,
	})
}

func (s *Sink) Close() error { return nil }

func (s *Sink) put(ctx context.Context, id string, doc document) error {
	doc.Timestamp = s.now().UTC()
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("sink elasticsearch: marshal %s: %w", id, err)
	}

	res, err := s.client.Index(
		s.index,
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("sink elasticsearch: index %s: %w", id, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if res.IsError() {
		return fmt.Errorf("sink elasticsearch: index %s: %s", id, res.String())
	}
	return nil
}
