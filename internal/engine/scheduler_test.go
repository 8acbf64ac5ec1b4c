package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"

	"scrapegraph/internal/httpclient"
	"scrapegraph/internal/instruction"
	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"
	"scrapegraph/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pages serves fixed bodies by URL and counts requests.
type pages struct {
	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
	// onDo runs before every request when set.
	onDo func(ctx context.Context) error
}

func newPages(bodies map[string]string) *pages {
	return &pages{bodies: bodies, hits: make(map[string]int)}
}

func (p *pages) Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	if p.onDo != nil {
		if err := p.onDo(ctx); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[req.URL]++
	body, ok := p.bodies[req.URL]
	if !ok {
		return nil, &httpclient.TransportError{Method: req.Method, URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return &httpclient.Response{URL: req.URL, StatusCode: http.StatusOK, Body: body}, nil
}

func (p *pages) count(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[url]
}

type noDocs struct{}

func (noDocs) Load(_ context.Context, uri string) (string, error) {
	return "", fmt.Errorf("no document at %s", uri)
}

type fixture struct {
	store *scope.MemoryStore
	sink  *sink.Memory
	pages *pages
	sched *Scheduler
}

func newFixture(t *testing.T, bodies map[string]string, workers int) *fixture {
	t.Helper()
	d, err := instruction.NewDeserializer(noDocs{}, instruction.Options{})
	require.NoError(t, err)

	f := &fixture{store: scope.NewMemoryStore(), sink: sink.NewMemory(), pages: newPages(bodies)}
	f.sched = New(f.store, d, f.pages, Options{Workers: workers, Sink: f.sink})
	return f
}

func (f *fixture) start(t *testing.T, doc string, bindings map[string]string) (*Report, error) {
	t.Helper()
	return f.sched.Start(context.Background(), instruction.InlineRef(doc, ""), bindings)
}

func TestScheduler_MissingTagThenResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "cats and dogs"}, 1)
	rep, err := f.start(t, `{"load":"http://example/","then":{"find":"{{x}}"}}`, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Succeeded)
	assert.Equal(t, 1, rep.Stuck)
	assert.Equal(t, 0, rep.Failed)
	assert.False(t, rep.Complete())
	require.Len(t, rep.StuckExecutables, 1)
	stuck := rep.StuckExecutables[0]
	assert.Equal(t, MissingVariables, stuck.Status())
	assert.Equal(t, []string{"x"}, stuck.Missing())

	require.NoError(t, f.store.Put(context.Background(), stuck.Scope, "x", "dogs"))
	rep2, err := f.sched.Resume(context.Background(), rep.Scope, rep.StuckExecutables)
	require.NoError(t, err)

	assert.Equal(t, 1, rep2.Succeeded)
	assert.True(t, rep2.Complete())
	assert.Equal(t, Success, stuck.Status())
	assert.Equal(t, "dogs", stuck.Result().Name)
	assert.Equal(t, []string{"dogs"}, stuck.Result().Values)
	assert.Equal(t, []string{"dogs"}, f.sink.Values("dogs"))
	assert.Equal(t, 1, f.pages.count("http://example/"), "the load must not run again")

	runs := f.sink.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, sink.Summary{Stuck: 1}, runs[0].Summary)
	assert.Equal(t, sink.Summary{Succeeded: 1}, runs[1].Summary)
}

func TestScheduler_UnboundChildRefIsStuck(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "<html/>"}, 1)
	rep, err := f.start(t, `{"load":"http://example/","then":["{{child}}"]}`, nil)
	require.NoError(t, err)

	assert.Equal(t, sink.Summary{Stuck: 1}, rep.Summary())
	require.Len(t, rep.StuckExecutables, 1)
	assert.Equal(t, []string{"child"}, rep.StuckExecutables[0].Missing())
	assert.Nil(t, rep.StuckExecutables[0].Instruction())
	assert.Equal(t, "unresolved", rep.StuckExecutables[0].Kind())
	assert.Equal(t, "<html/>", rep.StuckExecutables[0].Source)
	assert.Equal(t, 1, f.pages.count("http://example/"))
}

func TestScheduler_FanOutIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "a1 a2 a3"}, 1)
	rep, err := f.start(t, `{
		"load": "http://example/",
		"then": {
			"find": "a(\\d)", "replace": "$1", "name": "n",
			"then": {"find": "{{n}}", "name": "echo"}
		}
	}`, map[string]string{"site": "example"})
	require.NoError(t, err)

	assert.Equal(t, sink.Summary{Succeeded: 3}, rep.Summary())
	assert.Equal(t, []string{"1", "2", "3"}, f.sink.Values("echo"))

	branches := f.store.Children(rep.Scope)
	require.Len(t, branches, 3)
	var seen []string
	for _, b := range branches {
		vis := f.store.Visible(b)
		assert.Equal(t, "example", vis["site"])
		assert.Equal(t, vis["n"], vis["echo"])
		seen = append(seen, vis["n"])
	}
	sort.Strings(seen)
	assert.Equal(t, []string{"1", "2", "3"}, seen)
	_, ok := f.store.Visible(rep.Scope)["n"]
	assert.False(t, ok, "fan-out values must stay in their branches")

	var fanned []sink.NewScope
	for _, ns := range f.sink.Scopes() {
		if ns.Parent == rep.Scope {
			fanned = append(fanned, ns)
		}
	}
	require.Len(t, fanned, 3)
	assert.Equal(t, "n", fanned[0].Name)
}

func TestScheduler_SingleMatchBindsInPlace(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "price: 42"}, 1)
	rep, err := f.start(t, `{"load":"http://example/","then":{"find":"price: (\\d+)","replace":"$1","name":"price"}}`, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Succeeded)
	assert.Empty(t, f.store.Children(rep.Scope))
	assert.Equal(t, "42", f.store.Visible(rep.Scope)["price"])
}

func TestScheduler_SiblingBindingUnblocksRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "cats and dogs"}, 1)
	rep, err := f.start(t, `{"load":"http://example/","then":[
		{"find":"{{later}}","name":"found"},
		{"find":"(cats)","replace":"$1","name":"later"}
	]}`, nil)
	require.NoError(t, err)

	assert.Equal(t, sink.Summary{Succeeded: 2}, rep.Summary())
	assert.Equal(t, 4, rep.Attempts)
	assert.Equal(t, []string{"cats"}, f.sink.Values("found"))
}

func TestScheduler_FixpointTerminates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "x"}, 1)
	rep, err := f.start(t, `{"load":"http://example/","then":[{"find":"{{a}}"},{"find":"{{b}}"}]}`, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Stuck)
	assert.Equal(t, 3, rep.Attempts, "one load and one pass over the stuck finds")
}

func TestScheduler_FailuresDoNotStopSiblings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "cats"}, 1)
	rep, err := f.start(t, `{"load":"http://example/","then":[
		{"find":"zebra"},
		{"find":"x","min":-2,"max":-4},
		{"load":"http://example/missing"},
		{"find":"cats"}
	]}`, nil)
	require.NoError(t, err)

	assert.Equal(t, sink.Summary{Succeeded: 1, Failed: 3}, rep.Summary())
	require.Len(t, rep.Failures, 3)

	var nm *instruction.NoMatchesError
	assert.ErrorAs(t, rep.Failures[0].Err, &nm)
	var de *instruction.DeserializationError
	assert.ErrorAs(t, rep.Failures[1].Err, &de)
	var te *httpclient.TransportError
	assert.ErrorAs(t, rep.Failures[2].Err, &te)
	for _, fl := range rep.Failures {
		assert.Equal(t, Failed, fl.Executable.Status())
	}
}

func TestScheduler_SeedsBindingsAndRootScope(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/q=book": "ok"}, 1)
	rep, err := f.start(t, `{"load":"http://example/q={{query}}","name":"page"}`, map[string]string{"query": "book", "lang": "en"})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Succeeded)
	scopes := f.sink.Scopes()
	require.NotEmpty(t, scopes)
	assert.Equal(t, sink.NewScope{Child: rep.Scope}, scopes[0])

	bs := f.sink.Bindings()
	require.Len(t, bs, 3)
	assert.Equal(t, sink.Binding{Scope: rep.Scope, Name: "lang", Value: "en"}, bs[0])
	assert.Equal(t, sink.Binding{Scope: rep.Scope, Name: "query", Value: "book"}, bs[1])
	assert.Equal(t, sink.Binding{Scope: rep.Scope, Name: "page", Value: "ok"}, bs[2])
}

type failingSink struct {
	*sink.Memory
	failOn string
}

func (s *failingSink) OnBinding(ctx context.Context, sc scope.ID, name, value string) error {
	if name == s.failOn {
		return errors.New("disk full")
	}
	return s.Memory.OnBinding(ctx, sc, name, value)
}

func TestScheduler_SinkErrorIsFatal(t *testing.T) {
	t.Parallel()

	d, err := instruction.NewDeserializer(noDocs{}, instruction.Options{})
	require.NoError(t, err)
	p := newPages(map[string]string{"http://example/": "body"})
	sk := &failingSink{Memory: sink.NewMemory(), failOn: "page"}
	sched := New(scope.NewMemoryStore(), d, p, Options{Sink: sk})

	rep, err := sched.Start(context.Background(), instruction.InlineRef(`{"load":"http://example/","name":"page","then":{"find":"body"}}`, ""), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "disk full")

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(0), fe.Executable)
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.Attempts)
	assert.Empty(t, sk.Runs(), "an aborted run is not reported complete")
}

func TestScheduler_CancellationIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "body"}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	f.pages.onDo = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.sched.Start(ctx, instruction.InlineRef(`{"load":"http://example/"}`, ""), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_ParallelWorkers(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{"http://example/": "p1 p2 p3 p4"}
	for i := 1; i <= 4; i++ {
		bodies[fmt.Sprintf("http://example/p%d", i)] = fmt.Sprintf("item-%d", i)
	}
	f := newFixture(t, bodies, 4)
	rep, err := f.start(t, `{
		"load": "http://example/",
		"then": {
			"find": "p\\d", "name": "page",
			"then": {"load": "http://example/{{page}}", "then": {"find": "item-\\d", "name": "item"}}
		}
	}`, nil)
	require.NoError(t, err)

	assert.Equal(t, sink.Summary{Succeeded: 4}, rep.Summary())
	items := f.sink.Values("item")
	sort.Strings(items)
	assert.Equal(t, []string{"item-1", "item-2", "item-3", "item-4"}, items)
	for i := 1; i <= 4; i++ {
		assert.Equal(t, 1, f.pages.count(fmt.Sprintf("http://example/p%d", i)))
	}
}

func TestScheduler_ResumeSkipsSucceeded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"http://example/": "body"}, 1)
	rep, err := f.start(t, `{"load":"http://example/"}`, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Succeeded)

	root := &Executable{ID: 0, Ref: instruction.InlineRef(`{"load":"http://example/"}`, ""), Scope: rep.Scope, Parent: -1}
	root.status = Success
	root.result = &Result{}

	rep2, err := f.sched.Resume(context.Background(), rep.Scope, []*Executable{root})
	require.NoError(t, err)
	assert.Equal(t, 0, rep2.Attempts)
	assert.Equal(t, 1, f.pages.count("http://example/"))
}

// countingResolver counts resolutions.
type countingResolver struct {
	Resolver
	mu    sync.Mutex
	calls int
}

func (c *countingResolver) Resolve(ctx context.Context, ref instruction.Ref, scopeKey string, lk template.Lookup) (*instruction.Instruction, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Resolver.Resolve(ctx, ref, scopeKey, lk)
}

func TestExecutable_IdempotentReplay(t *testing.T) {
	t.Parallel()

	d, err := instruction.NewDeserializer(noDocs{}, instruction.Options{})
	require.NoError(t, err)
	store := scope.NewMemoryStore()
	root, err := store.Root(context.Background())
	require.NoError(t, err)

	res := &countingResolver{Resolver: d}
	mem := sink.NewMemory()
	var next int64
	e := &env{store: store, resolver: res, sink: mem, newID: func() int64 { next++; return next }}

	ex := &Executable{Ref: instruction.InlineRef(`{"find":"o","then":{"find":"x"}}`, ""), Scope: root, Source: "foo", Parent: -1}
	st1, r1 := ex.attempt(context.Background(), e)
	st2, r2 := ex.attempt(context.Background(), e)

	assert.Equal(t, Success, st1)
	assert.Equal(t, Success, st2)
	assert.Same(t, r1, r2)
	assert.Equal(t, 1, res.calls)
	assert.Len(t, mem.Bindings(), 2)
	assert.Len(t, mem.Scopes(), 2)
	require.Len(t, store.Children(root), 2)
	for _, b := range mem.Bindings() {
		assert.NotEqual(t, root, b.Scope, "two matches branch, so bindings land in child scopes")
	}
	require.Len(t, r1.Children, 2)
	assert.Equal(t, int64(1), r1.Children[0].ID)
	assert.Equal(t, int64(2), r1.Children[1].ID)
	assert.Equal(t, "o", r1.Children[0].Source)
}

func TestStatus_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "missing_variables", MissingVariables.String())
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "status(9)", Status(9).String())
}

func TestScheduler_SessionsArePerRun(t *testing.T) {
	t.Parallel()

	d, err := instruction.NewDeserializer(noDocs{}, instruction.Options{})
	require.NoError(t, err)
	bodies := map[string]string{"http://a/": "next", "http://a/next": "done"}

	var mu sync.Mutex
	var sessions []*pages
	shared := newPages(bodies)
	store := scope.NewMemoryStore()
	sched := New(store, d, shared, Options{
		Sessions: func() (instruction.Requester, error) {
			mu.Lock()
			defer mu.Unlock()
			p := newPages(bodies)
			sessions = append(sessions, p)
			return p, nil
		},
	})

	doc := `{"load":"http://a/","name":"page","then":{"load":"http://a/{{page}}","then":{"load":"http://a/{{more}}"}}}`
	rep1, err := sched.Start(context.Background(), instruction.InlineRef(doc, ""), nil)
	require.NoError(t, err)
	_, err = sched.Start(context.Background(), instruction.InlineRef(doc, ""), nil)
	require.NoError(t, err)

	require.Len(t, sessions, 2)
	for _, p := range sessions {
		assert.Equal(t, 1, p.count("http://a/"))
		assert.Equal(t, 1, p.count("http://a/next"), "children use their run's session")
	}
	assert.Zero(t, shared.count("http://a/"))

	require.Len(t, rep1.StuckExecutables, 1)
	require.NoError(t, store.Put(context.Background(), rep1.StuckExecutables[0].Scope, "more", "next"))
	_, err = sched.Resume(context.Background(), rep1.Scope, rep1.StuckExecutables)
	require.NoError(t, err)
	assert.Equal(t, 2, sessions[0].count("http://a/next"), "resume continues the first run's session")
	assert.Equal(t, 1, sessions[1].count("http://a/next"))
	assert.Len(t, sessions, 2)
}

func TestScheduler_SessionErrorIsFatal(t *testing.T) {
	t.Parallel()

	d, err := instruction.NewDeserializer(noDocs{}, instruction.Options{})
	require.NoError(t, err)
	boom := errors.New("boom")
	sched := New(scope.NewMemoryStore(), d, newPages(nil), Options{
		Sessions: func() (instruction.Requester, error) { return nil, boom },
	})

	_, err = sched.Start(context.Background(), instruction.InlineRef(`{"load":"http://a/"}`, ""), nil)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, boom)
}
