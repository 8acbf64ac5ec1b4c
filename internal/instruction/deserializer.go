package instruction

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"scrapegraph/internal/loader"
	"scrapegraph/internal/logger"
	"scrapegraph/internal/template"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
)

// SelfRef in a "then" entry re-runs the current document as a child.
const SelfRef = "$this"

const (
	defaultMaxDepth = 32
	defaultMemoSize = 4096
)

var (
	sharedKeys = keySet("find", "load", "name", "then", "extends", "description")
	findKeys   = keySet("case_insensitive", "multiline", "dot_matches_all", "replace", "min", "max", "match")
	loadKeys   = keySet("method", "posts", "cookies", "headers", "stop", "preload")
)

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// Options configures a Deserializer.
type Options struct {
	// MaxExtendsDepth caps the chain of documents followed through extends,
	// preload and top-level URI strings. Default 32.
	MaxExtendsDepth int
	// MemoSize bounds the per-scope resolution memo. Default 4096.
	MemoSize int
	Logger   logger.Logger
}

// Deserializer turns instruction documents into Instructions.
//
// Concurrency: safe for concurrent use when its Loader is.
type Deserializer struct {
	load     loader.Loader
	maxDepth int
	memo     *lru.Cache[string, memoEntry]
	log      logger.Logger
}

// NewDeserializer returns a Deserializer fetching documents through l.
func NewDeserializer(l loader.Loader, opts Options) (*Deserializer, error) {
	if opts.MaxExtendsDepth <= 0 {
		opts.MaxExtendsDepth = defaultMaxDepth
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = defaultMemoSize
	}
	memo, err := lru.New[string, memoEntry](opts.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("instruction memo: %w", err)
	}
	return &Deserializer{
		load:     l,
		maxDepth: opts.MaxExtendsDepth,
		memo:     memo,
		log:      logger.OrNop(opts.Logger),
	}, nil
}

// Resolve turns ref into an Instruction for one scope. Successful results are
// memoized per (resolved location, scopeKey). A memoized result is reused
// only while every templated URI it followed through extends, preload or a
// URI string still substitutes to the same location under lk.
//
// Errors:
//   - *template.MissingTagsError when the ref's URI, or any URI it extends
//     or preloads, has unbound tags. The caller should retry later.
//   - *DeserializationError for malformed documents and load failures.
func (d *Deserializer) Resolve(ctx context.Context, ref Ref, scopeKey string, lk template.Lookup) (*Instruction, error) {
	lk = orEmpty(lk)

	var key string
	switch ref.kind {
	case RefURI:
		uri, err := substituteURI(ref.uri, lk)
		if err != nil {
			return nil, err
		}
		loc := loader.Resolve(ref.base, uri)
		key = scopeKey + "\x00uri\x00" + loc
		if e, ok := d.memo.Get(key); ok && e.current(lk) {
			return e.inst, nil
		}
		inst, deps, err := d.fromURI(ctx, loc, lk)
		if err != nil {
			return nil, err
		}
		d.memo.Add(key, memoEntry{inst: inst, deps: deps})
		return inst, nil
	default:
		key = scopeKey + "\x00inline\x00" + ref.base + "\x00" + ref.raw
		if e, ok := d.memo.Get(key); ok && e.current(lk) {
			return e.inst, nil
		}
		inst, deps, err := d.inline(ctx, ref, lk)
		if err != nil {
			return nil, err
		}
		d.memo.Add(key, memoEntry{inst: inst, deps: deps})
		return inst, nil
	}
}

// memoEntry is a resolved instruction with the templated URIs followed to
// build it and what they substituted to.
type memoEntry struct {
	inst *Instruction
	deps []uriDep
}

type uriDep struct {
	t   *template.Template
	uri string
}

func (e memoEntry) current(lk template.Lookup) bool {
	for _, dep := range e.deps {
		uri, err := substituteURI(dep.t, lk)
		if err != nil || uri != dep.uri {
			return false
		}
	}
	return true
}

// Deserialize parses text, found at base, into an Instruction without
// memoizing. base may be empty.
func (d *Deserializer) Deserialize(ctx context.Context, text, base string, lk template.Lookup) (*Instruction, error) {
	inst, _, err := d.inline(ctx, InlineRef(text, base), orEmpty(lk))
	return inst, err
}

func (d *Deserializer) fromURI(ctx context.Context, loc string, lk template.Lookup) (*Instruction, []uriDep, error) {
	text, err := d.fetch(ctx, loc)
	if err != nil {
		return nil, nil, err
	}
	ds := &docState{text: text, base: loc, lk: lk, chain: []string{loc}, deps: new([]uriDep)}
	dr, err := d.documentDraft(ctx, ds)
	if err != nil {
		return nil, nil, err
	}
	inst, err := dr.finalize()
	return inst, *ds.deps, err
}

func (d *Deserializer) inline(ctx context.Context, ref Ref, lk template.Lookup) (*Instruction, []uriDep, error) {
	var chain []string
	if ref.base != "" {
		chain = []string{ref.base}
	}
	ds := &docState{text: ref.doc, base: ref.base, lk: lk, chain: chain, deps: new([]uriDep)}
	if !gjson.Valid(ref.raw) {
		return nil, nil, ds.errorf("invalid JSON")
	}
	dr, err := d.valueDraft(ctx, ds, gjson.Parse(ref.raw))
	if err != nil {
		return nil, nil, err
	}
	inst, err := dr.finalize()
	return inst, *ds.deps, err
}

func (d *Deserializer) fetch(ctx context.Context, loc string) (string, error) {
	text, err := d.load.Load(ctx, loc)
	if err != nil {
		return "", &DeserializationError{Location: loc, Msg: "load document", Err: err}
	}
	d.log.Info("loaded instruction document", logger.String("uri", loc), logger.Int("bytes", len(text)))
	return text, nil
}

// Walk resolves root and every ref reachable through "then", calling visit
// once per distinct ref. Refs whose tags are unbound in lk are visited with
// the missing-tags error and not descended into.
func (d *Deserializer) Walk(ctx context.Context, root Ref, lk template.Lookup, visit func(ref Ref, depth int, inst *Instruction, err error)) {
	lk = orEmpty(lk)
	seen := make(map[string]bool)

	var walk func(ref Ref, depth int)
	walk = func(ref Ref, depth int) {
		id := ref.identity()
		if seen[id] || ctx.Err() != nil {
			return
		}
		seen[id] = true

		var (
			inst *Instruction
			err  error
		)
		if ref.kind == RefURI {
			var uri string
			uri, err = substituteURI(ref.uri, lk)
			if err == nil {
				inst, _, err = d.fromURI(ctx, loader.Resolve(ref.base, uri), lk)
			}
		} else {
			inst, _, err = d.inline(ctx, ref, lk)
		}
		visit(ref, depth, inst, err)
		if err != nil {
			return
		}
		for _, child := range inst.Then {
			walk(child, depth+1)
		}
	}
	walk(root, 0)
}

func (r Ref) identity() string {
	if r.kind == RefURI {
		return "uri\x00" + r.base + "\x00" + r.uri.String()
	}
	return "inline\x00" + r.base + "\x00" + r.raw
}

// substituteURI fills a URI template. A template that is a single tag takes
// the value verbatim since it holds a whole URI; otherwise values are
// query-escaped.
func substituteURI(t *template.Template, lk template.Lookup) (string, error) {
	if t.IsSingleTag() {
		return t.Execute(lk)
	}
	return t.ExecuteEncoded(lk, template.QueryEscape)
}

func orEmpty(lk template.Lookup) template.Lookup {
	if lk == nil {
		return template.MapLookup(nil)
	}
	return lk
}

// docState is the document being parsed.
type docState struct {
	// text is the whole document, re-run by "$this".
	text string
	base string
	lk   template.Lookup
	// chain holds the locations followed to reach this document.
	chain []string
	// deps collects the templated URIs followed, shared by every document
	// in one resolution.
	deps *[]uriDep
}

func (ds *docState) errorf(format string, args ...any) error {
	return &DeserializationError{Location: ds.base, Msg: fmt.Sprintf(format, args...)}
}

func (ds *docState) wrap(key string, err error) error {
	return &DeserializationError{Location: ds.base, Msg: key, Err: err}
}

func (d *Deserializer) documentDraft(ctx context.Context, ds *docState) (*draft, error) {
	if !gjson.Valid(ds.text) {
		return nil, ds.errorf("invalid JSON")
	}
	return d.valueDraft(ctx, ds, gjson.Parse(ds.text))
}

func (d *Deserializer) valueDraft(ctx context.Context, ds *docState, v gjson.Result) (*draft, error) {
	switch {
	case v.IsObject():
		return d.objectDraft(ctx, ds, v)
	case v.Type == gjson.String:
		return d.follow(ctx, ds, v.String())
	default:
		return nil, ds.errorf("expected an object or a URI string, got %s", typeName(v))
	}
}

// follow substitutes raw as a URI, loads the document it names and parses it.
func (d *Deserializer) follow(ctx context.Context, ds *docState, raw string) (*draft, error) {
	t, err := template.Compile(raw)
	if err != nil {
		return nil, ds.wrap("uri", err)
	}
	uri, err := substituteURI(t, ds.lk)
	if err != nil {
		return nil, err
	}
	if !t.IsStatic() {
		*ds.deps = append(*ds.deps, uriDep{t: t, uri: uri})
	}
	loc := loader.Resolve(ds.base, uri)
	if slices.Contains(ds.chain, loc) {
		return nil, ds.errorf("cycle through %s", strings.Join(append(slices.Clone(ds.chain), loc), " -> "))
	}
	if len(ds.chain) >= d.maxDepth {
		return nil, ds.errorf("document chain deeper than %d at %s", d.maxDepth, loc)
	}

	text, err := d.fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	next := &docState{text: text, base: loc, lk: ds.lk, chain: append(slices.Clone(ds.chain), loc), deps: ds.deps}
	return d.documentDraft(ctx, next)
}

func (d *Deserializer) objectDraft(ctx context.Context, ds *docState, obj gjson.Result) (*draft, error) {
	fields, order, err := ds.fields(obj)
	if err != nil {
		return nil, err
	}

	out := &draft{loc: ds.base}
	var missing []error
	if ext, ok := fields["extends"]; ok {
		for _, item := range listOf(ext) {
			var parent *draft
			switch {
			case item.IsObject():
				parent, err = d.objectDraft(ctx, ds, item)
			case item.Type == gjson.String:
				parent, err = d.follow(ctx, ds, item.String())
			default:
				err = ds.errorf("extends: expected an object or a URI string, got %s", typeName(item))
			}
			if template.IsMissing(err) {
				missing = append(missing, err)
				continue
			}
			if err != nil {
				return nil, err
			}
			out.merge(parent)
		}
	}

	local, err := d.localDraft(ctx, ds, fields, order)
	if err != nil && !template.IsMissing(err) {
		return nil, err
	}
	if m := template.JoinMissing(append(missing, err)...); m != nil {
		return nil, m
	}
	out.merge(local)
	return out, nil
}

// fields indexes obj by lowercased key. Later duplicates win.
func (ds *docState) fields(obj gjson.Result) (map[string]gjson.Result, []string, error) {
	fields := make(map[string]gjson.Result)
	var (
		order   []string
		unknown []string
	)
	obj.ForEach(func(k, v gjson.Result) bool {
		key := strings.ToLower(k.String())
		if !sharedKeys[key] && !findKeys[key] && !loadKeys[key] {
			unknown = append(unknown, k.String())
			return true
		}
		if _, dup := fields[key]; !dup {
			order = append(order, key)
		}
		fields[key] = v
		return true
	})
	if len(unknown) > 0 {
		return nil, nil, ds.errorf("unknown keys: %s", strings.Join(unknown, ", "))
	}
	return fields, order, nil
}

// localDraft builds a draft from the keys of one object, ignoring extends.
func (d *Deserializer) localDraft(ctx context.Context, ds *docState, fields map[string]gjson.Result, order []string) (*draft, error) {
	dr := &draft{}
	var err error
	for _, k := range order {
		v := fields[k]
		switch k {
		case "extends", "description":
		case "find":
			dr.find, err = ds.tmpl(k, v)
		case "load":
			dr.load, err = ds.tmpl(k, v)
		case "name":
			dr.name, err = ds.tmpl(k, v)
		case "then":
			dr.then, err = ds.refs(v)
		case "replace":
			dr.replace, err = ds.tmpl(k, v)
		case "case_insensitive":
			dr.caseInsensitive, err = ds.boolean(k, v)
		case "multiline":
			dr.multiline, err = ds.boolean(k, v)
		case "dot_matches_all":
			dr.dotAll, err = ds.boolean(k, v)
		case "min":
			dr.min, err = ds.integer(k, v)
		case "max":
			dr.max, err = ds.integer(k, v)
		case "match":
			dr.match, err = ds.integer(k, v)
		case "method":
			dr.method, err = ds.method(v)
		case "posts":
			if v.Type == gjson.String {
				dr.postBody, err = ds.tmpl(k, v)
			} else {
				dr.posts, err = ds.fieldMap(k, v)
			}
		case "cookies":
			dr.cookies, err = ds.fieldMap(k, v)
		case "headers":
			dr.headers, err = ds.fieldMap(k, v)
		case "stop":
			dr.stop, err = ds.templates(k, v)
		case "preload":
			dr.preload, err = d.preloads(ctx, ds, v)
		}
		if err != nil {
			return nil, err
		}
		if findKeys[k] {
			dr.findKeys = append(dr.findKeys, k)
		}
		if loadKeys[k] {
			dr.loadKeys = append(dr.loadKeys, k)
		}
	}
	if dr.match != nil && (dr.min != nil || dr.max != nil) {
		return nil, ds.errorf("cannot define both match and min/max")
	}
	return dr, nil
}

func (d *Deserializer) preloads(ctx context.Context, ds *docState, v gjson.Result) ([]*Load, error) {
	var (
		out     []*Load
		missing []error
	)
	for _, item := range listOf(v) {
		var (
			dr  *draft
			err error
		)
		switch {
		case item.IsObject():
			dr, err = d.objectDraft(ctx, ds, item)
		case item.Type == gjson.String:
			dr, err = d.follow(ctx, ds, item.String())
		default:
			err = ds.errorf("preload: expected an object or a URI string, got %s", typeName(item))
		}
		if template.IsMissing(err) {
			missing = append(missing, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		inst, err := dr.finalize()
		if err != nil {
			return nil, err
		}
		if inst.Load == nil {
			return nil, ds.errorf("preload must be a load instruction")
		}
		out = append(out, inst.Load)
	}
	if m := template.JoinMissing(missing...); m != nil {
		return nil, m
	}
	return out, nil
}

func (ds *docState) refs(v gjson.Result) ([]Ref, error) {
	var out []Ref
	for _, item := range listOf(v) {
		switch {
		case item.IsObject():
			out = append(out, Ref{kind: RefInline, raw: item.Raw, doc: ds.text, base: ds.base})
		case item.Type == gjson.String && item.String() == SelfRef:
			out = append(out, Ref{kind: RefInline, raw: ds.text, doc: ds.text, base: ds.base})
		case item.Type == gjson.String:
			t, err := template.Compile(item.String())
			if err != nil {
				return nil, ds.wrap("then", err)
			}
			out = append(out, Ref{kind: RefURI, uri: t, base: ds.base})
		default:
			return nil, ds.errorf("then: expected an object or a URI string, got %s", typeName(item))
		}
	}
	return out, nil
}

func (ds *docState) tmpl(key string, v gjson.Result) (*template.Template, error) {
	if v.Type != gjson.String {
		return nil, ds.errorf("%s: expected a string, got %s", key, typeName(v))
	}
	t, err := template.Compile(v.String())
	if err != nil {
		return nil, ds.wrap(key, err)
	}
	return t, nil
}

func (ds *docState) templates(key string, v gjson.Result) ([]*template.Template, error) {
	var out []*template.Template
	for _, item := range listOf(v) {
		t, err := ds.tmpl(key, item)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (ds *docState) fieldMap(key string, v gjson.Result) ([]Field, error) {
	if !v.IsObject() {
		return nil, ds.errorf("%s: expected an object, got %s", key, typeName(v))
	}
	var (
		out []Field
		err error
	)
	v.ForEach(func(k, val gjson.Result) bool {
		switch val.Type {
		case gjson.String, gjson.Number, gjson.True, gjson.False:
		default:
			err = ds.errorf("%s.%s: expected a scalar, got %s", key, k.String(), typeName(val))
			return false
		}
		var t *template.Template
		t, err = template.Compile(val.String())
		if err != nil {
			err = ds.wrap(key+"."+k.String(), err)
			return false
		}
		out = mergeFields(out, []Field{{Name: k.String(), Value: t}})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (ds *docState) boolean(key string, v gjson.Result) (*bool, error) {
	var b bool
	switch v.Type {
	case gjson.True:
		b = true
	case gjson.False:
	case gjson.String:
		parsed, err := strconv.ParseBool(v.String())
		if err != nil {
			return nil, ds.errorf("%s: expected a boolean, got %q", key, v.String())
		}
		b = parsed
	default:
		return nil, ds.errorf("%s: expected a boolean, got %s", key, typeName(v))
	}
	return &b, nil
}

func (ds *docState) integer(key string, v gjson.Result) (*int, error) {
	var n int
	switch v.Type {
	case gjson.Number:
		if v.Num != float64(int(v.Num)) {
			return nil, ds.errorf("%s: expected an integer, got %s", key, v.Raw)
		}
		n = int(v.Num)
	case gjson.String:
		parsed, err := strconv.Atoi(strings.TrimSpace(v.String()))
		if err != nil {
			return nil, ds.errorf("%s: expected an integer, got %q", key, v.String())
		}
		n = parsed
	default:
		return nil, ds.errorf("%s: expected an integer, got %s", key, typeName(v))
	}
	return &n, nil
}

func (ds *docState) method(v gjson.Result) (string, error) {
	if v.Type != gjson.String {
		return "", ds.errorf("method: expected a string, got %s", typeName(v))
	}
	m := strings.ToUpper(strings.TrimSpace(v.String()))
	switch m {
	case "GET", "POST", "HEAD":
		return m, nil
	default:
		return "", ds.errorf("method: unsupported %q", v.String())
	}
}

func listOf(v gjson.Result) []gjson.Result {
	if v.IsArray() {
		return v.Array()
	}
	return []gjson.Result{v}
}

func typeName(v gjson.Result) string {
	switch {
	case v.IsObject():
		return "object"
	case v.IsArray():
		return "array"
	}
	switch v.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Null:
		return "null"
	default:
		return "nothing"
	}
}
