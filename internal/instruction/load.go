package instruction

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"scrapegraph/internal/httpclient"
	"scrapegraph/internal/template"
)

// Field is one ordered name/value template pair.
type Field struct {
	Name  string
	Value *template.Template
}

// Load fetches a templated URL.
type Load struct {
	URL *template.Template
	// Method is GET, POST or HEAD. Empty means POST when Posts or PostBody
	// is set and GET otherwise.
	Method   string
	Headers  []Field
	Cookies  []Field
	Posts    []Field
	PostBody *template.Template
	// Stop patterns end the body read early once one matches.
	Stop []*template.Template
	// Preload runs before this Load on every attempt. Results are discarded;
	// only the run's cookie jar carries their effect forward.
	Preload []*Load
}

// LoadResult is a successful Load.
type LoadResult struct {
	// Name is the substituted binding name, empty when the instruction has
	// none.
	Name       string
	URL        string
	Method     string
	StatusCode int
	Body       string
	// HasBody is false for HEAD.
	HasBody bool
	Cookies []*http.Cookie
}

// Value returns what a named Load binds: the body, or the final URL for HEAD.
func (r *LoadResult) Value() string {
	if !r.HasBody {
		return r.URL
	}
	return r.Body
}

// Requester performs HTTP exchanges. *httpclient.Client satisfies it.
type Requester interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// EffectiveMethod returns the method the Load will use.
func (l *Load) EffectiveMethod() string {
	if l.Method != "" {
		return strings.ToUpper(l.Method)
	}
	if len(l.Posts) > 0 || l.PostBody != nil {
		return httpclient.MethodPost
	}
	return httpclient.MethodGet
}

// Execute runs the preloads and then the Load itself.
//
// Errors:
//   - *template.MissingTagsError from any preload, or the union of tags
//     missing from this Load's own templates.
//   - *httpclient.TransportError for network failures and non-2xx statuses.
//   - *PatternError for stop patterns that do not compile.
func (l *Load) Execute(ctx context.Context, rq Requester, name *template.Template, lk template.Lookup) (*LoadResult, error) {
	seen := make(map[string]bool)
	for _, p := range l.Preload {
		if _, err := p.execute(ctx, rq, nil, lk, seen); err != nil {
			return nil, err
		}
	}
	return l.execute(ctx, rq, name, lk, nil)
}

// execute runs l. When seen is non-nil, l is a preload: its own preloads run
// first and an identical request already issued in this attempt is skipped.
func (l *Load) execute(ctx context.Context, rq Requester, name *template.Template, lk template.Lookup, seen map[string]bool) (*LoadResult, error) {
	if seen != nil {
		for _, p := range l.Preload {
			if _, err := p.execute(ctx, rq, nil, lk, seen); err != nil {
				return nil, err
			}
		}
	}

	req, resolvedName, err := l.build(name, lk)
	if err != nil {
		return nil, err
	}
	if seen != nil {
		key := requestKey(req)
		if seen[key] {
			return nil, nil
		}
		seen[key] = true
	}

	resp, err := rq.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return &LoadResult{
		Name:       resolvedName,
		URL:        resp.URL,
		Method:     req.Method,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		HasBody:    req.Method != httpclient.MethodHead,
		Cookies:    resp.Cookies,
	}, nil
}

func (l *Load) build(name *template.Template, lk template.Lookup) (httpclient.Request, string, error) {
	col := template.NewCollector(lk)
	req := httpclient.Request{Method: l.EffectiveMethod()}

	req.URL = col.Execute(l.URL)
	req.Headers = pairs(col, l.Headers, nil)
	req.Cookies = pairs(col, l.Cookies, template.QueryEscape)
	req.Form = pairs(col, l.Posts, nil)
	if l.PostBody != nil {
		req.Body = col.Execute(l.PostBody)
		req.HasBody = true
	}
	stops := make([]string, 0, len(l.Stop))
	for _, s := range l.Stop {
		stops = append(stops, col.Execute(s))
	}
	resolvedName := ""
	if name != nil {
		resolvedName = col.Execute(name)
	}
	if err := col.Err(); err != nil {
		return httpclient.Request{}, "", err
	}

	for _, s := range stops {
		re, err := regexp.Compile(s)
		if err != nil {
			return httpclient.Request{}, "", &PatternError{Pattern: s, Err: err}
		}
		req.Stop = append(req.Stop, re)
	}
	return req, resolvedName, nil
}

func pairs(col *template.Collector, fields []Field, enc template.Encoder) []httpclient.Pair {
	if len(fields) == 0 {
		return nil
	}
	out := make([]httpclient.Pair, 0, len(fields))
	for _, f := range fields {
		var v string
		if enc != nil {
			v = col.ExecuteEncoded(f.Value, enc)
		} else {
			v = col.Execute(f.Value)
		}
		out = append(out, httpclient.Pair{Name: f.Name, Value: v})
	}
	return out
}

func requestKey(req httpclient.Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URL)
	for _, p := range req.Form {
		b.WriteByte('\x00')
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	if req.HasBody {
		b.WriteByte('\x00')
		b.WriteString(req.Body)
	}
	return b.String()
}
