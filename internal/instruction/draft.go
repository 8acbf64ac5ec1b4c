package instruction

import (
	"scrapegraph/internal/template"
)

// draft is an instruction under construction. Nil fields are unset, so that
// merging an extends chain can tell "absent" from "zero".
type draft struct {
	// loc is the location of the document the draft's own keys came from.
	loc string

	find, load, name *template.Template
	then             []Ref

	replace                            *template.Template
	caseInsensitive, multiline, dotAll *bool
	min, max, match                    *int

	method                  string
	headers, cookies, posts []Field
	postBody                *template.Template
	stop                    []*template.Template
	preload                 []*Load

	findKeys, loadKeys []string
}

// merge layers o over d. Scalars in o win, lists concatenate after d's, and
// field maps merge by name with o's entries winning.
func (d *draft) merge(o *draft) {
	if o.find != nil {
		d.find = o.find
	}
	if o.load != nil {
		d.load = o.load
	}
	if o.name != nil {
		d.name = o.name
	}
	if o.replace != nil {
		d.replace = o.replace
	}
	if o.caseInsensitive != nil {
		d.caseInsensitive = o.caseInsensitive
	}
	if o.multiline != nil {
		d.multiline = o.multiline
	}
	if o.dotAll != nil {
		d.dotAll = o.dotAll
	}
	if o.match != nil {
		d.match, d.min, d.max = o.match, nil, nil
	}
	if o.min != nil || o.max != nil {
		d.match = nil
	}
	if o.min != nil {
		d.min = o.min
	}
	if o.max != nil {
		d.max = o.max
	}
	if o.method != "" {
		d.method = o.method
	}
	if o.postBody != nil {
		d.postBody = o.postBody
	}
	d.headers = mergeFields(d.headers, o.headers)
	d.cookies = mergeFields(d.cookies, o.cookies)
	d.posts = mergeFields(d.posts, o.posts)
	d.stop = append(d.stop, o.stop...)
	d.preload = append(d.preload, o.preload...)
	d.then = append(d.then, o.then...)
	d.findKeys = append(d.findKeys, o.findKeys...)
	d.loadKeys = append(d.loadKeys, o.loadKeys...)
}

func mergeFields(base, over []Field) []Field {
	if len(over) == 0 {
		return base
	}
	out := append([]Field(nil), base...)
	for _, f := range over {
		replaced := false
		for i := range out {
			if out[i].Name == f.Name {
				out[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}

// finalize validates the merged draft and builds the Instruction.
func (d *draft) finalize() (*Instruction, error) {
	loc := d.loc
	fail := func(format string, args ...any) error {
		return (&docState{base: loc}).errorf(format, args...)
	}

	switch {
	case d.find != nil && d.load != nil:
		return nil, fail("cannot define both find and load")
	case d.find == nil && d.load == nil:
		return nil, fail("must define find or load")
	}

	inst := &Instruction{Name: d.name, Then: d.then, Location: loc}
	if d.find != nil {
		if len(d.loadKeys) > 0 {
			return nil, fail("key %q is only valid on load instructions", d.loadKeys[0])
		}
		f := &Find{
			Pattern:         d.find,
			Replace:         d.replace,
			CaseInsensitive: deref(d.caseInsensitive, false),
			Multiline:       deref(d.multiline, false),
			DotMatchesAll:   deref(d.dotAll, true),
			Min:             0,
			Max:             -1,
		}
		if d.match != nil {
			f.Min, f.Max = *d.match, *d.match
		}
		if d.min != nil {
			f.Min = *d.min
		}
		if d.max != nil {
			f.Max = *d.max
		}
		if (f.Min >= 0) == (f.Max >= 0) && f.Min > f.Max {
			return nil, fail("min %d is greater than max %d", f.Min, f.Max)
		}
		if inst.Name == nil {
			inst.Name = d.find
		}
		inst.Find = f
		return inst, nil
	}

	if len(d.findKeys) > 0 {
		return nil, fail("key %q is only valid on find instructions", d.findKeys[0])
	}
	if len(d.posts) > 0 && d.postBody != nil {
		return nil, fail("posts: cannot define both fields and a raw body")
	}
	inst.Load = &Load{
		URL:      d.load,
		Method:   d.method,
		Headers:  d.headers,
		Cookies:  d.cookies,
		Posts:    d.posts,
		PostBody: d.postBody,
		Stop:     d.stop,
		Preload:  d.preload,
	}
	return inst, nil
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
