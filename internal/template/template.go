// Package template compiles and substitutes {{tag}} placeholders.
//
// A Template is compiled once and executed many times against a Lookup. Each
// execution checks every tag, so a failed substitution reports the complete
// set of unresolved names rather than only the first one.
//
// Errors:
//   - *SyntaxError: an open tag without a matching close tag. Permanent.
//   - *MissingTagsError: one or more tags were unbound in the lookup.
//   - Any other error is a lookup failure and is returned unchanged.
package template

import (
	"net/url"
	"sort"
	"strings"
)

const (
	openTag  = "{{"
	closeTag = "}}"
)

// Lookup resolves tag names during substitution.
//
// ok=false means the name is unbound, which is not an error. err is reserved
// for failures of the underlying store.
type Lookup interface {
	Lookup(name string) (value string, ok bool, err error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(name string) (string, bool, error)

// Lookup implements Lookup.
func (f LookupFunc) Lookup(name string) (string, bool, error) { return f(name) }

// MapLookup is a static Lookup backed by a map.
type MapLookup map[string]string

// Lookup implements Lookup.
func (m MapLookup) Lookup(name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}

// Encoder transforms a substituted value before it is spliced into the text.
type Encoder func(string) string

// QueryEscape is the Encoder used for URIs and form-encoded fields.
var QueryEscape Encoder = url.QueryEscape

type part struct {
	text  string
	isTag bool
}

// Template is an immutable compiled template. It is safe for concurrent use.
type Template struct {
	raw   string
	parts []part
}

// Compile parses text into a Template.
//
// Edge cases:
//   - Text with no tags compiles to a static template that always succeeds.
//   - A stray close tag without an open tag is literal text.
//   - An empty tag name "{{}}" is kept and will be reported as missing unless
//     the lookup defines "".
func Compile(text string) (*Template, error) {
	t := &Template{raw: text}

	rest := text
	offset := 0
	for {
		i := strings.Index(rest, openTag)
		if i < 0 {
			if rest != "" {
				t.parts = append(t.parts, part{text: rest})
			}
			return t, nil
		}
		if i > 0 {
			t.parts = append(t.parts, part{text: rest[:i]})
		}

		after := rest[i+len(openTag):]
		j := strings.Index(after, closeTag)
		if j < 0 {
			return nil, &SyntaxError{Text: text, Offset: offset + i}
		}
		t.parts = append(t.parts, part{text: after[:j], isTag: true})

		consumed := i + len(openTag) + j + len(closeTag)
		rest = rest[consumed:]
		offset += consumed
	}
}

// MustCompile is like Compile but panics on a syntax error.
func MustCompile(text string) *Template {
	t, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the uncompiled text.
func (t *Template) String() string { return t.raw }

// IsStatic reports whether the template contains no tags.
func (t *Template) IsStatic() bool {
	for _, p := range t.parts {
		if p.isTag {
			return false
		}
	}
	return true
}

// IsSingleTag reports whether the template is exactly one tag with no
// literal text around it.
func (t *Template) IsSingleTag() bool {
	return len(t.parts) == 1 && t.parts[0].isTag
}

// Tags returns the distinct tag names in order of first appearance.
func (t *Template) Tags() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range t.parts {
		if !p.isTag {
			continue
		}
		if _, ok := seen[p.text]; ok {
			continue
		}
		seen[p.text] = struct{}{}
		out = append(out, p.text)
	}
	return out
}

// Execute substitutes every tag from l.
func (t *Template) Execute(l Lookup) (string, error) {
	return t.execute(l, nil)
}

// ExecuteEncoded substitutes every tag from l, passing each value through enc.
// Literal text is never encoded.
func (t *Template) ExecuteEncoded(l Lookup, enc Encoder) (string, error) {
	return t.execute(l, enc)
}

func (t *Template) execute(l Lookup, enc Encoder) (string, error) {
	var b strings.Builder
	b.Grow(len(t.raw))

	var missing []string
	for _, p := range t.parts {
		if !p.isTag {
			b.WriteString(p.text)
			continue
		}
		v, ok, err := l.Lookup(p.text)
		if err != nil {
			return "", err
		}
		if !ok {
			missing = append(missing, p.text)
			continue
		}
		if enc != nil {
			v = enc(v)
		}
		b.WriteString(v)
	}

	if len(missing) > 0 {
		return "", newMissing(missing)
	}
	return b.String(), nil
}

// Substitute compiles and executes text in one step.
func Substitute(text string, l Lookup) (string, error) {
	t, err := Compile(text)
	if err != nil {
		return "", err
	}
	return t.Execute(l)
}

// SubstituteEncoded compiles and executes text, encoding each value with enc.
func SubstituteEncoded(text string, l Lookup, enc Encoder) (string, error) {
	t, err := Compile(text)
	if err != nil {
		return "", err
	}
	return t.ExecuteEncoded(l, enc)
}

func newMissing(names []string) *MissingTagsError {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return &MissingTagsError{Tags: out}
}
