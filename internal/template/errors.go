package template

import (
	"errors"
	"fmt"
	"strings"
)

// SyntaxError reports an open tag with no matching close tag.
type SyntaxError struct {
	Text   string
	Offset int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template: unterminated %q at offset %d in %q", openTag, e.Offset, e.Text)
}

// MissingTagsError lists every tag name a substitution could not resolve.
// Tags is sorted and free of duplicates.
type MissingTagsError struct {
	Tags []string
}

func (e *MissingTagsError) Error() string {
	return "template: missing tags: " + strings.Join(e.Tags, ", ")
}

// IsMissing reports whether err carries a *MissingTagsError.
func IsMissing(err error) bool {
	var m *MissingTagsError
	return errors.As(err, &m)
}

// MissingTags returns the tag names carried by err, or nil.
func MissingTags(err error) []string {
	var m *MissingTagsError
	if errors.As(err, &m) {
		return m.Tags
	}
	return nil
}

// JoinMissing merges the tags of every *MissingTagsError in errs. It returns
// nil when none of errs carries missing tags.
func JoinMissing(errs ...error) *MissingTagsError {
	var names []string
	for _, err := range errs {
		names = append(names, MissingTags(err)...)
	}
	if len(names) == 0 {
		return nil
	}
	return newMissing(names)
}

// Collector executes a series of templates against one Lookup and
// accumulates their outcome, so callers can report the union of missing tags
// across all of them.
//
// The first non-missing error wins and stops further lookups.
type Collector struct {
	Lookup Lookup

	missing []string
	err     error
}

// NewCollector returns a Collector reading from l.
func NewCollector(l Lookup) *Collector { return &Collector{Lookup: l} }

// Execute substitutes t. It returns "" when t is nil or substitution failed.
func (c *Collector) Execute(t *Template) string { return c.exec(t, nil) }

// ExecuteEncoded substitutes t with enc applied to each value.
func (c *Collector) ExecuteEncoded(t *Template, enc Encoder) string { return c.exec(t, enc) }

func (c *Collector) exec(t *Template, enc Encoder) string {
	if t == nil || c.err != nil {
		return ""
	}
	out, err := t.execute(c.Lookup, enc)
	if err == nil {
		return out
	}
	var m *MissingTagsError
	if errors.As(err, &m) {
		c.missing = append(c.missing, m.Tags...)
		return ""
	}
	c.err = err
	return ""
}

// Add records err as if it came from a template execution.
func (c *Collector) Add(err error) {
	if err == nil || c.err != nil {
		return
	}
	var m *MissingTagsError
	if errors.As(err, &m) {
		c.missing = append(c.missing, m.Tags...)
		return
	}
	c.err = err
}

// Err returns the first hard error, otherwise a *MissingTagsError with the
// union of missing tags, otherwise nil.
func (c *Collector) Err() error {
	if c.err != nil {
		return c.err
	}
	if len(c.missing) > 0 {
		return newMissing(c.missing)
	}
	return nil
}
