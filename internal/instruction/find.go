package instruction

import (
	"regexp"
	"strings"

	"scrapegraph/internal/template"
)

// Find matches a templated regular expression against a source string.
type Find struct {
	Pattern *template.Template
	// Replace is expanded per match; $0 is the whole match and $1.. or
	// ${name} are groups.
	Replace         *template.Template
	CaseInsensitive bool
	Multiline       bool
	DotMatchesAll   bool
	// Min and Max bound the selected matches. Negative values count from
	// the end, so [0, -1] selects every match.
	Min int
	Max int
}

// FindResult is a successful Find: one binding name and the selected values.
type FindResult struct {
	Name   string
	Values []string
}

var defaultReplace = template.MustCompile("$0")

// Execute runs f over source.
//
// name may be nil, in which case the substituted pattern names the result.
//
// Errors:
//   - *template.MissingTagsError with the union of tags missing from name,
//     pattern and replacement. Nothing is matched in that case.
//   - *template.SyntaxError, *PatternError: permanent.
//   - *NoMatchesError when the window selects nothing.
func (f *Find) Execute(source string, name *template.Template, l template.Lookup) (*FindResult, error) {
	col := template.NewCollector(l)
	pattern := col.Execute(f.Pattern)
	repl := f.Replace
	if repl == nil {
		repl = defaultReplace
	}
	replace := col.Execute(repl)
	resolvedName := pattern
	if name != nil {
		resolvedName = col.Execute(name)
	}
	if err := col.Err(); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(f.flags() + pattern)
	if err != nil {
		return nil, &PatternError{Pattern: pattern, Err: err}
	}

	all := re.FindAllStringSubmatchIndex(source, -1)
	lo, hi, ok := window(f.Min, f.Max, len(all))
	if !ok {
		return nil, &NoMatchesError{Pattern: pattern, Min: f.Min, Max: f.Max, Matches: len(all), Source: source}
	}

	values := make([]string, 0, hi-lo+1)
	for _, m := range all[lo : hi+1] {
		values = append(values, string(re.ExpandString(nil, replace, source, m)))
	}
	return &FindResult{Name: resolvedName, Values: values}, nil
}

func (f *Find) flags() string {
	var b strings.Builder
	if f.CaseInsensitive {
		b.WriteByte('i')
	}
	if f.Multiline {
		b.WriteByte('m')
	}
	if f.DotMatchesAll {
		b.WriteByte('s')
	}
	if b.Len() == 0 {
		return ""
	}
	return "(?" + b.String() + ")"
}

// window resolves [min, max] against n matches into inclusive slice bounds.
func window(min, max, n int) (lo, hi int, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if min < 0 {
		min += n
	}
	if max < 0 {
		max += n
	}
	if min < 0 {
		min = 0
	}
	if max > n-1 {
		max = n - 1
	}
	if max < 0 || min > max {
		return 0, 0, false
	}
	return min, max, true
}
