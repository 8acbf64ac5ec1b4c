package instruction

import (
	"fmt"
	"strings"
)

// DeserializationError reports a malformed instruction document.
type DeserializationError struct {
	Location string
	Msg      string
	Err      error
}

func (e *DeserializationError) Error() string {
	var b strings.Builder
	b.WriteString("instruction")
	if e.Location != "" {
		b.WriteString(" ")
		b.WriteString(e.Location)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// NoMatchesError reports a Find whose window selected nothing.
type NoMatchesError struct {
	Pattern string
	Min     int
	Max     int
	// Matches is the number of raw matches before windowing.
	Matches int
	Source  string
}

func (e *NoMatchesError) Error() string {
	return fmt.Sprintf("find %q: no matches in window [%d, %d] (%d raw) of %q",
		e.Pattern, e.Min, e.Max, e.Matches, snippet(e.Source, 200))
}

// PatternError reports a substituted pattern that failed to compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("compile pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
