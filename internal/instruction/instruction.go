// Package instruction holds the immutable instruction graph of a scrape: Find
// and Load actions, their child references, and the deserializer that builds
// them lazily from JSON documents.
package instruction

import (
	"fmt"

	"scrapegraph/internal/template"
)

// Kinds reported by Instruction.Kind.
const (
	KindFind = "find"
	KindLoad = "load"
)

// Instruction is one node of the graph. It carries exactly one of Find or
// Load. Instructions are immutable once built and shared across every
// executable that runs them.
type Instruction struct {
	// Name is the binding name. Find instructions default it to their pattern.
	Name *template.Template
	Find *Find
	Load *Load
	Then []Ref
	// Location is the URI of the document the instruction came from. Empty
	// for documents passed inline without a base.
	Location string
}

// Kind returns KindFind or KindLoad.
func (i *Instruction) Kind() string {
	if i.Find != nil {
		return KindFind
	}
	return KindLoad
}

// RefKind discriminates Ref.
type RefKind int

const (
	// RefInline is a JSON object embedded in a parent document.
	RefInline RefKind = iota
	// RefURI is a templated URI to load once its tags resolve.
	RefURI
)

// Ref is a promise of an Instruction. It is resolved by a Deserializer only
// when an executable first reaches it with a concrete scope.
type Ref struct {
	kind RefKind
	// raw is the inline object text.
	raw string
	// doc is the full text of the document raw was taken from; "$this"
	// inside raw re-runs it.
	doc string
	uri *template.Template
	// base is the location relative URIs resolve against.
	base string
}

// InlineRef returns a Ref to the instruction document text found at base.
func InlineRef(text, base string) Ref {
	return Ref{kind: RefInline, raw: text, doc: text, base: base}
}

// URIRef returns a Ref that loads uri, resolved against base after tag
// substitution.
func URIRef(uri, base string) (Ref, error) {
	t, err := template.Compile(uri)
	if err != nil {
		return Ref{}, err
	}
	return Ref{kind: RefURI, uri: t, base: base}, nil
}

// Kind reports how the ref resolves.
func (r Ref) Kind() RefKind { return r.kind }

// Base returns the location the ref was declared at.
func (r Ref) Base() string { return r.base }

// String describes the ref for logs.
func (r Ref) String() string {
	switch r.kind {
	case RefURI:
		return r.uri.String()
	default:
		if r.base != "" {
			return fmt.Sprintf("inline@%s", r.base)
		}
		return "inline"
	}
}
