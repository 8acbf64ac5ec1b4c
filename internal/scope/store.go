// Package scope implements the hierarchical binding store used by a scrape
// run.
//
// A scope is a node in a tree. Lookups walk from a scope up through its
// ancestors and return the first binding found, so sibling scopes created by
// Branch share their common ancestors but never see each other's bindings.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ID identifies a scope. IDs are globally unique.
type ID string

// NewID returns a fresh random scope ID.
func NewID() ID { return ID(uuid.NewString()) }

func (id ID) String() string { return string(id) }

// ErrUnknownScope is returned when an operation names a scope the store has
// never created.
var ErrUnknownScope = errors.New("scope: unknown scope")

// Store is the binding store contract.
//
// Concurrency:
//   - Implementations must be safe for concurrent use.
//   - Each operation is atomic on its own; Put followed by Get on the same
//     scope must observe the write.
//
// Errors:
//   - Absence of a binding is reported with ok=false, never as an error.
//   - Any returned error means the store itself failed.
type Store interface {
	// Root creates a scope with no parent.
	Root(ctx context.Context) (ID, error)
	// Branch creates a child of parent.
	Branch(ctx context.Context, parent ID) (ID, error)
	// Parent returns the parent of id. ok=false for root scopes.
	Parent(ctx context.Context, id ID) (parent ID, ok bool, err error)
	// Get resolves name in id or the nearest ancestor defining it.
	Get(ctx context.Context, id ID, name string) (value string, ok bool, err error)
	// Put binds name to value in id, overwriting a prior value in id only.
	Put(ctx context.Context, id ID, name, value string) error
}

// StoreError wraps a failure of the underlying store surfaced during template
// lookups.
type StoreError struct {
	Scope ID
	Name  string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("scope %s: lookup %q: %v", e.Scope, e.Name, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// View binds a Store and a scope into a name lookup. It satisfies
// template.Lookup.
type View struct {
	ctx   context.Context
	store Store
	id    ID
}

// NewView returns a lookup over id in s.
func NewView(ctx context.Context, s Store, id ID) *View {
	return &View{ctx: ctx, store: s, id: id}
}

// Lookup resolves name through the scope chain.
func (v *View) Lookup(name string) (string, bool, error) {
	val, ok, err := v.store.Get(v.ctx, v.id, name)
	if err != nil {
		return "", false, &StoreError{Scope: v.id, Name: name, Err: err}
	}
	return val, ok, nil
}

// Scope returns the scope the view reads from.
func (v *View) Scope() ID { return v.id }

// Seed creates a root scope in s and binds every entry of vars into it, in
// name order.
func Seed(ctx context.Context, s Store, vars map[string]string) (ID, error) {
	id, err := s.Root(ctx)
	if err != nil {
		return "", err
	}
	for _, k := range SortedNames(vars) {
		if err := s.Put(ctx, id, k, vars[k]); err != nil {
			return "", err
		}
	}
	return id, nil
}

// SortedNames returns the keys of vars in ascending order.
func SortedNames(vars map[string]string) []string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Ancestors returns id followed by its ancestors up to the root.
func Ancestors(ctx context.Context, s Store, id ID) ([]ID, error) {
	out := []ID{id}
	cur := id
	for {
		p, ok, err := s.Parent(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, p)
		cur = p
	}
}
