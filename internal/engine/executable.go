package engine

import (
	"context"
	"errors"
	"fmt"

	"scrapegraph/internal/instruction"
	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"
	"scrapegraph/internal/template"
)

// Resolver turns instruction refs into instructions for one scope.
// *instruction.Deserializer satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, ref instruction.Ref, scopeKey string, lk template.Lookup) (*instruction.Instruction, error)
}

// Executable is one instruction ref bound to a scope and a source text.
//
// Concurrency:
//   - An Executable is attempted by at most one goroutine at a time. The
//     scheduler guarantees this; callers of Resume must not share one
//     Executable between concurrent runs.
type Executable struct {
	// ID is assigned by the scheduler, unique within it and increasing.
	ID    int64
	Ref   instruction.Ref
	Scope scope.ID
	// Source is what a Find searches: the body of the parent Load or the
	// value of the parent Find. Empty for the root.
	Source string
	// Parent is the ID of the executable that produced this one, -1 for the
	// root.
	Parent int64

	status  Status
	inst    *instruction.Instruction
	missing []string
	err     error
	result  *Result
	// requester is the run's session, inherited by children. Nil means the
	// scheduler's requester.
	requester instruction.Requester
}

// Result is what a successful attempt produced.
type Result struct {
	// Name is the binding name, empty for an unnamed Load.
	Name   string
	Values []string
	// Branches pairs every scope the children run in with their source.
	Branches []Branch
	// Children were created from the instruction's then refs.
	Children []*Executable
}

// Branch is one scope a successful executable hands to its children.
type Branch struct {
	Scope  scope.ID
	Source string
}

// Status returns the outcome of the last attempt, Pending before the first.
func (e *Executable) Status() Status { return e.status }

// Err returns the error of the last Failed or Fatal attempt.
func (e *Executable) Err() error { return e.err }

// Missing returns the tags the last MissingVariables attempt lacked.
func (e *Executable) Missing() []string { return e.missing }

// Result returns the cached result after Success, nil otherwise.
func (e *Executable) Result() *Result { return e.result }

// Instruction returns the resolved instruction, nil until the ref resolved.
func (e *Executable) Instruction() *instruction.Instruction { return e.inst }

// Kind returns the resolved instruction kind, or "unresolved".
func (e *Executable) Kind() string {
	if e.inst == nil {
		return "unresolved"
	}
	return e.inst.Kind()
}

func (e *Executable) String() string {
	return fmt.Sprintf("#%d %s@%s", e.ID, e.Ref, e.Scope)
}

// env is what an attempt needs from the scheduler.
type env struct {
	store     scope.Store
	resolver  Resolver
	requester instruction.Requester
	sink      sink.Sink
	newID     func() int64
}

// attempt runs e once. After Success it returns the cached result without
// touching the store, the sink or the network again.
func (e *Executable) attempt(ctx context.Context, env *env) (Status, *Result) {
	if e.status == Success {
		return Success, e.result
	}

	view := scope.NewView(ctx, env.store, e.Scope)
	inst, err := env.resolver.Resolve(ctx, e.Ref, string(e.Scope), view)
	if err != nil {
		return e.fail(ctx, err), nil
	}
	e.inst = inst

	var res *Result
	switch {
	case inst.Find != nil:
		res, err = e.find(ctx, env, inst, view)
	case inst.Load != nil:
		res, err = e.load(ctx, env, inst, view)
	default:
		err = fmt.Errorf("instruction %s has no action", inst.Location)
	}
	if err != nil {
		return e.fail(ctx, err), nil
	}

	for _, b := range res.Branches {
		for _, ref := range inst.Then {
			res.Children = append(res.Children, &Executable{
				ID:     env.newID(),
				Ref:    ref,
				Scope:  b.Scope,
				Source: b.Source,
				Parent: e.ID,

				requester: e.requester,
			})
		}
	}

	e.status, e.result, e.missing, e.err = Success, res, nil, nil
	return Success, res
}

func (e *Executable) find(ctx context.Context, env *env, inst *instruction.Instruction, view template.Lookup) (*Result, error) {
	fr, err := inst.Find.Execute(e.Source, inst.Name, view)
	if err != nil {
		return nil, err
	}
	res := &Result{Name: fr.Name, Values: fr.Values}

	if len(fr.Values) == 1 {
		if err := e.bind(ctx, env, e.Scope, fr.Name, fr.Values[0]); err != nil {
			return nil, err
		}
		res.Branches = []Branch{{Scope: e.Scope, Source: fr.Values[0]}}
		return res, nil
	}

	res.Branches = make([]Branch, 0, len(fr.Values))
	for _, v := range fr.Values {
		child, err := env.store.Branch(ctx, e.Scope)
		if err != nil {
			return nil, &FatalError{Executable: e.ID, Err: fmt.Errorf("branch %s: %w", e.Scope, err)}
		}
		if err := env.sink.OnNewScope(ctx, e.Scope, child, fr.Name); err != nil {
			return nil, &FatalError{Executable: e.ID, Err: fmt.Errorf("sink new scope %s: %w", child, err)}
		}
		if err := e.bind(ctx, env, child, fr.Name, v); err != nil {
			return nil, err
		}
		res.Branches = append(res.Branches, Branch{Scope: child, Source: v})
	}
	return res, nil
}

func (e *Executable) load(ctx context.Context, env *env, inst *instruction.Instruction, view template.Lookup) (*Result, error) {
	rq := e.requester
	if rq == nil {
		rq = env.requester
	}
	lr, err := inst.Load.Execute(ctx, rq, inst.Name, view)
	if err != nil {
		return nil, err
	}
	res := &Result{Name: lr.Name, Branches: []Branch{{Scope: e.Scope, Source: lr.Value()}}}
	if lr.Name != "" {
		res.Values = []string{lr.Value()}
		if err := e.bind(ctx, env, e.Scope, lr.Name, lr.Value()); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (e *Executable) bind(ctx context.Context, env *env, sc scope.ID, name, value string) error {
	if err := env.store.Put(ctx, sc, name, value); err != nil {
		return &FatalError{Executable: e.ID, Err: fmt.Errorf("put %s/%s: %w", sc, name, err)}
	}
	if err := env.sink.OnBinding(ctx, sc, name, value); err != nil {
		return &FatalError{Executable: e.ID, Err: fmt.Errorf("sink binding %s/%s: %w", sc, name, err)}
	}
	return nil
}

// fail classifies err and records it on e.
func (e *Executable) fail(ctx context.Context, err error) Status {
	e.missing, e.err = nil, nil

	var fe *FatalError
	var se *scope.StoreError
	switch {
	case ctx.Err() != nil:
		e.status, e.err = Fatal, &FatalError{Executable: e.ID, Err: ctx.Err()}
	case errors.As(err, &fe):
		e.status, e.err = Fatal, fe
	case errors.As(err, &se):
		e.status, e.err = Fatal, &FatalError{Executable: e.ID, Err: err}
	case template.IsMissing(err):
		e.status, e.missing = MissingVariables, template.MissingTags(err)
	default:
		e.status, e.err = Failed, err
	}
	return e.status
}
