// Package engine runs instruction graphs to a fixpoint.
//
// A run is a FIFO queue of Executables. Each one is attempted; success
// enqueues its children, missing variables requeue it at the back, and
// failures are dropped and counted. The run stops when the queue drains or
// when every entry left has come back with missing variables since the last
// success. Those entries are reported as stuck and can be resubmitted with
// Resume once the bindings they need exist.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"scrapegraph/internal/instruction"
	"scrapegraph/internal/logger"
	"scrapegraph/internal/metrics"
	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"
)

var tracer = otel.Tracer("scrapegraph/engine")

// Options configures a Scheduler.
type Options struct {
	// Workers is how many queue heads are attempted at once. Values below 1
	// mean 1.
	Workers int
	Sink    sink.Sink
	Logger  logger.Logger
	// Sessions, when set, gives every Start a requester of its own. Cookies
	// then stay within one run, and Resume continues the run's session.
	Sessions func() (instruction.Requester, error)
}

// Report summarizes one run or resume.
type Report struct {
	// Scope is the root scope of the run.
	Scope scope.ID
	// Succeeded counts successful executables that produced no children.
	Succeeded int
	Stuck     int
	Failed    int
	// StuckExecutables can be passed to Resume.
	StuckExecutables []*Executable
	Failures         []Failure
	// Attempts counts every attempt, including requeued ones.
	Attempts int
}

// Complete reports whether nothing was left stuck or failed.
func (r *Report) Complete() bool { return r.Stuck == 0 && r.Failed == 0 }

// Summary returns the counts handed to sinks.
func (r *Report) Summary() sink.Summary {
	return sink.Summary{Succeeded: r.Succeeded, Stuck: r.Stuck, Failed: r.Failed}
}

// Scheduler is safe for concurrent use; every Start or Resume is an
// independent run sharing the store, sink and id sequence.
type Scheduler struct {
	store     scope.Store
	resolver  Resolver
	requester instruction.Requester
	sessions  func() (instruction.Requester, error)
	sink      sink.Sink
	workers   int
	log       logger.Logger
	ids       atomic.Int64
}

// New returns a Scheduler. A nil sink discards events; a nil logger is a
// no-op.
func New(store scope.Store, resolver Resolver, requester instruction.Requester, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	sk := opts.Sink
	if sk == nil {
		sk = sink.Nop{}
	}
	return &Scheduler{
		store:     store,
		resolver:  resolver,
		requester: requester,
		sessions:  opts.Sessions,
		sink:      sk,
		workers:   opts.Workers,
		log:       logger.OrNop(opts.Logger),
	}
}

func (s *Scheduler) newID() int64 { return s.ids.Add(1) - 1 }

// Start seeds a fresh root scope with bindings and runs root in it.
//
// Errors:
//   - *FatalError when the store, the sink, the session or ctx fails. The
//     returned report then holds what was observed before the abort.
func (s *Scheduler) Start(ctx context.Context, root instruction.Ref, bindings map[string]string) (*Report, error) {
	rq := s.requester
	if s.sessions != nil {
		var err error
		if rq, err = s.sessions(); err != nil {
			return nil, &FatalError{Executable: -1, Err: fmt.Errorf("new session: %w", err)}
		}
	}

	id, err := scope.Seed(ctx, s.store, bindings)
	if err != nil {
		return nil, &FatalError{Executable: -1, Err: err}
	}
	if err := s.sink.OnNewScope(ctx, "", id, ""); err != nil {
		return nil, &FatalError{Executable: -1, Err: err}
	}
	for _, name := range scope.SortedNames(bindings) {
		if err := s.sink.OnBinding(ctx, id, name, bindings[name]); err != nil {
			return nil, &FatalError{Executable: -1, Err: err}
		}
	}

	ex := &Executable{ID: s.newID(), Ref: root, Scope: id, Parent: -1, requester: rq}
	s.log.Info("run started",
		logger.String("scope", string(id)),
		logger.String("instruction", root.String()),
		logger.Int("bindings", len(bindings)),
	)
	return s.run(ctx, id, []*Executable{ex})
}

// Resume resubmits stuck executables of the run rooted at root. Executables
// that already succeeded are skipped without being attempted.
func (s *Scheduler) Resume(ctx context.Context, root scope.ID, stuck []*Executable) (*Report, error) {
	queue := make([]*Executable, 0, len(stuck))
	for _, ex := range stuck {
		if ex.Status() == Success {
			continue
		}
		queue = append(queue, ex)
	}
	s.log.Info("run resumed",
		logger.String("scope", string(root)),
		logger.Int("executables", len(queue)),
	)
	return s.run(ctx, root, queue)
}

func (s *Scheduler) run(ctx context.Context, root scope.ID, queue []*Executable) (*Report, error) {
	start := time.Now()
	rep := &Report{Scope: root}
	e := &env{
		store:     s.store,
		resolver:  s.resolver,
		requester: s.requester,
		sink:      s.sink,
		newID:     s.newID,
	}

	// stall counts MissingVariables outcomes since the last success.
	stall := 0
	for len(queue) > 0 {
		if stall > 0 && stall >= len(queue) {
			break
		}
		if err := ctx.Err(); err != nil {
			return s.abort(rep, &FatalError{Executable: -1, Err: err}, start)
		}

		n := min(s.workers, len(queue))
		batch := append([]*Executable(nil), queue[:n]...)
		queue = queue[n:]

		statuses, results := s.attemptBatch(ctx, e, batch)
		progressed := false
		for i, ex := range batch {
			rep.Attempts++
			switch statuses[i] {
			case Success:
				progressed = true
				stall = 0
				if len(results[i].Children) == 0 {
					rep.Succeeded++
				}
				queue = append(queue, results[i].Children...)
			case MissingVariables:
				stall++
				queue = append(queue, ex)
			case Failed:
				rep.Failed++
				rep.Failures = append(rep.Failures, Failure{Executable: ex, Err: ex.Err()})
			case Fatal:
				return s.abort(rep, ex.Err(), start)
			}
		}
		// Attempts in a batch run concurrently, so a missing outcome may not
		// have seen a sibling's writes.
		if progressed {
			stall = 0
		}
	}

	rep.StuckExecutables = queue
	rep.Stuck = len(queue)

	if err := s.sink.OnRunComplete(ctx, root, rep.Summary()); err != nil {
		return s.abort(rep, &FatalError{Executable: -1, Err: err}, start)
	}

	status := "complete"
	if !rep.Complete() {
		status = "incomplete"
	}
	metrics.RecordRun(status, rep.Succeeded, rep.Stuck, rep.Failed)
	s.logOutcome(rep, time.Since(start))
	return rep, nil
}

func (s *Scheduler) abort(rep *Report, err error, start time.Time) (*Report, error) {
	metrics.RecordRun("fatal", rep.Succeeded, rep.Stuck, rep.Failed)
	s.log.Error("run aborted",
		logger.String("scope", string(rep.Scope)),
		logger.Int("attempts", rep.Attempts),
		logger.Duration("duration", time.Since(start)),
		logger.Error(err),
	)
	return rep, err
}

// attemptBatch attempts each executable of batch, concurrently when there
// is more than one. Results are indexed like batch.
func (s *Scheduler) attemptBatch(ctx context.Context, e *env, batch []*Executable) ([]Status, []*Result) {
	statuses := make([]Status, len(batch))
	results := make([]*Result, len(batch))
	if len(batch) == 1 {
		statuses[0], results[0] = s.attempt(ctx, e, batch[0])
		return statuses, results
	}

	var wg sync.WaitGroup
	wg.Add(len(batch))
	for i, ex := range batch {
		go func(i int, ex *Executable) {
			defer wg.Done()
			statuses[i], results[i] = s.attempt(ctx, e, ex)
		}(i, ex)
	}
	wg.Wait()
	return statuses, results
}

func (s *Scheduler) attempt(ctx context.Context, e *env, ex *Executable) (Status, *Result) {
	ctx, span := tracer.Start(ctx, "engine.attempt")
	defer span.End()

	start := time.Now()
	st, res := ex.attempt(ctx, e)
	dur := time.Since(start)

	span.SetAttributes(
		attribute.Int64("executable.id", ex.ID),
		attribute.String("executable.scope", string(ex.Scope)),
		attribute.String("executable.kind", ex.Kind()),
		attribute.String("executable.status", st.String()),
	)
	if st == Failed || st == Fatal {
		span.RecordError(ex.Err())
		span.SetStatus(codes.Error, st.String())
	}
	metrics.RecordExecutable(ex.Kind(), st.String(), dur)

	s.log.Debug("executable attempted",
		logger.Int64("executable_id", ex.ID),
		logger.String("instruction", ex.Ref.String()),
		logger.String("scope", string(ex.Scope)),
		logger.String("status", st.String()),
		logger.Duration("duration", dur),
	)
	return st, res
}

func (s *Scheduler) logOutcome(rep *Report, dur time.Duration) {
	for _, ex := range rep.StuckExecutables {
		s.log.Warn("executable stuck",
			logger.Int64("executable_id", ex.ID),
			logger.String("instruction", ex.Ref.String()),
			logger.String("scope", string(ex.Scope)),
			logger.Strings("missing", ex.Missing()),
		)
	}
	for _, f := range rep.Failures {
		s.log.Warn("executable failed",
			logger.Int64("executable_id", f.Executable.ID),
			logger.String("instruction", f.Executable.Ref.String()),
			logger.String("scope", string(f.Executable.Scope)),
			logger.Error(f.Err),
		)
	}
	s.log.Info("run finished",
		logger.String("scope", string(rep.Scope)),
		logger.Int("succeeded", rep.Succeeded),
		logger.Int("stuck", rep.Stuck),
		logger.Int("failed", rep.Failed),
		logger.Int("attempts", rep.Attempts),
		logger.Duration("duration", dur),
	)
}
