package engine

import (
	"errors"
	"fmt"
)

// Status is the state of one Executable.
type Status int

const (
	Pending Status = iota
	Success
	// MissingVariables is not terminal; the executable is requeued.
	MissingVariables
	Failed
	Fatal
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case MissingVariables:
		return "missing_variables"
	case Failed:
		return "failed"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrFatal matches every *FatalError under errors.Is.
var ErrFatal = errors.New("engine: fatal")

// FatalError aborts a run: a store or sink failure, or the run's context
// ending. Results observed before it are not trustworthy.
type FatalError struct {
	// Executable is the arena id of the executable being attempted, or -1.
	Executable int64
	Err        error
}

func (e *FatalError) Error() string {
	if e.Executable < 0 {
		return fmt.Sprintf("engine: fatal: %v", e.Err)
	}
	return fmt.Sprintf("engine: fatal in executable #%d: %v", e.Executable, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// Failure is one executable that ended Failed.
type Failure struct {
	Executable *Executable
	Err        error
}
