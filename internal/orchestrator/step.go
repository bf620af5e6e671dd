package orchestrator

import (
	"context"
	"errors"

	"github.com/nebulalinux/nebula-installer/internal/plan"
)

type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
	ResultSkipped   ResultStatus = "skipped"
)

// Result is what a step reports back after executing.
type Result struct {
	Status ResultStatus
	Reason string
	Err    error
}

func Succeeded() Result { return Result{Status: ResultSucceeded} }

func Failed(err error) Result {
	if err == nil {
		err = errors.New("step failed")
	}
	return Result{Status: ResultFailed, Reason: err.Error(), Err: err}
}

func Skipped(reason string) Result { return Result{Status: ResultSkipped, Reason: reason} }

// Step describes one unit of the installation. Execute must not decide to
// abort the run; it only reports its own result.
type Step struct {
	Name         string
	Precondition func(*plan.Plan) bool
	Execute      func(context.Context, *plan.Plan) Result
	// Rollback undoes a succeeded Execute. nil means nothing to undo.
	Rollback  func(context.Context, *plan.Plan) error
	Retryable bool
	Fatal     bool
	// FatalIf, when set, is consulted at failure time instead of Fatal.
	FatalIf func(*plan.Plan) bool
}

func (s Step) fatal(p *plan.Plan) bool {
	if s.FatalIf != nil {
		return s.FatalIf(p)
	}
	return s.Fatal
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a validation or policy failure that retrying cannot
// fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
