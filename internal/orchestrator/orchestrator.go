// Package orchestrator runs an ordered list of installation steps against a
// shared plan, handling retries, skips and reverse-order rollback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/plan"
)

// MaxAttempts bounds executions of a retryable step, first attempt included.
const MaxAttempts = 3

const reasonOperatorAbort = "aborted by operator"

type State int

const (
	NotStarted State = iota
	Running
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Done:
		return "succeeded"
	case Aborted:
		return "aborted"
	default:
		return "not-started"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Record is the per-step entry of an Outcome.
type Record struct {
	Name     string        `json:"name" yaml:"name"`
	Status   ResultStatus  `json:"status" yaml:"status"`
	Reason   string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Attempts int           `json:"attempts" yaml:"attempts"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Err      error         `json:"-" yaml:"-"`
}

type Outcome struct {
	State          State         `json:"state" yaml:"state"`
	Reason         string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Records        []Record      `json:"steps" yaml:"steps"`
	RolledBack     []string      `json:"rolledBack,omitempty" yaml:"rolledBack,omitempty"`
	RollbackErrors error         `json:"-" yaml:"-"`
	Snapshot       plan.Snapshot `json:"plan" yaml:"plan"`
}

func (o Outcome) Succeeded() bool { return o.State == Done }

// Err returns the error of the step that caused the abort, if any.
func (o Outcome) Err() error {
	for i := len(o.Records) - 1; i >= 0; i-- {
		if o.Records[i].Status == ResultFailed && o.Records[i].Err != nil {
			return o.Records[i].Err
		}
	}
	return nil
}

// Confirmer is asked before a failed retryable step is executed again.
type Confirmer interface {
	ConfirmRetry(ctx context.Context, step string, attempt int, err error) bool
}

type ConfirmerFunc func(ctx context.Context, step string, attempt int, err error) bool

func (f ConfirmerFunc) ConfirmRetry(ctx context.Context, step string, attempt int, err error) bool {
	return f(ctx, step, attempt, err)
}

// AlwaysRetry approves every retry.
var AlwaysRetry = ConfirmerFunc(func(context.Context, string, int, error) bool { return true })

type Orchestrator struct {
	Log       zerolog.Logger
	Notifier  Notifier
	Confirmer Confirmer

	abort atomic.Bool

	mu      sync.Mutex
	state   State
	current int
}

func New(log zerolog.Logger, n Notifier, c Confirmer) *Orchestrator {
	return &Orchestrator{Log: log, Notifier: n, Confirmer: c}
}

// RequestAbort asks the run to stop at the next step boundary. The running
// step is allowed to finish.
func (o *Orchestrator) RequestAbort() { o.abort.Store(true) }

// State reports the current state and, while running, the step index.
func (o *Orchestrator) State() (State, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.current
}

func (o *Orchestrator) setState(s State, i int) {
	o.mu.Lock()
	o.state, o.current = s, i
	o.mu.Unlock()
}

func (o *Orchestrator) Run(ctx context.Context, steps []Step, p *plan.Plan) Outcome {
	out := Outcome{Records: make([]Record, 0, len(steps))}
	var done []int
	total := len(steps)
	o.Log.Info().Str("run", p.RunID).Int("steps", total).Msg("install started")

	for i, s := range steps {
		if o.abort.Load() || ctx.Err() != nil {
			o.Log.Warn().Str("before", s.Name).Msg("abort requested")
			return o.finishAborted(ctx, out, steps, done, p, reasonOperatorAbort)
		}
		o.setState(Running, i)

		if s.Precondition != nil && !s.Precondition(p) {
			out.Records = append(out.Records, Record{Name: s.Name, Status: ResultSkipped, Reason: "precondition not met"})
			o.notify(Event{Index: i, Total: total, Step: s.Name, Kind: EventSkipped})
			o.Log.Info().Str("step", s.Name).Msg("skipped")
			continue
		}

		rec := o.execute(ctx, i, total, s, p)
		out.Records = append(out.Records, rec)
		switch rec.Status {
		case ResultSucceeded:
			done = append(done, i)
		case ResultFailed:
			if s.fatal(p) {
				o.Log.Error().Err(rec.Err).Str("step", s.Name).Int("attempts", rec.Attempts).Msg("fatal step failure")
				return o.finishAborted(ctx, out, steps, done, p, fmt.Sprintf("%s: %s", s.Name, rec.Reason))
			}
			o.Log.Warn().Err(rec.Err).Str("step", s.Name).Msg("non-fatal step failure, continuing")
		}
	}

	o.setState(Done, total)
	out.State = Done
	out.Snapshot = p.Snapshot()
	o.Log.Info().Str("run", p.RunID).Msg("install succeeded")
	return out
}

func (o *Orchestrator) execute(ctx context.Context, i, total int, s Step, p *plan.Plan) Record {
	// steps run to completion even when the operator cancels mid-step
	stepCtx := context.WithoutCancel(ctx)
	limit := MaxAttempts
	if !s.Retryable {
		limit = 1
	}
	rec := Record{Name: s.Name}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		rec.Attempts = attempt
		o.notify(Event{Index: i, Total: total, Step: s.Name, Kind: EventRunning, Attempt: attempt})
		t0 := time.Now()
		res := Succeeded()
		if s.Execute != nil {
			res = s.Execute(stepCtx, p)
		}
		ev := Event{Index: i, Total: total, Step: s.Name, Attempt: attempt, Duration: time.Since(t0), Reason: res.Reason, Err: res.Err}
		rec.Status, rec.Reason, rec.Err = res.Status, res.Reason, res.Err
		switch res.Status {
		case ResultSucceeded:
			ev.Kind = EventSucceeded
		case ResultSkipped:
			ev.Kind = EventSkipped
		default:
			rec.Status = ResultFailed
			ev.Kind = EventFailed
		}
		o.notify(ev)
		if rec.Status != ResultFailed {
			break
		}
		o.Log.Warn().Err(res.Err).Str("step", s.Name).Int("attempt", attempt).Msg("step failed")
		if attempt >= limit || IsPermanent(res.Err) {
			break
		}
		if o.Confirmer == nil || !o.Confirmer.ConfirmRetry(ctx, s.Name, attempt, res.Err) {
			o.Log.Info().Str("step", s.Name).Msg("retry declined")
			break
		}
		o.notify(Event{Index: i, Total: total, Step: s.Name, Kind: EventRetrying, Attempt: attempt + 1, Err: res.Err})
	}
	rec.Duration = time.Since(start)
	return rec
}

func (o *Orchestrator) finishAborted(ctx context.Context, out Outcome, steps []Step, done []int, p *plan.Plan, reason string) Outcome {
	out.RolledBack, out.RollbackErrors = o.rollback(ctx, steps, done, p)
	out.State = Aborted
	out.Reason = reason
	out.Snapshot = p.Snapshot()
	o.setState(Aborted, -1)
	ev := o.Log.Error().Str("run", p.RunID).Str("reason", reason).Strs("rolled_back", out.RolledBack)
	if out.RollbackErrors != nil {
		ev = ev.AnErr("rollback_errors", out.RollbackErrors)
	}
	ev.Msg("install aborted")
	return out
}

// rollback undoes succeeded steps newest first. A failing rollback is recorded
// and the remaining ones still run.
func (o *Orchestrator) rollback(ctx context.Context, steps []Step, done []int, p *plan.Plan) ([]string, error) {
	rbCtx := context.WithoutCancel(ctx)
	var merr *multierror.Error
	var rolled []string
	total := len(steps)
	for j := len(done) - 1; j >= 0; j-- {
		i := done[j]
		s := steps[i]
		if s.Rollback == nil {
			continue
		}
		rolled = append(rolled, s.Name)
		err := safeRollback(rbCtx, s, p)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("rollback %s: %w", s.Name, err))
			o.Log.Error().Err(err).Str("step", s.Name).Msg("rollback failed")
			o.notify(Event{Index: i, Total: total, Step: s.Name, Kind: EventRollbackFailed, Err: err})
			continue
		}
		o.Log.Info().Str("step", s.Name).Msg("rolled back")
		o.notify(Event{Index: i, Total: total, Step: s.Name, Kind: EventRolledBack})
	}
	return rolled, merr.ErrorOrNil()
}

func safeRollback(ctx context.Context, s Step, p *plan.Plan) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint("panic: ", r))
		}
	}()
	return s.Rollback(ctx, p)
}

func (o *Orchestrator) notify(ev Event) {
	if o.Notifier != nil {
		o.Notifier.StepChanged(ev)
	}
}
