package orchestrator

import "time"

type EventKind string

const (
	EventRunning        EventKind = "running"
	EventSucceeded      EventKind = "succeeded"
	EventFailed         EventKind = "failed"
	EventSkipped        EventKind = "skipped"
	EventRetrying       EventKind = "retrying"
	EventRolledBack     EventKind = "rolled-back"
	EventRollbackFailed EventKind = "rollback-failed"
)

// Event is emitted on every step transition.
type Event struct {
	Index    int
	Total    int
	Step     string
	Kind     EventKind
	Attempt  int
	Duration time.Duration
	Reason   string
	Err      error
}

type Notifier interface {
	StepChanged(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) StepChanged(ev Event) { f(ev) }

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) StepChanged(ev Event) {
	for _, n := range ns {
		if n != nil {
			n.StepChanged(ev)
		}
	}
}
