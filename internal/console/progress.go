package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/nebulalinux/nebula-installer/internal/orchestrator"
)

// Progress renders orchestrator events as a progress bar with one tick per
// finished step.
type Progress struct {
	w   io.Writer
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func NewProgress(w io.Writer) *Progress { return &Progress{w: w} }

func (p *Progress) ensure(total int) {
	if p.bar != nil {
		return
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetDescription("Installing"),
	)
}

func (p *Progress) StepChanged(ev orchestrator.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensure(ev.Total)
	switch ev.Kind {
	case orchestrator.EventRunning:
		desc := ev.Step
		if ev.Attempt > 1 {
			desc = fmt.Sprintf("%s (attempt %d)", ev.Step, ev.Attempt)
		}
		p.bar.Describe(desc)
	case orchestrator.EventSucceeded, orchestrator.EventSkipped:
		_ = p.bar.Add(1)
	case orchestrator.EventFailed:
		p.line(color.FgRed, "%s failed: %v", ev.Step, ev.Err)
	case orchestrator.EventRolledBack:
		p.line(color.FgYellow, "rolled back %s", ev.Step)
	case orchestrator.EventRollbackFailed:
		p.line(color.FgRed, "rollback of %s failed: %v", ev.Step, ev.Err)
	}
}

func (p *Progress) line(attr color.Attribute, format string, args ...any) {
	fmt.Fprintln(p.w)
	color.New(attr).Fprintf(p.w, format+"\n", args...)
}

// Summary prints the final state of a run.
func Summary(w io.Writer, out orchestrator.Outcome) {
	fmt.Fprintln(w)
	if out.Succeeded() {
		color.New(color.FgGreen, color.Bold).Fprintln(w, "Installation complete. Remove the install medium and reboot.")
	} else {
		color.New(color.FgRed, color.Bold).Fprintf(w, "Installation aborted: %s\n", out.Reason)
		if len(out.RolledBack) > 0 {
			fmt.Fprintf(w, "Rolled back: %v\n", out.RolledBack)
		}
		if out.RollbackErrors != nil {
			fmt.Fprintf(w, "Rollback errors: %v\n", out.RollbackErrors)
		}
	}
	if len(out.Snapshot.FailedPackages) > 0 {
		color.New(color.FgYellow).Fprintf(w, "Optional packages that failed: %v\n", out.Snapshot.FailedPackages)
	}
}
