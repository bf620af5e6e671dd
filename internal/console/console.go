// Package console is the line-oriented front end: prompts, banner, progress
// and the operator confirmations the orchestrator asks for.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/nebulalinux/nebula-installer/internal/storage/blk"
)

// DestroyWord must be typed before the disk is wiped.
const DestroyWord = "DESTROY"

var ErrNotInteractive = errors.New("stdin is not a terminal")

// AskFunc matches survey.AskOne.
type AskFunc func(p survey.Prompt, response interface{}, opts ...survey.AskOpt) error

type Console struct {
	Out io.Writer
	Log zerolog.Logger
	Ask AskFunc
}

func New(log zerolog.Logger) *Console {
	return &Console{Out: os.Stdout, Log: log, Ask: survey.AskOne}
}

// Interactive reports whether both stdin and stdout are terminals.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func (c *Console) Banner(version string) {
	b := color.New(color.FgBlue, color.Bold)
	b.Fprintln(c.Out, "\n╔═══════════════════════════════════════╗")
	b.Fprintf(c.Out, "║   Nebula Installer %-19s║\n", version)
	b.Fprintln(c.Out, "╚═══════════════════════════════════════╝")
	fmt.Fprintln(c.Out, "The selected disk will be erased and a btrfs system installed on it.")
	fmt.Fprintln(c.Out)
}

// DiskLabel is the line shown for a disk in the picker.
func DiskLabel(d blk.Device) string {
	kind := "SSD"
	if d.Rotational {
		kind = "HDD"
	}
	model := strings.TrimSpace(d.Model)
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("%s - %s (%s, %s)", d.Path, model, humanSize(d.SizeBytes), kind)
}

func humanSize(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func (c *Console) SelectDisk(disks []blk.Device) (blk.Device, error) {
	if len(disks) == 0 {
		return blk.Device{}, errors.New("no suitable disks found")
	}
	opts := make([]string, len(disks))
	for i, d := range disks {
		opts[i] = DiskLabel(d)
	}
	var idx int
	if err := c.Ask(&survey.Select{Message: "Select target disk for installation:", Options: opts}, &idx); err != nil {
		return blk.Device{}, err
	}
	if idx < 0 || idx >= len(disks) {
		return blk.Device{}, fmt.Errorf("invalid disk selection %d", idx)
	}
	c.Log.Info().Str("disk", disks[idx].Path).Msg("disk selected")
	return disks[idx], nil
}

func (c *Console) Input(msg, def string, validate func(string) error) (string, error) {
	var out string
	var opts []survey.AskOpt
	if validate != nil {
		opts = append(opts, survey.WithValidator(func(v interface{}) error {
			s, _ := v.(string)
			return validate(s)
		}))
	}
	err := c.Ask(&survey.Input{Message: msg, Default: def}, &out, opts...)
	return strings.TrimSpace(out), err
}

// Secret asks for a password twice until both entries match and validate
// passes.
func (c *Console) Secret(msg string, validate func(string) error) (string, error) {
	for {
		var first, second string
		if err := c.Ask(&survey.Password{Message: msg}, &first); err != nil {
			return "", err
		}
		if validate != nil {
			if err := validate(first); err != nil {
				color.New(color.FgRed).Fprintln(c.Out, err)
				continue
			}
		}
		if err := c.Ask(&survey.Password{Message: "Repeat:"}, &second); err != nil {
			return "", err
		}
		if first == second {
			return first, nil
		}
		color.New(color.FgRed).Fprintln(c.Out, "entries do not match")
	}
}

func (c *Console) Confirm(msg string, def bool) (bool, error) {
	ok := def
	err := c.Ask(&survey.Confirm{Message: msg, Default: def}, &ok)
	return ok, err
}

func (c *Console) Choose(msg string, options []string, def string) (string, error) {
	var out string
	p := &survey.Select{Message: msg, Options: options}
	if def != "" {
		p.Default = def
	}
	err := c.Ask(p, &out)
	return out, err
}

func (c *Console) ChooseMany(msg string, options []string) ([]string, error) {
	var out []string
	err := c.Ask(&survey.MultiSelect{Message: msg, Options: options}, &out)
	return out, err
}

// ConfirmDestroy asks twice: a yes/no followed by typing DestroyWord.
func (c *Console) ConfirmDestroy(disk string) bool {
	color.New(color.FgRed, color.Bold).Fprintf(c.Out, "\nWARNING: this will DESTROY ALL DATA on %s\n", disk)
	ok, err := c.Confirm("Do you want to continue?", false)
	if err != nil || !ok {
		return false
	}
	var typed string
	if err := c.Ask(&survey.Input{Message: fmt.Sprintf("Type '%s' to confirm:", DestroyWord)}, &typed); err != nil {
		return false
	}
	confirmed := strings.TrimSpace(typed) == DestroyWord
	c.Log.Info().Str("disk", disk).Bool("confirmed", confirmed).Msg("destructive action confirmation")
	return confirmed
}

// ConfirmRetry implements orchestrator.Confirmer.
func (c *Console) ConfirmRetry(_ context.Context, step string, attempt int, err error) bool {
	color.New(color.FgYellow).Fprintf(c.Out, "\n%s failed (attempt %d): %v\n", step, attempt, err)
	ok, aerr := c.Confirm("Retry?", true)
	if errors.Is(aerr, terminal.InterruptErr) {
		return false
	}
	return aerr == nil && ok
}
