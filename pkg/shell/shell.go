package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds commands that do not set their own timeout.
const DefaultTimeout = 2 * time.Minute

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// ExitError is returned when a command exits non-zero. Stderr carries the
// tool's own diagnostic so callers can surface it unchanged.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, msg)
}

// Cmd describes a single invocation. Stdin is never logged.
type Cmd struct {
	Name    string
	Args    []string
	Stdin   string
	Env     []string
	Timeout time.Duration
}

func Command(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// Chroot wraps a command so it runs inside root through arch-chroot.
func Chroot(root, name string, args ...string) Cmd {
	return Cmd{Name: "arch-chroot", Args: append([]string{root, name}, args...)}
}

func (c Cmd) WithStdin(s string) Cmd {
	c.Stdin = s
	return c
}

func (c Cmd) WithEnv(kv ...string) Cmd {
	c.Env = append(append([]string{}, c.Env...), kv...)
	return c
}

func (c Cmd) WithTimeout(d time.Duration) Cmd {
	c.Timeout = d
	return c
}

// String renders the command line for logs.
func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes commands. Installer components depend on this interface so
// tests can script tool output without touching devices.
type Runner interface {
	Run(ctx context.Context, c Cmd) (Result, error)
}

// Exec is the Runner backed by os/exec.
type Exec struct {
	Log zerolog.Logger
}

func NewExec(log zerolog.Logger) *Exec {
	return &Exec{Log: log}
}

func (e *Exec) Run(ctx context.Context, c Cmd) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e.Log.Debug().Str("cmd", c.String()).Bool("stdin", c.Stdin != "").Msg("exec")
	start := time.Now()
	res, err := run(ctx, timeout, c)
	ev := e.Log.Debug()
	if err != nil {
		ev = e.Log.Warn().Err(err)
	}
	ev.Str("cmd", c.Name).Int("code", res.Code).Dur("took", time.Since(start)).Msg("exec done")
	return res, err
}

// Run keeps the simple call form used by probes.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	return run(ctx, timeout, Cmd{Name: name, Args: args})
}

func run(ctx context.Context, timeout time.Duration, c Cmd) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, c.Name, c.Args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return res, &ExitError{Cmd: c.Name, Code: res.Code, Stderr: errBuf.String()}
	}
	return res, err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Output runs c and returns trimmed stdout.
func Output(ctx context.Context, r Runner, c Cmd) (string, error) {
	res, err := r.Run(ctx, c)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// RunAll runs each command in order and stops at the first failure.
func RunAll(ctx context.Context, r Runner, cmds ...Cmd) error {
	for _, c := range cmds {
		if _, err := r.Run(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
