// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

// Response is returned for commands whose rendered line starts with Prefix.
type Response struct {
	Prefix string
	Stdout string
	Err    error
	// Times limits how often the response applies; 0 means always.
	Times int
	used  int
}

// Fake records every command and answers from its scripted responses. Unmatched
// commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	Calls     []shell.Cmd
	responses []*Response
}

func New() *Fake { return &Fake{} }

// On registers a response. Later registrations take precedence.
func (f *Fake) On(prefix, stdout string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, &Response{Prefix: prefix, Stdout: stdout, Err: err})
	return f
}

// OnTimes registers a response that applies n times only.
func (f *Fake) OnTimes(prefix, stdout string, err error, n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, &Response{Prefix: prefix, Stdout: stdout, Err: err, Times: n})
	return f
}

func (f *Fake) Run(_ context.Context, c shell.Cmd) (shell.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, c)
	line := c.String()
	for i := len(f.responses) - 1; i >= 0; i-- {
		r := f.responses[i]
		if !strings.HasPrefix(line, r.Prefix) {
			continue
		}
		if r.Times > 0 && r.used >= r.Times {
			continue
		}
		r.used++
		res := shell.Result{Stdout: []byte(r.Stdout)}
		if r.Err != nil {
			res.Code = 1
		}
		return res, r.Err
	}
	return shell.Result{}, nil
}

// Lines returns the rendered command lines in call order.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.String()
	}
	return out
}

// Index returns the position of the first call starting with prefix, or -1.
func (f *Fake) Index(prefix string) int {
	for i, l := range f.Lines() {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	return -1
}

// Find returns the first recorded command starting with prefix.
func (f *Fake) Find(prefix string) (shell.Cmd, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			return c, true
		}
	}
	return shell.Cmd{}, false
}
