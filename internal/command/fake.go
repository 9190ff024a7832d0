package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call records one invocation made through a Fake
type Call struct {
	Name string
	Args []string
}

// String renders the call as a shell-like command line
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Response is what a Fake returns for a matching command line
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err, when set, simulates a failure to start the command
	Err error
}

// Fake is a scripted Runner for tests in this module.
// Responses are keyed by the full command line; a key may hold several
// responses which are consumed in order, the last one repeating.
type Fake struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []Call
}

// NewFake creates an empty Fake
func NewFake() *Fake {
	return &Fake{responses: make(map[string][]Response)}
}

// On registers responses for the given command line, e.g. "blkid -c /dev/null --output export /dev/loop0"
func (f *Fake) On(cmdline string, responses ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = append(f.responses[cmdline], responses...)
	return f
}

// Calls returns the recorded invocations in order
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times cmdline was run
func (f *Fake) Count(cmdline string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.String() == cmdline {
			n++
		}
	}
	return n
}

// Run implements Runner
func (f *Fake) Run(_ context.Context, name string, args ...string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{Name: name, Args: append([]string(nil), args...)}
	f.calls = append(f.calls, call)

	queue, ok := f.responses[call.String()]
	if !ok || len(queue) == 0 {
		return nil, fmt.Errorf("fake: unexpected command %q", call.String())
	}

	resp := queue[0]
	if len(queue) > 1 {
		f.responses[call.String()] = queue[1:]
	}

	if resp.Err != nil {
		return nil, resp.Err
	}

	res := &Result{
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
		ExitCode: resp.ExitCode,
	}
	if resp.ExitCode != 0 {
		return res, &ToolError{Command: name, Args: call.Args, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return res, nil
}
