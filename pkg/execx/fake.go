package execx

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Fake is an Executor for tests. Each call is answered from the
// Responses table keyed by the full command line; unmatched commands
// fall back to the Default response. Every invocation is recorded.
type Fake struct {
	mu        sync.Mutex
	Responses map[string]FakeResponse
	Default   FakeResponse
	Commands  []string
}

type FakeResponse struct {
	Stdout string
	Err    error
}

func NewFake() *Fake {
	return &Fake{Responses: map[string]FakeResponse{}}
}

// Respond registers canned output for a command line.
func (f *Fake) Respond(cmdline, stdout string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[cmdline] = FakeResponse{Stdout: stdout, Err: err}
}

func (f *Fake) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmdline)
	if resp, ok := f.Responses[cmdline]; ok {
		return []byte(resp.Stdout), resp.Err
	}
	// Allow prefix matches so tests need not spell out report flags.
	for k, resp := range f.Responses {
		if strings.HasPrefix(cmdline, k) {
			return []byte(resp.Stdout), resp.Err
		}
	}
	return []byte(f.Default.Stdout), f.Default.Err
}

func (f *Fake) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	return f.Execute(ctx, name, args...)
}

// Ran reports whether a command line matching prefix was executed.
func (f *Fake) Ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
