// Package processtest provides a scriptable process.Runner for tests.
package processtest

import (
	"context"
	"sync"

	"github.com/kebairia/diffback/internal/process"
)

// Call is one recorded invocation. Down is set for pipes only.
type Call struct {
	Cmd  process.Command
	Down process.Command
	Pipe bool
}

// Fake records every command and delegates the outcome to the hooks.
type Fake struct {
	OnRun  func(cmd process.Command) (process.Result, error)
	OnPipe func(up, down process.Command) error

	mu    sync.Mutex
	calls []Call
}

var _ process.Runner = (*Fake)(nil)

func (f *Fake) Run(_ context.Context, cmd process.Command) (process.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Cmd: cmd})
	f.mu.Unlock()
	if f.OnRun == nil {
		return process.Result{}, nil
	}
	return f.OnRun(cmd)
}

func (f *Fake) Pipe(_ context.Context, up, down process.Command) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Cmd: up, Down: down, Pipe: true})
	f.mu.Unlock()
	if f.OnPipe == nil {
		return nil
	}
	return f.OnPipe(up, down)
}

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Names returns the program name of each recorded invocation.
func (f *Fake) Names() []string {
	var names []string
	for _, c := range f.Calls() {
		names = append(names, c.Cmd.Name)
	}
	return names
}

// OutputPath returns the value following -o in a compressor command.
func OutputPath(cmd process.Command) string {
	for i, arg := range cmd.Args {
		if arg == "-o" && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}
	return ""
}
