package sysexec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/rootwatch/internal/model"
)

// ErrUnknownAction is returned when an action_ref has no registered action.
var ErrUnknownAction = errors.New("sysexec: unknown action")

// Action is a named, opaque external executable a strategy refers to.
type Action struct {
	Ref        string
	Command    Command
	Timeout    time.Duration
	Classifier Classifier
}

// Execution is the digested outcome of running an action. Raw output is
// kept only long enough to classify and hash it.
type Execution struct {
	ExitCode  int
	Signal    model.Signal
	Digest    string
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
}

// Registry maps action refs to actions.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds a. Refs must be unique and commands must name a program.
func (r *Registry) Register(a Action) error {
	if a.Ref == "" {
		return fmt.Errorf("sysexec: register: empty action ref")
	}
	if a.Command.Path == "" {
		return fmt.Errorf("sysexec: register %s: empty command path", a.Ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[a.Ref]; ok {
		return fmt.Errorf("sysexec: register %s: duplicate action ref", a.Ref)
	}
	r.actions[a.Ref] = a
	return nil
}

// Lookup returns the action registered under ref.
func (r *Registry) Lookup(ref string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[ref]
	if !ok {
		return Action{}, fmt.Errorf("%w: %s", ErrUnknownAction, ref)
	}
	return a, nil
}

// Refs returns the registered refs in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.actions))
	for ref := range r.actions {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Execute runs a under timeout and classifies the result. timeout overrides
// the action's own timeout when positive. Cancellation of ctx (as opposed to
// the timeout expiring) yields SignalCancelled. A command that cannot be
// started is reported as an environment mismatch with exit code 127.
func Execute(ctx context.Context, runner Runner, a Action, timeout time.Duration) Execution {
	if timeout <= 0 {
		timeout = a.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := runner.Run(runCtx, a.Command)
	if err != nil {
		res.ExitCode = 127
		res.Stderr = append(res.Stderr, err.Error()...)
		return Execution{
			ExitCode: res.ExitCode,
			Signal:   model.SignalEnvironmentMismatch,
			Digest:   Digest(res),
			Duration: res.Duration,
		}
	}

	ex := Execution{
		ExitCode: res.ExitCode,
		Digest:   Digest(res),
		Duration: res.Duration,
		TimedOut: res.TimedOut,
	}
	if ctx.Err() != nil {
		ex.Cancelled = true
		ex.Signal = model.SignalCancelled
		return ex
	}
	ex.Signal = a.Classifier.Classify(res)
	return ex
}
