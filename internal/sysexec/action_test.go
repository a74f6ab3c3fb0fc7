package sysexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/rootwatch/internal/model"
)

type funcRunner func(ctx context.Context, cmd Command) (Result, error)

func (f funcRunner) Run(ctx context.Context, cmd Command) (Result, error) { return f(ctx, cmd) }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Action{Ref: "magisk", Command: Command{Path: "magisk"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Action{Ref: "magisk", Command: Command{Path: "magisk"}}); err == nil {
		t.Error("expected duplicate error")
	}
	if err := r.Register(Action{Ref: "empty"}); err == nil {
		t.Error("expected empty path error")
	}
	r.Register(Action{Ref: "adb-root", Command: Command{Path: "adb"}})

	if _, err := r.Lookup("missing"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
	refs := r.Refs()
	if len(refs) != 2 || refs[0] != "adb-root" || refs[1] != "magisk" {
		t.Errorf("unexpected refs %v", refs)
	}
}

func TestExecuteClassifiesExit(t *testing.T) {
	runner := funcRunner(func(ctx context.Context, cmd Command) (Result, error) {
		return Result{ExitCode: 75, Stderr: []byte("try again")}, nil
	})
	ex := Execute(context.Background(), runner, Action{Ref: "a", Classifier: DefaultClassifier()}, time.Second)
	if ex.Signal != model.SignalTransient {
		t.Errorf("expected transient, got %q", ex.Signal)
	}
	if ex.ExitCode != 75 || ex.Digest == "" {
		t.Errorf("unexpected execution %+v", ex)
	}
}

func TestExecuteAppliesTimeout(t *testing.T) {
	runner := funcRunner(func(ctx context.Context, cmd Command) (Result, error) {
		<-ctx.Done()
		return Result{ExitCode: -1, TimedOut: true}, nil
	})
	ex := Execute(context.Background(), runner, Action{Ref: "slow", Timeout: 20 * time.Millisecond, Classifier: DefaultClassifier()}, 0)
	if ex.Signal != model.SignalTimeout || !ex.TimedOut {
		t.Errorf("expected timeout, got %+v", ex)
	}
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := funcRunner(func(ctx context.Context, cmd Command) (Result, error) {
		cancel()
		<-ctx.Done()
		return Result{ExitCode: -1}, nil
	})
	ex := Execute(ctx, runner, Action{Ref: "a", Classifier: DefaultClassifier()}, time.Minute)
	if !ex.Cancelled || ex.Signal != model.SignalCancelled {
		t.Errorf("expected cancelled, got %+v", ex)
	}
}

func TestExecuteStartFailureIsEnvironmentMismatch(t *testing.T) {
	ex := Execute(context.Background(), LocalRunner{}, Action{
		Ref:        "ghost",
		Command:    Command{Path: "/nonexistent/rootwatch-ghost"},
		Classifier: DefaultClassifier(),
	}, time.Second)
	if ex.Signal != model.SignalEnvironmentMismatch || ex.ExitCode != 127 {
		t.Errorf("expected environment mismatch/127, got %+v", ex)
	}
}
