package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/rootwatch/internal/audit"
	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/probe"
	"github.com/ppiankov/rootwatch/internal/strategy"
	"github.com/ppiankov/rootwatch/internal/sysexec"
)

// step is one scripted response of the fake device to an action.
type step struct {
	res     sysexec.Result
	becomes model.RootStatus
	panics  bool
	block   bool
	onRun   func()
}

// fakeSystem stands in for the live device. It is both the detector and the
// command runner, so actions can change what the next detection sees.
type fakeSystem struct {
	mu      sync.Mutex
	status  model.RootStatus
	unknown bool
	scripts map[string][]step
	calls   map[string]int
	detects int
}

func newFakeSystem(status model.RootStatus) *fakeSystem {
	return &fakeSystem{status: status, scripts: map[string][]step{}, calls: map[string]int{}}
}

// script sets the responses for an action path. The last step repeats.
func (f *fakeSystem) script(path string, steps ...step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[path] = steps
}

func (f *fakeSystem) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeSystem) Run(ctx context.Context, cmd sysexec.Command) (sysexec.Result, error) {
	f.mu.Lock()
	steps := f.scripts[cmd.Path]
	if len(steps) == 0 {
		f.mu.Unlock()
		return sysexec.Result{}, sysexec.ErrStart
	}
	i := f.calls[cmd.Path]
	if i >= len(steps) {
		i = len(steps) - 1
	}
	s := steps[i]
	f.calls[cmd.Path]++
	if s.becomes != "" {
		f.status = s.becomes
	}
	f.mu.Unlock()

	if s.onRun != nil {
		s.onRun()
	}
	if s.panics {
		panic("fake device wedged")
	}
	if s.block {
		<-ctx.Done()
		return sysexec.Result{ExitCode: -1}, nil
	}
	return s.res, nil
}

func (f *fakeSystem) Detect(ctx context.Context) model.Detection {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detects++

	weights := map[string]float64{"aggregate": 1, "su-uid": 1}
	if f.unknown {
		return probe.Aggregate([]model.ProbeResult{
			{ProbeID: "aggregate", Signal: model.StatusError, Err: "timeout"},
			{ProbeID: "su-uid", Signal: model.StatusError, Err: "timeout"},
		}, weights, time.Now())
	}
	suUID := model.ProbeResult{ProbeID: "su-uid", Signal: model.StatusUnknown}
	if f.status == model.StatusFullyElevated {
		suUID = model.ProbeResult{ProbeID: "su-uid", Signal: model.StatusFullyElevated, Weight: 1}
	}
	return probe.Aggregate([]model.ProbeResult{
		{ProbeID: "aggregate", Signal: f.status, Weight: 1},
		suUID,
	}, weights, time.Now())
}

// fakeClock advances only when the engine sleeps.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	t      *testing.T
	sys    *fakeSystem
	clock  *fakeClock
	log    *audit.Log
	path   string
	cfg    Config
	specs  []strategy.Spec
	engine *Engine
}

func newHarness(t *testing.T, status model.RootStatus) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := audit.Open(path, audit.WithTraceID("t-harness"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	cfg := DefaultConfig()
	cfg.MaxAttempts = 20
	return &harness{t: t, sys: newFakeSystem(status), clock: newFakeClock(), log: log, path: path, cfg: cfg}
}

// strategy adds a strategy whose action path equals its id.
func (h *harness) strategy(id string, tier int, mutate ...func(*strategy.Spec)) {
	spec := strategy.Spec{ID: id, RiskTier: tier, Action: id}
	for _, m := range mutate {
		m(&spec)
	}
	h.specs = append(h.specs, spec)
}

func (h *harness) build(deps ...func(*Deps)) *Engine {
	h.t.Helper()
	list, err := strategy.CompileAll(h.specs)
	if err != nil {
		h.t.Fatal(err)
	}
	reg := sysexec.NewRegistry()
	for _, s := range h.specs {
		if err := reg.Register(sysexec.Action{
			Ref:        s.Action,
			Command:    sysexec.Command{Path: s.Action},
			Classifier: sysexec.DefaultClassifier(),
		}); err != nil {
			h.t.Fatal(err)
		}
	}
	d := Deps{
		Detector:   h.sys,
		Actions:    reg,
		Runner:     h.sys,
		Log:        h.log,
		Strategies: list,
		Sleep:      h.clock.Sleep,
		Clock:      h.clock.Now,
	}
	for _, fn := range deps {
		fn(&d)
	}
	e, err := New(h.cfg, d)
	if err != nil {
		h.t.Fatal(err)
	}
	h.engine = e
	return e
}

func (h *harness) run(ctx context.Context) Result {
	h.t.Helper()
	res, err := h.build().Run(ctx)
	if err != nil {
		h.t.Fatalf("run: %v", err)
	}
	return res
}

func (h *harness) records(kind audit.Kind) []audit.Record {
	h.t.Helper()
	recs, err := audit.ReadFile(h.path, audit.Filter{TraceID: "t-harness", Kind: kind})
	if err != nil {
		h.t.Fatal(err)
	}
	return recs
}

func (h *harness) attempts() []model.AttemptRecord {
	h.t.Helper()
	var out []model.AttemptRecord
	for _, rec := range h.records(audit.KindAttempt) {
		a, err := rec.Attempt()
		if err != nil {
			h.t.Fatal(err)
		}
		out = append(out, a)
	}
	return out
}

func (h *harness) events() []model.AdaptationEvent {
	h.t.Helper()
	var out []model.AdaptationEvent
	for _, rec := range h.records(audit.KindAdaptation) {
		ev, err := rec.Adaptation()
		if err != nil {
			h.t.Fatal(err)
		}
		out = append(out, ev)
	}
	return out
}

func mutations(evs []model.AdaptationEvent) []model.Mutation {
	out := make([]model.Mutation, len(evs))
	for i, ev := range evs {
		out[i] = ev.Mutation
	}
	return out
}

func countMutation(evs []model.AdaptationEvent, m model.Mutation) int {
	n := 0
	for _, ev := range evs {
		if ev.Mutation == m {
			n++
		}
	}
	return n
}

func exit(code int) step { return step{res: sysexec.Result{ExitCode: code}} }

func stderr(code int, msg string) step {
	return step{res: sysexec.Result{ExitCode: code, Stderr: []byte(msg)}}
}
