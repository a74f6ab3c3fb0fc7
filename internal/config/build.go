package config

import (
	"fmt"
	"sort"

	"github.com/ppiankov/rootwatch/internal/probe"
	"github.com/ppiankov/rootwatch/internal/strategy"
	"github.com/ppiankov/rootwatch/internal/sysexec"
)

func (a Action) build(ref string) (sysexec.Action, error) {
	if a.Path == "" {
		return sysexec.Action{}, fmt.Errorf("action %s: empty path", ref)
	}
	cl := sysexec.DefaultClassifier()
	cl.FatalExitCodes = append([]int(nil), a.FatalExitCodes...)
	for code, name := range a.ExitCodes {
		sig, err := sysexec.ParseSignal(name)
		if err != nil {
			return sysexec.Action{}, fmt.Errorf("action %s: exit code %d: %w", ref, code, err)
		}
		cl.ExitCodes[code] = sig
	}
	if len(a.OutputPatterns) > 0 {
		extra, err := sysexec.CompilePatterns(a.OutputPatterns)
		if err != nil {
			return sysexec.Action{}, fmt.Errorf("action %s: %w", ref, err)
		}
		// Configured fatal patterns are checked alongside the defaults;
		// the rest take precedence over the default text patterns.
		cl.Patterns = append(extra, cl.Patterns...)
	}
	return sysexec.Action{
		Ref: ref,
		Command: sysexec.Command{
			Path: a.Path,
			Args: append([]string(nil), a.Args...),
			Env:  append([]string(nil), a.Env...),
			Dir:  a.Dir,
		},
		Timeout:    a.Timeout,
		Classifier: cl,
	}, nil
}

// ActionRegistry builds the action registry from the configured actions.
func (c *Config) ActionRegistry() (*sysexec.Registry, error) {
	refs := make([]string, 0, len(c.Actions))
	for ref := range c.Actions {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	reg := sysexec.NewRegistry()
	for _, ref := range refs {
		a, err := c.Actions[ref].build(ref)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := reg.Register(a); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return reg, nil
}

// BuildProbes constructs the configured probes.
func (c *Config) BuildProbes(runner sysexec.Runner) ([]probe.Probe, error) {
	probes, err := probe.NewRegistry().BuildAll(c.Probes, probe.Env{Runner: runner, Root: c.ProbeRoot})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return probes, nil
}

// BuildStrategies compiles the configured strategies, applies include and
// exclude patterns and orders the result by ascending risk tier.
func (c *Config) BuildStrategies() ([]*strategy.Strategy, error) {
	list, err := strategy.CompileAll(c.Strategies)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	list, err = strategy.Filter(list, c.Include, c.Exclude)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return strategy.Prioritize(list), nil
}
