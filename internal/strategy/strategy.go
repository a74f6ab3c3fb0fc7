// Package strategy holds the declarative escalation strategies and the
// compiled preconditions that gate them.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ppiankov/rootwatch/internal/model"
)

// Spec is a strategy as written in configuration.
type Spec struct {
	ID              string        `yaml:"id" json:"id"`
	RiskTier        int           `yaml:"risk_tier" json:"risk_tier"`
	Precondition    string        `yaml:"precondition,omitempty" json:"precondition,omitempty"`
	Action          string        `yaml:"action" json:"action"`
	Postcondition   string        `yaml:"postcondition,omitempty" json:"postcondition,omitempty"`
	MaxLocalRetries int           `yaml:"max_local_retries,omitempty" json:"max_local_retries,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Strategy is an immutable, compiled escalation strategy. The engine only
// reorders and filters strategies; it never changes them.
type Strategy struct {
	ID              string
	RiskTier        int
	Precondition    string
	ActionRef       string
	Postcondition   string
	MaxLocalRetries int
	Timeout         time.Duration

	program *vm.Program
}

// Facts are the values a precondition can reference.
type Facts struct {
	Status     model.RootStatus
	Confidence float64
	Attempts   int
	// Probes holds each probe's signal from the latest detection, keyed by
	// probe id. A device profile such as SELinux mode or bootloader state
	// is read from here, e.g. probes["selinux-permissive"] == "partially_elevated".
	Probes map[string]model.RootStatus
}

func (f Facts) env() map[string]any {
	probes := make(map[string]string, len(f.Probes))
	for id, s := range f.Probes {
		probes[id] = string(s)
	}
	return map[string]any{
		"status":     string(f.Status),
		"rank":       f.Status.Rank(),
		"confidence": f.Confidence,
		"attempts":   f.Attempts,
		"probes":     probes,
	}
}

// Compile validates spec and compiles its precondition.
func Compile(spec Spec) (*Strategy, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("strategy: missing id")
	}
	if spec.RiskTier < MinTier || spec.RiskTier > MaxTier {
		return nil, fmt.Errorf("strategy %s: risk_tier %d out of range %d..%d", spec.ID, spec.RiskTier, MinTier, MaxTier)
	}
	if spec.Action == "" {
		return nil, fmt.Errorf("strategy %s: missing action", spec.ID)
	}
	if spec.MaxLocalRetries < 0 {
		return nil, fmt.Errorf("strategy %s: negative max_local_retries", spec.ID)
	}
	if spec.Timeout < 0 {
		return nil, fmt.Errorf("strategy %s: negative timeout", spec.ID)
	}

	s := &Strategy{
		ID:              spec.ID,
		RiskTier:        spec.RiskTier,
		Precondition:    spec.Precondition,
		ActionRef:       spec.Action,
		Postcondition:   spec.Postcondition,
		MaxLocalRetries: spec.MaxLocalRetries,
		Timeout:         spec.Timeout,
	}
	if spec.Precondition != "" {
		program, err := expr.Compile(spec.Precondition, expr.Env(Facts{}.env()), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("strategy %s: compile precondition %q: %w", spec.ID, spec.Precondition, err)
		}
		s.program = program
	}
	return s, nil
}

// CompileAll compiles specs in order and rejects duplicate ids.
func CompileAll(specs []Spec) ([]*Strategy, error) {
	seen := make(map[string]bool, len(specs))
	out := make([]*Strategy, 0, len(specs))
	for _, spec := range specs {
		if seen[spec.ID] {
			return nil, fmt.Errorf("strategy %s: duplicate id", spec.ID)
		}
		seen[spec.ID] = true
		s, err := Compile(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Matches evaluates the precondition against f. An empty precondition
// always matches.
func (s *Strategy) Matches(f Facts) (bool, error) {
	if s.program == nil {
		return true, nil
	}
	output, err := expr.Run(s.program, f.env())
	if err != nil {
		return false, fmt.Errorf("strategy %s: eval precondition: %w", s.ID, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("strategy %s: precondition returned %T", s.ID, output)
	}
	return result, nil
}

// Prioritize returns strategies ordered by ascending risk tier. Order within
// a tier is preserved.
func Prioritize(list []*Strategy) []*Strategy {
	out := append([]*Strategy(nil), list...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RiskTier < out[j].RiskTier })
	return out
}
