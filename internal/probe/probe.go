// Package probe implements read-only privilege checks and the detector that
// aggregates them into a single confidence-weighted RootStatus.
package probe

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/sysexec"
)

// Probe is one read-only check. Check returns the status the probe votes
// for; StatusUnknown means the probe abstains. Probes never mutate the
// target system.
type Probe interface {
	ID() string
	Weight() float64
	Check(ctx context.Context) (model.RootStatus, error)
}

// Abstain is the config name for a probe that does not vote when it does
// not match.
const Abstain = "abstain"

// Spec is the declarative form of a probe as it appears in configuration.
// Which fields apply depends on Kind.
type Spec struct {
	ID        string  `yaml:"id" json:"id"`
	Kind      string  `yaml:"kind" json:"kind"`
	Weight    float64 `yaml:"weight" json:"weight"`
	Signal    string  `yaml:"signal" json:"signal"`
	Otherwise string  `yaml:"otherwise,omitempty" json:"otherwise,omitempty"`

	// file
	Paths      []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	ExistsOnly bool     `yaml:"exists_only,omitempty" json:"exists_only,omitempty"`

	// command
	Command *sysexec.Command `yaml:"command,omitempty" json:"command,omitempty"`
	Match   string           `yaml:"match,omitempty" json:"match,omitempty"`
	Regex   bool             `yaml:"regex,omitempty" json:"regex,omitempty"`

	// property
	Property string   `yaml:"property,omitempty" json:"property,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"`

	// mounts
	MountPoint string `yaml:"mount_point,omitempty" json:"mount_point,omitempty"`

	// capabilities: "any" or "full"
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// Env carries what probes need from their surroundings.
type Env struct {
	Runner sysexec.Runner
	// Root prefixes every filesystem path a probe reads. Empty means "/".
	Root string
}

// Factory builds a probe of one kind from its spec.
type Factory func(spec Spec, env Env) (Probe, error)

// Registry dispatches probe specs to factories by kind.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
}

// NewRegistry returns a registry with the built-in kinds registered.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Factory)}
	r.kinds["file"] = newFileProbe
	r.kinds["command"] = newCommandProbe
	r.kinds["property"] = newPropertyProbe
	r.kinds["mounts"] = newMountsProbe
	r.kinds["capabilities"] = newCapabilitiesProbe
	return r
}

// Register adds a factory for kind. Built-in kinds cannot be replaced.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("probe: register: kind %q already registered", kind)
	}
	r.kinds[kind] = f
	return nil
}

// Kinds returns the registered kind names in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs one probe.
func (r *Registry) Build(spec Spec, env Env) (Probe, error) {
	r.mu.RLock()
	f, ok := r.kinds[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("probe %s: unknown kind %q", spec.ID, spec.Kind)
	}
	if spec.ID == "" {
		return nil, fmt.Errorf("probe: %s probe without id", spec.Kind)
	}
	if spec.Weight <= 0 || spec.Weight > 1 {
		return nil, fmt.Errorf("probe %s: weight %v out of range (0,1]", spec.ID, spec.Weight)
	}
	p, err := f(spec, env)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", spec.ID, err)
	}
	return p, nil
}

// BuildAll constructs every probe in specs and rejects duplicate ids.
func (r *Registry) BuildAll(specs []Spec, env Env) ([]Probe, error) {
	seen := make(map[string]bool, len(specs))
	probes := make([]Probe, 0, len(specs))
	for _, s := range specs {
		if seen[s.ID] {
			return nil, fmt.Errorf("probe %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
		p, err := r.Build(s, env)
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	return probes, nil
}

// base carries the fields shared by every built-in kind.
type base struct {
	id        string
	weight    float64
	signal    model.RootStatus
	otherwise model.RootStatus
}

func newBase(spec Spec) (base, error) {
	b := base{id: spec.ID, weight: spec.Weight}

	sig, ok := model.ParseRootStatus(spec.Signal)
	if !ok || !sig.Votable() {
		return b, fmt.Errorf("signal %q is not a votable status", spec.Signal)
	}
	b.signal = sig

	switch spec.Otherwise {
	case "":
		b.otherwise = model.StatusNotElevated
	case Abstain:
		b.otherwise = model.StatusUnknown
	default:
		o, ok := model.ParseRootStatus(spec.Otherwise)
		if !ok || !o.Votable() {
			return b, fmt.Errorf("otherwise %q is not a votable status or %q", spec.Otherwise, Abstain)
		}
		b.otherwise = o
	}
	return b, nil
}

func (b base) ID() string      { return b.id }
func (b base) Weight() float64 { return b.weight }

func (b base) vote(matched bool) model.RootStatus {
	if matched {
		return b.signal
	}
	return b.otherwise
}
