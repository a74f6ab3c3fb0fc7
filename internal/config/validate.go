package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/rootwatch/internal/probe"
	"github.com/ppiankov/rootwatch/internal/strategy"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "rootwatch-config.json"

// ValidationError is one problem found in a configuration document.
type ValidationError struct {
	Phase   string // "schema" or "semantic"
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Phase, e.Path, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "config: invalid: " + strings.Join(msgs, "; ")
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateSchema checks a YAML document against the embedded JSON Schema.
func ValidateSchema(data []byte) ValidationErrors {
	sch, err := loadSchema()
	if err != nil {
		return ValidationErrors{{Phase: "schema", Message: err.Error()}}
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ValidationErrors{{Phase: "schema", Message: fmt.Sprintf("parse yaml: %v", err)}}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(normalize(doc))
	if err != nil {
		return ValidationErrors{{Phase: "schema", Message: fmt.Sprintf("convert to json: %v", err)}}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return ValidationErrors{{Phase: "schema", Message: fmt.Sprintf("unmarshal document: %v", err)}}
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return ValidationErrors{{Phase: "schema", Message: err.Error()}}
	}
	p := message.NewPrinter(language.English)
	var errs ValidationErrors
	for _, cause := range flatten(ve) {
		errs = append(errs, ValidationError{
			Phase:   "schema",
			Path:    "/" + strings.Join(cause.InstanceLocation, "/"),
			Message: cause.ErrorKind.LocalizedString(p),
		})
	}
	return errs
}

// flatten collects the leaf validation errors.
func flatten(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var flat []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flatten(cause)...)
	}
	return flat
}

// normalize turns yaml's map[any]any (produced for integer keys such as
// exit_codes) into JSON-compatible maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// Validate performs semantic checks the schema cannot express: unique ids,
// compilable preconditions, resolvable references and read-only probes.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Phase: "semantic", Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if c.MaxAttempts < 1 {
		add("/max_attempts", "must be at least 1")
	}
	if c.MaxRestarts < 0 {
		add("/max_restarts", "must not be negative")
	}
	if c.StallLimit < 1 {
		add("/stall_limit", "must be at least 1")
	}
	if c.TierDenialsBeforeExclusion < 1 {
		add("/tier_denials_before_exclusion", "must be at least 1")
	}
	if c.MaxRiskTier < strategy.MinTier || c.MaxRiskTier > strategy.MaxTier {
		add("/max_risk_tier", "must be within %d..%d", strategy.MinTier, strategy.MaxTier)
	}
	if c.ProbeTimeout <= 0 {
		add("/probe_timeout", "must be positive")
	}
	if c.StrategyTimeout <= 0 {
		add("/strategy_timeout", "must be positive")
	}
	if c.ReprobeDelay < 0 {
		add("/reprobe_delay", "must not be negative")
	}
	if c.Backoff.Base <= 0 {
		add("/backoff/base", "must be positive")
	}
	if c.Backoff.Cap < c.Backoff.Base {
		add("/backoff/cap", "must not be below base")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		add("/backoff/jitter", "must be within 0..1")
	}
	if c.Audit.Path == "" {
		add("/audit/path", "must be set")
	}
	if c.Mirror.Endpoint != "" {
		u, err := url.Parse(c.Mirror.Endpoint)
		if err != nil || u.Host == "" {
			add("/mirror/endpoint", "invalid endpoint %q", c.Mirror.Endpoint)
		} else if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "grpc" && u.Scheme != "grpcs" {
			add("/mirror/endpoint", "unsupported scheme %q", u.Scheme)
		}
	}

	if len(c.Probes) == 0 {
		add("/probes", "at least one probe is required")
	}
	probeIDs := make(map[string]bool, len(c.Probes))
	reg := probe.NewRegistry()
	for i, spec := range c.Probes {
		path := fmt.Sprintf("/probes/%d", i)
		if probeIDs[spec.ID] {
			add(path, "duplicate probe id %q", spec.ID)
			continue
		}
		probeIDs[spec.ID] = true
		if _, err := reg.Build(spec, probe.Env{}); err != nil {
			add(path, "%v", err)
		}
	}

	for ref, a := range c.Actions {
		if _, err := a.build(ref); err != nil {
			add("/actions/"+ref, "%v", err)
		}
	}

	seen := make(map[string]bool, len(c.Strategies))
	for i, spec := range c.Strategies {
		path := fmt.Sprintf("/strategies/%d", i)
		if seen[spec.ID] {
			add(path, "duplicate strategy id %q", spec.ID)
			continue
		}
		seen[spec.ID] = true
		if _, err := strategy.Compile(spec); err != nil {
			add(path, "%v", err)
		}
		if _, ok := c.Actions[spec.Action]; spec.Action != "" && !ok {
			add(path+"/action", "unknown action %q", spec.Action)
		}
		if spec.Postcondition != "" && !probeIDs[spec.Postcondition] {
			add(path+"/postcondition", "unknown probe %q", spec.Postcondition)
		}
	}

	if _, err := strategy.Filter(nil, c.Include, c.Exclude); err != nil {
		add("/include", "%v", err)
	}
	return errs
}
