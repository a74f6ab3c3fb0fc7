package sysexec

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ppiankov/rootwatch/internal/model"
)

// DefaultExitSignals maps conventional exit codes to failure hints.
// 75 is EX_TEMPFAIL, 77 EX_NOPERM, 78 EX_CONFIG, 124 timeout(1),
// 126 not executable and 127 command not found.
var DefaultExitSignals = map[int]model.Signal{
	75:  model.SignalTransient,
	124: model.SignalTimeout,
	77:  model.SignalPermissionDenied,
	126: model.SignalPermissionDenied,
	78:  model.SignalEnvironmentMismatch,
	127: model.SignalEnvironmentMismatch,
}

// OutputPattern maps a case-insensitive match in stdout or stderr to a signal.
type OutputPattern struct {
	Match  *regexp.Regexp
	Signal model.Signal
}

// DefaultOutputPatterns are checked in order; fatal patterns come first so a
// destroyed boot path is never mistaken for a recoverable failure.
var DefaultOutputPatterns = []OutputPattern{
	{regexp.MustCompile(`(?i)storage medium unavailable`), model.SignalFatal},
	{regexp.MustCompile(`(?i)boot path destroyed`), model.SignalFatal},
	{regexp.MustCompile(`(?i)\bbootloop\b`), model.SignalFatal},
	{regexp.MustCompile(`(?i)permission denied`), model.SignalPermissionDenied},
	{regexp.MustCompile(`(?i)read-only file system`), model.SignalPermissionDenied},
	{regexp.MustCompile(`(?i)not found`), model.SignalEnvironmentMismatch},
	{regexp.MustCompile(`(?i)unsupported`), model.SignalEnvironmentMismatch},
}

// Classifier derives a failure hint from a process result.
type Classifier struct {
	ExitCodes      map[int]model.Signal
	FatalExitCodes []int
	Patterns       []OutputPattern
}

// DefaultClassifier returns a classifier using the default maps.
func DefaultClassifier() Classifier {
	codes := make(map[int]model.Signal, len(DefaultExitSignals))
	for k, v := range DefaultExitSignals {
		codes[k] = v
	}
	return Classifier{
		ExitCodes: codes,
		Patterns:  append([]OutputPattern(nil), DefaultOutputPatterns...),
	}
}

// Classify returns SignalNone for a clean exit. Otherwise precedence is:
// timeout, fatal exit code, fatal output pattern, exit code map, remaining
// output patterns, and finally SignalUnknownExit.
func (c Classifier) Classify(r Result) model.Signal {
	if r.TimedOut {
		return model.SignalTimeout
	}
	if r.ExitCode == 0 {
		return model.SignalNone
	}
	for _, code := range c.FatalExitCodes {
		if r.ExitCode == code {
			return model.SignalFatal
		}
	}

	out := combined(r)
	for _, p := range c.Patterns {
		if p.Signal == model.SignalFatal && p.Match.Match(out) {
			return model.SignalFatal
		}
	}
	if sig, ok := c.ExitCodes[r.ExitCode]; ok {
		return sig
	}
	for _, p := range c.Patterns {
		if p.Match.Match(out) {
			return p.Signal
		}
	}
	return model.SignalUnknownExit
}

// CompilePatterns turns a config map of substring -> signal name into
// output patterns. Keys are matched case-insensitively as literals.
func CompilePatterns(m map[string]string) ([]OutputPattern, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]OutputPattern, 0, len(keys))
	for _, k := range keys {
		sig, err := ParseSignal(m[k])
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(k))
		if err != nil {
			return nil, err
		}
		out = append(out, OutputPattern{Match: re, Signal: sig})
	}
	return out, nil
}

// ParseSignal maps a config name to a classifiable signal.
func ParseSignal(name string) (model.Signal, error) {
	switch s := model.Signal(strings.ToLower(strings.TrimSpace(name))); s {
	case model.SignalTransient, model.SignalTimeout, model.SignalPermissionDenied,
		model.SignalEnvironmentMismatch, model.SignalFatal:
		return s, nil
	}
	return model.SignalNone, &UnknownSignalError{Name: name}
}

// UnknownSignalError reports an unrecognized signal name in configuration.
type UnknownSignalError struct {
	Name string
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("sysexec: unknown signal %q", e.Name)
}

func combined(r Result) []byte {
	if len(r.Stderr) == 0 {
		return r.Stdout
	}
	if len(r.Stdout) == 0 {
		return r.Stderr
	}
	return bytes.Join([][]byte{r.Stdout, r.Stderr}, []byte{'\n'})
}
