package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/sysexec"
)

func rooted(root, path string) string {
	if root == "" {
		return path
	}
	return filepath.Join(root, path)
}

// fileProbe matches when any glob resolves to an executable regular file
// (or any existing path with exists_only).
type fileProbe struct {
	base
	patterns   []string
	existsOnly bool
}

func newFileProbe(spec Spec, env Env) (Probe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	if len(spec.Paths) == 0 {
		return nil, fmt.Errorf("file probe needs at least one path")
	}
	patterns := make([]string, 0, len(spec.Paths))
	for _, p := range spec.Paths {
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("path %q must be absolute", p)
		}
		full := rooted(env.Root, p)
		if !doublestar.ValidatePattern(filepath.ToSlash(full)) {
			return nil, fmt.Errorf("invalid glob %q", p)
		}
		patterns = append(patterns, full)
	}
	return &fileProbe{base: b, patterns: patterns, existsOnly: spec.ExistsOnly}, nil
}

func (p *fileProbe) Check(ctx context.Context) (model.RootStatus, error) {
	for _, pattern := range p.patterns {
		if err := ctx.Err(); err != nil {
			return model.StatusError, err
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return model.StatusError, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if p.existsOnly || (info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0) {
				return p.vote(true), nil
			}
		}
	}
	return p.vote(false), nil
}

// commandProbe runs an allowlisted command and matches its stdout.
type commandProbe struct {
	base
	runner sysexec.Runner
	cmd    sysexec.Command
	substr string
	re     *regexp.Regexp
}

func newCommandProbe(spec Spec, env Env) (Probe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	if spec.Command == nil || spec.Command.Path == "" {
		return nil, fmt.Errorf("command probe needs a command")
	}
	if err := CheckReadOnly(*spec.Command); err != nil {
		return nil, err
	}
	if spec.Match == "" {
		return nil, fmt.Errorf("command probe needs a match")
	}
	p := &commandProbe{base: b, runner: runnerOrLocal(env), cmd: *spec.Command}
	if spec.Regex {
		re, err := regexp.Compile(spec.Match)
		if err != nil {
			return nil, fmt.Errorf("match: %w", err)
		}
		p.re = re
	} else {
		p.substr = spec.Match
	}
	return p, nil
}

func (p *commandProbe) Check(ctx context.Context) (model.RootStatus, error) {
	res, err := p.runner.Run(ctx, p.cmd)
	if err != nil {
		// A missing binary is evidence, not an error: the check simply fails.
		if errors.Is(err, sysexec.ErrStart) && ctx.Err() == nil {
			return p.vote(false), nil
		}
		return model.StatusError, err
	}
	if res.TimedOut || ctx.Err() != nil {
		return model.StatusError, fmt.Errorf("%s: timed out", p.cmd.Path)
	}
	if p.re != nil {
		return p.vote(p.re.Match(res.Stdout)), nil
	}
	return p.vote(bytes.Contains(res.Stdout, []byte(p.substr))), nil
}

// propertyProbe reads one system property through getprop.
type propertyProbe struct {
	base
	runner sysexec.Runner
	name   string
	values map[string]bool
}

var propertyName = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

func newPropertyProbe(spec Spec, env Env) (Probe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	if !propertyName.MatchString(spec.Property) {
		return nil, fmt.Errorf("invalid property name %q", spec.Property)
	}
	if len(spec.Values) == 0 {
		return nil, fmt.Errorf("property probe needs at least one value")
	}
	values := make(map[string]bool, len(spec.Values))
	for _, v := range spec.Values {
		values[v] = true
	}
	return &propertyProbe{base: b, runner: runnerOrLocal(env), name: spec.Property, values: values}, nil
}

func (p *propertyProbe) Check(ctx context.Context) (model.RootStatus, error) {
	res, err := p.runner.Run(ctx, sysexec.Command{Path: "getprop", Args: []string{p.name}})
	if err != nil {
		return model.StatusError, err
	}
	if res.TimedOut || ctx.Err() != nil {
		return model.StatusError, fmt.Errorf("getprop %s: timed out", p.name)
	}
	if res.ExitCode != 0 {
		return model.StatusError, fmt.Errorf("getprop %s: exit %d", p.name, res.ExitCode)
	}
	return p.vote(p.values[strings.TrimSpace(string(res.Stdout))]), nil
}

// mountsProbe matches when a mount point is mounted read-write.
type mountsProbe struct {
	base
	path       string
	mountPoint string
}

func newMountsProbe(spec Spec, env Env) (Probe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	if spec.MountPoint == "" || !filepath.IsAbs(spec.MountPoint) {
		return nil, fmt.Errorf("mounts probe needs an absolute mount_point")
	}
	return &mountsProbe{base: b, path: rooted(env.Root, "/proc/mounts"), mountPoint: spec.MountPoint}, nil
}

func (p *mountsProbe) Check(ctx context.Context) (model.RootStatus, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return model.StatusError, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[1] != p.mountPoint {
			continue
		}
		for _, opt := range strings.Split(fields[3], ",") {
			if opt == "rw" {
				return p.vote(true), nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return model.StatusError, err
	}
	return p.vote(false), nil
}

// fullCapabilities is the CapEff mask with every capability up to
// CAP_CHECKPOINT_RESTORE (40) set.
const fullCapabilities uint64 = 1<<41 - 1

// capabilitiesProbe inspects CapEff of the running process.
type capabilitiesProbe struct {
	base
	path string
	full bool
}

func newCapabilitiesProbe(spec Spec, env Env) (Probe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	p := &capabilitiesProbe{base: b, path: rooted(env.Root, "/proc/self/status")}
	switch spec.Mode {
	case "", "any":
	case "full":
		p.full = true
	default:
		return nil, fmt.Errorf("capabilities mode %q must be any or full", spec.Mode)
	}
	return p, nil
}

func (p *capabilitiesProbe) Check(ctx context.Context) (model.RootStatus, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.StatusError, fmt.Errorf("%s missing", p.path)
		}
		return model.StatusError, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, "CapEff:")
		if !ok {
			continue
		}
		caps, err := strconv.ParseUint(strings.TrimSpace(rest), 16, 64)
		if err != nil {
			return model.StatusError, fmt.Errorf("parse CapEff: %w", err)
		}
		if p.full {
			return p.vote(caps&fullCapabilities == fullCapabilities), nil
		}
		return p.vote(caps != 0), nil
	}
	return model.StatusError, fmt.Errorf("no CapEff line in %s", p.path)
}

func runnerOrLocal(env Env) sysexec.Runner {
	if env.Runner != nil {
		return env.Runner
	}
	return sysexec.LocalRunner{MaxOutput: 16 << 10}
}
