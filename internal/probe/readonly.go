package probe

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ppiankov/rootwatch/internal/sysexec"
)

// readOnlyBinaries are the only programs a probe may invoke.
var readOnlyBinaries = map[string]bool{
	"id":         true,
	"getprop":    true,
	"getenforce": true,
	"cat":        true,
	"ls":         true,
	"stat":       true,
	"mount":      true,
	"pm":         true,
	"which":      true,
	"uname":      true,
	"dumpsys":    true,
}

// pm and dumpsys have mutating subcommands; only these are permitted.
var readOnlySubcommands = map[string]map[string]bool{
	"pm":      {"list": true, "path": true},
	"dumpsys": {"package": true, "activity": true, "window": true},
}

// systemDirs are the only directories an absolute probe binary may live in.
var systemDirs = map[string]bool{
	"/system/bin":  true,
	"/system/xbin": true,
	"/sbin":        true,
	"/bin":         true,
	"/usr/bin":     true,
}

// shellMeta are rejected inside `su -c` strings since su hands them to a shell.
const shellMeta = ";&|`$<>()\\\n\"'*?"

// CheckReadOnly returns an error unless cmd invokes an allowlisted read-only
// binary, either directly or wrapped as `su -c "<allowlisted command>"`.
func CheckReadOnly(cmd sysexec.Command) error {
	if len(cmd.Env) > 0 {
		return fmt.Errorf("probe commands may not set environment variables, got %q", cmd.Env)
	}
	if cmd.Dir != "" {
		return fmt.Errorf("probe commands may not set a working directory, got %q", cmd.Dir)
	}
	name, err := binaryName(cmd.Path)
	if err != nil {
		return err
	}
	if name == "su" {
		if len(cmd.Args) != 2 || cmd.Args[0] != "-c" {
			return fmt.Errorf("su is only allowed as `su -c <command>`, got %q", cmd.String())
		}
		inner := cmd.Args[1]
		if strings.ContainsAny(inner, shellMeta) {
			return fmt.Errorf("su -c command %q contains shell metacharacters", inner)
		}
		fields := strings.Fields(inner)
		if len(fields) == 0 {
			return fmt.Errorf("su -c with empty command")
		}
		inner, err = binaryName(fields[0])
		if err != nil {
			return err
		}
		return checkBinary(inner, fields[1:])
	}
	return checkBinary(name, cmd.Args)
}

// binaryName accepts a bare name, resolved from PATH at run time, or an
// absolute path inside one of systemDirs. Relative paths are rejected.
func binaryName(path string) (string, error) {
	if !strings.Contains(path, "/") {
		if path == "" {
			return "", fmt.Errorf("empty probe command")
		}
		return path, nil
	}
	if !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return "", fmt.Errorf("probe binary %q must be a bare name or a clean absolute path", path)
	}
	if !systemDirs[filepath.Dir(path)] {
		return "", fmt.Errorf("probe binary %q is outside the system directories", path)
	}
	return filepath.Base(path), nil
}

func checkBinary(name string, args []string) error {
	if !readOnlyBinaries[name] {
		return fmt.Errorf("%q is not an allowlisted read-only binary", name)
	}
	if subs, ok := readOnlySubcommands[name]; ok {
		if len(args) == 0 || !subs[args[0]] {
			return fmt.Errorf("%s is only allowed with a read-only subcommand", name)
		}
	}
	if name == "mount" && len(args) > 0 {
		return fmt.Errorf("mount is only allowed without arguments")
	}
	return nil
}
