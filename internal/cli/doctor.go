package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rootwatch/internal/audit"
	"github.com/ppiankov/rootwatch/internal/checkpoint"
	"github.com/ppiankov/rootwatch/internal/mirror"
	"github.com/ppiankov/rootwatch/internal/probe"
	"github.com/ppiankov/rootwatch/internal/sysexec"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, state files and action binaries before a run",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		printChecks(cmd.OutOrStdout(), []checkResult{{label: "config", detail: err.Error(), fix: "rootwatch strategies validate"}})
		return err
	}
	checks := []checkResult{{label: "config", ok: true, detail: fmt.Sprintf("%d probes, %d actions, %d strategies", len(cfg.Probes), len(cfg.Actions), len(cfg.Strategies))}}

	// Probes, including the read-only allowlist.
	if probes, err := cfg.BuildProbes(sysexec.LocalRunner{}); err != nil {
		checks = append(checks, checkResult{label: "probes", detail: err.Error()})
	} else if det, err := probe.NewDetector(probes); err != nil {
		checks = append(checks, checkResult{label: "probes", detail: err.Error()})
	} else {
		ids := det.ProbeIDs()
		checks = append(checks, checkResult{label: "probes", ok: true, detail: fmt.Sprintf("%d built: %s", len(ids), strings.Join(ids, ", "))})
	}

	// Audit log chain.
	if _, err := os.Stat(cfg.Audit.Path); err != nil {
		checks = append(checks, checkResult{label: "audit log", ok: true, detail: "not created yet"})
	} else if res := audit.Verify(cfg.Audit.Path); res.Valid {
		checks = append(checks, checkResult{label: "audit log", ok: true, detail: fmt.Sprintf("%d entries, chain intact", res.Lines)})
	} else {
		checks = append(checks, checkResult{
			label:  "audit log",
			detail: fmt.Sprintf("chain broken at line %d: %s", res.ErrorLine, res.Error),
			fix:    "move the log aside; it cannot be appended to",
		})
	}

	// Checkpoint store.
	if cfg.Checkpoint.Disabled {
		checks = append(checks, checkResult{label: "checkpoint", ok: true, detail: "disabled"})
	} else if store, err := checkpoint.Open(cfg.Checkpoint.Path); err != nil {
		checks = append(checks, checkResult{label: "checkpoint", detail: err.Error()})
	} else {
		detail := "no snapshots"
		if snap, err := store.Latest(cmd.Context()); err == nil {
			detail = fmt.Sprintf("latest %s (%d attempts)", snap.TraceID, snap.Attempts)
			if snap.Resumable() {
				detail += ", resumable"
			}
		}
		store.Close()
		checks = append(checks, checkResult{label: "checkpoint", ok: true, detail: detail})
	}

	// Stop file.
	if _, err := os.Stat(cfg.StopFile); err == nil {
		checks = append(checks, checkResult{label: "stop file", detail: "present; a run would stop immediately", fix: "rootwatch run --clear-stop"})
	} else {
		checks = append(checks, checkResult{label: "stop file", ok: true, detail: "absent"})
	}

	// Mirror endpoint. Only the address is checked; nothing is sent.
	if cfg.Mirror.Endpoint == "" {
		checks = append(checks, checkResult{label: "mirror", ok: true, detail: "disabled"})
	} else if sink, err := mirror.NewSink(mirror.SinkConfig{
		Endpoint: cfg.Mirror.Endpoint,
		Source:   cfg.Mirror.Source,
		Headers:  cfg.Mirror.Headers,
		Timeout:  cfg.Mirror.Timeout,
	}); err != nil {
		checks = append(checks, checkResult{label: "mirror", detail: err.Error(), fix: "use an http(s):// or grpc(s):// endpoint"})
	} else {
		sink.Close()
		checks = append(checks, checkResult{label: "mirror", ok: true, detail: cfg.Mirror.Endpoint})
	}

	// Action binaries.
	refs := make([]string, 0, len(cfg.Actions))
	for ref := range cfg.Actions {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		checks = append(checks, binaryCheck("action "+ref, cfg.Actions[ref].Path))
	}

	// Commands used by read-only probes. A missing tool makes the probe vote
	// its fallback, which is worth knowing but not fatal.
	for _, spec := range cfg.Probes {
		if spec.Command == nil {
			continue
		}
		c := binaryCheck("probe "+spec.ID, spec.Command.Path)
		if !c.ok {
			c.ok = true
			c.detail += " (probe will vote " + otherwiseLabel(spec) + ")"
		}
		checks = append(checks, c)
	}

	if printChecks(cmd.OutOrStdout(), checks) {
		return &exitError{code: exitFailed, err: fmt.Errorf("doctor found issues")}
	}
	return nil
}

func binaryCheck(label, path string) checkResult {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return checkResult{label: label, detail: path + " not found"}
	}
	return checkResult{label: label, ok: true, detail: resolved}
}

func otherwiseLabel(spec probe.Spec) string {
	if spec.Otherwise == "" {
		return "not_elevated"
	}
	return spec.Otherwise
}

// printChecks renders results and reports whether any failed.
func printChecks(w io.Writer, checks []checkResult) bool {
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713"
		if !c.ok {
			mark = "\u2717"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-24s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	if hasFailures {
		fmt.Fprintln(w, "Some checks failed.")
	} else {
		fmt.Fprintln(w, "All checks passed.")
	}
	return hasFailures
}
