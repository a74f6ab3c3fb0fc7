package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/rootwatch/internal/audit"
	"github.com/ppiankov/rootwatch/internal/engine"
	"github.com/ppiankov/rootwatch/internal/model"
)

const testConfig = `max_attempts: 10
reprobe_delay: 10ms
backoff:
  base: 10ms
  cap: 20ms
  jitter: 0
audit:
  path: DIR/audit.jsonl
checkpoint:
  path: DIR/checkpoint.db
stop_file: DIR/STOP
probes:
  - id: marker
    kind: file
    weight: 1
    signal: fully_elevated
    paths: ["DIR/elevated"]
    exists_only: true
actions:
  touch:
    path: /bin/sh
    args: ["-c", "touch DIR/elevated"]
  missing:
    path: DIR/no-such-binary
strategies:
  - id: broken
    risk_tier: 1
    action: missing
  - id: touch-marker
    risk_tier: 2
    action: touch
`

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(body, "DIR", dir)), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	resetFlags()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// resetFlags clears flag variables left over from an earlier execute call.
func resetFlags() {
	configPath, logLevel, logFormat = "", "info", "text"
	runResume, runClearStop, runJSON = "", false, false
	detectJSON, timelineJSON, verifyAsJSON = false, false, false
	tailLines, auditTraceID, auditKind = 10, "", ""
	initDir, initForce = "", false
	versionJSON = false
}

func TestRunEscalatesAndVerifies(t *testing.T) {
	cfgPath, dir := writeConfig(t, testConfig)

	code, out, errOut := execute(t, "run", "-c", cfgPath, "--json", "--log-level", "debug")
	if code != exitOK {
		t.Fatalf("exit %d\nstdout: %s\nstderr: %s", code, out, errOut)
	}
	var res engine.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("parse result: %v\n%s", err, out)
	}
	if res.Reason != model.ReasonSuccess || res.FinalStatus != model.StatusFullyElevated {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("expected the broken strategy to be removed and the second to succeed, got %d attempts", res.Attempts)
	}

	code, out, _ = execute(t, "audit", "verify", filepath.Join(dir, "audit.jsonl"))
	if code != exitOK || !strings.Contains(out, "OK:") {
		t.Errorf("audit verify: exit %d: %s", code, out)
	}

	code, out, _ = execute(t, "audit", "timeline", "-c", cfgPath)
	if code != exitOK || !strings.Contains(out, res.TraceID) {
		t.Errorf("timeline should name the trace: exit %d\n%s", code, out)
	}

	code, out, _ = execute(t, "checkpoint", "show", "-c", cfgPath)
	if code != exitOK || !strings.Contains(out, `"termination": "success"`) {
		t.Errorf("checkpoint show: exit %d\n%s", code, out)
	}
}

func TestRunStopsWhenStopFilePresent(t *testing.T) {
	cfgPath, dir := writeConfig(t, testConfig)
	if err := os.WriteFile(filepath.Join(dir, "STOP"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	code, out, _ := execute(t, "run", "-c", cfgPath, "--json")
	if code != exitFailed {
		t.Fatalf("expected exit 1, got %d: %s", code, out)
	}
	recs, err := audit.ReadFile(filepath.Join(dir, "audit.jsonl"), audit.Filter{Kind: audit.KindAttempt})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("no action may run once the stop file exists, got %d attempts", len(recs))
	}
	if _, err := os.Stat(filepath.Join(dir, "elevated")); err == nil {
		t.Error("escalation action ran despite the stop file")
	}
}

func TestConfigErrorsExit78(t *testing.T) {
	cfgPath, _ := writeConfig(t, "max_attempts: 0\nunknown_key: 1\n")

	code, _, errOut := execute(t, "strategies", "validate", cfgPath)
	if code != exitConfig {
		t.Fatalf("expected exit 78, got %d", code)
	}
	if !strings.Contains(errOut, "unknown_key") {
		t.Errorf("schema error should name the key:\n%s", errOut)
	}

	code, _, _ = execute(t, "run", "-c", cfgPath)
	if code != exitConfig {
		t.Errorf("run with invalid config: expected 78, got %d", code)
	}
}

func TestStrategiesValidateAndList(t *testing.T) {
	cfgPath, _ := writeConfig(t, testConfig)

	code, out, errOut := execute(t, "strategies", "validate", cfgPath)
	if code != exitOK || !strings.Contains(out, "2 strategies") {
		t.Fatalf("validate: exit %d\n%s%s", code, out, errOut)
	}

	code, out, _ = execute(t, "strategies", "list", "-c", cfgPath)
	if code != exitOK {
		t.Fatalf("list: exit %d", code)
	}
	if strings.Index(out, "broken") > strings.Index(out, "touch-marker") {
		t.Errorf("strategies should be listed in tier order:\n%s", out)
	}
}

func TestDetectJSON(t *testing.T) {
	cfgPath, dir := writeConfig(t, testConfig)
	if err := os.WriteFile(filepath.Join(dir, "elevated"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	code, out, _ := execute(t, "detect", "-c", cfgPath, "--json")
	if code != exitOK {
		t.Fatalf("exit %d", code)
	}
	var got detectOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != string(model.StatusFullyElevated) || len(got.Probes) != 1 {
		t.Errorf("unexpected detection %+v", got)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	code, _, errOut := execute(t, "version", "--log-level", "loud")
	if code != exitConfig || !strings.Contains(errOut, "log-level") {
		t.Errorf("expected config exit for bad log level, got %d: %s", code, errOut)
	}
}

func TestVersionJSON(t *testing.T) {
	code, out, _ := execute(t, "version", "--json")
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if info.Name != "rootwatch" || info.Version != version || info.Go == "" {
		t.Errorf("unexpected version info %+v", info)
	}
}
