package config

import "fmt"

// DefaultYAML returns a commented starter configuration for `rootwatch init`.
// It omits probes so the built-in probe set stays in effect, and carries no
// strategies: escalation actions are site-specific.
func DefaultYAML() string {
	d := Default()
	return fmt.Sprintf(`# rootwatch configuration.
# Durations use Go syntax (500ms, 2s, 1m30s). Omitted keys keep their defaults.

max_attempts: %d
max_restarts: %d
stall_limit: %d
tier_denials_before_exclusion: %d
# Highest risk tier the engine may ever run (1 inspect .. 6 destructive).
max_risk_tier: %d
probe_timeout: %s
strategy_timeout: %s
reprobe_delay: %s

backoff:
  base: %s
  cap: %s
  jitter: %g

audit:
  path: %s
checkpoint:
  path: %s
# touch this file to stop a running engine
stop_file: %s

# mirror:
#   endpoint: grpc://collector.example:7443
#   source: my-device
#   max_retries: %d

# include: ["*"]
# exclude: ["*-experimental"]

# actions:
#   adb-root:
#     path: /usr/local/bin/adb-root
#     timeout: 30s
#     exit_codes:
#       3: permission_denied

# strategies:
#   - id: adb-root
#     risk_tier: 1
#     action: adb-root
#     precondition: 'status == "not_elevated"'
#     postcondition: su-uid
#   - id: selinux-exploit
#     risk_tier: 3
#     action: selinux-exploit
#     precondition: 'probes["selinux-permissive"] == "partially_elevated"'
actions: {}
strategies: []
`,
		d.MaxAttempts, d.MaxRestarts, d.StallLimit, d.TierDenialsBeforeExclusion, d.MaxRiskTier,
		d.ProbeTimeout, d.StrategyTimeout, d.ReprobeDelay,
		d.Backoff.Base, d.Backoff.Cap, d.Backoff.Jitter,
		quote(d.Audit.Path), quote(d.Checkpoint.Path), quote(d.StopFile),
		d.Mirror.MaxRetries,
	)
}

func quote(s string) string { return fmt.Sprintf("%q", s) }
