package probe

import "github.com/ppiankov/rootwatch/internal/sysexec"

// DefaultSpecs is the built-in probe set. Indicators of a partial root vote
// not_elevated when absent; the uid checks abstain when they fail so a
// missing su grant does not outvote the partial indicators.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			ID: "su-binary", Kind: "file", Weight: 0.4,
			Signal: "partially_elevated",
			Paths: []string{
				"/system/{bin,xbin,sbin}/su",
				"/sbin/su",
				"/su/bin/su",
				"/vendor/bin/su",
				"/data/local/su",
				"/data/local/{bin,xbin}/su",
			},
		},
		{
			ID: "root-manager", Kind: "command", Weight: 0.3,
			Signal:  "partially_elevated",
			Command: &sysexec.Command{Path: "pm", Args: []string{"list", "packages"}},
			Match:   `com\.topjohnwu\.magisk|eu\.chainfire\.supersu|com\.koushikdutta\.superuser|com\.noshufou\.android\.su|me\.weishu\.kernelsu`,
			Regex:   true,
		},
		{
			ID: "prop-debuggable", Kind: "property", Weight: 0.05,
			Signal: "partially_elevated", Property: "ro.debuggable", Values: []string{"1"},
		},
		{
			ID: "prop-insecure", Kind: "property", Weight: 0.1,
			Signal: "partially_elevated", Property: "ro.secure", Values: []string{"0"},
		},
		{
			ID: "prop-build-type", Kind: "property", Weight: 0.05,
			Signal: "partially_elevated", Property: "ro.build.type", Values: []string{"userdebug", "eng"},
		},
		{
			ID: "prop-test-keys", Kind: "property", Weight: 0.05,
			Signal: "partially_elevated", Property: "ro.build.tags", Values: []string{"test-keys"},
		},
		{
			ID: "selinux-permissive", Kind: "command", Weight: 0.15,
			Signal:  "partially_elevated",
			Command: &sysexec.Command{Path: "getenforce"},
			Match:   "Permissive",
		},
		{
			ID: "system-rw", Kind: "mounts", Weight: 0.2,
			Signal: "partially_elevated", MountPoint: "/system",
		},
		{
			ID: "verified-boot-unlocked", Kind: "property", Weight: 0.1,
			Signal: "partially_elevated", Property: "ro.boot.verifiedbootstate", Values: []string{"orange", "yellow"},
		},
		{
			ID: "process-uid", Kind: "command", Weight: 0.5,
			Signal:  "fully_elevated",
			Command: &sysexec.Command{Path: "id"},
			Match:   `\buid=0\(`,
			Regex:   true,
		},
		{
			ID: "capabilities-full", Kind: "capabilities", Weight: 0.4,
			Signal: "fully_elevated", Otherwise: Abstain, Mode: "full",
		},
		{
			ID: "su-uid", Kind: "command", Weight: 1.0,
			Signal:    "fully_elevated",
			Otherwise: Abstain,
			Command:   &sysexec.Command{Path: "su", Args: []string{"-c", "id"}},
			Match:     `\buid=0\(`,
			Regex:     true,
		},
	}
}

// DefaultPostcondition is the probe that defines full elevation when a
// strategy does not name its own.
const DefaultPostcondition = "su-uid"
