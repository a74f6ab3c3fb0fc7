package strategy

import (
	"strings"
	"testing"

	"github.com/ppiankov/rootwatch/internal/model"
)

func TestCompileAndMatch(t *testing.T) {
	s, err := Compile(Spec{
		ID:           "magisk-patch",
		RiskTier:     TierPatch,
		Action:       "magisk",
		Precondition: `status == "partially_elevated" && confidence >= 0.5 && attempts < 10`,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		facts Facts
		want  bool
	}{
		{Facts{Status: model.StatusPartiallyElevated, Confidence: 0.7, Attempts: 2}, true},
		{Facts{Status: model.StatusPartiallyElevated, Confidence: 0.3, Attempts: 2}, false},
		{Facts{Status: model.StatusNotElevated, Confidence: 0.9, Attempts: 0}, false},
		{Facts{Status: model.StatusPartiallyElevated, Confidence: 0.9, Attempts: 10}, false},
	}
	for _, tt := range tests {
		got, err := s.Matches(tt.facts)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("Matches(%+v) = %v, want %v", tt.facts, got, tt.want)
		}
	}
}

func TestRankInPrecondition(t *testing.T) {
	s, err := Compile(Spec{ID: "s", RiskTier: 1, Action: "a", Precondition: "rank < 1"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Matches(Facts{Status: model.StatusNotElevated}); !ok {
		t.Error("rank 0 should match")
	}
	if ok, _ := s.Matches(Facts{Status: model.StatusPartiallyElevated}); ok {
		t.Error("rank 1 should not match")
	}
}

func TestProbeSignalInPrecondition(t *testing.T) {
	s, err := Compile(Spec{
		ID: "selinux-exploit", RiskTier: 3, Action: "a",
		Precondition: `probes["selinux-permissive"] == "partially_elevated" && probes["verified-boot-unlocked"] != "not_elevated"`,
	})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		probes map[string]model.RootStatus
		want   bool
	}{
		{"permissive and unlocked", map[string]model.RootStatus{
			"selinux-permissive":     model.StatusPartiallyElevated,
			"verified-boot-unlocked": model.StatusPartiallyElevated,
		}, true},
		{"enforcing", map[string]model.RootStatus{
			"selinux-permissive":     model.StatusNotElevated,
			"verified-boot-unlocked": model.StatusPartiallyElevated,
		}, false},
		{"locked bootloader", map[string]model.RootStatus{
			"selinux-permissive":     model.StatusPartiallyElevated,
			"verified-boot-unlocked": model.StatusNotElevated,
		}, false},
		{"no detection yet", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Matches(Facts{Status: model.StatusNotElevated, Probes: tt.probes})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmptyPreconditionAlwaysMatches(t *testing.T) {
	s, err := Compile(Spec{ID: "s", RiskTier: 1, Action: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Matches(Facts{}); !ok || err != nil {
		t.Errorf("expected match, got %v %v", ok, err)
	}
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{"no id", Spec{RiskTier: 1, Action: "a"}, "missing id"},
		{"tier zero", Spec{ID: "s", RiskTier: 0, Action: "a"}, "out of range"},
		{"tier seven", Spec{ID: "s", RiskTier: 7, Action: "a"}, "out of range"},
		{"no action", Spec{ID: "s", RiskTier: 1}, "missing action"},
		{"syntax", Spec{ID: "s", RiskTier: 1, Action: "a", Precondition: "status =="}, "compile precondition"},
		{"non-bool", Spec{ID: "s", RiskTier: 1, Action: "a", Precondition: "attempts + 1"}, "compile precondition"},
		{"unknown name", Spec{ID: "s", RiskTier: 1, Action: "a", Precondition: "uptime > 3"}, "compile precondition"},
		{"negative retries", Spec{ID: "s", RiskTier: 1, Action: "a", MaxLocalRetries: -1}, "max_local_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.spec)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCompileAllRejectsDuplicates(t *testing.T) {
	_, err := CompileAll([]Spec{
		{ID: "s", RiskTier: 1, Action: "a"},
		{ID: "s", RiskTier: 2, Action: "b"},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestPrioritizeIsStableByTier(t *testing.T) {
	list, err := CompileAll([]Spec{
		{ID: "c", RiskTier: 3, Action: "x"},
		{ID: "a1", RiskTier: 1, Action: "x"},
		{ID: "b", RiskTier: 2, Action: "x"},
		{ID: "a2", RiskTier: 1, Action: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := Prioritize(list)
	want := []string{"a1", "a2", "b", "c"}
	for i, s := range got {
		if s.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, s.ID, want[i])
		}
	}
	if list[0].ID != "c" {
		t.Error("Prioritize must not reorder its input")
	}
}

func TestFilter(t *testing.T) {
	list, _ := CompileAll([]Spec{
		{ID: "magisk-patch", RiskTier: 3, Action: "x"},
		{ID: "magisk-direct", RiskTier: 4, Action: "x"},
		{ID: "adb-root", RiskTier: 1, Action: "x"},
		{ID: "fastboot-unlock", RiskTier: 6, Action: "x"},
	})

	got, err := Filter(list, []string{"magisk-*", "adb-*"}, []string{"*-direct"})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "magisk-patch,adb-root" {
		t.Errorf("unexpected filter result %v", ids)
	}

	all, _ := Filter(list, nil, nil)
	if len(all) != 4 {
		t.Errorf("empty include should keep everything, got %d", len(all))
	}

	if _, err := Filter(list, []string{"[unclosed"}, nil); err == nil {
		t.Error("expected invalid pattern error")
	}
}

func TestTierLabel(t *testing.T) {
	if TierLabel(TierPartition) != "partition" {
		t.Errorf("unexpected label %s", TierLabel(TierPartition))
	}
	if TierLabel(9) != "unknown(9)" {
		t.Errorf("unexpected label %s", TierLabel(9))
	}
}
