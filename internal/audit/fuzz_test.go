package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/rootwatch/internal/model"
)

func FuzzVerify(f *testing.F) {
	// Seed with a valid 3-record chain
	tmpDir := f.TempDir()
	validLog := filepath.Join(tmpDir, "valid.jsonl")
	al, err := Open(validLog, WithTraceID("t-fuzz"))
	if err != nil {
		f.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		al.Append(KindAttempt, model.AttemptRecord{StrategyID: "s", Outcome: model.OutcomeFail})
	}
	al.Close()
	validData, _ := os.ReadFile(validLog)
	f.Add(validData)

	f.Add([]byte{})
	f.Add([]byte("not json\n"))
	f.Add([]byte(`{"seq":1,"prev_hash":"sha256:0000000000000000000000000000000000000000000000000000000000000000"}` + "\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(t.TempDir(), "fuzz.jsonl")
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Skip()
		}
		// Must never panic.
		_ = Verify(path)
	})
}
