package audit

import (
	"path/filepath"
	"testing"

	"github.com/ppiankov/rootwatch/internal/model"
)

func BenchmarkAppend(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := Open(path, WithTraceID("t-bench"))
	if err != nil {
		b.Fatal(err)
	}
	defer al.Close()

	rec := model.AttemptRecord{StrategyID: "bench", Outcome: model.OutcomeFail, RiskTier: 1}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		al.Append(KindAttempt, rec)
	}
}
