package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/rootwatch/internal/model"
)

func newTestLog(t *testing.T, opts ...Option) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	opts = append([]Option{WithTraceID("t-test123")}, opts...)
	l, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testAttempt(outcome model.Outcome) model.AttemptRecord {
	return model.AttemptRecord{
		ID:              "a-test",
		StrategyID:      "magisk-patch",
		ActionRef:       "magisk",
		RiskTier:        2,
		AttemptIndex:    1,
		StartedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Outcome:         outcome,
		OutputDigest:    "blake3:abc",
		PriorStatus:     model.StatusNotElevated,
		ResultingStatus: model.StatusPartiallyElevated,
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		if _, err := l.Append(KindAttempt, testAttempt(model.OutcomeFail)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestAppendAssignsMonotonicSeqAndTrace(t *testing.T) {
	l, _ := newTestLog(t)
	defer l.Close()

	var prev Record
	for i := 1; i <= 3; i++ {
		rec, err := l.Append(KindAdaptation, model.AdaptationEvent{Mutation: model.MutationObserve})
		if err != nil {
			t.Fatal(err)
		}
		if rec.Seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, rec.Seq)
		}
		if rec.TraceID != "t-test123" {
			t.Errorf("expected trace t-test123, got %s", rec.TraceID)
		}
		if i == 1 && rec.PrevHash != GenesisHash {
			t.Errorf("first record should reference genesis, got %s", rec.PrevHash)
		}
		if i > 1 && rec.PrevHash != prev.Hash {
			t.Errorf("record %d prev_hash does not match previous hash", i)
		}
		prev = rec
	}
	if l.Seq() != 3 {
		t.Errorf("expected Seq()=3, got %d", l.Seq())
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(KindAttempt, testAttempt(model.OutcomeFail)); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	lines := readLines(t, path)
	lines[1] = strings.Replace(lines[1], `"outcome":"fail"`, `"outcome":"success"`, 1)
	writeLines(t, path, lines)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d (%s)", result.ErrorLine, result.Error)
	}
}

func TestVerifyDetectsDeletedRecord(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(KindAttempt, testAttempt(model.OutcomeFail)); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	lines := readLines(t, path)
	writeLines(t, path, []string{lines[0], lines[2]})

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted record to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsInsertedRecord(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(KindAttempt, testAttempt(model.OutcomeFail)); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	lines := readLines(t, path)
	var first Record
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	// A forged record with a self-consistent hash still breaks seq continuity
	// of the record that follows it.
	fake := Record{
		Seq:      2,
		TraceID:  first.TraceID,
		Kind:     KindAttempt,
		Payload:  json.RawMessage(`{"outcome":"success"}`),
		PrevHash: first.Hash,
	}
	fake.Hash, _ = ComputeHash(fake)
	fakeJSON, _ := json.Marshal(fake)
	writeLines(t, path, []string{lines[0], string(fakeJSON), lines[1], lines[2]})

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with inserted record to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d (%s)", result.ErrorLine, result.Error)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l1, err := Open(path, WithTraceID("t-one"))
	if err != nil {
		t.Fatal(err)
	}
	l1.Append(KindAttempt, testAttempt(model.OutcomeFail))
	l1.Append(KindAttempt, testAttempt(model.OutcomeFail))
	l1.Close()

	l2, err := Open(path, WithTraceID("t-two"))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := l2.Append(KindAttempt, testAttempt(model.OutcomeSuccess))
	if err != nil {
		t.Fatal(err)
	}
	l2.Close()

	if rec.Seq != 3 {
		t.Errorf("expected seq to continue at 3, got %d", rec.Seq)
	}
	if result := Verify(path); !result.Valid || result.Lines != 3 {
		t.Fatalf("expected valid 3-line chain across reopen, got %+v", result)
	}
}

func TestOpenRejectsCorruptTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for corrupt tail")
	}
}

func TestAppendAfterWriteFailureStaysBroken(t *testing.T) {
	l, _ := newTestLog(t)
	l.file.Close()

	_, err := l.Append(KindAttempt, testAttempt(model.OutcomeFail))
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
	_, err = l.Append(KindAttempt, testAttempt(model.OutcomeFail))
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected log to stay broken, got %v", err)
	}
}

func TestConcurrentWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(KindAttempt, testAttempt(model.OutcomeFail)); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain under concurrency, got line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 20 {
		t.Fatalf("expected 20 lines, got %d", result.Lines)
	}
}

func TestTailAndSince(t *testing.T) {
	l, _ := newTestLog(t)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Append(KindAttempt, testAttempt(model.OutcomeFail))
	}

	tail, err := l.Tail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	since, err := l.Since(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 || since[0].Seq != 4 {
		t.Fatalf("unexpected since(3): %+v", since)
	}

	all, err := l.Tail(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected Tail(0) to return all 5, got %d", len(all))
	}
}

func TestRecordDecodesPayload(t *testing.T) {
	l, _ := newTestLog(t)
	defer l.Close()

	rec, err := l.Append(KindAttempt, testAttempt(model.OutcomeTimeout))
	if err != nil {
		t.Fatal(err)
	}
	a, err := rec.Attempt()
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != model.OutcomeTimeout || a.StrategyID != "magisk-patch" {
		t.Errorf("unexpected decoded attempt: %+v", a)
	}
	if _, err := rec.Adaptation(); err == nil {
		t.Error("expected kind mismatch error")
	}
}

type captureMirror struct {
	mu    sync.Mutex
	lines [][]byte
}

func (m *captureMirror) Enqueue(_ Record, line []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, line)
}

func TestMirrorReceivesWrittenLines(t *testing.T) {
	m := &captureMirror{}
	l, path := newTestLog(t, WithMirror(m))
	for i := 0; i < 3; i++ {
		l.Append(KindAttempt, testAttempt(model.OutcomeFail))
	}
	l.Close()

	lines := readLines(t, path)
	if len(m.lines) != 3 {
		t.Fatalf("expected 3 mirrored lines, got %d", len(m.lines))
	}
	for i := range lines {
		if string(m.lines[i]) != lines[i] {
			t.Errorf("mirrored line %d differs from disk", i)
		}
	}
}
