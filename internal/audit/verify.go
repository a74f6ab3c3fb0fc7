package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	LastHash  string `json:"last_hash,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Chain checks records one at a time for sequence and hash continuity.
// The zero value expects a log that starts at the genesis hash.
type Chain struct {
	seq      uint64
	prevHash string
	anchored bool
}

// NewAnchoredChain returns a Chain that accepts whatever record comes first
// as the anchor (its own hash is still checked). Used by receivers that join
// a stream mid-way.
func NewAnchoredChain() *Chain {
	return &Chain{anchored: true}
}

// ResumeChain returns a Chain that continues after the given record.
func ResumeChain(last Record) *Chain {
	return &Chain{seq: last.Seq, prevHash: last.Hash}
}

// Check validates rec against the chain tail and advances the tail.
func (c *Chain) Check(rec Record) error {
	want, err := ComputeHash(rec)
	if err != nil {
		return err
	}
	if rec.Hash != want {
		return fmt.Errorf("record hash mismatch at seq %d: expected %s, got %s", rec.Seq, want, rec.Hash)
	}

	switch {
	case c.anchored:
		c.anchored = false
	case c.prevHash == "":
		if rec.PrevHash != GenesisHash {
			return fmt.Errorf("first record prev_hash is %q, expected genesis hash", rec.PrevHash)
		}
		if rec.Seq != 1 {
			return fmt.Errorf("first record seq is %d, expected 1", rec.Seq)
		}
	default:
		if rec.PrevHash != c.prevHash {
			return fmt.Errorf("chain broken at seq %d: expected prev_hash %s, got %s", rec.Seq, c.prevHash, rec.PrevHash)
		}
		if rec.Seq != c.seq+1 {
			return fmt.Errorf("sequence gap: expected %d, got %d", c.seq+1, rec.Seq)
		}
	}

	c.seq = rec.Seq
	c.prevHash = rec.Hash
	return nil
}

// Tail returns the sequence number and hash of the last accepted record.
func (c *Chain) Tail() (uint64, string) {
	return c.seq, c.prevHash
}

// Verify reads a JSONL audit log and validates the hash chain.
// Returns Valid=true if the chain is intact, or details about
// the first broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0
	var chain Chain

	for scanner.Scan() {
		lineNum++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return VerifyResult{
				Error:     fmt.Sprintf("parse error: %v", err),
				ErrorLine: lineNum,
			}
		}
		if err := chain.Check(rec); err != nil {
			return VerifyResult{Error: err.Error(), ErrorLine: lineNum}
		}
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	_, last := chain.Tail()
	return VerifyResult{Valid: true, Lines: lineNum, LastHash: last}
}
