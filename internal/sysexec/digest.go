package sysexec

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DigestPrefix tags output digests so the algorithm is explicit in audit
// records.
const DigestPrefix = "blake3:"

// Digest hashes the captured output of r. Stdout and stderr are separated by
// a NUL byte so moving bytes between streams changes the digest.
func Digest(r Result) string {
	h := blake3.New()
	h.Write(r.Stdout)
	h.Write([]byte{0})
	h.Write(r.Stderr)
	return DigestPrefix + hex.EncodeToString(h.Sum(nil))
}
