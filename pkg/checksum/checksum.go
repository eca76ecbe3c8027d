// Package checksum computes content digests for migration units and compares
// them against digests recorded when a unit was applied.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is a lowercase hex-encoded SHA-256 of a unit's content.
type Digest string

// Result is the outcome of comparing a recorded digest with a computed one.
type Result int

const (
	// Match means the content is unchanged since it was applied.
	Match Result = iota
	// Mismatch means the content was edited after it was applied.
	Mismatch
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Compute returns the digest of content. The same bytes always produce the
// same digest regardless of platform.
func Compute(content []byte) Digest {
	h := sha256.Sum256(content)
	return Digest(hex.EncodeToString(h[:]))
}

// Compare reports whether existing and computed describe the same content.
func Compare(existing, computed Digest) Result {
	if existing == computed {
		return Match
	}
	return Mismatch
}

// Short returns the first 12 characters of the digest for display.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}
