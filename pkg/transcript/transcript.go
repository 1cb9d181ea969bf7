// Package transcript implements the handshake transcript accumulator: an
// ordered, domain-separated hash over every protocol message exchanged
// during a handshake. The resulting digest is the input to the Finished
// HMAC, so the handshake completes only if both sides observed the exact
// same bytes. It is not used as signature input or as KDF salt.
package transcript

import (
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Accumulator folds labeled, length-prefixed entries into a running
// blake3 hash. It is not safe for concurrent use; a handshake runs on a
// single goroutine per side.
type Accumulator struct {
	hasher *blake3.Hasher
}

// New constructs a fresh accumulator under the given domain string,
// preventing cross-protocol transcript confusion.
func New(domain string) *Accumulator {
	h := blake3.New()
	_, _ = h.Write([]byte("domain:"))
	_, _ = h.Write([]byte(domain))
	return &Accumulator{hasher: h}
}

// Append serializes v as canonical JSON and folds label, its length, and
// the serialized bytes into the transcript hash, in that order.
func (a *Accumulator) Append(label string, v any) error {
	if label == "" {
		return fmt.Errorf("transcript: label required")
	}
	serialized, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transcript: marshal %s: %w", label, err)
	}
	return a.AppendBytes(label, serialized)
}

// AppendBytes folds raw bytes into the transcript under label, bypassing
// JSON marshaling — used for fields (like a raw handshake message) that
// must be bound to the transcript by their exact wire encoding.
func (a *Accumulator) AppendBytes(label string, raw []byte) error {
	if label == "" {
		return fmt.Errorf("transcript: label required")
	}
	if _, err := a.hasher.Write([]byte(label)); err != nil {
		return fmt.Errorf("transcript: write label: %w", err)
	}
	length := uint64(len(raw))
	lenBuf := make([]byte, 8)
	for i := uint(0); i < 8; i++ {
		lenBuf[i] = byte(length >> (56 - 8*i))
	}
	if _, err := a.hasher.Write(lenBuf); err != nil {
		return fmt.Errorf("transcript: write length: %w", err)
	}
	if _, err := a.hasher.Write(raw); err != nil {
		return fmt.Errorf("transcript: write body: %w", err)
	}
	return nil
}

// Snapshot returns the current transcript commitment without disturbing
// further accumulation.
func (a *Accumulator) Snapshot() []byte {
	sum := a.hasher.Clone().Sum(nil)
	return append([]byte(nil), sum...)
}
