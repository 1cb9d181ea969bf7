// Package kdf provides the HKDF-style extract/expand contract used by the
// handshake key schedule, backed by golang.org/x/crypto's HKDF over
// SHA3-512.
package kdf

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Extract derives a pseudorandom key from salt and input keying material.
func Extract(salt, ikm []byte) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, errors.New("kdf: input keying material required")
	}
	return hkdf.Extract(sha3.New512, ikm, salt), nil
}

// Expand derives L bytes of output keying material from prk and info.
func Expand(prk, info []byte, length int) ([]byte, error) {
	if len(prk) == 0 {
		return nil, errors.New("kdf: prk required")
	}
	if length <= 0 {
		return nil, fmt.Errorf("kdf: length must be positive, got %d", length)
	}
	reader := hkdf.Expand(sha3.New512, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("kdf: expand: %w", err)
	}
	return out, nil
}

// Label builds a domain-separated info string: "<label>|<suite_id>|<epoch>",
// used for the directional traffic-key labels ("d2g", "g2d").
func Label(label, suiteID string, epoch uint32) []byte {
	out := make([]byte, 0, len(label)+len(suiteID)+9)
	out = append(out, []byte(label)...)
	out = append(out, '|')
	out = append(out, []byte(suiteID)...)
	out = append(out, '|')
	out = append(out, byte(epoch>>24), byte(epoch>>16), byte(epoch>>8), byte(epoch))
	return out
}

// ExporterLabel builds the info string for the Finished-message exporter
// key: "exp|<suite_id>", with no epoch component — the exporter secret
// authenticates the handshake transcript itself, not a particular epoch.
func ExporterLabel(suiteID string) []byte {
	out := make([]byte, 0, len("exp")+1+len(suiteID))
	out = append(out, []byte("exp")...)
	out = append(out, '|')
	out = append(out, []byte(suiteID)...)
	return out
}
