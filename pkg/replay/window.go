// Package replay implements the sliding-window anti-replay check applied
// to inbound data-plane sequence numbers. The window is a fixed 64-bit
// bitmap trailing a high-water mark, giving constant-time accept/reject
// with no unbounded memory growth — unlike a map keyed by sequence
// number, its cost does not grow with the number of packets seen.
package replay

import "errors"

// ErrDuplicate is returned when the sequence number falls within the
// window and its bit is already set.
var ErrDuplicate = errors.New("replay: duplicate sequence")

// ErrStale is returned when the sequence number is older than the
// window can represent (more than 63 behind the high-water mark).
var ErrStale = errors.New("replay: sequence too old")

// Window tracks the highest sequence number accepted so far and a
// 64-bit bitmap of the 63 sequence numbers immediately below it. Bit i
// (0-indexed from the low end) represents high_seq minus i; bit 0
// is never used directly since a fresh high_seq has no history yet.
//
// A Window is not safe for concurrent use; callers serialize access
// (the data-plane event loop is single-threaded per session).
type Window struct {
	highSeq uint64
	bitmap  uint64
	seeded  bool
}

// NewWindow returns an empty window, ready to accept the first sequence
// number it is given regardless of value.
func NewWindow() *Window {
	return &Window{}
}

// Accept validates and records sequence number seq in one step. It
// returns nil if seq is new and should be processed, or a sentinel
// error (ErrDuplicate, ErrStale) if it must be dropped. Most callers
// want this; the data-plane proxy instead uses Check/Commit so that the
// window is only updated once the AEAD tag has verified (§4.6).
func (w *Window) Accept(seq uint64) error {
	if err := w.Check(seq); err != nil {
		return err
	}
	w.Commit(seq)
	return nil
}

// Check reports whether seq would be accepted, without mutating the
// window.
func (w *Window) Check(seq uint64) error {
	if !w.seeded {
		return nil
	}
	if seq > w.highSeq {
		return nil
	}
	if seq == w.highSeq {
		return ErrDuplicate
	}
	age := w.highSeq - seq
	if age >= 64 {
		return ErrStale
	}
	bit := uint64(1) << age
	if w.bitmap&bit != 0 {
		return ErrDuplicate
	}
	return nil
}

// Commit records seq as seen. The caller must have just observed
// Check(seq) == nil; Commit does not re-validate.
func (w *Window) Commit(seq uint64) {
	if !w.seeded {
		w.seeded = true
		w.highSeq = seq
		w.bitmap = 0
		return
	}

	if seq > w.highSeq {
		shift := seq - w.highSeq
		if shift >= 64 {
			w.bitmap = 0
		} else {
			// The old high_seq becomes a tracked bit at offset
			// `shift` below the new high_seq.
			w.bitmap = (w.bitmap << shift) | (1 << shift)
		}
		w.highSeq = seq
		return
	}

	age := w.highSeq - seq
	bit := uint64(1) << age
	w.bitmap |= bit
}

// Reset clears the window to its empty state. Called on every epoch
// change: sequence numbers restart at a new base under a fresh key, so
// history from the previous epoch carries no meaning.
func (w *Window) Reset() {
	w.highSeq = 0
	w.bitmap = 0
	w.seeded = false
}

// HighSeq reports the highest sequence number accepted so far.
func (w *Window) HighSeq() uint64 {
	return w.highSeq
}
