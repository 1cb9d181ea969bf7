package dataplane

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// DropCounters tallies inbound/outbound drops by the reason named in
// §4.6. Every field is independently atomic so the proxy loop and a
// concurrent status export never race.
type DropCounters struct {
	NoSession atomic.Uint64
	RateLimit atomic.Uint64
	Peer      atomic.Uint64
	Header    atomic.Uint64
	Epoch     atomic.Uint64
	Replay    atomic.Uint64
	Auth      atomic.Uint64
}

// Snapshot is the point-in-time status export consumed by the rekey
// coordinator. It is the only interface by which C9 observes proxy
// state.
type Snapshot struct {
	Timestamp            time.Time `json:"timestamp"`
	CurrentEpoch         uint32    `json:"current_epoch"`
	FramesIn             uint64    `json:"frames_in"`
	FramesOut            uint64    `json:"frames_out"`
	BytesIn              uint64    `json:"bytes_in"`
	BytesOut             uint64    `json:"bytes_out"`
	DropNoSession        uint64    `json:"drop_no_session"`
	DropRateLimit        uint64    `json:"drop_rate_limit"`
	DropPeer             uint64    `json:"drop_peer"`
	DropHeader           uint64    `json:"drop_header"`
	DropEpoch            uint64    `json:"drop_epoch"`
	DropReplay           uint64    `json:"drop_replay"`
	DropAuth             uint64    `json:"drop_auth"`
	HandshakeCompletedAt time.Time `json:"handshake_completed_at,omitempty"`
	LastRekeyBlackoutMs  int64     `json:"last_rekey_blackout_ms"`
}

// StatusWriter periodically persists a Snapshot via atomic file rename:
// write to a temp file in the same directory, fsync, then rename over
// the destination, so a concurrent reader never observes a partial
// write.
type StatusWriter struct {
	path string
}

// NewStatusWriter targets the given destination path.
func NewStatusWriter(path string) *StatusWriter {
	return &StatusWriter{path: path}
}

// Write serializes snap as JSON and atomically replaces the status file.
func (w *StatusWriter) Write(snap Snapshot) error {
	encoded, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("dataplane: marshal status snapshot: %w", err)
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("dataplane: create status temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("dataplane: write status temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("dataplane: sync status temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dataplane: close status temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("dataplane: rename status file: %w", err)
	}
	return nil
}
