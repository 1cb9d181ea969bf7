package rekey

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SuiteRunRecord is the per-suite benchmark record the coordinator
// appends to a JSON-lines file on every ACTIVE → REKEY_PENDING
// transition (or final stop).
type SuiteRunRecord struct {
	SuiteID             string         `json:"suite_id"`
	Epoch               uint32         `json:"epoch"`
	StartedAt           time.Time      `json:"started_at"`
	EndedAt             time.Time      `json:"ended_at"`
	HandshakeDurationMs int64          `json:"handshake_duration_ms"`
	FramesIn            uint64         `json:"frames_in"`
	FramesOut           uint64         `json:"frames_out"`
	DropsByReason       map[string]uint64 `json:"drops_by_reason"`
	RekeyBlackoutMs      int64         `json:"rekey_blackout_ms"`
	Success             bool           `json:"success"`
}

// RecordWriter appends SuiteRunRecord values to a JSON-lines file.
type RecordWriter struct {
	path string
}

// NewRecordWriter targets the given JSONL destination.
func NewRecordWriter(path string) *RecordWriter {
	return &RecordWriter{path: path}
}

// Append marshals rec as one JSON line and appends it to the file,
// creating it if it does not yet exist.
func (w *RecordWriter) Append(rec SuiteRunRecord) error {
	if w == nil || w.path == "" {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("rekey: open record file: %w", err)
	}
	defer f.Close()

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rekey: marshal record: %w", err)
	}
	encoded = append(encoded, '\n')
	if _, err := f.Write(encoded); err != nil {
		return fmt.Errorf("rekey: write record: %w", err)
	}
	return nil
}
