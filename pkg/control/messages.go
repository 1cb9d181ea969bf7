// Package control implements the long-lived reliable command channel
// between Drone and GCS: suite selection, rekey scheduling, status
// polling, and clock synchronization, carried as length-prefixed JSON
// over the same authenticated TCP stream used to bootstrap a run.
package control

import (
	"encoding/json"
	"time"
)

// MessageType names one of the nine control message kinds.
type MessageType string

const (
	MsgStartSuite    MessageType = "StartSuite"
	MsgPrepareRekey  MessageType = "PrepareRekey"
	MsgStopSuite     MessageType = "StopSuite"
	MsgQueryStatus   MessageType = "QueryStatus"
	MsgChronosSync   MessageType = "ChronosSync"
	MsgAck           MessageType = "Ack"
	MsgStatusReport  MessageType = "StatusReport"
	MsgError         MessageType = "Error"
	MsgIntegrityAlarm MessageType = "IntegrityAlarm"
)

// Envelope is the wire shape of every control message: a type tag plus
// a raw payload the receiver decodes according to Type.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartSuite instructs the receiver to begin a handshake for suite_id.
type StartSuite struct {
	SuiteID string `json:"suite_id"`
}

// PrepareRekey announces the next suite and the wall-clock cutover time
// (already on the GCS's clock: the Drone adds the ChronosSync offset
// before sending, and the GCS waits for it directly).
type PrepareRekey struct {
	NextSuiteID string    `json:"next_suite_id"`
	CutoverAt   time.Time `json:"cutover_at"`
}

// StopSuite requests an orderly shutdown, optionally recording why.
type StopSuite struct {
	Reason string `json:"reason,omitempty"`
}

// QueryStatus requests an immediate StatusReport; it carries no fields.
type QueryStatus struct{}

// Ack acknowledges receipt of the message named by InResponseTo.
type Ack struct {
	InResponseTo MessageType `json:"in_response_to"`
}

// StatusReport carries a dataplane status snapshot in a transport-
// agnostic shape so this package has no dependency on the dataplane
// package's internal types.
type StatusReport struct {
	CurrentEpoch  uint32            `json:"current_epoch"`
	FramesIn      uint64            `json:"frames_in"`
	FramesOut     uint64            `json:"frames_out"`
	Drops         map[string]uint64 `json:"drops"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// Error reports a fatal condition observed by the sender. Receipt of an
// Error always transitions both sides toward TERMINATED.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IntegrityAlarm is raised when sustained AEAD auth failures exceed the
// configured per-second threshold (§7).
type IntegrityAlarm struct {
	FailuresPerSecond float64 `json:"failures_per_second"`
}
