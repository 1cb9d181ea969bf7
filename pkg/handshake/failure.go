package handshake

import "fmt"

// Stage names the six canonical handshake failure modes. Every protocol
// failure the engine detects (version, suite, signature, decapsulation,
// Finished, and a timeout or peer close on the stream) is returned as a
// *Failure carrying one of these. Other errors (local randomness,
// signing or key-derivation errors, malformed framing, other I/O
// errors) are returned as ordinary wrapped errors.
type Stage string

const (
	StageVersionMismatch     Stage = "VersionMismatch"
	StageUnknownSuite        Stage = "UnknownSuite"
	StageSignatureInvalid    Stage = "SignatureInvalid"
	StageDecapsulationFailed Stage = "DecapsulationFailed"
	StageFinishedMismatch    Stage = "FinishedMismatch"
	StageTimeout             Stage = "Timeout"
)

// Failure is a fatal handshake error. No partial Session is ever
// returned alongside one; the stream is always closed by the caller.
type Failure struct {
	Stage  Stage
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("handshake: %s: %s", f.Stage, f.Reason)
}

func fail(stage Stage, format string, args ...any) error {
	return &Failure{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}
