package rekey

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/securetunnel/pkg/control"
	"github.com/example/securetunnel/pkg/crypto/sign"
	"github.com/example/securetunnel/pkg/dataplane"
	"github.com/example/securetunnel/pkg/suite"
)

// SuiteAdmission gates whether a proposed suite_id may be entered,
// independent of whether it is merely present in the registry (e.g. an
// OPA policy restricting which NIST levels a given peer may negotiate).
type SuiteAdmission interface {
	Admit(suiteID string) error
}

// Dependencies bundles everything both DroneCoordinator and
// GCSCoordinator need to drive one run. HandshakeAddr is the TCP
// endpoint the Drone dials and the GCS listens on to exchange a fresh
// KEM handshake for every suite entry and every rekey.
type Dependencies struct {
	Registry      *suite.Registry
	LocalIdentity sign.KeyPair
	PeerPublicKey []byte
	Proxy         *dataplane.Proxy
	Control       *control.Channel

	HandshakeAddr     string
	HandshakeDeadline time.Duration
	RekeyGrace        time.Duration
	RetryBackoff      time.Duration

	Records        *RecordWriter
	SuiteAdmission SuiteAdmission

	// Logger receives diagnostic events the coordinator observes but
	// does not itself act on (e.g. an inbound IntegrityAlarm). Defaults
	// to a no-op logger.
	Logger *zap.Logger
}

func (d Dependencies) validate() error {
	if d.Registry == nil {
		return fmt.Errorf("rekey: registry required")
	}
	if d.Proxy == nil {
		return fmt.Errorf("rekey: proxy required")
	}
	if d.Control == nil {
		return fmt.Errorf("rekey: control channel required")
	}
	if d.HandshakeAddr == "" {
		return fmt.Errorf("rekey: handshake address required")
	}
	return nil
}

func (d Dependencies) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func admit(d Dependencies, suiteID string) error {
	if d.SuiteAdmission == nil {
		return nil
	}
	return d.SuiteAdmission.Admit(suiteID)
}

func suiteFamilyByte(s suite.Suite) byte {
	return byte(s.OrderingIndex)
}

func dropsByReason(snap dataplane.Snapshot) map[string]uint64 {
	return map[string]uint64{
		"replay":     snap.DropReplay,
		"auth":       snap.DropAuth,
		"header":     snap.DropHeader,
		"peer":       snap.DropPeer,
		"rate_limit": snap.DropRateLimit,
		"no_session": snap.DropNoSession,
		"epoch":      snap.DropEpoch,
	}
}

func diffDrops(before, after dataplane.Snapshot) map[string]uint64 {
	b := dropsByReason(before)
	a := dropsByReason(after)
	out := make(map[string]uint64, len(a))
	for reason, av := range a {
		bv := b[reason]
		if av >= bv {
			out[reason] = av - bv
		} else {
			out[reason] = av
		}
	}
	return out
}
