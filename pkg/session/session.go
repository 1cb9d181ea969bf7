// Package session holds the in-memory state of one active key epoch:
// directional AEAD keys, the outbound sequence counter, the pinned peer
// address, and the inbound replay window. A Session is produced once by
// a completed handshake and consumed by the data-plane proxy; it is
// never mutated by anything else.
package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/securetunnel/pkg/crypto/aead"
	"github.com/example/securetunnel/pkg/handshake"
	"github.com/example/securetunnel/pkg/replay"
	"github.com/example/securetunnel/pkg/wire"
)

// Role identifies which side of the tunnel this process is.
type Role uint8

const (
	RoleDrone Role = iota
	RoleGCS
)

// Counters are the observational statistics a Session accumulates.
// The data-plane status export does not read them (it keeps its own
// proxy-level counters); they are safe for concurrent read while the
// Session is in use.
type Counters struct {
	BytesSent   atomic.Uint64
	FramesSent  atomic.Uint64
	BytesRecv   atomic.Uint64
	FramesRecv  atomic.Uint64
}

// Session is exclusively owned by the handshake that produced it until
// handoff, and thereafter exclusively owned by the data-plane proxy
// loop. Epoch 0 is reserved to mean "not yet established" and is never
// assigned to a real Session.
type Session struct {
	role    Role
	suiteID string
	epoch   uint32
	aeadC   aead.Cipher

	kD2G []byte
	kG2D []byte

	sendMu  sync.Mutex
	sendSeq uint64

	peerAddrPin net.Addr

	replayWindow *replay.Window

	createdAt time.Time
	Counters  Counters

	destroyed atomic.Bool
}

// New builds a Session from completed handshake keys. peerAddr is the
// address observed at handshake-complete time and becomes the pin
// enforced by strict_peer_match.
func New(role Role, aeadC aead.Cipher, keys handshake.Keys, peerAddr net.Addr) (*Session, error) {
	if keys.Epoch == 0 {
		return nil, fmt.Errorf("session: epoch 0 is reserved")
	}
	if len(keys.KD2G) != aeadC.KeyLength() || len(keys.KG2D) != aeadC.KeyLength() {
		return nil, fmt.Errorf("session: key length mismatch for %s", aeadC.Name())
	}
	return &Session{
		role:         role,
		suiteID:      keys.SuiteID,
		epoch:        keys.Epoch,
		aeadC:        aeadC,
		kD2G:         append([]byte(nil), keys.KD2G...),
		kG2D:         append([]byte(nil), keys.KG2D...),
		peerAddrPin:  peerAddr,
		replayWindow: replay.NewWindow(),
		createdAt:    time.Now(),
	}, nil
}

func (s *Session) Epoch() uint32        { return s.epoch }
func (s *Session) SuiteID() string      { return s.suiteID }
func (s *Session) PeerAddr() net.Addr   { return s.peerAddrPin }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) sendDirection() byte {
	if s.role == RoleDrone {
		return wire.DirectionDroneToGCS
	}
	return wire.DirectionGCSToDrone
}

func (s *Session) recvDirection() byte {
	if s.role == RoleDrone {
		return wire.DirectionGCSToDrone
	}
	return wire.DirectionDroneToGCS
}

func (s *Session) sendKey() []byte {
	if s.role == RoleDrone {
		return s.kD2G
	}
	return s.kG2D
}

func (s *Session) recvKey() []byte {
	if s.role == RoleDrone {
		return s.kG2D
	}
	return s.kD2G
}

// Seal encrypts one outbound datagram and returns the framed bytes.
// send_seq is incremented under lock and never repeats within the
// epoch's lifetime.
func (s *Session) Seal(suiteFamily byte, plaintext []byte) ([]byte, error) {
	s.sendMu.Lock()
	s.sendSeq++
	seq := s.sendSeq
	s.sendMu.Unlock()

	nonce, err := wire.Nonce(s.epoch, seq, s.sendDirection(), s.aeadC.NonceLength())
	if err != nil {
		return nil, fmt.Errorf("session: nonce: %w", err)
	}
	header := wire.Encode(suiteFamily, s.epoch, seq, nil)[:wire.HeaderLength]
	body, err := s.aeadC.Seal(s.sendKey(), nonce, header, plaintext)
	if err != nil {
		return nil, fmt.Errorf("session: seal: %w", err)
	}
	datagram := wire.Encode(suiteFamily, s.epoch, seq, body)

	s.Counters.FramesSent.Add(1)
	s.Counters.BytesSent.Add(uint64(len(datagram)))
	return datagram, nil
}

// Open authenticates and decrypts one inbound frame already decoded by
// the wire package. Open does not touch the replay window: the caller
// checks it with CheckReplay beforehand and records the sequence with
// CommitReplay only after Open succeeds — §4.6 requires the window
// update to happen only on a confirmed-genuine frame.
func (s *Session) Open(f wire.Frame, aad []byte) ([]byte, error) {
	nonce, err := wire.Nonce(f.Epoch, f.Sequence, s.recvDirection(), s.aeadC.NonceLength())
	if err != nil {
		return nil, fmt.Errorf("session: nonce: %w", err)
	}
	plaintext, err := s.aeadC.Open(s.recvKey(), nonce, aad, f.Body)
	if err != nil {
		return nil, err
	}
	s.Counters.FramesRecv.Add(1)
	s.Counters.BytesRecv.Add(uint64(wire.HeaderLength + len(f.Body)))
	return plaintext, nil
}

// CheckReplay reports whether sequence seq is acceptable without
// mutating the window. Call CommitReplay only after the frame's AEAD
// tag has verified.
func (s *Session) CheckReplay(seq uint64) error {
	return s.replayWindow.Check(seq)
}

// CommitReplay records seq as seen. The caller must have just observed
// CheckReplay(seq) == nil and a successful AEAD open.
func (s *Session) CommitReplay(seq uint64) {
	s.replayWindow.Commit(seq)
}

// Destroy zeroes the AEAD key material. Called once the grace window
// following a rekey has elapsed and the Session is no longer read by
// the proxy loop.
func (s *Session) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	zero(s.kD2G)
	zero(s.kG2D)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
