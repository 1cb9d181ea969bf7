// Package handshake executes the KEM+signature protocol over a reliable
// stream, producing directional session keys. The GCS is always the
// listener; the Drone is always the initiator.
package handshake

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/example/securetunnel/pkg/crypto/aead"
	"github.com/example/securetunnel/pkg/crypto/kdf"
	"github.com/example/securetunnel/pkg/crypto/kem"
	"github.com/example/securetunnel/pkg/crypto/sign"
	"github.com/example/securetunnel/pkg/suite"
	"github.com/example/securetunnel/pkg/transcript"
)

const transcriptDomain = "securetunnel-handshake/v1"

const nonceLength = 32

// Keys is the output of a completed handshake: the directional traffic
// keys and the epoch they were derived for. It is handed off to a
// Session and never retained by the handshake engine itself.
type Keys struct {
	SuiteID string
	Epoch   uint32
	KD2G    []byte
	KG2D    []byte
}

// ClientConfig bundles the materials the Drone (initiator) needs.
type ClientConfig struct {
	Suite           suite.Suite
	Epoch           uint32
	LocalIdentity   sign.KeyPair // drone's long-term signature keypair
	PeerPublicKey   []byte       // GCS's pre-provisioned public key
	HandshakeDeadline time.Duration
}

// ServerConfig bundles the materials the GCS (listener) needs.
type ServerConfig struct {
	Suite           suite.Suite
	Epoch           uint32
	LocalIdentity   sign.KeyPair // GCS's long-term signature keypair
	PeerPublicKey   []byte       // drone's pre-provisioned public key
	HandshakeDeadline time.Duration
}

// Client drives the Drone side of the protocol.
type Client struct {
	cfg    ClientConfig
	kemS   kem.Suite
	sig    sign.Scheme
	aeadC  aead.Cipher
}

// Server drives the GCS side of the protocol.
type Server struct {
	cfg   ServerConfig
	kemS  kem.Suite
	sig   sign.Scheme
	aeadC aead.Cipher
}

// NewClient resolves the suite's primitives and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	kemS, sigS, aeadC, err := resolveSuite(cfg.Suite)
	if err != nil {
		return nil, err
	}
	if len(cfg.PeerPublicKey) == 0 {
		return nil, fmt.Errorf("handshake: peer public key required")
	}
	if len(cfg.LocalIdentity.Private) == 0 {
		return nil, fmt.Errorf("handshake: local identity required")
	}
	return &Client{cfg: cfg, kemS: kemS, sig: sigS, aeadC: aeadC}, nil
}

// NewServer resolves the suite's primitives and constructs a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	kemS, sigS, aeadC, err := resolveSuite(cfg.Suite)
	if err != nil {
		return nil, err
	}
	if len(cfg.PeerPublicKey) == 0 {
		return nil, fmt.Errorf("handshake: peer public key required")
	}
	if len(cfg.LocalIdentity.Private) == 0 {
		return nil, fmt.Errorf("handshake: local identity required")
	}
	return &Server{cfg: cfg, kemS: kemS, sig: sigS, aeadC: aeadC}, nil
}

func resolveSuite(s suite.Suite) (kem.Suite, sign.Scheme, aead.Cipher, error) {
	kemS, err := kem.ForID(s.KEM)
	if err != nil {
		return nil, nil, nil, fail(StageUnknownSuite, "kem: %v", err)
	}
	sigS, err := sign.ForID(s.Signature)
	if err != nil {
		return nil, nil, nil, fail(StageUnknownSuite, "signature: %v", err)
	}
	aeadC, err := aead.ForID(s.AEAD)
	if err != nil {
		return nil, nil, nil, fail(StageUnknownSuite, "aead: %v", err)
	}
	return kemS, sigS, aeadC, nil
}

// Run executes the full four-message protocol as the Drone. conn is
// expected to already be a connected, authenticated-at-the-network-layer
// stream (plain TCP — authentication is the handshake's own job).
func (c *Client) Run(ctx context.Context, conn net.Conn) (Keys, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.cfg.HandshakeDeadline > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeDeadline))
	}

	trans := transcript.New(transcriptDomain)

	nonceC, err := randomBytes(nonceLength)
	if err != nil {
		return Keys{}, err
	}
	clientHello := ClientHello{
		ProtocolVersion: ProtocolVersion,
		NonceC:          nonceC,
		SuiteID:         c.cfg.Suite.ID,
	}
	chBytes, err := writeMessage(conn, clientHello)
	if err != nil {
		return Keys{}, timeoutOr(err)
	}
	if err := trans.AppendBytes("client_hello", chBytes); err != nil {
		return Keys{}, err
	}

	var serverHello ServerHello
	shBytes, err := readMessage(conn, &serverHello)
	if err != nil {
		return Keys{}, timeoutOr(err)
	}
	if err := trans.AppendBytes("server_hello", shBytes); err != nil {
		return Keys{}, err
	}

	if serverHello.SuiteIDEcho != c.cfg.Suite.ID {
		return Keys{}, fail(StageUnknownSuite, "server echoed suite %q, expected %q", serverHello.SuiteIDEcho, c.cfg.Suite.ID)
	}
	expectedFingerprint := Fingerprint(c.cfg.PeerPublicKey)
	if !constantTimeEqual(expectedFingerprint, serverHello.SigPKFingerprint) {
		return Keys{}, fail(StageSignatureInvalid, "gcs signature key fingerprint mismatch")
	}

	sigMsg := concatBytes(chBytes, serverHello.NonceS, []byte(serverHello.SuiteIDEcho), serverHello.KemPK)
	if err := c.sig.Verify(c.cfg.PeerPublicKey, sigMsg, serverHello.Signature); err != nil {
		return Keys{}, fail(StageSignatureInvalid, "server_hello: %v", err)
	}

	kemCT, sharedSecret, err := c.kemS.Encapsulate(serverHello.KemPK)
	if err != nil {
		return Keys{}, fail(StageDecapsulationFailed, "encapsulate: %v", err)
	}

	ctSigMsg := concatBytes(shBytes, kemCT)
	ctSig, err := c.sig.Sign(c.cfg.LocalIdentity.Private, ctSigMsg)
	if err != nil {
		return Keys{}, fmt.Errorf("handshake: sign client_kem_ct: %w", err)
	}
	clientKemCT := ClientKemCT{KemCT: kemCT, Signature: ctSig}
	ctBytes, err := writeMessage(conn, clientKemCT)
	if err != nil {
		return Keys{}, timeoutOr(err)
	}
	if err := trans.AppendBytes("client_kem_ct", ctBytes); err != nil {
		return Keys{}, err
	}

	keys, prkExporter, err := deriveKeys(nonceC, serverHello.NonceS, sharedSecret, c.cfg.Suite.ID, c.cfg.Epoch, c.aeadC.KeyLength())
	if err != nil {
		return Keys{}, err
	}
	transcriptHash := trans.Snapshot()
	localTag := finishedTag(prkExporter, transcriptHash)

	if _, err := writeMessage(conn, Finished{Tag: localTag}); err != nil {
		return Keys{}, timeoutOr(err)
	}

	var peerFinished Finished
	if _, err := readMessage(conn, &peerFinished); err != nil {
		return Keys{}, timeoutOr(err)
	}
	if !constantTimeEqual(localTag, peerFinished.Tag) {
		return Keys{}, fail(StageFinishedMismatch, "finished tag mismatch")
	}

	return keys, nil
}

// Run executes the full four-message protocol as the GCS.
func (s *Server) Run(ctx context.Context, conn net.Conn) (Keys, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if s.cfg.HandshakeDeadline > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeDeadline))
	}

	trans := transcript.New(transcriptDomain)

	var clientHello ClientHello
	chBytes, err := readMessage(conn, &clientHello)
	if err != nil {
		return Keys{}, timeoutOr(err)
	}
	if clientHello.ProtocolVersion != ProtocolVersion {
		return Keys{}, fail(StageVersionMismatch, "client protocol version %d, expected %d", clientHello.ProtocolVersion, ProtocolVersion)
	}
	if clientHello.SuiteID != s.cfg.Suite.ID {
		return Keys{}, fail(StageUnknownSuite, "client proposed %q, expected %q", clientHello.SuiteID, s.cfg.Suite.ID)
	}
	if err := trans.AppendBytes("client_hello", chBytes); err != nil {
		return Keys{}, err
	}

	ephemeralKEM, err := s.kemS.GenerateKeyPair()
	if err != nil {
		return Keys{}, fmt.Errorf("handshake: generate ephemeral kem keypair: %w", err)
	}
	nonceS, err := randomBytes(nonceLength)
	if err != nil {
		return Keys{}, err
	}

	serverHello := ServerHello{
		NonceS:           nonceS,
		SuiteIDEcho:      s.cfg.Suite.ID,
		KemPK:            ephemeralKEM.Public,
		SigPKFingerprint: Fingerprint(s.cfg.LocalIdentity.Public),
	}
	sigMsg := concatBytes(chBytes, serverHello.NonceS, []byte(serverHello.SuiteIDEcho), serverHello.KemPK)
	signature, err := s.sig.Sign(s.cfg.LocalIdentity.Private, sigMsg)
	if err != nil {
		return Keys{}, fmt.Errorf("handshake: sign server_hello: %w", err)
	}
	serverHello.Signature = signature

	shBytes, err := writeMessage(conn, serverHello)
	if err != nil {
		return Keys{}, timeoutOr(err)
	}
	if err := trans.AppendBytes("server_hello", shBytes); err != nil {
		return Keys{}, err
	}

	var clientKemCT ClientKemCT
	ctBytes, err := readMessage(conn, &clientKemCT)
	if err != nil {
		return Keys{}, timeoutOr(err)
	}
	if err := trans.AppendBytes("client_kem_ct", ctBytes); err != nil {
		return Keys{}, err
	}

	ctSigMsg := concatBytes(shBytes, clientKemCT.KemCT)
	if err := s.sig.Verify(s.cfg.PeerPublicKey, ctSigMsg, clientKemCT.Signature); err != nil {
		return Keys{}, fail(StageSignatureInvalid, "client_kem_ct: %v", err)
	}

	sharedSecret, err := s.kemS.Decapsulate(ephemeralKEM.Private, clientKemCT.KemCT)
	if err != nil {
		return Keys{}, fail(StageDecapsulationFailed, "%v", err)
	}

	keys, prkExporter, err := deriveKeys(clientHello.NonceC, nonceS, sharedSecret, s.cfg.Suite.ID, s.cfg.Epoch, s.aeadC.KeyLength())
	if err != nil {
		return Keys{}, err
	}
	transcriptHash := trans.Snapshot()
	localTag := finishedTag(prkExporter, transcriptHash)

	var peerFinished Finished
	if _, err := readMessage(conn, &peerFinished); err != nil {
		return Keys{}, timeoutOr(err)
	}
	if !constantTimeEqual(localTag, peerFinished.Tag) {
		return Keys{}, fail(StageFinishedMismatch, "finished tag mismatch")
	}

	if _, err := writeMessage(conn, Finished{Tag: localTag}); err != nil {
		return Keys{}, timeoutOr(err)
	}

	return keys, nil
}

// deriveKeys runs the key schedule: prk = extract(nonce_c||nonce_s,
// kem_ss), then k_d2g/k_g2d/prk_exporter are independent expansions
// under distinct domain-separated labels.
func deriveKeys(nonceC, nonceS, sharedSecret []byte, suiteID string, epoch uint32, aeadKeyLen int) (Keys, []byte, error) {
	salt := concatBytes(nonceC, nonceS)
	prk, err := kdf.Extract(salt, sharedSecret)
	if err != nil {
		return Keys{}, nil, fmt.Errorf("handshake: extract: %w", err)
	}
	kD2G, err := kdf.Expand(prk, kdf.Label("d2g", suiteID, epoch), aeadKeyLen)
	if err != nil {
		return Keys{}, nil, fmt.Errorf("handshake: expand d2g: %w", err)
	}
	kG2D, err := kdf.Expand(prk, kdf.Label("g2d", suiteID, epoch), aeadKeyLen)
	if err != nil {
		return Keys{}, nil, fmt.Errorf("handshake: expand g2d: %w", err)
	}
	prkExporter, err := kdf.Expand(prk, kdf.ExporterLabel(suiteID), 32)
	if err != nil {
		return Keys{}, nil, fmt.Errorf("handshake: expand exporter: %w", err)
	}
	return Keys{SuiteID: suiteID, Epoch: epoch, KD2G: kD2G, KG2D: kG2D}, prkExporter, nil
}

// Fingerprint reduces a public key to a fixed-length identity hash.
func Fingerprint(publicKey []byte) []byte {
	h := blake3.New()
	_, _ = h.Write([]byte("securetunnel-fingerprint/v1:"))
	_, _ = h.Write(publicKey)
	return h.Sum(nil)
}

func finishedTag(prkExporter, transcriptHash []byte) []byte {
	mac := hmac.New(func() hash.Hash { return sha3.New256() }, prkExporter)
	_, _ = mac.Write([]byte("finished"))
	_, _ = mac.Write(transcriptHash)
	return mac.Sum(nil)
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("handshake: random: %w", err)
	}
	return buf, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func concatBytes(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func timeoutOr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fail(StageTimeout, "%v", err)
	}
	if errors.Is(err, io.EOF) {
		return fail(StageTimeout, "peer closed connection")
	}
	return err
}
