package handshake

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/example/securetunnel/pkg/crypto/sign"
	"github.com/example/securetunnel/pkg/suite"
)

func testSuite() suite.Suite {
	return suite.Suite{
		ID:        "ML-KEM-512+ML-DSA-44+AES-256-GCM",
		KEM:       "ML-KEM-512",
		Signature: "ML-DSA-44",
		AEAD:      "AES-256-GCM",
	}
}

func generateIdentity(t *testing.T, s suite.Suite) sign.KeyPair {
	t.Helper()
	scheme, err := sign.ForID(s.Signature)
	if err != nil {
		t.Fatalf("sign.ForID: %v", err)
	}
	kp, err := scheme.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func runPair(t *testing.T, s suite.Suite, droneID, gcsID sign.KeyPair, epoch uint32) (Keys, Keys, error, error) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	client, err := NewClient(ClientConfig{
		Suite:             s,
		Epoch:             epoch,
		LocalIdentity:     droneID,
		PeerPublicKey:     gcsID.Public,
		HandshakeDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	server, err := NewServer(ServerConfig{
		Suite:             s,
		Epoch:             epoch,
		LocalIdentity:     gcsID,
		PeerPublicKey:     droneID.Public,
		HandshakeDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		keys Keys
		err  error
	}
	clientResult := make(chan result, 1)
	serverResult := make(chan result, 1)

	go func() {
		keys, err := client.Run(ctx, clientConn)
		clientResult <- result{keys, err}
	}()
	go func() {
		keys, err := server.Run(ctx, serverConn)
		serverResult <- result{keys, err}
	}()

	cr := <-clientResult
	sr := <-serverResult
	return cr.keys, sr.keys, cr.err, sr.err
}

func TestHandshakeSucceedsAndDerivesMatchingKeys(t *testing.T) {
	s := testSuite()
	droneID := generateIdentity(t, s)
	gcsID := generateIdentity(t, s)

	clientKeys, serverKeys, clientErr, serverErr := runPair(t, s, droneID, gcsID, 1)
	if clientErr != nil {
		t.Fatalf("client handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
	if !bytes.Equal(clientKeys.KD2G, serverKeys.KD2G) {
		t.Error("k_d2g mismatch between client and server")
	}
	if !bytes.Equal(clientKeys.KG2D, serverKeys.KG2D) {
		t.Error("k_g2d mismatch between client and server")
	}
	if bytes.Equal(clientKeys.KD2G, clientKeys.KG2D) {
		t.Error("directional keys must differ")
	}
	if clientKeys.Epoch != 1 || serverKeys.Epoch != 1 {
		t.Errorf("epoch = %d/%d, want 1/1", clientKeys.Epoch, serverKeys.Epoch)
	}
}

func TestHandshakeDifferentEpochsProduceDifferentKeys(t *testing.T) {
	s := testSuite()
	droneID := generateIdentity(t, s)
	gcsID := generateIdentity(t, s)

	keys1, _, err1, _ := runPair(t, s, droneID, gcsID, 1)
	if err1 != nil {
		t.Fatalf("epoch 1 handshake: %v", err1)
	}
	keys2, _, err2, _ := runPair(t, s, droneID, gcsID, 2)
	if err2 != nil {
		t.Fatalf("epoch 2 handshake: %v", err2)
	}
	if bytes.Equal(keys1.KD2G, keys2.KD2G) {
		t.Error("keys for different epochs must not collide")
	}
}

func TestHandshakeRejectsWrongPeerIdentity(t *testing.T) {
	s := testSuite()
	droneID := generateIdentity(t, s)
	gcsID := generateIdentity(t, s)
	impostor := generateIdentity(t, s)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	client, err := NewClient(ClientConfig{
		Suite:             s,
		Epoch:             1,
		LocalIdentity:     droneID,
		PeerPublicKey:     impostor.Public, // drone expects the wrong GCS key
		HandshakeDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	server, err := NewServer(ServerConfig{
		Suite:             s,
		Epoch:             1,
		LocalIdentity:     gcsID,
		PeerPublicKey:     droneID.Public,
		HandshakeDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientErrCh := make(chan error, 1)
	go func() {
		_, err := client.Run(ctx, clientConn)
		clientErrCh <- err
	}()
	go func() {
		_, _ = server.Run(ctx, serverConn)
	}()

	err = <-clientErrCh
	if err == nil {
		t.Fatal("expected client to reject the GCS's signature key fingerprint")
	}
	failure, ok := err.(*Failure)
	if !ok || failure.Stage != StageSignatureInvalid {
		t.Fatalf("got %v, want a SignatureInvalid Failure", err)
	}
}

func TestHandshakeRejectsUnknownSuite(t *testing.T) {
	s := testSuite()
	droneID := generateIdentity(t, s)
	gcsID := generateIdentity(t, s)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	clientSuite := s
	clientSuite.ID = "ML-KEM-512+ML-DSA-44+CHACHA20-POLY1305"
	client, err := NewClient(ClientConfig{
		Suite:             clientSuite,
		Epoch:             1,
		LocalIdentity:     droneID,
		PeerPublicKey:     gcsID.Public,
		HandshakeDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	server, err := NewServer(ServerConfig{
		Suite:             s,
		Epoch:             1,
		LocalIdentity:     gcsID,
		PeerPublicKey:     droneID.Public,
		HandshakeDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := server.Run(ctx, serverConn)
		serverErrCh <- err
	}()
	go func() {
		_, _ = client.Run(ctx, clientConn)
	}()

	err = <-serverErrCh
	if err == nil {
		t.Fatal("expected server to reject the unrecognized suite id")
	}
	failure, ok := err.(*Failure)
	if !ok || failure.Stage != StageUnknownSuite {
		t.Fatalf("got %v, want an UnknownSuite Failure", err)
	}
}

func TestFingerprintIsStableAndSensitiveToInput(t *testing.T) {
	a := Fingerprint([]byte("key-a"))
	b := Fingerprint([]byte("key-a"))
	c := Fingerprint([]byte("key-b"))
	if !bytes.Equal(a, b) {
		t.Error("fingerprint must be deterministic")
	}
	if bytes.Equal(a, c) {
		t.Error("fingerprint must differ for different keys")
	}
}
