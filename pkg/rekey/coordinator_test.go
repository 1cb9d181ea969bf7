package rekey

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/securetunnel/pkg/control"
	"github.com/example/securetunnel/pkg/crypto/sign"
	"github.com/example/securetunnel/pkg/dataplane"
	"github.com/example/securetunnel/pkg/suite"
)

func ephemeralAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("allocate ephemeral udp port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func ephemeralTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate ephemeral tcp port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func generateIdentity(t *testing.T, scheme sign.Scheme) sign.KeyPair {
	t.Helper()
	kp, err := scheme.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

// testRig assembles a full drone+gcs pair: two dataplane proxies wired
// back to back over loopback UDP, an authenticated control channel
// between them, and a two-suite registry (so the single-cycle test
// below exercises exactly one rekey).
type testRig struct {
	t            *testing.T
	droneProxy   *dataplane.Proxy
	gcsProxy     *dataplane.Proxy
	droneControl *control.Channel
	gcsControl   *control.Channel
	registry     *suite.Registry
	droneID      sign.KeyPair
	gcsID        sign.KeyPair
	handshakeAddr string
	recordPath   string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	scheme, err := sign.ForID("ML-DSA-44")
	if err != nil {
		t.Fatalf("sign.ForID: %v", err)
	}
	droneID := generateIdentity(t, scheme)
	gcsID := generateIdentity(t, scheme)

	registry := suite.NewRegistry(
		suite.Suite{ID: "test-suite-a", KEM: "ML-KEM-512", Signature: "ML-DSA-44", AEAD: "AES-256-GCM"},
		suite.Suite{ID: "test-suite-b", KEM: "ML-KEM-512", Signature: "ML-DSA-44", AEAD: "CHACHA20-POLY1305"},
	)

	droneEncAddr := ephemeralAddr(t)
	gcsEncAddr := ephemeralAddr(t)

	droneProxy, err := dataplane.New(dataplane.Config{
		Role:                 dataplane.RoleDrone,
		PlaintextListenAddr:  ephemeralAddr(t),
		PlaintextDeliverAddr: ephemeralAddr(t),
		EncryptedListenAddr:  droneEncAddr,
		PeerAddr:             mustResolveUDP(t, gcsEncAddr),
		StrictPeerMatch:      false,
		StatusWriteInterval:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new drone proxy: %v", err)
	}
	gcsProxy, err := dataplane.New(dataplane.Config{
		Role:                 dataplane.RoleGCS,
		PlaintextListenAddr:  ephemeralAddr(t),
		PlaintextDeliverAddr: ephemeralAddr(t),
		EncryptedListenAddr:  gcsEncAddr,
		PeerAddr:             mustResolveUDP(t, droneEncAddr),
		StrictPeerMatch:      false,
		StatusWriteInterval:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new gcs proxy: %v", err)
	}

	controlAddr := ephemeralTCPAddr(t)
	ln, err := net.Listen("tcp", controlAddr)
	if err != nil {
		t.Fatalf("listen control addr: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	gcsChCh := make(chan *control.Channel, 1)
	gcsErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			gcsErrCh <- err
			return
		}
		ch, err := control.Accept(conn, scheme, gcsID, droneID.Public)
		if err != nil {
			gcsErrCh <- err
			return
		}
		gcsChCh <- ch
	}()
	droneControl, err := control.Dial(ln.Addr().String(), scheme, droneID, gcsID.Public)
	if err != nil {
		t.Fatalf("control dial: %v", err)
	}

	var gcsControl *control.Channel
	select {
	case gcsControl = <-gcsChCh:
	case err := <-gcsErrCh:
		t.Fatalf("control accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control accept")
	}

	recordPath := filepath.Join(t.TempDir(), "suite-runs.jsonl")

	rig := &testRig{
		t:             t,
		droneProxy:    droneProxy,
		gcsProxy:      gcsProxy,
		droneControl:  droneControl,
		gcsControl:    gcsControl,
		registry:      registry,
		droneID:       droneID,
		gcsID:         gcsID,
		handshakeAddr: ephemeralTCPAddr(t),
		recordPath:    recordPath,
	}
	t.Cleanup(func() {
		droneProxy.Close()
		gcsProxy.Close()
		droneControl.Close()
		gcsControl.Close()
	})
	return rig
}

func (r *testRig) droneDeps() Dependencies {
	return Dependencies{
		Registry:          r.registry,
		LocalIdentity:     r.droneID,
		PeerPublicKey:     r.gcsID.Public,
		Proxy:             r.droneProxy,
		Control:           r.droneControl,
		HandshakeAddr:     r.handshakeAddr,
		HandshakeDeadline: 3 * time.Second,
		RekeyGrace:        50 * time.Millisecond,
		RetryBackoff:      50 * time.Millisecond,
		Records:           NewRecordWriter(r.recordPath),
	}
}

func (r *testRig) gcsDeps() Dependencies {
	return Dependencies{
		Registry:          r.registry,
		LocalIdentity:     r.gcsID,
		PeerPublicKey:     r.droneID.Public,
		Proxy:             r.gcsProxy,
		Control:           r.gcsControl,
		HandshakeAddr:     r.handshakeAddr,
		HandshakeDeadline: 3 * time.Second,
		RekeyGrace:        50 * time.Millisecond,
		RetryBackoff:      50 * time.Millisecond,
		Records:           NewRecordWriter(filepath.Join(filepath.Dir(r.recordPath), "gcs-suite-runs.jsonl")),
	}
}

func TestCoordinatorSingleSuiteAndOneRekey(t *testing.T) {
	rig := newTestRig(t)

	gcsCoord, err := NewGCSCoordinator(rig.gcsDeps())
	if err != nil {
		t.Fatalf("new gcs coordinator: %v", err)
	}
	defer gcsCoord.Close()

	droneCoord, err := NewDroneCoordinator(rig.droneDeps())
	if err != nil {
		t.Fatalf("new drone coordinator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gcsErrCh := make(chan error, 1)
	go func() { gcsErrCh <- gcsCoord.Run(ctx) }()

	if err := droneCoord.Run(ctx, []string{"test-suite-a", "test-suite-b"}); err != nil {
		t.Fatalf("drone coordinator run: %v", err)
	}

	select {
	case err := <-gcsErrCh:
		if err != nil {
			t.Fatalf("gcs coordinator run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for gcs coordinator to observe stop_suite")
	}

	if droneCoord.State() != StateTerminated {
		t.Errorf("drone state = %s, want TERMINATED", droneCoord.State())
	}

	if droneCoord.deps.Proxy.Snapshot().CurrentEpoch != 2 {
		t.Errorf("drone proxy epoch = %d, want 2", droneCoord.deps.Proxy.Snapshot().CurrentEpoch)
	}
	if gcsCoord.deps.Proxy.Snapshot().CurrentEpoch != 2 {
		t.Errorf("gcs proxy epoch = %d, want 2", gcsCoord.deps.Proxy.Snapshot().CurrentEpoch)
	}

	data, err := os.ReadFile(rig.recordPath)
	if err != nil {
		t.Fatalf("read record file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected at least one suite run record to be written")
	}
}

func mustResolveUDP(t *testing.T, addr string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve %q: %v", addr, err)
	}
	return a
}
