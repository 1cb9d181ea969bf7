package control

import (
	"net"
	"testing"
	"time"

	"github.com/example/securetunnel/pkg/crypto/sign"
)

func generateTestIdentity(t *testing.T) sign.KeyPair {
	t.Helper()
	scheme, err := sign.ForID("ML-DSA-44")
	if err != nil {
		t.Fatalf("sign.ForID: %v", err)
	}
	kp, err := scheme.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func dialAndAccept(t *testing.T) (drone *Channel, gcs *Channel) {
	t.Helper()
	scheme, err := sign.ForID("ML-DSA-44")
	if err != nil {
		t.Fatalf("sign.ForID: %v", err)
	}
	droneID := generateTestIdentity(t)
	gcsID := generateTestIdentity(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	gcsCh := make(chan *Channel, 1)
	gcsErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			gcsErr <- err
			return
		}
		ch, err := Accept(conn, scheme, gcsID, droneID.Public)
		if err != nil {
			gcsErr <- err
			return
		}
		gcsCh <- ch
	}()

	droneCh, err := Dial(ln.Addr().String(), scheme, droneID, gcsID.Public)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case ch := <-gcsCh:
		return droneCh, ch
	case err := <-gcsErr:
		t.Fatalf("accept side auth failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gcs accept")
	}
	return nil, nil
}

func TestChannelMutualAuthAndMessageRoundTrip(t *testing.T) {
	drone, gcs := dialAndAccept(t)
	defer drone.Close()
	defer gcs.Close()

	if err := drone.Send(MsgStartSuite, StartSuite{SuiteID: "ML-KEM-768+ML-DSA-65+AES-256-GCM"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, err := gcs.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if env.Type != MsgStartSuite {
		t.Fatalf("type = %s, want StartSuite", env.Type)
	}
	var payload StartSuite
	if err := Decode(env, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.SuiteID != "ML-KEM-768+ML-DSA-65+AES-256-GCM" {
		t.Errorf("suite id = %q", payload.SuiteID)
	}
}

func TestChannelRejectsWrongPeerIdentity(t *testing.T) {
	scheme, err := sign.ForID("ML-DSA-44")
	if err != nil {
		t.Fatalf("sign.ForID: %v", err)
	}
	droneID := generateTestIdentity(t)
	gcsID := generateTestIdentity(t)
	impostorID := generateTestIdentity(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		_, err = Accept(conn, scheme, gcsID, droneID.Public)
		acceptErr <- err
	}()

	// Drone dials but pins the wrong (impostor) key for the GCS.
	_, err = Dial(ln.Addr().String(), scheme, droneID, impostorID.Public)
	if err == nil {
		t.Fatal("expected dial-side auth to fail against an unpinned GCS identity")
	}

	select {
	case err := <-acceptErr:
		if err == nil {
			t.Fatal("expected accept-side auth to also fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept-side result")
	}
}

func TestChronosSyncProducesOffsetEstimate(t *testing.T) {
	drone, gcs := dialAndAccept(t)
	defer drone.Close()
	defer gcs.Close()

	gcsDone := make(chan error, 1)
	go func() {
		env, err := gcs.Receive()
		if err != nil {
			gcsDone <- err
			return
		}
		gcsDone <- RespondToChronosSync(gcs, env)
	}()

	offset, err := InitiateChronosSync(drone)
	if err != nil {
		t.Fatalf("initiate chronos sync: %v", err)
	}
	if err := <-gcsDone; err != nil {
		t.Fatalf("gcs side: %v", err)
	}
	// Two loopback processes sharing a clock should estimate a near-zero
	// offset; generous bound to absorb scheduling jitter in CI.
	if offset > 200*time.Millisecond || offset < -200*time.Millisecond {
		t.Errorf("offset = %v, want near zero", offset)
	}
}
