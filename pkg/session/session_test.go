package session

import (
	"bytes"
	"net"
	"testing"

	"github.com/example/securetunnel/pkg/crypto/aead"
	"github.com/example/securetunnel/pkg/handshake"
	"github.com/example/securetunnel/pkg/wire"
)

func testKeys(epoch uint32) handshake.Keys {
	kD2G := bytes.Repeat([]byte{0xAA}, 32)
	kG2D := bytes.Repeat([]byte{0xBB}, 32)
	return handshake.Keys{SuiteID: "test-suite", Epoch: epoch, KD2G: kD2G, KG2D: kG2D}
}

func testAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 47011}
}

func TestSessionRoundTripDroneToGCS(t *testing.T) {
	cipher, err := aead.ForID("AES-256-GCM")
	if err != nil {
		t.Fatalf("aead.ForID: %v", err)
	}
	keys := testKeys(1)

	drone, err := New(RoleDrone, cipher, keys, testAddr())
	if err != nil {
		t.Fatalf("new drone session: %v", err)
	}
	gcs, err := New(RoleGCS, cipher, keys, testAddr())
	if err != nil {
		t.Fatalf("new gcs session: %v", err)
	}

	plaintext := []byte("telemetry-datagram")
	datagram, err := drone.Seal(0x01, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	f, aad, err := wire.Decode(datagram, cipher.TagLength())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := gcs.CheckReplay(f.Sequence); err != nil {
		t.Fatalf("check replay: %v", err)
	}
	opened, err := gcs.Open(f, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	gcs.CommitReplay(f.Sequence)
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened = %q, want %q", opened, plaintext)
	}
}

func TestSessionSequenceMonotonic(t *testing.T) {
	cipher, _ := aead.ForID("AES-256-GCM")
	keys := testKeys(1)
	drone, _ := New(RoleDrone, cipher, keys, testAddr())

	var lastSeq uint64
	for i := 0; i < 50; i++ {
		datagram, err := drone.Seal(0x01, []byte("x"))
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		f, _, err := wire.Decode(datagram, cipher.TagLength())
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if f.Sequence <= lastSeq {
			t.Fatalf("sequence did not strictly increase: %d after %d", f.Sequence, lastSeq)
		}
		lastSeq = f.Sequence
	}
	if lastSeq != 50 {
		t.Errorf("final sequence = %d, want 50", lastSeq)
	}
}

func TestSessionTamperedCiphertextFailsOpen(t *testing.T) {
	cipher, _ := aead.ForID("AES-256-GCM")
	keys := testKeys(1)
	drone, _ := New(RoleDrone, cipher, keys, testAddr())
	gcs, _ := New(RoleGCS, cipher, keys, testAddr())

	datagram, err := drone.Seal(0x01, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	datagram[len(datagram)-1] ^= 0xFF

	f, aad, err := wire.Decode(datagram, cipher.TagLength())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := gcs.Open(f, aad); err == nil {
		t.Fatal("expected AEAD open to fail on tampered ciphertext")
	}
}

func TestSessionEpochIsolation(t *testing.T) {
	cipher, _ := aead.ForID("AES-256-GCM")
	epoch1 := testKeys(1)
	epoch2 := handshake.Keys{
		SuiteID: "test-suite",
		Epoch:   2,
		KD2G:    bytes.Repeat([]byte{0xCC}, 32),
		KG2D:    bytes.Repeat([]byte{0xDD}, 32),
	}

	droneEpoch1, _ := New(RoleDrone, cipher, epoch1, testAddr())
	gcsEpoch2, _ := New(RoleGCS, cipher, epoch2, testAddr())

	datagram, err := droneEpoch1.Seal(0x01, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	f, aad, err := wire.Decode(datagram, cipher.TagLength())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := gcsEpoch2.Open(f, aad); err == nil {
		t.Fatal("expected open under a different epoch's keys to fail")
	}
}

func TestSessionRejectsEpochZero(t *testing.T) {
	cipher, _ := aead.ForID("AES-256-GCM")
	keys := testKeys(0)
	if _, err := New(RoleDrone, cipher, keys, testAddr()); err == nil {
		t.Fatal("expected error constructing a Session with epoch 0")
	}
}

func TestSessionDestroyZeroesKeys(t *testing.T) {
	cipher, _ := aead.ForID("AES-256-GCM")
	keys := testKeys(1)
	drone, _ := New(RoleDrone, cipher, keys, testAddr())
	drone.Destroy()
	if !allZero(drone.kD2G) || !allZero(drone.kG2D) {
		t.Error("expected key material to be zeroed after Destroy")
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
