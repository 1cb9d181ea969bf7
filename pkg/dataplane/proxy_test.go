package dataplane

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/example/securetunnel/pkg/crypto/aead"
	"github.com/example/securetunnel/pkg/handshake"
	"github.com/example/securetunnel/pkg/session"
)

// harness wires two Proxy instances (drone, gcs) back to back over
// loopback, with directly-constructed matching Sessions (bypassing the
// handshake engine, which has its own test coverage).
type harness struct {
	t        *testing.T
	drone    *Proxy
	gcs      *Proxy
	appTxD   *net.UDPConn // test "application" sending into the drone
	appRxD   *net.UDPConn // test "application" receiving from the drone
	appTxG   *net.UDPConn
	appRxG   *net.UDPConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cipher, err := aead.ForID("AES-256-GCM")
	if err != nil {
		t.Fatalf("aead.ForID: %v", err)
	}
	keys := handshake.Keys{
		SuiteID: "test-suite",
		Epoch:   1,
		KD2G:    bytes.Repeat([]byte{0x01}, cipher.KeyLength()),
		KG2D:    bytes.Repeat([]byte{0x02}, cipher.KeyLength()),
	}

	droneAppTxAddr := ephemeralAddr(t)
	droneAppRxAddr := ephemeralAddr(t)
	droneEncAddr := ephemeralAddr(t)
	gcsAppTxAddr := ephemeralAddr(t)
	gcsAppRxAddr := ephemeralAddr(t)
	gcsEncAddr := ephemeralAddr(t)

	droneProxy, err := New(Config{
		Role:                 RoleDrone,
		PlaintextListenAddr:  droneAppTxAddr,
		PlaintextDeliverAddr: droneAppRxAddr,
		EncryptedListenAddr:  droneEncAddr,
		PeerAddr:             mustResolveUDP(t, gcsEncAddr),
		StrictPeerMatch:      true,
		StatusWriteInterval:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new drone proxy: %v", err)
	}
	gcsProxy, err := New(Config{
		Role:                 RoleGCS,
		PlaintextListenAddr:  gcsAppTxAddr,
		PlaintextDeliverAddr: gcsAppRxAddr,
		EncryptedListenAddr:  gcsEncAddr,
		PeerAddr:             mustResolveUDP(t, droneEncAddr),
		StrictPeerMatch:      true,
		StatusWriteInterval:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new gcs proxy: %v", err)
	}

	droneSess, err := session.New(session.RoleDrone, cipher, keys, mustResolveUDP(t, gcsEncAddr))
	if err != nil {
		t.Fatalf("new drone session: %v", err)
	}
	gcsSess, err := session.New(session.RoleGCS, cipher, keys, mustResolveUDP(t, droneEncAddr))
	if err != nil {
		t.Fatalf("new gcs session: %v", err)
	}
	droneProxy.InstallSession(droneSess, 0x01, time.Second)
	gcsProxy.InstallSession(gcsSess, 0x01, time.Second)

	appTxD := dialFrom(t, droneAppTxAddr)
	appRxD := listenAt(t, droneAppRxAddr)
	appTxG := dialFrom(t, gcsAppTxAddr)
	appRxG := listenAt(t, gcsAppRxAddr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = droneProxy.Run(ctx) }()
	go func() { _ = gcsProxy.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		droneProxy.Close()
		gcsProxy.Close()
		appTxD.Close()
		appRxD.Close()
		appTxG.Close()
		appRxG.Close()
	})

	return &harness{t: t, drone: droneProxy, gcs: gcsProxy, appTxD: appTxD, appRxD: appRxD, appTxG: appTxG, appRxG: appRxG}
}

func ephemeralAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("allocate ephemeral port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func mustResolveUDP(t *testing.T, addr string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve %q: %v", addr, err)
	}
	return a
}

func dialFrom(t *testing.T, addr string) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, mustResolveUDP(t, addr))
	if err != nil {
		t.Fatalf("dial %q: %v", addr, err)
	}
	return conn
}

func listenAt(t *testing.T, addr string) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", mustResolveUDP(t, addr))
	if err != nil {
		t.Fatalf("listen %q: %v", addr, err)
	}
	return conn
}

func TestProxyForwardsPlaintextDroneToGCS(t *testing.T) {
	h := newHarness(t)
	time.Sleep(20 * time.Millisecond) // let reader goroutines bind into their select loops

	payload := []byte("mavlink-heartbeat")
	if _, err := h.appTxD.Write(payload); err != nil {
		t.Fatalf("write to drone tx: %v", err)
	}

	_ = h.appRxG.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, err := h.appRxG.Read(buf)
	if err != nil {
		t.Fatalf("read delivered datagram at gcs: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("delivered payload = %q, want %q", buf[:n], payload)
	}
}

func TestProxyDropsUnknownPeerWhenStrict(t *testing.T) {
	h := newHarness(t)
	time.Sleep(20 * time.Millisecond)

	spoofer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen spoofer: %v", err)
	}
	defer spoofer.Close()

	gcsEncAddr := h.gcs.encryptedConn.LocalAddr().(*net.UDPAddr)
	junk := wireFrame(t)
	if _, err := spoofer.WriteToUDP(junk, gcsEncAddr); err != nil {
		t.Fatalf("spoofed write: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := h.gcs.drops.Peer.Load(); got == 0 {
		t.Error("expected drop_peer to increment for traffic from an unpinned source")
	}
}

func wireFrame(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 15+16)
	buf[0] = 0x5C
	buf[1] = 0x01
	return buf
}
