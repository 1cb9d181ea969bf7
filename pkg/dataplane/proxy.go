// Package dataplane implements the dual-socket proxy event loop: the
// loopback plaintext side talks to the local application (MAVProxy);
// the routable encrypted side talks to the peer endpoint. The loop is
// logically single-threaded — one goroutine owns all packet handling
// and all mutable state — with dedicated reader goroutines only moving
// bytes off the two sockets into channels, so blocking I/O never stalls
// the core select loop.
package dataplane

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/securetunnel/pkg/session"
	"github.com/example/securetunnel/pkg/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// minTagLen is the smallest AEAD tag length among the registered
// ciphers (both AES-256-GCM and ChaCha20-Poly1305 use 16-byte tags). It
// bounds the minimum plausible datagram size before the header is
// parsed and the session (and its actual cipher) selected.
const minTagLen = 16

// Config governs one Proxy instance.
type Config struct {
	Role Role

	PlaintextListenAddr  string // tx: app's outbound datagrams arrive here
	PlaintextDeliverAddr string // rx: decrypted inbound datagrams are forwarded here
	EncryptedListenAddr  string // routable: peer traffic arrives/departs here
	PeerAddr             *net.UDPAddr

	StrictPeerMatch       bool
	OutboundRateLimitPPS  int
	StatusWriteInterval   time.Duration
	StatusPath            string
	RekeyGrace            time.Duration

	// IntegrityAlarmThreshold is the sustained inbound AEAD-auth-failure
	// rate (failures/second) that raises an alarm on IntegrityAlarms().
	// Zero disables alarm raising (failures are still counted in
	// DropAuth either way).
	IntegrityAlarmThreshold float64

	Logger *zap.Logger
}

// Role is an alias of session.Role, so the two are the same type.
type Role = session.Role

const (
	RoleDrone = session.RoleDrone
	RoleGCS   = session.RoleGCS
)

type previousEpoch struct {
	session    *session.Session
	graceUntil time.Time
}

// Proxy owns both UDP sockets and the Session currently in force. It is
// the only component that reads or writes the Session's keys during
// steady-state operation.
type Proxy struct {
	cfg Config
	log *zap.Logger

	plaintextConn *net.UDPConn
	encryptedConn *net.UDPConn
	deliverAddr   *net.UDPAddr
	limiter       *rate.Limiter

	current  atomic.Pointer[session.Session]
	previous atomic.Pointer[previousEpoch]

	peerAddrPin atomic.Pointer[net.UDPAddr]

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	drops     DropCounters

	handshakeCompletedAtUnixNano atomic.Int64
	lastRekeyBlackoutMs          atomic.Int64

	suiteFamily atomic.Uint32 // holds a byte value; atomic.Uint32 for portability

	metrics *proxyMetrics

	integrityThreshold float64
	integrityMu        sync.Mutex
	integrityWindowAt  time.Time
	integrityCount     int
	alarmCh            chan float64
}

// New opens both sockets and returns a Proxy ready to Run.
func New(cfg Config) (*Proxy, error) {
	plaintextAddr, err := net.ResolveUDPAddr("udp", cfg.PlaintextListenAddr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: resolve plaintext listen addr: %w", err)
	}
	deliverAddr, err := net.ResolveUDPAddr("udp", cfg.PlaintextDeliverAddr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: resolve plaintext deliver addr: %w", err)
	}
	encryptedAddr, err := net.ResolveUDPAddr("udp", cfg.EncryptedListenAddr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: resolve encrypted listen addr: %w", err)
	}

	plaintextConn, err := net.ListenUDP("udp", plaintextAddr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: listen plaintext: %w", err)
	}
	encryptedConn, err := net.ListenUDP("udp", encryptedAddr)
	if err != nil {
		plaintextConn.Close()
		return nil, fmt.Errorf("dataplane: listen encrypted: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Proxy{
		cfg:                cfg,
		log:                logger,
		plaintextConn:      plaintextConn,
		encryptedConn:      encryptedConn,
		deliverAddr:        deliverAddr,
		metrics:            newProxyMetrics(),
		integrityThreshold: cfg.IntegrityAlarmThreshold,
		alarmCh:            make(chan float64, 1),
	}
	p.limiter = newOutboundLimiter(cfg.OutboundRateLimitPPS)
	if cfg.PeerAddr != nil {
		p.peerAddrPin.Store(cfg.PeerAddr)
	}
	return p, nil
}

// Close releases both sockets.
func (p *Proxy) Close() error {
	err1 := p.plaintextConn.Close()
	err2 := p.encryptedConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// InstallSession swaps in a newly handshaked Session. The previous
// Session (if any) remains readable for gracePeriod to absorb in-flight
// old-epoch frames, then is destroyed. The swap is a single atomic
// pointer store, observed by the proxy loop on its next iteration.
func (p *Proxy) InstallSession(newSess *session.Session, suiteFamily byte, gracePeriod time.Duration) {
	old := p.current.Load()
	if old != nil {
		p.previous.Store(&previousEpoch{session: old, graceUntil: time.Now().Add(gracePeriod)})
	}
	p.current.Store(newSess)
	p.suiteFamily.Store(uint32(suiteFamily))
	p.peerAddrPin.Store(addrToUDP(newSess.PeerAddr()))
	p.handshakeCompletedAtUnixNano.Store(newSess.CreatedAt().UnixNano())
}

// PeerUDPAddr returns the currently pinned peer address, or the
// statically configured one if no session has pinned it yet. Used by
// the rekey coordinator to construct a new Session before InstallSession
// has a chance to pin it itself.
func (p *Proxy) PeerUDPAddr() *net.UDPAddr {
	if pin := p.peerAddrPin.Load(); pin != nil {
		return pin
	}
	return p.cfg.PeerAddr
}

// RecordRekeyBlackout records the measured blackout duration of the most
// recent rekey, surfaced in the next status snapshot and exported as an
// OTLP histogram.
func (p *Proxy) RecordRekeyBlackout(d time.Duration) {
	p.lastRekeyBlackoutMs.Store(d.Milliseconds())
	p.metrics.recordRekeyBlackout(context.Background(), d.Milliseconds())
}

// IntegrityAlarms yields the sustained AEAD-auth-failure rate (per
// second) whenever it crosses cfg.IntegrityAlarmThreshold (§7). Callers
// typically forward each value onto the control channel as an
// IntegrityAlarm message. The channel is never closed; it is safe to
// range over it for the lifetime of the process.
func (p *Proxy) IntegrityAlarms() <-chan float64 {
	return p.alarmCh
}

// recordAuthFailure tallies one inbound AEAD verification failure into
// a rolling one-second window and raises an alarm (non-blocking, best
// effort) if the observed rate exceeds the configured threshold.
func (p *Proxy) recordAuthFailure() {
	if p.integrityThreshold <= 0 {
		return
	}
	p.integrityMu.Lock()
	now := time.Now()
	if p.integrityWindowAt.IsZero() || now.Sub(p.integrityWindowAt) >= time.Second {
		p.integrityWindowAt = now
		p.integrityCount = 0
	}
	p.integrityCount++
	count := p.integrityCount
	elapsed := now.Sub(p.integrityWindowAt)
	p.integrityMu.Unlock()

	if elapsed <= 0 {
		return
	}
	rate := float64(count) / elapsed.Seconds()
	if rate < p.integrityThreshold {
		return
	}
	select {
	case p.alarmCh <- rate:
	default:
	}
}

func addrToUDP(a net.Addr) *net.UDPAddr {
	if u, ok := a.(*net.UDPAddr); ok {
		return u
	}
	return nil
}

type packet struct {
	data []byte
	addr *net.UDPAddr
}

// Run drives the event loop until ctx is cancelled. Suspension points
// are limited to socket reads (handled by the reader goroutines) and
// the status-export ticker, per the cooperative scheduling contract.
func (p *Proxy) Run(ctx context.Context) error {
	plaintextCh := make(chan packet, 64)
	encryptedCh := make(chan packet, 64)

	go readLoop(ctx, p.plaintextConn, plaintextCh)
	go readLoop(ctx, p.encryptedConn, encryptedCh)

	interval := p.cfg.StatusWriteInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var statusWriter *StatusWriter
	if p.cfg.StatusPath != "" {
		statusWriter = NewStatusWriter(p.cfg.StatusPath)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-plaintextCh:
			if !ok {
				plaintextCh = nil
				continue
			}
			p.handleOutbound(ctx, pkt)
		case pkt, ok := <-encryptedCh:
			if !ok {
				encryptedCh = nil
				continue
			}
			p.handleInbound(ctx, pkt)
		case <-ticker.C:
			p.reapExpiredEpoch()
			if statusWriter != nil {
				if err := statusWriter.Write(p.snapshot()); err != nil {
					p.log.Warn("status snapshot write failed", zap.Error(err))
				}
			}
		}
	}
}

func readLoop(ctx context.Context, conn *net.UDPConn, out chan<- packet) {
	defer close(out)
	buf := make([]byte, 65535)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- packet{data: data, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Proxy) handleOutbound(ctx context.Context, pkt packet) {
	sess := p.current.Load()
	if sess == nil {
		p.drops.NoSession.Add(1)
		p.metrics.recordDrop(ctx, "no_session")
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.drops.RateLimit.Add(1)
		p.metrics.recordDrop(ctx, "rate_limit")
		return
	}
	datagram, err := sess.Seal(byte(p.suiteFamily.Load()), pkt.data)
	if err != nil {
		p.log.Warn("seal failed", zap.Error(err))
		return
	}
	peer := p.cfg.PeerAddr
	if pin := p.peerAddrPin.Load(); pin != nil {
		peer = pin
	}
	if _, err := p.encryptedConn.WriteToUDP(datagram, peer); err != nil {
		p.log.Warn("write to peer failed", zap.Error(err))
		return
	}
	p.framesOut.Add(1)
	p.bytesOut.Add(uint64(len(datagram)))
	p.metrics.recordFrame(ctx, "out", len(datagram))
}

func (p *Proxy) handleInbound(ctx context.Context, pkt packet) {
	if p.cfg.StrictPeerMatch {
		pin := p.peerAddrPin.Load()
		if pin != nil && !sameUDPAddr(pin, pkt.addr) {
			p.drops.Peer.Add(1)
			p.metrics.recordDrop(ctx, "peer")
			return
		}
	}

	f, aad, err := wire.Decode(pkt.data, minTagLen)
	if err != nil {
		p.drops.Header.Add(1)
		p.metrics.recordDrop(ctx, "header")
		return
	}

	sess := p.selectSession(f.Epoch)
	if sess == nil {
		p.drops.Epoch.Add(1)
		p.metrics.recordDrop(ctx, "epoch")
		return
	}

	if err := sess.CheckReplay(f.Sequence); err != nil {
		p.drops.Replay.Add(1)
		p.metrics.recordDrop(ctx, "replay")
		return
	}

	plaintext, err := sess.Open(f, aad)
	if err != nil {
		p.drops.Auth.Add(1)
		p.metrics.recordDrop(ctx, "auth")
		p.recordAuthFailure()
		return
	}
	sess.CommitReplay(f.Sequence)
	if p.peerAddrPin.Load() == nil {
		p.peerAddrPin.Store(pkt.addr)
	}

	if _, err := p.plaintextConn.WriteToUDP(plaintext, p.deliverAddr); err != nil {
		p.log.Warn("deliver to application failed", zap.Error(err))
		return
	}
	p.framesIn.Add(1)
	p.bytesIn.Add(uint64(len(pkt.data)))
	p.metrics.recordFrame(ctx, "in", len(pkt.data))
}

func (p *Proxy) selectSession(epoch uint32) *session.Session {
	if cur := p.current.Load(); cur != nil && cur.Epoch() == epoch {
		return cur
	}
	if prev := p.previous.Load(); prev != nil && prev.session.Epoch() == epoch && time.Now().Before(prev.graceUntil) {
		return prev.session
	}
	return nil
}

func (p *Proxy) reapExpiredEpoch() {
	prev := p.previous.Load()
	if prev == nil {
		return
	}
	if time.Now().After(prev.graceUntil) {
		prev.session.Destroy()
		p.previous.Store(nil)
	}
}

// Snapshot returns a point-in-time view of counters and current epoch,
// for callers outside this package (the rekey coordinator's per-suite
// record diffing, the control channel's StatusReport handler).
func (p *Proxy) Snapshot() Snapshot {
	return p.snapshot()
}

func (p *Proxy) snapshot() Snapshot {
	var handshakeAt time.Time
	if ns := p.handshakeCompletedAtUnixNano.Load(); ns != 0 {
		handshakeAt = time.Unix(0, ns)
	}
	epoch := uint32(0)
	if cur := p.current.Load(); cur != nil {
		epoch = cur.Epoch()
	}
	return Snapshot{
		Timestamp:            time.Now(),
		CurrentEpoch:         epoch,
		FramesIn:             p.framesIn.Load(),
		FramesOut:            p.framesOut.Load(),
		BytesIn:              p.bytesIn.Load(),
		BytesOut:             p.bytesOut.Load(),
		DropNoSession:        p.drops.NoSession.Load(),
		DropRateLimit:        p.drops.RateLimit.Load(),
		DropPeer:             p.drops.Peer.Load(),
		DropHeader:           p.drops.Header.Load(),
		DropEpoch:            p.drops.Epoch.Load(),
		DropReplay:           p.drops.Replay.Load(),
		DropAuth:             p.drops.Auth.Load(),
		HandshakeCompletedAt: handshakeAt,
		LastRekeyBlackoutMs:  p.lastRekeyBlackoutMs.Load(),
	}
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
