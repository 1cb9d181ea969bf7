package rekey

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/securetunnel/internal/platform/tracing"
	"github.com/example/securetunnel/pkg/control"
	"github.com/example/securetunnel/pkg/crypto/aead"
	"github.com/example/securetunnel/pkg/handshake"
	"github.com/example/securetunnel/pkg/session"
	"github.com/example/securetunnel/pkg/suite"
)

// GCSCoordinator is the follower: it accepts whatever handshake stream
// and control instruction the Drone sends next and honors the
// synchronized cutover time the Drone computes.
type GCSCoordinator struct {
	deps     Dependencies
	listener net.Listener
	state    State
}

// NewGCSCoordinator opens the handshake listener and returns a
// coordinator in IDLE, ready for Run.
func NewGCSCoordinator(deps Dependencies) (*GCSCoordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", deps.HandshakeAddr)
	if err != nil {
		return nil, fmt.Errorf("rekey: listen handshake addr: %w", err)
	}
	return &GCSCoordinator{deps: deps, listener: ln, state: StateIdle}, nil
}

// State reports the coordinator's current node in the state machine.
func (c *GCSCoordinator) State() State { return c.state }

// Close releases the handshake listener.
func (c *GCSCoordinator) Close() error { return c.listener.Close() }

type handshakeResult struct {
	epoch uint32
	sess  *session.Session
	s     suite.Suite
	err   error
}

// Run dispatches on control messages until a StopSuite arrives or ctx
// is cancelled. Envelope receipt runs on a dedicated goroutine so that
// the dispatch loop can react to a StartSuite (which kicks off a
// handshake accept on yet another goroutine) while it is also waiting
// out a PrepareRekey's cutover timer: per §4.7(b), the next epoch's
// handshake must complete concurrently with the current epoch's
// continued service, not strictly after it, so this loop never blocks
// on either the accept or the handshake itself. Only the final install
// waits on both the handshake result and the cutover instant.
func (c *GCSCoordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	envCh := make(chan control.Envelope)
	errCh := make(chan error, 1)
	go func() {
		for {
			env, err := c.deps.Control.Receive()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case envCh <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	epoch := uint32(0)
	var pendingEpoch uint32
	var pending <-chan handshakeResult
	var handshakeReady, cutoverDue bool
	var readySess *session.Session
	var readySuite suite.Suite

	var cutoverTimer *time.Timer
	var cutoverCh <-chan time.Time
	defer func() {
		if cutoverTimer != nil {
			cutoverTimer.Stop()
		}
	}()

	tryInstall := func() error {
		if !handshakeReady || !cutoverDue {
			return nil
		}
		start := time.Now()
		c.deps.Proxy.InstallSession(readySess, suiteFamilyByte(readySuite), c.deps.RekeyGrace)
		c.deps.Proxy.RecordRekeyBlackout(time.Since(start))
		c.state = StateActive
		epoch = pendingEpoch
		handshakeReady, cutoverDue = false, false
		readySess, readySuite = nil, suite.Suite{}
		pending = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("rekey: control receive: %w", err)
		case r := <-pending:
			pending = nil
			if r.err != nil {
				return fmt.Errorf("rekey: handshake for epoch %d: %w", r.epoch, r.err)
			}
			readySess, readySuite = r.sess, r.s
			handshakeReady = true
			if err := tryInstall(); err != nil {
				return err
			}
		case <-cutoverCh:
			cutoverCh = nil
			cutoverDue = true
			if err := tryInstall(); err != nil {
				return err
			}
		case env := <-envCh:
			switch env.Type {
			case control.MsgStartSuite:
				var payload control.StartSuite
				if err := control.Decode(env, &payload); err != nil {
					return err
				}
				nextEpoch := epoch + 1
				pendingEpoch = nextEpoch
				handshakeReady, cutoverDue = false, false
				if nextEpoch == 1 {
					// No PrepareRekey precedes the first suite, so there is
					// no cutover to wait for: install as soon as the
					// handshake completes.
					cutoverDue = true
				}
				c.state = StateHandshaking
				pending = c.acceptHandshake(ctx, payload.SuiteID, nextEpoch)
			case control.MsgPrepareRekey:
				var payload control.PrepareRekey
				if err := control.Decode(env, &payload); err != nil {
					return err
				}
				c.state = StateRekeyPending
				d := time.Until(payload.CutoverAt)
				if d < 0 {
					d = 0
				}
				cutoverTimer = time.NewTimer(d)
				cutoverCh = cutoverTimer.C
				c.state = StateRekeyHandshaking
			case control.MsgChronosSync:
				if err := control.RespondToChronosSync(c.deps.Control, env); err != nil {
					return err
				}
			case control.MsgIntegrityAlarm:
				var payload control.IntegrityAlarm
				if err := control.Decode(env, &payload); err != nil {
					return err
				}
				c.deps.logger().Warn("integrity alarm received from peer",
					zap.Float64("failures_per_second", payload.FailuresPerSecond))
			case control.MsgStopSuite:
				c.state = StateTerminated
				return nil
			case control.MsgError:
				var payload control.Error
				if err := control.Decode(env, &payload); err != nil {
					return err
				}
				c.state = StateTerminated
				return fmt.Errorf("rekey: peer reported error %s: %s", payload.Code, payload.Message)
			case control.MsgQueryStatus:
				snap := c.deps.Proxy.Snapshot()
				if err := c.deps.Control.Send(control.MsgStatusReport, control.StatusReport{
					CurrentEpoch: snap.CurrentEpoch,
					FramesIn:     snap.FramesIn,
					FramesOut:    snap.FramesOut,
					Drops:        dropsByReason(snap),
					RecordedAt:   snap.Timestamp,
				}); err != nil {
					return err
				}
			default:
				// Unrecognized message types are tolerated: a future control
				// protocol revision may introduce kinds this build predates.
			}
		}
	}
}

// acceptHandshake accepts the next handshake stream and runs the
// protocol as the GCS (listener) side, delivering the resulting
// session on the returned channel. It runs entirely on a background
// goroutine so the dispatch loop remains free to process a concurrent
// PrepareRekey's cutover timer.
func (c *GCSCoordinator) acceptHandshake(ctx context.Context, suiteID string, epoch uint32) <-chan handshakeResult {
	out := make(chan handshakeResult, 1)
	go func() {
		sess, s, err := c.handshakeAndBuildSession(ctx, suiteID, epoch)
		out <- handshakeResult{epoch: epoch, sess: sess, s: s, err: err}
	}()
	return out
}

func (c *GCSCoordinator) handshakeAndBuildSession(ctx context.Context, suiteID string, epoch uint32) (*session.Session, suite.Suite, error) {
	var zero suite.Suite

	s, err := c.deps.Registry.ByID(suiteID)
	if err != nil {
		return nil, zero, err
	}
	if err := admit(c.deps, suiteID); err != nil {
		return nil, zero, fmt.Errorf("suite not admitted: %w", err)
	}
	aeadC, err := aead.ForID(s.AEAD)
	if err != nil {
		return nil, zero, err
	}

	tracer := tracing.Tracer("securetunnel.rekey")
	spanCtx, span := tracer.Start(ctx, "rekey.gcs.handshake", trace.WithAttributes(
		attribute.String("suite_id", suiteID),
		attribute.Int64("epoch", int64(epoch)),
	))
	defer span.End()
	fail := func(err error) (*session.Session, suite.Suite, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, zero, err
	}

	deadline := c.deps.HandshakeDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := c.listener.Accept()
		acceptCh <- acceptResult{conn: conn, err: err}
	}()

	var conn net.Conn
	select {
	case r := <-acceptCh:
		if r.err != nil {
			return fail(fmt.Errorf("accept handshake stream: %w", r.err))
		}
		conn = r.conn
	case <-time.After(deadline):
		return fail(fmt.Errorf("timed out waiting for handshake connection"))
	case <-spanCtx.Done():
		return fail(spanCtx.Err())
	}
	defer conn.Close()

	server, err := handshake.NewServer(handshake.ServerConfig{
		Suite:             s,
		Epoch:             epoch,
		LocalIdentity:     c.deps.LocalIdentity,
		PeerPublicKey:     c.deps.PeerPublicKey,
		HandshakeDeadline: c.deps.HandshakeDeadline,
	})
	if err != nil {
		return fail(fmt.Errorf("construct handshake server: %w", err))
	}
	keys, err := server.Run(spanCtx, conn)
	if err != nil {
		return fail(fmt.Errorf("handshake: %w", err))
	}

	peerAddr := c.deps.Proxy.PeerUDPAddr()
	sess, err := session.New(session.RoleGCS, aeadC, keys, peerAddr)
	if err != nil {
		return fail(fmt.Errorf("construct session: %w", err))
	}
	return sess, s, nil
}
