package rekey

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/securetunnel/internal/platform/tracing"
	"github.com/example/securetunnel/pkg/control"
	"github.com/example/securetunnel/pkg/crypto/aead"
	"github.com/example/securetunnel/pkg/handshake"
	"github.com/example/securetunnel/pkg/session"
	"github.com/example/securetunnel/pkg/suite"
)

// DroneCoordinator is the decider: it picks the suite order, dials the
// handshake stream for each entry, and tells the GCS when and what to
// cut over to.
type DroneCoordinator struct {
	deps  Dependencies
	state State
}

// NewDroneCoordinator validates deps and returns a coordinator in IDLE.
func NewDroneCoordinator(deps Dependencies) (*DroneCoordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &DroneCoordinator{deps: deps, state: StateIdle}, nil
}

// State reports the coordinator's current node in the state machine.
func (c *DroneCoordinator) State() State { return c.state }

type handshakeOutcome struct {
	sess     *session.Session
	s        suite.Suite
	duration time.Duration
	err      error
}

// Run drives the full sequence of suiteIDs to completion: one
// handshake-then-active cycle per entry, a PrepareRekey/cutover
// exchange between consecutive entries, and a final StopSuite once the
// sequence is exhausted. epoch numbering starts at 1 and increments
// once per suite entered, matching the Session's reserved-zero rule.
//
// Per §4.7(b), the handshake for suite i+1 is started concurrently with
// suite i's PrepareRekey/cutover wait: the proxy keeps serving suite i's
// traffic while the new keys are negotiated over a separate TCP stream,
// so the only step that blocks at the synchronized cutover instant is
// the InstallSession swap itself.
func (c *DroneCoordinator) Run(ctx context.Context, suiteIDs []string) error {
	if len(suiteIDs) == 0 {
		return fmt.Errorf("rekey: at least one suite_id required")
	}

	pending, err := c.startHandshake(ctx, suiteIDs[0], 1)
	if err != nil {
		c.state = StateTerminated
		return fmt.Errorf("rekey: suite %q (epoch 1): %w", suiteIDs[0], err)
	}
	c.state = StateHandshaking

	var cutoverAt time.Time
	for i, suiteID := range suiteIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		epoch := uint32(i + 1)
		last := i == len(suiteIDs)-1

		runStart := time.Now()
		before := c.deps.Proxy.Snapshot()

		outcome := <-pending
		if outcome.err != nil {
			c.state = StateTerminated
			return fmt.Errorf("rekey: suite %q (epoch %d): handshake: %w", suiteID, epoch, outcome.err)
		}

		var blackout time.Duration
		if epoch == 1 {
			c.deps.Proxy.InstallSession(outcome.sess, suiteFamilyByte(outcome.s), c.deps.RekeyGrace)
			c.state = StateActive
		} else {
			waitUntil(ctx, cutoverAt)
			blackout = c.cutover(outcome.sess, outcome.s)
		}

		if !last {
			nextSuiteID := suiteIDs[i+1]
			c.state = StateRekeyPending
			offset, err := control.InitiateChronosSync(c.deps.Control)
			if err != nil {
				c.state = StateTerminated
				return fmt.Errorf("chronos sync: %w", err)
			}
			cutoverAt = time.Now().Add(c.deps.RekeyGrace).Add(offset)
			if err := c.deps.Control.Send(control.MsgPrepareRekey, control.PrepareRekey{
				NextSuiteID: nextSuiteID,
				CutoverAt:   cutoverAt,
			}); err != nil {
				c.state = StateTerminated
				return fmt.Errorf("announce prepare_rekey: %w", err)
			}
			c.state = StateRekeyHandshaking

			pending, err = c.startHandshake(ctx, nextSuiteID, epoch+1)
			if err != nil {
				c.state = StateTerminated
				return fmt.Errorf("rekey: suite %q (epoch %d): %w", nextSuiteID, epoch+1, err)
			}
		}

		after := c.deps.Proxy.Snapshot()
		rec := SuiteRunRecord{
			SuiteID:             suiteID,
			Epoch:               epoch,
			StartedAt:           runStart,
			EndedAt:             time.Now(),
			HandshakeDurationMs: outcome.duration.Milliseconds(),
			FramesIn:            after.FramesIn - before.FramesIn,
			FramesOut:           after.FramesOut - before.FramesOut,
			DropsByReason:       diffDrops(before, after),
			RekeyBlackoutMs:     blackout.Milliseconds(),
			Success:             true,
		}
		if err := c.deps.Records.Append(rec); err != nil {
			return fmt.Errorf("append suite run record: %w", err)
		}
	}

	c.state = StateTerminated
	return c.deps.Control.Send(control.MsgStopSuite, control.StopSuite{Reason: "suite sequence complete"})
}

// startHandshake announces suiteID via StartSuite and runs the KEM
// handshake for it on a background goroutine, returning a channel that
// receives the outcome once the new session is ready. Announcing and
// dialing happen up front (not deferred to when the result is
// consumed) so the handshake runs fully in parallel with whatever the
// caller does next — e.g. a PrepareRekey/cutover wait for the prior
// epoch.
func (c *DroneCoordinator) startHandshake(ctx context.Context, suiteID string, epoch uint32) (<-chan handshakeOutcome, error) {
	if err := c.deps.Control.Send(control.MsgStartSuite, control.StartSuite{SuiteID: suiteID}); err != nil {
		return nil, fmt.Errorf("announce start_suite: %w", err)
	}
	out := make(chan handshakeOutcome, 1)
	go func() {
		sess, s, d, err := c.runHandshake(ctx, suiteID, epoch)
		out <- handshakeOutcome{sess: sess, s: s, duration: d, err: err}
	}()
	return out, nil
}

func (c *DroneCoordinator) runHandshake(ctx context.Context, suiteID string, epoch uint32) (*session.Session, suite.Suite, time.Duration, error) {
	var zero suite.Suite

	s, err := c.deps.Registry.ByID(suiteID)
	if err != nil {
		return nil, zero, 0, err
	}
	if err := admit(c.deps, suiteID); err != nil {
		return nil, zero, 0, fmt.Errorf("suite not admitted: %w", err)
	}
	aeadC, err := aead.ForID(s.AEAD)
	if err != nil {
		return nil, zero, 0, err
	}

	tracer := tracing.Tracer("securetunnel.rekey")
	spanCtx, span := tracer.Start(ctx, "rekey.drone.handshake", trace.WithAttributes(
		attribute.String("suite_id", suiteID),
		attribute.Int64("epoch", int64(epoch)),
	))
	defer span.End()
	fail := func(err error) (*session.Session, suite.Suite, time.Duration, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, zero, 0, err
	}

	conn, err := dialHandshakeWithRetry(spanCtx, c.deps.HandshakeAddr, c.deps.HandshakeDeadline, c.deps.RetryBackoff)
	if err != nil {
		return fail(fmt.Errorf("dial handshake stream: %w", err))
	}
	client, err := handshake.NewClient(handshake.ClientConfig{
		Suite:             s,
		Epoch:             epoch,
		LocalIdentity:     c.deps.LocalIdentity,
		PeerPublicKey:     c.deps.PeerPublicKey,
		HandshakeDeadline: c.deps.HandshakeDeadline,
	})
	if err != nil {
		conn.Close()
		return fail(fmt.Errorf("construct handshake client: %w", err))
	}
	start := time.Now()
	keys, err := client.Run(spanCtx, conn)
	duration := time.Since(start)
	conn.Close()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, zero, duration, fmt.Errorf("handshake: %w", err)
	}

	peerAddr := c.deps.Proxy.PeerUDPAddr()
	sess, err := session.New(session.RoleDrone, aeadC, keys, peerAddr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, zero, duration, fmt.Errorf("construct session: %w", err)
	}
	return sess, s, duration, nil
}

// cutover installs the already-handshaked session for a rekey epoch
// and records the observed blackout: the only step on this side's
// critical path at cutover time, since the handshake itself already
// completed during the prior epoch's continued service.
func (c *DroneCoordinator) cutover(sess *session.Session, s suite.Suite) time.Duration {
	start := time.Now()
	c.deps.Proxy.InstallSession(sess, suiteFamilyByte(s), c.deps.RekeyGrace)
	blackout := time.Since(start)
	c.deps.Proxy.RecordRekeyBlackout(blackout)
	c.state = StateActive
	return blackout
}

// dialHandshakeWithRetry dials the handshake listener, retrying once
// after backoff if the GCS's net.Listener hasn't called Accept yet —
// StartSuite and the dial race over two independent connections, and
// a fresh GCS process may still be binding its listener.
func dialHandshakeWithRetry(ctx context.Context, addr string, timeout, backoff time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err == nil {
		return conn, nil
	}
	if backoff <= 0 {
		return nil, err
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return net.DialTimeout("tcp", addr, timeout)
}

func waitUntil(ctx context.Context, t time.Time) {
	d := time.Until(t)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
