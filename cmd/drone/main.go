// Command drone runs the drone side of the tunnel: it dials the GCS's
// control connection, decides the suite sequence, drives each
// handshake, and proxies plaintext MAVLink traffic into the encrypted
// tunnel.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/securetunnel/internal/config"
	"github.com/example/securetunnel/internal/platform/compliance"
	"github.com/example/securetunnel/internal/platform/logging"
	"github.com/example/securetunnel/internal/platform/metrics"
	"github.com/example/securetunnel/internal/platform/policy"
	"github.com/example/securetunnel/internal/platform/tracing"
	"github.com/example/securetunnel/pkg/admission"
	"github.com/example/securetunnel/pkg/control"
	"github.com/example/securetunnel/pkg/crypto/sign"
	"github.com/example/securetunnel/pkg/dataplane"
	"github.com/example/securetunnel/pkg/identity"
	"github.com/example/securetunnel/pkg/rekey"
	"github.com/example/securetunnel/pkg/suite"
)

const (
	exitOK             = 0
	exitConfigError    = 2
	exitIdentityError  = 3
	exitHandshakeError = 4
	exitUnrecoverable  = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := os.Getenv("SECURETUNNEL_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	if cfg.Role != config.RoleDrone {
		fmt.Fprintf(os.Stderr, "drone: config role is %q, expected drone\n", cfg.Role)
		return exitConfigError
	}

	logger, flush, err := logging.Global(logging.Config{ServiceName: "securetunnel-drone", Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	defer func() { _ = flush(context.Background()) }()

	bootstrapCtx := context.Background()
	if cfg.MetricsOTLPEndpoint != "" {
		metricsProvider, err := metrics.New(bootstrapCtx, metrics.Config{
			Endpoint:    cfg.MetricsOTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			ServiceName: "securetunnel-drone",
		})
		if err != nil {
			logger.Error("metrics provider init failed", zap.Error(err))
			return exitConfigError
		}
		defer func() { _ = metricsProvider.Shutdown(context.Background()) }()
	}
	if cfg.TracingOTLPEndpoint != "" {
		tracingProvider, err := tracing.New(bootstrapCtx, tracing.Config{
			Endpoint:    cfg.TracingOTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			ServiceName: "securetunnel-drone",
		})
		if err != nil {
			logger.Error("tracing provider init failed", zap.Error(err))
			return exitConfigError
		}
		defer func() { _ = tracingProvider.Shutdown(context.Background()) }()
	}

	local, peerPub, err := identity.FileSource{
		LocalPrivateKeyPath: cfg.IdentityPrivateKeyPath,
		LocalPublicKeyPath:  cfg.IdentityPublicKeyPath,
		PeerPublicKeyPath:   cfg.PeerPublicKeyPath,
	}.Load()
	if err != nil {
		logger.Error("identity load failed", zap.Error(err))
		return exitIdentityError
	}

	registry := suite.Default()
	for _, id := range cfg.SuiteSequence {
		if _, err := registry.ByID(id); err != nil {
			logger.Error("configured suite not in catalog", zap.String("suite_id", id), zap.Error(err))
			return exitConfigError
		}
	}
	firstSuite, err := registry.ByID(cfg.SuiteSequence[0])
	if err != nil {
		logger.Error("resolve first suite", zap.Error(err))
		return exitConfigError
	}
	if err := identity.Validate(firstSuite.Signature, local, peerPub); err != nil {
		logger.Error("identity validation failed", zap.Error(err))
		return exitIdentityError
	}

	peerUDPAddr, err := net.ResolveUDPAddr("udp", cfg.PeerAddress)
	if err != nil {
		logger.Error("resolve peer address", zap.Error(err))
		return exitConfigError
	}

	proxy, err := dataplane.New(dataplane.Config{
		Role:                    dataplane.RoleDrone,
		PlaintextListenAddr:     cfg.PlaintextListenAddr,
		PlaintextDeliverAddr:    cfg.PlaintextDeliverAddr,
		EncryptedListenAddr:     cfg.EncryptedListenAddr,
		PeerAddr:                peerUDPAddr,
		StrictPeerMatch:         cfg.StrictPeerMatch,
		OutboundRateLimitPPS:    cfg.OutboundRateLimitPPS,
		StatusWriteInterval:     cfg.StatusWriteInterval(),
		StatusPath:              cfg.StatusPath,
		RekeyGrace:              cfg.RekeyGrace(),
		Logger:                  logger,
		IntegrityAlarmThreshold: cfg.IntegrityAlarmThresholdPerSec,
	})
	if err != nil {
		logger.Error("dataplane proxy init failed", zap.Error(err))
		return exitUnrecoverable
	}
	defer proxy.Close()

	admissionGate, err := newAdmissionGate(bootstrapCtx, cfg)
	if err != nil {
		logger.Error("construct admission policy gate", zap.Error(err))
		return exitConfigError
	}

	complianceChecker := compliance.NewChecker(
		compliance.CheckFunc(func(ctx context.Context) compliance.Result {
			return identityFilesPresentCheck(cfg)
		}),
	)

	scheme, err := sign.ForID(firstSuite.Signature)
	if err != nil {
		logger.Error("resolve signature scheme", zap.Error(err))
		return exitConfigError
	}
	controlCh, err := control.Dial(cfg.ControlPeerAddr, scheme, local, peerPub)
	if err != nil {
		logger.Error("control channel dial/authentication failed", zap.Error(err))
		return exitIdentityError
	}
	defer controlCh.Close()

	coordinator, err := rekey.NewDroneCoordinator(rekey.Dependencies{
		Registry:          registry,
		LocalIdentity:     local,
		PeerPublicKey:     peerPub,
		Proxy:             proxy,
		Control:           controlCh,
		HandshakeAddr:     cfg.HandshakeListenAddr,
		HandshakeDeadline: cfg.HandshakeDeadline(),
		RekeyGrace:        cfg.RekeyGrace(),
		Records:           rekey.NewRecordWriter(cfg.RecordPath),
		SuiteAdmission:    admissionGate,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("construct rekey coordinator", zap.Error(err))
		return exitUnrecoverable
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxyErrCh := make(chan error, 1)
	go func() { proxyErrCh <- proxy.Run(ctx) }()
	go forwardIntegrityAlarms(ctx, proxy, controlCh, logger)
	go runComplianceLoop(ctx, complianceChecker, logger)

	if err := coordinator.Run(ctx, cfg.SuiteSequence); err != nil && ctx.Err() == nil {
		logger.Error("rekey coordinator exited", zap.Error(err))
		return exitHandshakeError
	}

	stop()
	<-proxyErrCh
	logger.Info("drone shutdown complete")
	return exitOK
}

// newAdmissionGate builds the rego-backed suite admission gate. With no
// AdmissionPolicyPath configured it compiles admission.DefaultModule,
// which allows every catalog suite — admission stays wired rather than
// nil, so coordinator.admit() always goes through policy evaluation.
func newAdmissionGate(ctx context.Context, cfg config.Config) (*admission.PolicyGate, error) {
	module := admission.DefaultModule
	if cfg.AdmissionPolicyPath != "" {
		raw, err := os.ReadFile(cfg.AdmissionPolicyPath)
		if err != nil {
			return nil, fmt.Errorf("read admission policy: %w", err)
		}
		module = string(raw)
	}
	engine, err := policy.New(ctx, policy.Config{
		Query:   "data.securetunnel.admission.allow",
		Modules: map[string]string{"admission.rego": module},
	})
	if err != nil {
		return nil, fmt.Errorf("compile admission policy: %w", err)
	}
	return admission.NewPolicyGate(engine), nil
}

// identityFilesPresentCheck confirms the identity material this process
// loaded at startup is still present on disk, catching a rotated or
// revoked key out from under a long-running process.
func identityFilesPresentCheck(cfg config.Config) compliance.Result {
	now := time.Now()
	for _, path := range []string{cfg.IdentityPrivateKeyPath, cfg.IdentityPublicKeyPath, cfg.PeerPublicKeyPath} {
		if _, err := os.Stat(path); err != nil {
			return compliance.Result{
				Name:      "identity_files_present",
				Status:    compliance.StatusFail,
				Details:   fmt.Sprintf("missing %s: %v", path, err),
				Timestamp: now,
			}
		}
	}
	return compliance.Result{Name: "identity_files_present", Status: compliance.StatusPass, Timestamp: now}
}

// runComplianceLoop periodically evaluates checker and logs the
// summary, warning loudly whenever the fleet drifts out of compliance.
func runComplianceLoop(ctx context.Context, checker *compliance.Checker, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := checker.Evaluate(ctx)
			if !summary.Healthy() {
				logger.Warn("compliance check failed", zap.Error(summary.Error()))
				continue
			}
			logger.Debug("compliance checks passed")
		}
	}
}

// forwardIntegrityAlarms relays every sustained-AEAD-failure alarm the
// local proxy raises onto the control channel so the peer's operator
// is notified even though the failures are, by construction, only
// observable on this side.
func forwardIntegrityAlarms(ctx context.Context, proxy *dataplane.Proxy, ch *control.Channel, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case rate := <-proxy.IntegrityAlarms():
			logger.Warn("integrity alarm raised", zap.Float64("failures_per_second", rate))
			if err := ch.Send(control.MsgIntegrityAlarm, control.IntegrityAlarm{FailuresPerSecond: rate}); err != nil {
				logger.Error("send integrity alarm", zap.Error(err))
			}
		}
	}
}
