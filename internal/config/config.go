// Package config loads and validates process configuration from a YAML
// file, layered with environment variable overrides, for both cmd/gcs
// and cmd/drone entrypoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects which side of the tunnel a process runs as.
type Role string

const (
	RoleDrone Role = "drone"
	RoleGCS   Role = "gcs"
)

// Config is the complete set of options enumerated for a run. YAML
// field names use snake_case to match the on-disk file; environment
// overrides use the SECURETUNNEL_ prefix with the same name upper-cased
// (e.g. SECURETUNNEL_PEER_ADDRESS).
type Config struct {
	Role Role `yaml:"role"`
	// PeerAddress is host:port of the peer's encrypted UDP socket. Only
	// the Drone uses it directly (to seed its initial peer pin); the
	// GCS instead pins the source of the first authenticated inbound
	// frame. strict_peer_match decides whether the pin is enforced on
	// later inbound traffic.
	PeerAddress     string `yaml:"peer_address"`
	StrictPeerMatch bool   `yaml:"strict_peer_match"`

	PlaintextListenAddr  string `yaml:"plaintext_listen_addr"`
	PlaintextDeliverAddr string `yaml:"plaintext_deliver_addr"`
	EncryptedListenAddr  string `yaml:"encrypted_listen_addr"`
	ControlListenAddr    string `yaml:"control_listen_addr"`
	ControlPeerAddr      string `yaml:"control_peer_addr"`
	HandshakeListenAddr  string `yaml:"handshake_listen_addr"`

	SuiteSequence []string `yaml:"suite_sequence"`

	HandshakeDeadlineMs      int64 `yaml:"handshake_deadline_ms"`
	RekeyGraceMs             int64 `yaml:"rekey_grace_ms"`
	ProxyShutdownDeadlineMs  int64 `yaml:"proxy_shutdown_deadline_ms"`
	OutboundRateLimitPPS     int   `yaml:"outbound_rate_limit_pps"`
	StatusWriteIntervalMs    int64 `yaml:"status_write_interval_ms"`

	IdentityPrivateKeyPath string `yaml:"identity_private_key_path"`
	IdentityPublicKeyPath  string `yaml:"identity_public_key_path"`
	PeerPublicKeyPath      string `yaml:"peer_public_key_path"`

	StatusPath string `yaml:"status_path"`
	RecordPath string `yaml:"record_path"`

	LogLevel string `yaml:"log_level"`

	// AdmissionPolicyPath names a rego module gating which suite_ids the
	// rekey coordinator is allowed to enter (package securetunnel.admission,
	// rule "allow"). Empty uses admission.DefaultModule's allow-all policy.
	AdmissionPolicyPath string `yaml:"admission_policy_path"`

	// IntegrityAlarmThresholdPerSec is the sustained inbound AEAD-
	// auth-failure rate (failures/second) that raises an IntegrityAlarm
	// (§7). Zero disables alarm raising.
	IntegrityAlarmThresholdPerSec float64 `yaml:"integrity_alarm_threshold_per_sec"`

	// MetricsOTLPEndpoint and TracingOTLPEndpoint are OTLP gRPC
	// collector addresses (host:port). Empty leaves the corresponding
	// signal on the no-op global provider.
	MetricsOTLPEndpoint string `yaml:"metrics_otlp_endpoint"`
	TracingOTLPEndpoint string `yaml:"tracing_otlp_endpoint"`
	OTLPInsecure        bool   `yaml:"otlp_insecure"`
}

// Default returns a Config with every timing/size field set to the
// same defaults the original reference implementation ships with.
func Default() Config {
	return Config{
		StrictPeerMatch:         true,
		HandshakeDeadlineMs:     5000,
		RekeyGraceMs:            250,
		ProxyShutdownDeadlineMs: 1000,
		OutboundRateLimitPPS:    0,
		StatusWriteIntervalMs:   500,
		LogLevel:                "info",
	}
}

// Load reads path as YAML over the Default() baseline, then applies any
// SECURETUNNEL_* environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first missing or contradictory required field.
func (c Config) Validate() error {
	if c.Role != RoleDrone && c.Role != RoleGCS {
		return fmt.Errorf("config: role must be %q or %q, got %q", RoleDrone, RoleGCS, c.Role)
	}
	if c.PlaintextListenAddr == "" || c.PlaintextDeliverAddr == "" || c.EncryptedListenAddr == "" {
		return fmt.Errorf("config: plaintext_listen_addr, plaintext_deliver_addr, and encrypted_listen_addr are required")
	}
	if c.ControlListenAddr == "" && c.ControlPeerAddr == "" {
		return fmt.Errorf("config: either control_listen_addr (gcs) or control_peer_addr (drone) is required")
	}
	if c.HandshakeListenAddr == "" {
		return fmt.Errorf("config: handshake_listen_addr is required")
	}
	if len(c.SuiteSequence) == 0 {
		return fmt.Errorf("config: suite_sequence must name at least one suite_id")
	}
	if c.IdentityPrivateKeyPath == "" || c.IdentityPublicKeyPath == "" || c.PeerPublicKeyPath == "" {
		return fmt.Errorf("config: identity_private_key_path, identity_public_key_path, and peer_public_key_path are required")
	}
	return nil
}

func (c Config) HandshakeDeadline() time.Duration {
	return time.Duration(c.HandshakeDeadlineMs) * time.Millisecond
}

func (c Config) RekeyGrace() time.Duration {
	return time.Duration(c.RekeyGraceMs) * time.Millisecond
}

func (c Config) ProxyShutdownDeadline() time.Duration {
	return time.Duration(c.ProxyShutdownDeadlineMs) * time.Millisecond
}

func (c Config) StatusWriteInterval() time.Duration {
	return time.Duration(c.StatusWriteIntervalMs) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("SECURETUNNEL_" + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv("SECURETUNNEL_" + key); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := os.LookupEnv("SECURETUNNEL_" + key); ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = parsed
			}
		}
	}
	intv := func(key string, dst *int) {
		if v, ok := os.LookupEnv("SECURETUNNEL_" + key); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}

	var role string
	str("ROLE", &role)
	if role != "" {
		cfg.Role = Role(strings.ToLower(role))
	}
	str("PEER_ADDRESS", &cfg.PeerAddress)
	boolean("STRICT_PEER_MATCH", &cfg.StrictPeerMatch)
	str("PLAINTEXT_LISTEN_ADDR", &cfg.PlaintextListenAddr)
	str("PLAINTEXT_DELIVER_ADDR", &cfg.PlaintextDeliverAddr)
	str("ENCRYPTED_LISTEN_ADDR", &cfg.EncryptedListenAddr)
	str("CONTROL_LISTEN_ADDR", &cfg.ControlListenAddr)
	str("CONTROL_PEER_ADDR", &cfg.ControlPeerAddr)
	str("HANDSHAKE_LISTEN_ADDR", &cfg.HandshakeListenAddr)
	integer("HANDSHAKE_DEADLINE_MS", &cfg.HandshakeDeadlineMs)
	integer("REKEY_GRACE_MS", &cfg.RekeyGraceMs)
	integer("PROXY_SHUTDOWN_DEADLINE_MS", &cfg.ProxyShutdownDeadlineMs)
	intv("OUTBOUND_RATE_LIMIT_PPS", &cfg.OutboundRateLimitPPS)
	integer("STATUS_WRITE_INTERVAL_MS", &cfg.StatusWriteIntervalMs)
	str("IDENTITY_PRIVATE_KEY_PATH", &cfg.IdentityPrivateKeyPath)
	str("IDENTITY_PUBLIC_KEY_PATH", &cfg.IdentityPublicKeyPath)
	str("PEER_PUBLIC_KEY_PATH", &cfg.PeerPublicKeyPath)
	str("STATUS_PATH", &cfg.StatusPath)
	str("RECORD_PATH", &cfg.RecordPath)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ADMISSION_POLICY_PATH", &cfg.AdmissionPolicyPath)
	str("METRICS_OTLP_ENDPOINT", &cfg.MetricsOTLPEndpoint)
	str("TRACING_OTLP_ENDPOINT", &cfg.TracingOTLPEndpoint)
	boolean("OTLP_INSECURE", &cfg.OTLPInsecure)

	if v, ok := os.LookupEnv("SECURETUNNEL_INTEGRITY_ALARM_THRESHOLD_PER_SEC"); ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.IntegrityAlarmThresholdPerSec = parsed
		}
	}
}
