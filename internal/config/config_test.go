package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validYAML = `
role: drone
peer_address: 10.0.0.2:52000
plaintext_listen_addr: 127.0.0.1:14550
plaintext_deliver_addr: 127.0.0.1:14551
encrypted_listen_addr: 0.0.0.0:52000
control_peer_addr: 10.0.0.2:52001
handshake_listen_addr: 10.0.0.2:52002
suite_sequence:
  - ML-KEM-768+ML-DSA-65+AES-256-GCM
identity_private_key_path: /etc/securetunnel/drone.key
identity_public_key_path: /etc/securetunnel/drone.pub
peer_public_key_path: /etc/securetunnel/gcs.pub
`

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Role != RoleDrone {
		t.Errorf("role = %q, want drone", cfg.Role)
	}
	if cfg.RekeyGraceMs != 250 {
		t.Errorf("rekey_grace_ms default = %d, want 250", cfg.RekeyGraceMs)
	}
	if cfg.HandshakeDeadline().Milliseconds() != 5000 {
		t.Errorf("handshake deadline = %v, want 5s", cfg.HandshakeDeadline())
	}
}

func TestLoadRejectsMissingRole(t *testing.T) {
	path := writeTempConfig(t, `
plaintext_listen_addr: 127.0.0.1:1
plaintext_deliver_addr: 127.0.0.1:2
encrypted_listen_addr: 127.0.0.1:3
control_listen_addr: 127.0.0.1:4
handshake_listen_addr: 127.0.0.1:5
suite_sequence: ["ML-KEM-512+ML-DSA-44+AES-256-GCM"]
identity_private_key_path: a
identity_public_key_path: b
peer_public_key_path: c
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing role")
	}
}

func TestLoadRejectsEmptySuiteSequence(t *testing.T) {
	path := writeTempConfig(t, `
role: gcs
plaintext_listen_addr: 127.0.0.1:1
plaintext_deliver_addr: 127.0.0.1:2
encrypted_listen_addr: 127.0.0.1:3
control_listen_addr: 127.0.0.1:4
handshake_listen_addr: 127.0.0.1:5
identity_private_key_path: a
identity_public_key_path: b
peer_public_key_path: c
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for empty suite_sequence")
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	t.Setenv("SECURETUNNEL_PEER_ADDRESS", "192.168.1.50:52000")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PeerAddress != "192.168.1.50:52000" {
		t.Errorf("peer_address = %q, want env override", cfg.PeerAddress)
	}
}
