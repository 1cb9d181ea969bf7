// Package identity loads the long-term signature keypair a process
// authenticates with, plus the single pinned peer public key it trusts,
// from the filesystem or (optionally) a Vault KV mount.
package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/example/securetunnel/internal/platform/secrets"
	"github.com/example/securetunnel/pkg/crypto/sign"
)

// FileSource loads identity material from plain files on disk: the
// local private key, the local public key, and the peer's public key,
// each hex-encoded, one key per file.
type FileSource struct {
	LocalPrivateKeyPath string
	LocalPublicKeyPath  string
	PeerPublicKeyPath   string
}

// Load reads all three files and returns the assembled identity.
func (f FileSource) Load() (sign.KeyPair, []byte, error) {
	priv, err := readHexFile(f.LocalPrivateKeyPath)
	if err != nil {
		return sign.KeyPair{}, nil, fmt.Errorf("identity: local private key: %w", err)
	}
	pub, err := readHexFile(f.LocalPublicKeyPath)
	if err != nil {
		return sign.KeyPair{}, nil, fmt.Errorf("identity: local public key: %w", err)
	}
	peerPub, err := readHexFile(f.PeerPublicKeyPath)
	if err != nil {
		return sign.KeyPair{}, nil, fmt.Errorf("identity: peer public key: %w", err)
	}
	return sign.KeyPair{Public: pub, Private: priv}, peerPub, nil
}

// VaultSource loads the same three values from a Vault KV v2 mount
// instead of the filesystem, for deployments where long-term keys are
// sealed in a secrets manager rather than provisioned onto disk.
type VaultSource struct {
	Manager *secrets.Manager
	Path    string // KV path holding local_private_key / local_public_key / peer_public_key
}

// Load fetches and decodes the three hex-encoded fields at Path.
func (v VaultSource) Load(ctx context.Context) (sign.KeyPair, []byte, error) {
	if v.Manager == nil {
		return sign.KeyPair{}, nil, fmt.Errorf("identity: vault manager required")
	}
	kv, err := v.Manager.GetKV(ctx, v.Path)
	if err != nil {
		return sign.KeyPair{}, nil, fmt.Errorf("identity: vault kv get: %w", err)
	}
	priv, err := decodeField(kv, "local_private_key")
	if err != nil {
		return sign.KeyPair{}, nil, err
	}
	pub, err := decodeField(kv, "local_public_key")
	if err != nil {
		return sign.KeyPair{}, nil, err
	}
	peerPub, err := decodeField(kv, "peer_public_key")
	if err != nil {
		return sign.KeyPair{}, nil, err
	}
	return sign.KeyPair{Public: pub, Private: priv}, peerPub, nil
}

// Validate checks the loaded identity against the scheme named by
// signatureID, the scheme the negotiated suite catalog expects: key
// lengths that don't match indicate a provisioning error, which must
// fail closed rather than proceed into a handshake doomed to fail
// signature verification.
func Validate(signatureID string, local sign.KeyPair, peerPublicKey []byte) error {
	scheme, err := sign.ForID(signatureID)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if len(local.Private) != scheme.PrivateKeyLength() {
		return fmt.Errorf("identity: local private key length %d, want %d for %s", len(local.Private), scheme.PrivateKeyLength(), signatureID)
	}
	if len(local.Public) != scheme.PublicKeyLength() {
		return fmt.Errorf("identity: local public key length %d, want %d for %s", len(local.Public), scheme.PublicKeyLength(), signatureID)
	}
	if len(peerPublicKey) != scheme.PublicKeyLength() {
		return fmt.Errorf("identity: peer public key length %d, want %d for %s", len(peerPublicKey), scheme.PublicKeyLength(), signatureID)
	}
	return nil
}

func readHexFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode hex contents of %s: %w", path, err)
	}
	return decoded, nil
}

func decodeField(kv map[string]string, key string) ([]byte, error) {
	raw, ok := kv[key]
	if !ok {
		return nil, fmt.Errorf("identity: vault secret missing field %q", key)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: decode vault field %q: %w", key, err)
	}
	return decoded, nil
}
