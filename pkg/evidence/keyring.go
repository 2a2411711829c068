package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/capstanhq/capstan/pkg/canonical"
)

// hkdfSalt fixes the HKDF extraction domain for evidence attestation keys.
var hkdfSalt = []byte("capstan-evidence-kdf")

// Keyring derives per-tenant Ed25519 attestation keys from a root secret via
// HKDF-SHA256 and signs sealed packs with them. Derivation is deterministic:
// the same root secret and tenant always yield the same keypair, so
// verifiers can be handed the public key out of band.
type Keyring struct {
	rootSecret []byte
}

// NewKeyring constructs a keyring over a root secret of at least 32 bytes.
func NewKeyring(rootSecret []byte) (*Keyring, error) {
	if len(rootSecret) < 32 {
		return nil, fmt.Errorf("evidence: keyring root secret must be at least 32 bytes, got %d", len(rootSecret))
	}
	secret := make([]byte, len(rootSecret))
	copy(secret, rootSecret)
	return &Keyring{rootSecret: secret}, nil
}

// deriveKey expands the tenant-specific Ed25519 seed.
func (k *Keyring) deriveKey(tenantID string) (ed25519.PrivateKey, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("evidence: tenant id is required for key derivation")
	}
	info := []byte("capstan/evidence/" + tenantID)
	r := hkdf.New(sha256.New, k.rootSecret, hkdfSalt, info)
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("evidence: hkdf derivation failed: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PublicKey returns the tenant's attestation public key.
func (k *Keyring) PublicKey(tenantID string) (ed25519.PublicKey, error) {
	priv, err := k.deriveKey(tenantID)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// KeyID names a tenant's key: the truncated hash of its public key.
func (k *Keyring) KeyID(tenantID string) (string, error) {
	pub, err := k.PublicKey(tenantID)
	if err != nil {
		return "", err
	}
	return "ed25519:" + canonical.Truncate(canonical.HashBytes(pub)), nil
}

// Attest signs a sealed pack's content hash with the pack tenant's key and
// attaches the attestation. The pack must be sealed first.
func (k *Keyring) Attest(pack *Pack) error {
	if pack.ContentHash == "" {
		return fmt.Errorf("evidence: cannot attest an unsealed pack")
	}
	priv, err := k.deriveKey(pack.TenantID)
	if err != nil {
		return err
	}
	keyID, err := k.KeyID(pack.TenantID)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, []byte(pack.ContentHash))
	pack.Attestation = &Attestation{
		KeyID:     keyID,
		Signature: hex.EncodeToString(sig),
	}
	return nil
}

// VerifyAttestation checks a pack's signature against a public key. Callers
// holding only the pack and the tenant's published key need no keyring.
func VerifyAttestation(pack *Pack, pub ed25519.PublicKey) error {
	if pack.Attestation == nil {
		return fmt.Errorf("evidence: pack %s carries no attestation", pack.PackID)
	}
	sig, err := hex.DecodeString(pack.Attestation.Signature)
	if err != nil {
		return fmt.Errorf("evidence: bad attestation signature encoding: %w", err)
	}
	if !ed25519.Verify(pub, []byte(pack.ContentHash), sig) {
		return fmt.Errorf("evidence: pack %s attestation does not verify", pack.PackID)
	}
	return nil
}
