package evidence

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRootSecret() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestKeyring_RejectsShortSecret(t *testing.T) {
	_, err := NewKeyring([]byte("too short"))
	assert.Error(t, err)
}

func TestKeyring_DerivationIsDeterministicPerTenant(t *testing.T) {
	k1, err := NewKeyring(testRootSecret())
	require.NoError(t, err)
	k2, err := NewKeyring(testRootSecret())
	require.NoError(t, err)

	pubA1, err := k1.PublicKey("tenant-a")
	require.NoError(t, err)
	pubA2, err := k2.PublicKey("tenant-a")
	require.NoError(t, err)
	assert.Equal(t, pubA1, pubA2, "same root secret and tenant derive the same key")

	pubB, err := k1.PublicKey("tenant-b")
	require.NoError(t, err)
	assert.NotEqual(t, pubA1, pubB, "tenants get distinct keys")

	id, err := k1.KeyID("tenant-a")
	require.NoError(t, err)
	assert.Contains(t, id, "ed25519:")
}

func TestKeyring_AttestAndVerify(t *testing.T) {
	keyring, err := NewKeyring(testRootSecret())
	require.NoError(t, err)

	pack, err := testBuilder().Build(sampleResult(t), WithTenant("tenant-a"))
	require.NoError(t, err)

	require.NoError(t, keyring.Attest(pack))
	require.NotNil(t, pack.Attestation)
	assert.NotEmpty(t, pack.Attestation.Signature)

	// Attestation sits outside the hashed region.
	assert.NoError(t, VerifyErr(pack))

	pub, err := keyring.PublicKey("tenant-a")
	require.NoError(t, err)
	assert.NoError(t, VerifyAttestation(pack, pub))

	otherPub, err := keyring.PublicKey("tenant-b")
	require.NoError(t, err)
	assert.Error(t, VerifyAttestation(pack, otherPub))
}

func TestKeyring_RefusesUnsealedPack(t *testing.T) {
	keyring, err := NewKeyring(testRootSecret())
	require.NoError(t, err)

	err = keyring.Attest(&Pack{PackID: "p", TenantID: "tenant-a"})
	assert.Error(t, err)
}

func TestVerifyAttestation_MissingAttestation(t *testing.T) {
	pack, err := testBuilder().Build(sampleResult(t), WithTenant("tenant-a"))
	require.NoError(t, err)

	keyring, err := NewKeyring(testRootSecret())
	require.NoError(t, err)
	pub, err := keyring.PublicKey("tenant-a")
	require.NoError(t, err)

	assert.Error(t, VerifyAttestation(pack, pub))
}
