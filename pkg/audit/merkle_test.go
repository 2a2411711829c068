package audit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportedChain(t *testing.T, n int) []ChainedEntry {
	t.Helper()
	trail := NewTrail(WithClock(fixedClock))
	for i := 0; i < n; i++ {
		trail.Append("tick", map[string]any{"n": i})
	}
	chain, err := trail.Export()
	require.NoError(t, err)
	return chain
}

func TestMerkleRoot_DeterministicAndContentBound(t *testing.T) {
	chain := exportedChain(t, 4)

	r1, err := MerkleRoot(chain)
	require.NoError(t, err)
	r2, err := MerkleRoot(chain)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Len(t, r1, 64)

	tampered := make([]ChainedEntry, len(chain))
	copy(tampered, chain)
	tampered[2].Entry.Data = map[string]any{"n": 99}
	r3, err := MerkleRoot(tampered)
	require.NoError(t, err)
	assert.NotEqual(t, r1, r3)
}

func TestNewMerkleTree_RejectsEmptyChain(t *testing.T) {
	_, err := NewMerkleTree(nil)
	assert.Error(t, err)
}

func TestMerkleProof_VerifiesForEveryLeaf(t *testing.T) {
	// Odd leaf counts exercise the promoted-node path.
	for _, n := range []int{1, 2, 3, 5, 8} {
		t.Run(fmt.Sprintf("leaves=%d", n), func(t *testing.T) {
			chain := exportedChain(t, n)
			tree, err := NewMerkleTree(chain)
			require.NoError(t, err)

			for i := range chain {
				proof, err := tree.Proof(i)
				require.NoError(t, err)

				ok, err := VerifyMerkleProof(proof, &chain[i])
				require.NoError(t, err)
				assert.True(t, ok, "leaf %d of %d", i, n)
			}
		})
	}
}

func TestMerkleProof_RejectsWrongEntry(t *testing.T) {
	chain := exportedChain(t, 4)
	tree, err := NewMerkleTree(chain)
	require.NoError(t, err)

	proof, err := tree.Proof(1)
	require.NoError(t, err)

	ok, err := VerifyMerkleProof(proof, &chain[2])
	require.NoError(t, err)
	assert.False(t, ok, "proof for leaf 1 must not verify entry 2")
}

func TestMerkleProof_RejectsForgedPath(t *testing.T) {
	chain := exportedChain(t, 4)
	tree, err := NewMerkleTree(chain)
	require.NoError(t, err)

	proof, err := tree.Proof(0)
	require.NoError(t, err)
	require.NotEmpty(t, proof.Path)
	proof.Path[0].Left = !proof.Path[0].Left

	ok, err := VerifyMerkleProof(proof, &chain[0])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMerkleProof_IndexOutOfRange(t *testing.T) {
	tree, err := NewMerkleTree(exportedChain(t, 2))
	require.NoError(t, err)

	_, err = tree.Proof(-1)
	assert.Error(t, err)
	_, err = tree.Proof(2)
	assert.Error(t, err)
}
