package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/capstanhq/capstan/pkg/canonical"
)

// Merkle commitment over an exported audit chain. Evidence packs embed the
// root; an inclusion proof lets a holder show that one chained entry belongs
// to a sealed trail without shipping the whole chain.
//
// Leaf and node hashes carry distinct domain separators so a leaf can never
// be replayed as an internal node:
//
//	leaf_hash = sha256(0x00 || jcs(chained_entry))
//	node_hash = sha256(0x01 || left || right)
//
// Odd nodes at a level are promoted unhashed.

var (
	merkleLeafSep = []byte{0x00}
	merkleNodeSep = []byte{0x01}
)

// MerkleTree is the commitment tree over one exported chain.
type MerkleTree struct {
	levels [][][]byte
}

// NewMerkleTree builds the tree over an exported chain. The chain must be
// non-empty; a trail with nothing in it has nothing to commit to.
func NewMerkleTree(chain []ChainedEntry) (*MerkleTree, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("audit: merkle tree needs at least one entry")
	}

	level := make([][]byte, len(chain))
	for i := range chain {
		leaf, err := merkleLeafHash(chain[i])
		if err != nil {
			return nil, err
		}
		level[i] = leaf
	}

	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, merkleNodeHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
		levels = append(levels, level)
	}
	return &MerkleTree{levels: levels}, nil
}

// Root returns the hex-encoded root hash.
func (t *MerkleTree) Root() string {
	top := t.levels[len(t.levels)-1]
	return hex.EncodeToString(top[0])
}

// MerkleRoot is the one-shot form for callers that only need the root.
func MerkleRoot(chain []ChainedEntry) (string, error) {
	tree, err := NewMerkleTree(chain)
	if err != nil {
		return "", err
	}
	return tree.Root(), nil
}

// MerkleStep is one sibling on the path from a leaf to the root. Left
// reports whether the sibling sits to the left of the running hash.
type MerkleStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// MerkleProof proves that the chained entry at Index is a leaf of the tree
// with the given Root.
type MerkleProof struct {
	Index    int          `json:"index"`
	LeafHash string       `json:"leaf_hash"`
	Path     []MerkleStep `json:"path"`
	Root     string       `json:"root"`
}

// Proof generates the inclusion proof for the leaf at index.
func (t *MerkleTree) Proof(index int) (*MerkleProof, error) {
	leaves := t.levels[0]
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("audit: merkle leaf index %d out of range [0, %d)", index, len(leaves))
	}

	proof := &MerkleProof{
		Index:    index,
		LeafHash: hex.EncodeToString(leaves[index]),
		Root:     t.Root(),
	}

	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof.Path = append(proof.Path, MerkleStep{
				Hash: hex.EncodeToString(level[sibling]),
				Left: sibling < idx,
			})
		}
		idx /= 2
	}
	return proof, nil
}

// VerifyMerkleProof recomputes the path and reports whether it lands on the
// proof's root. entry, when non-nil, is additionally checked against the
// proof's leaf hash so the proof binds to the entry the caller holds.
func VerifyMerkleProof(proof *MerkleProof, entry *ChainedEntry) (bool, error) {
	current, err := hex.DecodeString(proof.LeafHash)
	if err != nil {
		return false, fmt.Errorf("audit: bad merkle leaf hash: %w", err)
	}

	if entry != nil {
		leaf, err := merkleLeafHash(*entry)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(leaf, current) {
			return false, nil
		}
	}

	for _, step := range proof.Path {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false, fmt.Errorf("audit: bad merkle sibling hash: %w", err)
		}
		if step.Left {
			current = merkleNodeHash(sibling, current)
		} else {
			current = merkleNodeHash(current, sibling)
		}
	}

	root, err := hex.DecodeString(proof.Root)
	if err != nil {
		return false, fmt.Errorf("audit: bad merkle root hash: %w", err)
	}
	return bytes.Equal(current, root), nil
}

func merkleLeafHash(entry ChainedEntry) ([]byte, error) {
	data, err := canonical.Canonical(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: merkle leaf canonicalization failed: %w", err)
	}
	h := sha256.New()
	h.Write(merkleLeafSep)
	h.Write(data)
	return h.Sum(nil), nil
}

func merkleNodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(merkleNodeSep)
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
