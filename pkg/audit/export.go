package audit

import (
	"fmt"

	"github.com/capstanhq/capstan/pkg/canonical"
)

// genesisHash anchors the chain; the first entry links to it.
const genesisHash = "genesis"

// ChainedEntry is one audit entry committed into the hash chain. EntryHash
// covers the entry plus PrevHash, so any mutation or reordering breaks
// verification from that position onwards.
type ChainedEntry struct {
	Entry     Entry  `json:"entry"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// Export commits the current trail into a hash chain suitable for embedding
// in an evidence pack.
func (t *Trail) Export() ([]ChainedEntry, error) {
	return Chain(t.Snapshot())
}

// Chain commits an ordered entry slice into a hash chain. Callers holding a
// trail snapshot rather than a live Trail chain it here.
func Chain(entries []Entry) ([]ChainedEntry, error) {
	out := make([]ChainedEntry, 0, len(entries))

	prev := genesisHash
	for _, entry := range entries {
		hash, err := commitHash(entry, prev)
		if err != nil {
			return nil, err
		}
		out = append(out, ChainedEntry{Entry: entry, PrevHash: prev, EntryHash: hash})
		prev = hash
	}
	return out, nil
}

// VerifyChain checks an exported chain: correct genesis link, intact
// prev-hash links, and per-entry hashes that match recomputation.
func VerifyChain(chain []ChainedEntry) error {
	prev := genesisHash
	for i, ce := range chain {
		if ce.PrevHash != prev {
			return fmt.Errorf("audit chain broken at %d: prev_hash %s, want %s",
				i, canonical.Truncate(ce.PrevHash), canonical.Truncate(prev))
		}
		hash, err := commitHash(ce.Entry, ce.PrevHash)
		if err != nil {
			return err
		}
		if hash != ce.EntryHash {
			return fmt.Errorf("audit chain tampered at %d (seq %d)", i, ce.Entry.Seq)
		}
		prev = ce.EntryHash
	}
	return nil
}

func commitHash(entry Entry, prevHash string) (string, error) {
	hash, err := canonical.Hash(struct {
		Entry    Entry  `json:"entry"`
		PrevHash string `json:"prev_hash"`
	}{Entry: entry, PrevHash: prevHash})
	if err != nil {
		return "", fmt.Errorf("audit commit hash failed: %w", err)
	}
	return hash, nil
}
