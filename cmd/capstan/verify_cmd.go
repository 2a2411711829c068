package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/capstanhq/capstan/pkg/canonical"
	"github.com/capstanhq/capstan/pkg/evidence"
)

// runVerifyCmd implements `capstan verify`.
//
// Re-verifies a sealed evidence pack offline: content hash, audit chain,
// Merkle commitment, and, when --pubkey is given, the Ed25519 attestation.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		packPath   string
		pubkeyHex  string
		jsonOutput bool
	)
	cmd.StringVar(&packPath, "pack", "", "Path to the evidence pack JSON (REQUIRED)")
	cmd.StringVar(&pubkeyHex, "pubkey", "", "Hex-encoded Ed25519 public key to check the attestation")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if packPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --pack is required")
		cmd.Usage()
		return 2
	}

	pack, err := evidence.LoadPack(packPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	verifyErr := evidence.VerifyErr(pack)
	attested := false
	if verifyErr == nil && pubkeyHex != "" {
		keyBytes, decErr := hex.DecodeString(pubkeyHex)
		if decErr != nil || len(keyBytes) != ed25519.PublicKeySize {
			_, _ = fmt.Fprintln(stderr, "Error: --pubkey must be a hex-encoded Ed25519 public key")
			return 2
		}
		verifyErr = evidence.VerifyAttestation(pack, ed25519.PublicKey(keyBytes))
		attested = verifyErr == nil
	}

	if jsonOutput {
		result := map[string]any{
			"pack":         packPath,
			"pack_id":      pack.PackID,
			"tenant_id":    pack.TenantID,
			"created_at":   pack.CreatedAt,
			"content_hash": pack.ContentHash,
			"merkle_root":  pack.AuditMerkleRoot,
			"valid":        verifyErr == nil,
			"attested":     attested,
		}
		if verifyErr != nil {
			result["error"] = verifyErr.Error()
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if verifyErr == nil {
		_, _ = fmt.Fprintf(stdout, "%s✅ Evidence pack verification PASSED%s\n", ColorBold+ColorGreen, ColorReset)
		_, _ = fmt.Fprintf(stdout, "   Pack:    %s\n", pack.PackID)
		_, _ = fmt.Fprintf(stdout, "   Tenant:  %s\n", pack.TenantID)
		_, _ = fmt.Fprintf(stdout, "   Content: %s\n", canonical.Truncate(pack.ContentHash))
		if pack.AuditMerkleRoot != "" {
			_, _ = fmt.Fprintf(stdout, "   Merkle:  %s (%d events)\n",
				canonical.Truncate(pack.AuditMerkleRoot), len(pack.AuditEvents))
		}
		if pack.Attestation != nil {
			status := "present (use --pubkey to check)"
			if attested {
				status = "verified"
			}
			_, _ = fmt.Fprintf(stdout, "   Attestation: %s, %s\n", pack.Attestation.KeyID, status)
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "%s❌ Evidence pack verification FAILED%s\n", ColorBold+ColorRed, ColorReset)
		_, _ = fmt.Fprintf(stdout, "   Pack:   %s\n", packPath)
		_, _ = fmt.Fprintf(stdout, "   Reason: %v\n", verifyErr)
	}

	if verifyErr != nil {
		return 1
	}
	return 0
}
