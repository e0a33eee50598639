package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const kdfInfo = "ordinance-signing-kdf"

// DeriveSigner derives a deterministic Ed25519 signer from a master seed
// using HKDF-SHA256, with the key id as the derivation context. The same
// (seed, keyID) pair always yields the same keypair, which lets restarted
// services re-verify historical signatures without key escrow.
func DeriveSigner(masterSeedHex, keyID string) (*Ed25519Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("keyID must not be empty")
	}
	seed, err := hex.DecodeString(masterSeedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master seed hex: %w", err)
	}
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("master seed too short: %d bytes, need at least %d", len(seed), ed25519.SeedSize)
	}

	r := hkdf.New(sha256.New, seed, []byte(kdfInfo), []byte(keyID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(derived)
	return NewEd25519SignerFromKey(priv, keyID), nil
}
