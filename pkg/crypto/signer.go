// Package crypto provides Ed25519 signing and verification for policy
// versions. Signatures are computed over the policy content hash together
// with its identity fields, so a signature binds content to a specific
// (policy_id, version) slot.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// Signer produces and verifies policy signatures. Implementations may be
// backed by an in-memory key, an HSM, or a remote KMS.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	KeyID() string
	SignPolicy(p *contracts.Policy) error
	VerifyPolicy(p *contracts.Policy) (bool, error)
}

// Ed25519Signer is the in-memory Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair. Intended for tests and
// development; production deployments derive keys from a master seed via
// the keyring.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: key generation: %v", contracts.ErrSignature, err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	if len(s.privKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: signer has no private key", contracts.ErrSignature)
	}
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) KeyID() string {
	return s.keyID
}

// SignPolicy signs the canonical policy payload and records the
// signature and signer key id on the record.
func (s *Ed25519Signer) SignPolicy(p *contracts.Policy) error {
	sig, err := s.Sign(policySigningPayload(p))
	if err != nil {
		return err
	}
	p.Signature = sig
	p.SignerKeyID = s.keyID
	return nil
}

// VerifyPolicy checks the policy signature against this signer's key.
func (s *Ed25519Signer) VerifyPolicy(p *contracts.Policy) (bool, error) {
	if p.Signature == "" {
		return false, fmt.Errorf("%w: missing signature", contracts.ErrIntegrity)
	}
	return Verify(s.PublicKey(), p.Signature, policySigningPayload(p))
}

// Verify checks a hex signature over data against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pubKey))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// policySigningPayload binds content hash to the version slot so a valid
// signature cannot be replayed onto another version.
func policySigningPayload(p *contracts.Policy) []byte {
	return fmt.Appendf(nil, "policy:%s:%d:%s", p.PolicyID, p.Version, p.ContentHash)
}
