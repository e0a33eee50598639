package contracts

import "errors"

// Error taxonomy for the pipeline. Compliance violations and SLA expiry
// are outcomes, not errors, and never appear here.
var (
	// ErrValidation marks malformed caller input (bad source, empty
	// payload). Recoverable by resubmitting corrected input.
	ErrValidation = errors.New("validation failed")

	// ErrPolicyNotFound is returned when a policy id has no versions.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrVersionNotFound is returned when a (policy, version) pair does
	// not exist in the store.
	ErrVersionNotFound = errors.New("policy version not found")

	// ErrProposalNotFound is returned for unknown proposal ids.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrIntegrity marks a hash or signature mismatch on read. It is
	// fatal to the operation in progress and must never be downgraded:
	// it indicates tampering or storage corruption.
	ErrIntegrity = errors.New("integrity verification failed")

	// ErrSignature is returned when the signing backend is unavailable
	// or refuses to sign.
	ErrSignature = errors.New("signing failed")

	// ErrStoreWrite is returned when persistence fails after the
	// internal retry bound is exhausted. Safe for the caller to retry.
	ErrStoreWrite = errors.New("store write failed")

	// ErrInvalidTransition is returned when a decision is applied to a
	// proposal whose state does not accept it.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnauthorized is returned when the authorization hook denies an
	// actor the requested operation.
	ErrUnauthorized = errors.New("actor not authorized")
)
