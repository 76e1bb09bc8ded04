package main

import "errors"

// Operation-level errors. These are caught at the mediator boundary and
// converted into structured error responses; they never cross the
// transport as raw failures.
var (
	// ErrInsufficientPermissions means the user declined or never granted
	// the level the operation requires.
	ErrInsufficientPermissions = errors.New("insufficient permissions")

	// ErrNoPrivateKey means no usable private key exists for the active
	// profile. Recoverable by importing or generating a key.
	ErrNoPrivateKey = errors.New("no private key found")

	// ErrDecryption covers wrong PIN and corrupted blob alike; the cause
	// is deliberately not distinguished.
	ErrDecryption = errors.New("decryption failed - incorrect PIN or corrupted data")

	// ErrIdentityMismatch means a signing request carried a pubkey that is
	// not the active identity. Hard failure, never silently overwritten.
	ErrIdentityMismatch = errors.New("event pubkey does not match the active identity")

	// ErrProtectionViolation means a caller tried to persist plaintext key
	// material while PIN protection is enabled. Logic error, fatal to the
	// operation.
	ErrProtectionViolation = errors.New("plaintext private key write while PIN protection is enabled")

	// ErrUnknownOperation is returned for request types the policy table
	// does not know.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrRateLimited is returned when a host exceeds its request budget.
	ErrRateLimited = errors.New("too many requests")
)

// knownError reports whether err belongs to the operation taxonomy, as
// opposed to an unexpected internal failure.
func knownError(err error) bool {
	for _, known := range []error{
		ErrInsufficientPermissions,
		ErrNoPrivateKey,
		ErrDecryption,
		ErrIdentityMismatch,
		ErrProtectionViolation,
		ErrUnknownOperation,
		ErrRateLimited,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
