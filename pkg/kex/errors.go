package kex

import "errors"

// Failure kinds surfaced by Init and Input. All of them terminate the
// handshake attempt; none are retried at this layer.
var (
	// ErrProtocolViolation covers messages received by the wrong role,
	// out-of-order messages, and malformed fields.
	ErrProtocolViolation = errors.New("kex: protocol violation")

	// ErrRangeInvalid is returned when the requested group size range is
	// empty after clamping.
	ErrRangeInvalid = errors.New("kex: invalid group size range")

	// ErrCryptoFailure covers keypair generation, shared-secret
	// computation, and hash failures.
	ErrCryptoFailure = errors.New("kex: crypto failure")

	// ErrSignatureInvalid is returned when the Reply signature does not
	// verify against the computed exchange hash.
	ErrSignatureInvalid = errors.New("kex: signature verification failed")

	// ErrUnexpectedMessage is returned for message tags outside the
	// group-exchange set.
	ErrUnexpectedMessage = errors.New("kex: unexpected message")
)
