// Package types holds the data shapes shared across the peillute core:
// site identity, commands, wire messages, peers, snapshots, and the
// capability interfaces the orchestrator wires against.
package types

import "errors"

// Transport errors: connect failure, connection reset, frame decode error.
// The policy for all of these is to close the affected connection and mark
// the peer disconnected; they never propagate to the caller of Submit.
var (
	ErrPeerUnreachable  = errors.New("peillute: peer unreachable")
	ErrConnectionClosed = errors.New("peillute: connection closed")
	ErrFrameTooLarge    = errors.New("peillute: frame exceeds maximum size")
	ErrFrameMalformed   = errors.New("peillute: malformed frame")
)

// Protocol violation errors: unexpected tag, duplicate site id, self-dial.
// Policy is to drop the connection and log at warn.
var (
	ErrUnknownMessageKind = errors.New("peillute: unknown message kind")
	ErrSelfDial           = errors.New("peillute: refusing to connect to self")
	ErrDuplicateSite      = errors.New("peillute: duplicate site id rejected")
)

// Validation errors: domain errors raised by the local ledger adapter.
// Policy is to return immediately to the caller of Submit without
// broadcasting.
var (
	ErrInvalidAmount       = errors.New("peillute: amount must be greater than zero")
	ErrUnknownUser         = errors.New("peillute: unknown user")
	ErrUserExists          = errors.New("peillute: user already exists")
	ErrInsufficientFunds   = errors.New("peillute: insufficient funds")
	ErrUnknownTransaction  = errors.New("peillute: unknown transaction")
	ErrAlreadyRefunded     = errors.New("peillute: transaction already refunded")
	ErrUnknownCommandShape = errors.New("peillute: unknown command shape")
)

// Timeout errors: a mutex or replication deadline was exceeded. Policy is
// to surface a warning and complete with the subset of acknowledged peers.
var (
	ErrMutexTimeout       = errors.New("peillute: mutex acquisition timed out")
	ErrReplicationTimeout = errors.New("peillute: replication timed out")
)

// Fatal errors: the local store is unreadable, or the listener could not
// bind. Policy is to shut down the node.
var (
	ErrListenerBindFailed = errors.New("peillute: failed to bind listener")
	ErrLocalStoreUnusable = errors.New("peillute: local store unreadable")
)

// ErrDiverged is reported when a replica fails to apply a command that the
// originator already applied successfully. This indicates the replicated
// logs have diverged; spec section 9 treats it as a fatal inconsistency
// requiring operator intervention rather than a silent skip.
var ErrDiverged = errors.New("peillute: replica state diverged from originator, operator intervention required")
