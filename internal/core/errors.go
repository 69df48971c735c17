package core

import "errors"

// Sentinel errors returned by CORE components. Callers should use
// errors.Is to test for these, never string comparison.
var (
	// ErrNetwork wraps a transport-level failure (connection reset, DNS
	// failure, handshake timeout) while fetching a manifest or segment.
	ErrNetwork = errors.New("network error")

	// ErrProtocol wraps an HTTP/3 protocol violation: a malformed frame,
	// an unexpected stream reset, or a status code the player cannot
	// recover from.
	ErrProtocol = errors.New("protocol error")

	// ErrManifest wraps a manifest parse or validation failure.
	ErrManifest = errors.New("manifest error")

	// ErrCancelledByPolicy is the Reason the scheduler sets on a
	// SegmentCancelledEvent when a segment's body arrives short of its
	// declared size, as it does after a BETA partial-accept.
	ErrCancelledByPolicy = errors.New("segment cancelled by adaptation policy")

	// ErrReplaced names a segment request superseded by a drop-and-replace
	// re-request at a different representation. Nothing in this module
	// returns it.
	ErrReplaced = errors.New("segment request replaced")

	// ErrNoRepresentation is returned when an adaptation set has no
	// representations to select from.
	ErrNoRepresentation = errors.New("adaptation set has no representations")

	// ErrUnknownRepresentation is returned when a segment request names a
	// representation ID the manifest does not contain.
	ErrUnknownRepresentation = errors.New("unknown representation")
)
