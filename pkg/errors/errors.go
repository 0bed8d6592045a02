// Package errors defines sentinel errors used across the zeal-sync project.
package errors

import "errors"

// Sentinel errors for the wire protocol. Protocol errors are non-fatal:
// callers log, skip the frame and keep the connection alive.
var (
	// ErrTruncated indicates a frame declared more bytes than remain in the buffer.
	ErrTruncated = errors.New("protocol: truncated message")

	// ErrUnknownType indicates an unrecognized message type value.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrEmptyMessage indicates a zero-length frame.
	ErrEmptyMessage = errors.New("protocol: empty message")

	// ErrTrailingData indicates leftover bytes after a length-prefixed payload.
	ErrTrailingData = errors.New("protocol: trailing data after payload")
)

// Sentinel errors for connection/transport.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrNotConnected indicates an operation that requires an established connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrRetriesExhausted indicates the reconnection controller gave up after
	// maxAttempts. The local document stays usable offline.
	ErrRetriesExhausted = errors.New("transport: reconnection attempts exhausted")

	// ErrJoinRejected indicates the server refused the room-join request.
	ErrJoinRejected = errors.New("transport: room join rejected")

	// ErrQueueOverflow indicates the outbound queue hit its cap and shed a message.
	ErrQueueOverflow = errors.New("transport: outbound queue overflow")
)

// Sentinel errors for awareness payload validation. Corrupt payloads are
// dropped silently, never failing the connection.
var (
	// ErrAwarenessUndersized indicates a payload below the minimum plausible size.
	ErrAwarenessUndersized = errors.New("awareness: payload below minimum size")

	// ErrAwarenessOversized indicates a payload above the maximum accepted size.
	ErrAwarenessOversized = errors.New("awareness: payload exceeds maximum size")

	// ErrAwarenessCorrupt indicates a payload flagged by the low-entropy heuristic.
	ErrAwarenessCorrupt = errors.New("awareness: payload failed corruption check")
)

// Sentinel errors for persistence. Always surfaced to the caller; the system
// degrades to memory-only operation but the document remains usable.
var (
	// ErrDocNotFound indicates no persisted state exists for the document.
	ErrDocNotFound = errors.New("persistence: document not found")

	// ErrSnapshotNotFound indicates the requested snapshot does not exist.
	ErrSnapshotNotFound = errors.New("persistence: snapshot not found")

	// ErrBadEnvelope indicates an export envelope with a missing or
	// unsupported version.
	ErrBadEnvelope = errors.New("persistence: unsupported export envelope")
)

// Sentinel errors for migration.
var (
	// ErrRecordNotFound indicates the legacy record does not exist.
	ErrRecordNotFound = errors.New("migration: record not found")

	// ErrPhaseRegression indicates a backward phase transition without the
	// operator override.
	ErrPhaseRegression = errors.New("migration: phase transitions only move forward")

	// ErrUnknownPhase indicates a phase value outside the known set.
	ErrUnknownPhase = errors.New("migration: unknown phase")
)
