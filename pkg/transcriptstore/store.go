// Package transcriptstore defines persistence for dictation sessions.
//
// Transcripts are persisted as an append-only stream of deltas: the session
// layer sends only text beyond its save watermark, and the store concatenates
// deltas in order to reconstruct the transcript. Delivery is at-least-once:
// a delta may be retransmitted after an ambiguous failure, so readers should
// treat duplicate suffixes as possible.
package transcriptstore

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when an operation references an unknown
// session ID.
var ErrSessionNotFound = errors.New("transcriptstore: session not found")

// Session is a stored dictation session.
type Session struct {
	ID            string
	Title         string
	Transcription string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the abstraction over transcript persistence backends.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// StartSession creates a new session and returns its ID.
	StartSession(ctx context.Context, title string) (string, error)

	// SaveDelta appends new transcript text to a session.
	SaveDelta(ctx context.Context, sessionID, delta string) error

	// UpdateTranscription replaces the session's full transcript, used
	// when the user edits saved text.
	UpdateTranscription(ctx context.Context, sessionID, full string) error

	// UpdateTitle renames a session.
	UpdateTitle(ctx context.Context, sessionID, title string) error

	// SaveScreenshot attaches a captured image to a session.
	SaveScreenshot(ctx context.Context, sessionID string, image []byte, capturedAt time.Time) error

	// GetSession returns a stored session with its reconstructed
	// transcript.
	GetSession(ctx context.Context, sessionID string) (Session, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}
