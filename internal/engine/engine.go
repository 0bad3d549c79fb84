// Package engine defines the contract between a speech engine and the
// session layer.
//
// An engine owns the full path from microphone capture to recognized text:
// it acquires the capture device on Start, releases it on Stop, and emits
// text over channels in between. Engines report text differently; Mode tells
// the consumer which combine rule to apply, resolved once when the engine is
// constructed rather than re-checked per result.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Mode describes how a consumer must combine successive Result values into
// an accumulated transcript.
type Mode int

const (
	// ModeAppend: each result is independent new text from gapless audio
	// frames; append it verbatim.
	ModeAppend Mode = iota

	// ModeReconcile: each result is independent new text but consecutive
	// frames share overlapping audio, so duplicated leading words must be
	// reconciled away before appending.
	ModeReconcile

	// ModeReplace: each result carries the engine's full transcript so
	// far; it replaces the accumulated text wholesale.
	ModeReplace
)

// Incremental reports whether results are per-chunk additions rather than
// full-transcript snapshots.
func (m Mode) Incremental() bool { return m != ModeReplace }

func (m Mode) String() string {
	switch m {
	case ModeAppend:
		return "append"
	case ModeReconcile:
		return "reconcile"
	case ModeReplace:
		return "replace"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State of an engine's lifecycle. Transitions are strictly
// Idle → Starting → Listening → Stopping → Idle; Starting may fall back to
// Idle on failure.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is a single accepted recognition result.
type Result struct {
	// Text per the engine's Mode: new text (ModeAppend, ModeReconcile) or
	// the full transcript (ModeReplace).
	Text string

	// Final is true for the last result of a session, produced from
	// audio flushed at stop time.
	Final bool
}

// Sentinel errors shared by engine implementations.
var (
	// ErrPermissionDenied: microphone access was refused. Not retryable
	// without user action.
	ErrPermissionDenied = errors.New("engine: microphone permission denied")

	// ErrModelNotReady: the engine's model has not finished loading, so
	// listening cannot start yet.
	ErrModelNotReady = errors.New("engine: model not ready")

	// ErrAlreadyRunning: Start was called while a session is active.
	ErrAlreadyRunning = errors.New("engine: already running")

	// ErrNotRunning: Stop was called with no session active.
	ErrNotRunning = errors.New("engine: not running")
)

// Failure is a non-recoverable engine error delivered over the Failures
// channel. After a Failure the engine has already returned to idle and
// released the capture device.
type Failure struct {
	// Reason is a short stable identifier ("network", "device", "inference").
	Reason string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("engine failure (%s): %v", f.Reason, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Engine is a speech recognition backend driving its own capture pipeline.
//
// The channel accessors may be called once before Start and retain their
// values across sessions. Channels are closed when the engine's session
// ends; a new Start allocates fresh channels, so consumers re-fetch them
// per session.
type Engine interface {
	// Mode reports the combine rule for this engine's results. Constant
	// for the engine's lifetime.
	Mode() Mode

	// State reports the current lifecycle state.
	State() State

	// Start acquires the capture device and begins emitting results.
	// Returns ErrPermissionDenied, ErrModelNotReady or ErrAlreadyRunning
	// as appropriate. On any error the state is Idle and no device is
	// held.
	Start(ctx context.Context) error

	// Stop ends the session. The capture device is released before Stop
	// returns; one final Result (from flushed audio) may still arrive
	// afterwards, followed by the channels closing.
	Stop() error

	// Results returns the channel of accepted recognition results for
	// the current session.
	Results() <-chan Result

	// Statuses returns the channel of human-readable progress lines for
	// the current session ("Listening...", "Transcribing...").
	Statuses() <-chan string

	// Failures returns the channel of fatal errors for the current
	// session.
	Failures() <-chan Failure
}
