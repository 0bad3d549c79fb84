// Package session drives dictation sessions: it starts and stops the speech
// engine, folds engine results into the accumulated transcript using the
// engine's combine rule, persists transcript deltas against a save watermark,
// detects spoken commands, and maintains the local recording history.
//
// Persistence is at-least-once: the watermark only advances after the store
// acknowledges a delta, so a failed save is retransmitted with the next one
// and an ambiguous failure may duplicate a suffix rather than lose it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/scribeflow/internal/engine"
	"github.com/MrWong99/scribeflow/internal/observe"
	"github.com/MrWong99/scribeflow/internal/stability"
	"github.com/MrWong99/scribeflow/internal/state"
	"github.com/MrWong99/scribeflow/pkg/transcriptstore"
)

// Session errors.
var (
	ErrAlreadyListening = errors.New("session: already listening")
	ErrNotListening     = errors.New("session: not listening")
)

// finalSaveAttempts is how often the stop-time save is retried before the
// unsaved tail is given up on. Mid-session save failures need no retry of
// their own: the next delta covers everything past the watermark.
const finalSaveAttempts = 3

// ScreenCapturer grabs a screenshot of the active screen. It is an external
// collaborator; the controller only decides when to call it.
type ScreenCapturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// EventKind discriminates controller events.
type EventKind int

const (
	// EventTranscript: the accumulated transcript changed.
	EventTranscript EventKind = iota
	// EventStatus: a human-readable progress line.
	EventStatus
	// EventModelProgress: on-device model load progress.
	EventModelProgress
	// EventError: the engine failed; the session has ended.
	EventError
	// EventSaved: a persistence attempt succeeded; everything up to the
	// current transcript is stored.
	EventSaved
)

// Event is published to the UI layer over Events().
type Event struct {
	Kind       EventKind
	Transcript string
	Status     string
	Progress   engine.ModelProgress
	Err        error
}

// Config for a Controller.
type Config struct {
	Engine engine.Engine
	Store  transcriptstore.Store

	// State is the optional local state store for the recording history.
	State *state.Store

	// Screens is the optional screenshot collaborator. Without it,
	// screenshot commands still rewrite the transcript marker but capture
	// nothing.
	Screens ScreenCapturer

	// Metrics is optional.
	Metrics *observe.Metrics

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Controller owns the accumulated transcript and the save watermark of one
// dictation session at a time. It is safe for concurrent use.
type Controller struct {
	cfg      Config
	mode     engine.Mode
	detector *commandDetector
	events   chan Event

	mu         sync.Mutex
	listening  bool
	sessionID  string
	title      string
	transcript string
	watermark  string
	selected   string // session ID to continue, empty for a fresh session
	runDone    chan struct{}
}

// New creates a Controller. The engine's combine rule is resolved here, once,
// and applied to every result for the controller's lifetime.
func New(cfg Config) (*Controller, error) {
	if cfg.Engine == nil {
		return nil, errors.New("session: Engine must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: Store must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	c := &Controller{
		cfg:      cfg,
		mode:     cfg.Engine.Mode(),
		detector: newCommandDetector(cfg.Clock),
		events:   make(chan Event, 64),
	}
	return c, nil
}

// Events returns the controller's event stream. The channel persists across
// sessions; events are dropped rather than blocking when the consumer lags.
func (c *Controller) Events() <-chan Event { return c.events }

// WarmUp starts loading the engine's model when it has one and forwards
// progress to the event stream. A no-op for cloud engines.
func (c *Controller) WarmUp(ctx context.Context) error {
	ml, ok := c.cfg.Engine.(engine.ModelLoader)
	if !ok {
		return nil
	}
	go func() {
		for p := range ml.ModelProgressUpdates() {
			c.publish(Event{Kind: EventModelProgress, Progress: p})
		}
	}()
	return ml.LoadModel(ctx)
}

// SelectRecording marks a stored session to be continued by the next Start.
func (c *Controller) SelectRecording(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = sessionID
}

// ClearSelection reverts to fresh-session mode.
func (c *Controller) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = ""
}

// Transcript returns the current accumulated transcript.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// Listening reports whether a session is active.
func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// Start begins a dictation session. A fresh session allocates a new stored
// session; when a recording was selected, its transcript is loaded and the
// watermark primed to it so only genuinely new text is persisted.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	selected := c.selected
	c.mu.Unlock()

	var (
		sessionID, title, transcript string
	)
	if selected != "" {
		stored, err := c.cfg.Store.GetSession(ctx, selected)
		if err != nil {
			return fmt.Errorf("session: load recording %s: %w", selected, err)
		}
		sessionID, title, transcript = stored.ID, stored.Title, stored.Transcription
	} else {
		title = "Dictation " + c.cfg.Clock().Format("2006-01-02 15:04")
		id, err := c.cfg.Store.StartSession(ctx, title)
		if err != nil {
			return fmt.Errorf("session: create session: %w", err)
		}
		sessionID = id
	}

	if err := c.cfg.Engine.Start(ctx); err != nil {
		return fmt.Errorf("session: start engine: %w", err)
	}

	c.mu.Lock()
	c.listening = true
	c.sessionID = sessionID
	c.title = title
	c.transcript = transcript
	c.watermark = transcript
	c.runDone = make(chan struct{})
	c.mu.Unlock()

	c.detector.reset()
	slog.Info("session started", "sessionId", sessionID, "mode", c.mode.String(), "continued", selected != "")

	go c.run(c.cfg.Engine.Results(), c.cfg.Engine.Statuses(), c.cfg.Engine.Failures())
	return nil
}

// Stop ends the session: the engine releases the microphone, queued audio
// finishes inference, and the unsaved transcript tail is persisted with
// retries. The recording then lands at the head of the history.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return ErrNotListening
	}
	runDone := c.runDone
	sessionID := c.sessionID
	c.mu.Unlock()

	err := c.cfg.Engine.Stop()
	if err != nil && !errors.Is(err, engine.ErrNotRunning) {
		slog.Warn("engine stop reported error", "error", err)
	}
	<-runDone

	saveErr := c.finalSave(ctx)
	c.recordHistory()

	c.mu.Lock()
	c.listening = false
	c.mu.Unlock()

	slog.Info("session stopped", "sessionId", sessionID)
	return saveErr
}

// run consumes the engine's channels for one session. It exits when the
// engine closes them, either after Stop or after a fatal failure.
func (c *Controller) run(results <-chan engine.Result, statuses <-chan string, failures <-chan engine.Failure) {
	defer close(c.runDone)
	failed := false

	for results != nil || statuses != nil || failures != nil {
		select {
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			c.handleResult(r)
		case s, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			c.publish(Event{Kind: EventStatus, Status: s})
		case f, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			failed = true
			slog.Error("engine failed", "reason", f.Reason, "error", f.Err)
			c.publish(Event{Kind: EventError, Err: f})
		}
	}

	if failed {
		// The engine is already idle; wrap the session up in place so
		// the transcript survives even though Stop was never called.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.finalSave(ctx); err != nil {
			slog.Error("final save after engine failure", "error", err)
		}
		c.recordHistory()
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
	}
}

// handleResult folds one engine result into the transcript using the combine
// rule, runs command detection over the newly added text, and persists the
// advance.
func (c *Controller) handleResult(r engine.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	old := c.transcript
	var newText string
	switch c.mode {
	case engine.ModeReplace:
		c.transcript = r.Text
		// The diff region is only well-defined while the snapshot
		// extends the previous text; otherwise scan everything.
		newText = strings.TrimPrefix(r.Text, old)
	case engine.ModeReconcile:
		newText = stability.Reconcile(old, r.Text)
		c.transcript = joinWords(old, newText)
	default: // ModeAppend
		newText = r.Text
		c.transcript = joinWords(old, r.Text)
	}

	rewritten, fired := c.detector.scan(newText)
	if len(fired) > 0 {
		// Swap the marker in before the delta is cut.
		c.transcript = c.transcript[:len(c.transcript)-len(newText)] + rewritten
	}
	transcript := c.transcript
	c.mu.Unlock()

	for _, cmd := range fired {
		c.cfg.Metrics.VoiceCommand(ctx, cmd.Name)
		if cmd.Name == "screenshot" {
			c.captureScreenshot()
		}
	}

	c.publish(Event{Kind: EventTranscript, Transcript: transcript})
	c.saveAdvance(ctx)
}

// saveAdvance persists everything past the watermark. Incremental modes send
// the suffix as a delta; replace mode rewrites the stored transcript because
// snapshots carry no stable prefix to diff against.
func (c *Controller) saveAdvance(ctx context.Context) {
	c.mu.Lock()
	sessionID := c.sessionID
	transcript := c.transcript
	watermark := c.watermark
	c.mu.Unlock()

	if sessionID == "" {
		return
	}

	var err error
	if c.mode == engine.ModeReplace {
		if transcript == watermark {
			return
		}
		err = c.cfg.Store.UpdateTranscription(ctx, sessionID, transcript)
	} else {
		if len(transcript) <= len(watermark) {
			return
		}
		delta := transcript[len(watermark):]
		err = c.cfg.Store.SaveDelta(ctx, sessionID, delta)
	}

	c.cfg.Metrics.SaveAttempt(ctx, err == nil)
	if err != nil {
		// Watermark stays put; the next save retransmits this tail.
		slog.Warn("transcript save failed", "sessionId", sessionID, "error", err)
		return
	}

	c.mu.Lock()
	if c.mode == engine.ModeReplace {
		// The store now holds exactly this snapshot, even when it is
		// shorter than the previous one.
		c.watermark = transcript
	} else if len(transcript) >= len(c.watermark) {
		// Only advance to what was actually sent: the transcript may
		// have grown while the save was in flight.
		c.watermark = transcript
	}
	c.mu.Unlock()
	c.publish(Event{Kind: EventSaved, Transcript: transcript})
}

// finalSave retries the stop-time save so trailing dictation is not lost to
// a transient store hiccup.
func (c *Controller) finalSave(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= finalSaveAttempts; attempt++ {
		c.saveAdvance(ctx)
		c.mu.Lock()
		saved := c.mode == engine.ModeReplace && c.transcript == c.watermark ||
			c.mode != engine.ModeReplace && len(c.transcript) <= len(c.watermark)
		c.mu.Unlock()
		if saved {
			return nil
		}
		err = fmt.Errorf("session: final save attempt %d failed", attempt)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return err
}

// recordHistory places the finished recording at the head of the local
// history.
func (c *Controller) recordHistory() {
	if c.cfg.State == nil {
		return
	}
	c.mu.Lock()
	ref := state.RecordingRef{
		SessionID: c.sessionID,
		Title:     c.title,
		Preview:   preview(c.transcript),
		CreatedAt: c.cfg.Clock(),
	}
	c.mu.Unlock()
	if ref.SessionID == "" {
		return
	}
	if err := c.cfg.State.AddRecording(ref); err != nil {
		slog.Warn("recording history update failed", "error", err)
	}
}

// ApplyEdit replaces the in-memory transcript with user-edited text. If the
// edit shortened the text below the watermark, the watermark is clamped so
// the prefix invariant holds again. Outside a live session the stored
// transcript is rewritten immediately.
func (c *Controller) ApplyEdit(ctx context.Context, text string) error {
	c.mu.Lock()
	c.transcript = text
	if len(text) < len(c.watermark) {
		c.watermark = text
	}
	sessionID := c.sessionID
	listening := c.listening
	c.mu.Unlock()

	c.publish(Event{Kind: EventTranscript, Transcript: text})

	if listening || sessionID == "" {
		return nil
	}
	if err := c.cfg.Store.UpdateTranscription(ctx, sessionID, text); err != nil {
		return fmt.Errorf("session: apply edit: %w", err)
	}
	c.mu.Lock()
	c.watermark = text
	c.mu.Unlock()
	c.publish(Event{Kind: EventSaved, Transcript: text})
	return nil
}

// Rename changes the session title in the store and the history.
func (c *Controller) Rename(ctx context.Context, title string) error {
	c.mu.Lock()
	c.title = title
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	if err := c.cfg.Store.UpdateTitle(ctx, sessionID, title); err != nil {
		return fmt.Errorf("session: rename: %w", err)
	}
	c.recordHistory()
	return nil
}

// TakeScreenshot captures immediately (the button path, no spoken command
// involved), appends the marker to the transcript and persists the advance.
func (c *Controller) TakeScreenshot(ctx context.Context) error {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return ErrNotListening
	}
	c.transcript = joinWords(c.transcript, ScreenshotMarker)
	transcript := c.transcript
	c.mu.Unlock()

	c.captureScreenshot()
	c.publish(Event{Kind: EventTranscript, Transcript: transcript})
	c.saveAdvance(ctx)
	return nil
}

// captureScreenshot runs the capture collaborator without blocking the
// result path; a capture failure only logs.
func (c *Controller) captureScreenshot() {
	if c.cfg.Screens == nil {
		return
	}
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		img, err := c.cfg.Screens.Capture(ctx)
		if err != nil {
			slog.Warn("screenshot capture failed", "error", err)
			return
		}
		if err := c.cfg.Store.SaveScreenshot(ctx, sessionID, img, c.cfg.Clock()); err != nil {
			slog.Warn("screenshot save failed", "error", err)
		}
	}()
}

func (c *Controller) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// joinWords appends addition to base with a single separating space, unless
// either side is empty.
func joinWords(base, addition string) string {
	if addition == "" {
		return base
	}
	if base == "" {
		return addition
	}
	return base + " " + addition
}

// preview returns the head of the transcript for history listings.
func preview(text string) string {
	const max = 80
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
