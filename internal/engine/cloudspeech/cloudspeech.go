// Package cloudspeech implements the cloud speech engine. Captured audio is
// streamed over a WebSocket to a hosted recognition endpoint; the server
// answers with interim and final transcript events.
//
// Unlike the on-device engine, results here are full-transcript snapshots:
// the engine tracks committed segments itself and every emitted Result
// carries the complete transcript so far (ModeReplace). Consumers replace
// their accumulated text instead of appending.
//
// Transient network failures trigger an automatic reconnect. Three
// consecutive failures without a successful result in between are treated as
// fatal and end the session.
package cloudspeech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/scribeflow/internal/engine"
	"github.com/MrWong99/scribeflow/internal/observe"
	"github.com/MrWong99/scribeflow/pkg/audio"
)

const (
	defaultLanguage = "en"
	defaultModel    = "streaming-v2"

	// maxConsecutiveFailures is how many dial or read failures in a row are
	// tolerated before the session is abandoned. A successful result resets
	// the count.
	maxConsecutiveFailures = 3

	// reconnectDelay is the pause before redialing after a transient failure.
	reconnectDelay = time.Second
)

// Config for the cloud engine.
type Config struct {
	// URL is the wss:// recognition endpoint.
	URL string

	// APIKey authenticates the stream.
	APIKey string

	// Model and Language are recognition hints forwarded as query parameters.
	Model    string
	Language string

	// Source provides microphone streams.
	Source audio.CaptureSource

	// Metrics is optional.
	Metrics *observe.Metrics
}

// Engine is the cloud speech engine.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	state    engine.State
	stream   audio.CaptureStream
	results  chan engine.Result
	statuses chan string
	failures chan engine.Failure
	done     chan struct{}
	wg       sync.WaitGroup
}

var _ engine.Engine = (*Engine)(nil)

// New creates the engine. No connection is made until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.URL == "" {
		return nil, errors.New("cloudspeech: URL must not be empty")
	}
	if cfg.Source == nil {
		return nil, errors.New("cloudspeech: Source must not be nil")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	return &Engine{cfg: cfg, state: engine.StateIdle}, nil
}

// Mode is always ModeReplace: every result carries the full transcript.
func (e *Engine) Mode() engine.Mode { return engine.ModeReplace }

func (e *Engine) State() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start acquires the microphone and begins streaming to the cloud endpoint.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != engine.StateIdle {
		e.mu.Unlock()
		return engine.ErrAlreadyRunning
	}
	e.state = engine.StateStarting
	e.mu.Unlock()

	stream, err := e.cfg.Source.Open(ctx)
	if err != nil {
		e.setState(engine.StateIdle)
		if errors.Is(err, audio.ErrPermissionDenied) {
			return fmt.Errorf("cloudspeech: %w", engine.ErrPermissionDenied)
		}
		return fmt.Errorf("cloudspeech: open capture: %w", err)
	}

	e.mu.Lock()
	e.stream = stream
	e.results = make(chan engine.Result, 64)
	e.statuses = make(chan string, 16)
	e.failures = make(chan engine.Failure, 1)
	e.done = make(chan struct{})
	e.state = engine.StateListening
	e.mu.Unlock()

	e.cfg.Metrics.SessionStarted(context.Background())
	e.status("Listening...")
	slog.Info("dictation started", "engine", "cloud", "endpoint", e.cfg.URL)

	e.wg.Add(1)
	go e.run(stream)
	return nil
}

// Stop releases the microphone, flushes buffered audio to the server and
// waits for the final transcript event before closing the channels.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != engine.StateListening {
		e.mu.Unlock()
		return engine.ErrNotRunning
	}
	e.state = engine.StateStopping
	stream := e.stream
	done := e.done
	e.mu.Unlock()

	close(done)
	err := stream.Close()
	e.wg.Wait()
	e.setState(engine.StateIdle)
	slog.Info("dictation stopped", "engine", "cloud")
	return err
}

func (e *Engine) Results() <-chan engine.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.results
}

func (e *Engine) Statuses() <-chan string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statuses
}

func (e *Engine) Failures() <-chan engine.Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// run owns the connection lifecycle: dial, stream, parse, reconnect. It is
// the only writer to the outbound channels and closes them on exit.
func (e *Engine) run(stream audio.CaptureStream) {
	defer e.wg.Done()
	defer func() {
		e.cfg.Metrics.SessionEnded(context.Background())
		e.mu.Lock()
		close(e.results)
		close(e.statuses)
		close(e.failures)
		if e.state != engine.StateStopping {
			e.state = engine.StateIdle
		}
		e.mu.Unlock()
	}()

	tracker := newTranscriptTracker()
	consecutiveFailures := 0

	for {
		if e.stopping() {
			return
		}

		conn, err := e.dial()
		if err != nil {
			consecutiveFailures++
			slog.Warn("cloud dial failed", "error", err, "consecutive", consecutiveFailures)
			if consecutiveFailures >= maxConsecutiveFailures {
				e.fail("network", err)
				stream.Close()
				return
			}
			if e.sleepOrStop(reconnectDelay) {
				return
			}
			continue
		}

		clean := e.serveConn(conn, stream, tracker, &consecutiveFailures)
		if clean {
			// Session over: emit the final snapshot.
			if text := tracker.text(); text != "" {
				e.results <- engine.Result{Text: text, Final: true}
			}
			return
		}

		consecutiveFailures++
		e.cfg.Metrics.EngineRestart(context.Background())
		slog.Warn("cloud connection lost, restarting", "consecutive", consecutiveFailures)
		if consecutiveFailures >= maxConsecutiveFailures {
			e.fail("network", errors.New("cloudspeech: connection lost repeatedly"))
			stream.Close()
			return
		}
		if e.sleepOrStop(reconnectDelay) {
			return
		}
	}
}

// serveConn pumps audio up and transcript events down on one connection.
// It returns true when the session ended cleanly (stop requested and the
// server flushed), false when the connection failed and should be redialed.
func (e *Engine) serveConn(conn *websocket.Conn, stream audio.CaptureStream, tracker *transcriptTracker, consecutiveFailures *int) (clean bool) {
	ctx := context.Background()
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	// Uplink: capture batches as binary PCM frames.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for batch := range stream.Samples {
			if err := conn.Write(ctx, websocket.MessageBinary, audio.EncodeS16LE(batch)); err != nil {
				return
			}
		}
		// Capture ended: ask the server to flush pending audio.
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	}()

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// Unblock the uplink before waiting for it.
			conn.Close(websocket.StatusInternalError, "read failed")
			<-writeDone
			if e.stopping() {
				return true
			}
			slog.Debug("cloud read ended", "error", err)
			return false
		}

		ev, ok := parseEvent(msg)
		if !ok {
			continue
		}
		switch ev.Type {
		case eventTranscript:
			tracker.apply(ev)
			*consecutiveFailures = 0
			e.results <- engine.Result{Text: tracker.text()}
			e.status("Listening...")
		case eventError:
			slog.Warn("cloud recognition error", "message", ev.Message)
		}
	}
}

func (e *Engine) dial() (*websocket.Conn, error) {
	wsURL, err := e.buildURL()
	if err != nil {
		return nil, fmt.Errorf("cloudspeech: build URL: %w", err)
	}

	headers := http.Header{}
	if e.cfg.APIKey != "" {
		headers.Set("Authorization", "Token "+e.cfg.APIKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("cloudspeech: dial: %w", err)
	}
	return conn, nil
}

// buildURL constructs the streaming endpoint URL with recognition hints.
func (e *Engine) buildURL() (string, error) {
	u, err := url.Parse(e.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", e.cfg.Model)
	q.Set("language", e.cfg.Language)
	q.Set("sample_rate", strconv.Itoa(e.sampleRate()))
	q.Set("encoding", "linear16")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *Engine) sampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream.SampleRate > 0 {
		return e.stream.SampleRate
	}
	return 16000
}

func (e *Engine) stopping() bool {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// sleepOrStop waits for d, returning true if the session was stopped first.
func (e *Engine) sleepOrStop(d time.Duration) bool {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func (e *Engine) status(s string) {
	select {
	case e.statuses <- s:
	default:
	}
}

func (e *Engine) fail(reason string, err error) {
	select {
	case e.failures <- engine.Failure{Reason: reason, Err: err}:
	default:
	}
}

func (e *Engine) setState(s engine.State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// ---- protocol ----------------------------------------------------------------

const (
	eventTranscript = "transcript"
	eventError      = "error"
)

// event is the JSON structure of a downlink message.
type event struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Message string `json:"message"`
}

// parseEvent parses a raw downlink message. Returns (event, true) on success,
// or (zero, false) if the message should be ignored.
func parseEvent(data []byte) (event, bool) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event{}, false
	}
	if ev.Type != eventTranscript && ev.Type != eventError {
		return event{}, false
	}
	if ev.Type == eventTranscript && strings.TrimSpace(ev.Text) == "" {
		return event{}, false
	}
	return ev, true
}

// transcriptTracker accumulates the session transcript across connection
// restarts: final segments are committed, the interim segment is replaced in
// place as the server refines it.
type transcriptTracker struct {
	finals  []string
	interim string
}

func newTranscriptTracker() *transcriptTracker {
	return &transcriptTracker{}
}

func (t *transcriptTracker) apply(ev event) {
	text := strings.TrimSpace(ev.Text)
	if ev.IsFinal {
		t.finals = append(t.finals, text)
		t.interim = ""
	} else {
		t.interim = text
	}
}

// text returns the full transcript so far: committed segments plus the
// current interim guess.
func (t *transcriptTracker) text() string {
	parts := t.finals
	if t.interim != "" {
		parts = append(parts[:len(parts):len(parts)], t.interim)
	}
	return strings.Join(parts, " ")
}
