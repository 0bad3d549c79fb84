// Package mock provides a scripted Engine for session-layer tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/scribeflow/internal/engine"
)

// Engine replays scripted results when started. Channel buffers are sized to
// hold the full script so tests never deadlock.
type Engine struct {
	// ScriptMode is the Mode the engine reports.
	ScriptMode engine.Mode

	// StartErr, when set, makes Start fail.
	StartErr error

	// Script is delivered on Results after Start, in order.
	Script []engine.Result

	// HoldLast keeps the last scripted result back until Stop, modeling
	// an engine that flushes buffered audio at stop time.
	HoldLast bool

	mu       sync.Mutex
	state    engine.State
	results  chan engine.Result
	statuses chan string
	failures chan engine.Failure
	pending  []engine.Result
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) Mode() engine.Mode { return e.ScriptMode }

func (e *Engine) State() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	if e.state != engine.StateIdle {
		return engine.ErrAlreadyRunning
	}
	e.state = engine.StateListening
	n := len(e.Script)
	e.results = make(chan engine.Result, n+16)
	e.statuses = make(chan string, 8)
	e.failures = make(chan engine.Failure, 1)
	e.statuses <- "Listening..."

	script := e.Script
	e.pending = nil
	if e.HoldLast && len(script) > 0 {
		e.pending = script[len(script)-1:]
		script = script[:len(script)-1]
	}
	for _, r := range script {
		e.results <- r
	}
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engine.StateListening {
		return engine.ErrNotRunning
	}
	e.state = engine.StateIdle
	for _, r := range e.pending {
		e.results <- r
	}
	e.pending = nil
	close(e.results)
	close(e.statuses)
	close(e.failures)
	return nil
}

// Fail delivers a fatal error and ends the session, as a real engine does
// after an unrecoverable failure.
func (e *Engine) Fail(f engine.Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engine.StateListening {
		return
	}
	e.state = engine.StateIdle
	e.failures <- f
	close(e.results)
	close(e.statuses)
	close(e.failures)
}

// Emit delivers an additional result mid-session.
func (e *Engine) Emit(r engine.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == engine.StateListening {
		e.results <- r
	}
}

func (e *Engine) Results() <-chan engine.Result   { return e.results }
func (e *Engine) Statuses() <-chan string         { return e.statuses }
func (e *Engine) Failures() <-chan engine.Failure { return e.failures }
