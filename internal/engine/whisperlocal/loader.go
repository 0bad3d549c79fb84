package whisperlocal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/scribeflow/internal/engine"
)

// loader owns the whisper.cpp model lifecycle. The model is loaded once and
// shared by every inference; loading is idempotent so a second LoadModel call
// while a load is running simply waits for its outcome, and a call after
// success is a no-op. A failed load may be retried.
type loader struct {
	path     string
	language string

	mu      sync.Mutex
	state   engine.ModelState
	err     error
	model   whisperlib.Model
	loading chan struct{} // closed when the in-flight load finishes

	progress chan engine.ModelProgress
}

func newLoader(path, language string) *loader {
	return &loader{
		path:     path,
		language: language,
		state:    engine.ModelIdle,
		progress: make(chan engine.ModelProgress, 16),
	}
}

// Load loads the model from disk. Safe for concurrent use.
func (l *loader) Load(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case engine.ModelReady:
		l.mu.Unlock()
		return nil
	case engine.ModelLoading:
		done := l.loading
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.err
	}

	// Idle or Failed: this caller performs the load.
	l.state = engine.ModelLoading
	l.err = nil
	l.loading = make(chan struct{})
	l.mu.Unlock()

	err := l.doLoad()

	l.mu.Lock()
	if err != nil {
		l.state = engine.ModelFailed
		l.err = err
	} else {
		l.state = engine.ModelReady
	}
	close(l.loading)
	l.mu.Unlock()
	return err
}

func (l *loader) doLoad() error {
	name := filepath.Base(l.path)
	info, err := os.Stat(l.path)
	if err != nil {
		loadErr := fmt.Errorf("whisperlocal: model file: %w", err)
		l.report(engine.ModelProgress{State: engine.ModelFailed, Detail: name, Err: loadErr})
		return loadErr
	}
	l.report(engine.ModelProgress{State: engine.ModelLoading, Percent: 0, Detail: name})
	slog.Info("loading whisper model", "path", l.path, "sizeBytes", info.Size())

	start := time.Now()
	model, err := whisperlib.New(l.path)
	if err != nil {
		loadErr := fmt.Errorf("whisperlocal: load model %q: %w", l.path, err)
		l.report(engine.ModelProgress{State: engine.ModelFailed, Detail: name, Err: loadErr})
		return loadErr
	}

	l.mu.Lock()
	l.model = model
	l.mu.Unlock()

	l.report(engine.ModelProgress{State: engine.ModelReady, Percent: 100, Detail: name})
	slog.Info("whisper model ready", "path", l.path, "duration", time.Since(start))
	return nil
}

// report sends a progress update, dropping it if the consumer lags.
func (l *loader) report(p engine.ModelProgress) {
	select {
	case l.progress <- p:
	default:
	}
}

func (l *loader) State() engine.ModelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *loader) Progress() <-chan engine.ModelProgress { return l.progress }

// Close releases the model.
func (l *loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model != nil {
		err := l.model.Close()
		l.model = nil
		l.state = engine.ModelIdle
		return err
	}
	return nil
}

// transcribe runs one batch inference over mono 16 kHz samples using a fresh
// whisper context. Contexts are not goroutine-safe but the engine runs
// inference serially, one frame in flight at a time.
func (l *loader) transcribe(samples []float32) (string, error) {
	l.mu.Lock()
	model := l.model
	l.mu.Unlock()
	if model == nil {
		return "", engine.ErrModelNotReady
	}

	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisperlocal: create context: %w", err)
	}
	if l.language != "" {
		if err := wctx.SetLanguage(l.language); err != nil {
			slog.Warn("failed to set language, using default", "language", l.language, "error", err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisperlocal: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisperlocal: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
