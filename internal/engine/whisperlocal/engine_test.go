package whisperlocal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/scribeflow/internal/engine"
	"github.com/MrWong99/scribeflow/pkg/audio"
	audiomock "github.com/MrWong99/scribeflow/pkg/audio/mock"
)

// testChunk is a small config so tests work with handfuls of samples:
// 10-sample chunks with a 3-sample overlap at 1 kHz.
var testChunk = audio.ChunkConfig{ChunkSeconds: 0.01, OverlapSeconds: 0.003, SampleRate: 1000}

// loud returns n samples well above the silence gate.
func loud(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.5
	}
	return out
}

// newTestEngine builds an engine with a fake inference function and a model
// marked ready, bypassing the CGO bindings entirely.
func newTestEngine(t *testing.T, src *audiomock.Source, transcribe func([]float32) (string, error)) *Engine {
	t.Helper()
	e, err := New(Config{
		ModelPath: "testdata/ggml-tiny.bin",
		Source:    src,
		Chunk:     testChunk,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.loader.state = engine.ModelReady
	e.transcribe = transcribe
	return e
}

func drainResults(t *testing.T, e *Engine) []engine.Result {
	t.Helper()
	var out []engine.Result
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-e.Results():
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Errorf("timed out draining results, got %v", out)
			return out
		}
	}
}

func TestEnginePipeline(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{Batches: [][]float32{loud(25)}, SampleRate: 1000}
	texts := []string{"first chunk", "second chunk", "flushed tail"}
	calls := 0
	e := newTestEngine(t, src, func(samples []float32) (string, error) {
		if calls >= len(texts) {
			t.Errorf("unexpected extra inference call with %d samples", len(samples))
			return "", nil
		}
		text := texts[calls]
		calls++
		return text, nil
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan []engine.Result, 1)
	go func() { done <- drainResults(t, e) }()

	// Give the two full chunks time to pass through, then stop: the 25th
	// sample plus carried overlap flushes as a partial frame.
	time.Sleep(100 * time.Millisecond)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	results := <-done
	if len(results) != 3 {
		t.Fatalf("results = %v, want 3 entries", results)
	}
	for i, want := range texts {
		if results[i].Text != want {
			t.Errorf("result %d = %q, want %q", i, results[i].Text, want)
		}
	}
	if results[0].Final || results[1].Final {
		t.Error("full-chunk results must not be final")
	}
	if !results[2].Final {
		t.Error("flushed result must be final")
	}
	if src.CloseCount() != 1 {
		t.Errorf("capture close count = %d, want 1", src.CloseCount())
	}
	if e.State() != engine.StateIdle {
		t.Errorf("state after Stop = %v, want idle", e.State())
	}
}

func TestEngineSilenceSkipped(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{Batches: [][]float32{make([]float32, 30)}, SampleRate: 1000}
	e := newTestEngine(t, src, func([]float32) (string, error) {
		t.Error("inference must not run on silent frames")
		return "", nil
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	done := make(chan []engine.Result, 1)
	go func() { done <- drainResults(t, e) }()

	time.Sleep(100 * time.Millisecond)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if results := <-done; len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
}

func TestEngineFilteredResultsDropped(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{Batches: [][]float32{loud(24)}, SampleRate: 1000}
	texts := []string{"[BLANK_AUDIO]", "real speech here", "..."}
	calls := 0
	e := newTestEngine(t, src, func([]float32) (string, error) {
		text := texts[calls%len(texts)]
		calls++
		return text, nil
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	done := make(chan []engine.Result, 1)
	go func() { done <- drainResults(t, e) }()

	time.Sleep(100 * time.Millisecond)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	results := <-done
	if len(results) != 1 || results[0].Text != "real speech here" {
		t.Errorf("results = %v, want only %q", results, "real speech here")
	}
}

func TestEngineFatalAfterConsecutiveErrors(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{Batches: [][]float32{loud(40)}, SampleRate: 1000}
	inferErr := errors.New("backend broken")
	e := newTestEngine(t, src, func([]float32) (string, error) {
		return "", inferErr
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case f := <-e.Failures():
		if f.Reason != "inference" {
			t.Errorf("failure reason = %q, want %q", f.Reason, "inference")
		}
		if !errors.Is(f.Err, inferErr) {
			t.Errorf("failure error = %v, want wrapped %v", f.Err, inferErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
	}

	// Channels close and the engine returns to idle on its own.
	drainResults(t, e)
	if e.State() != engine.StateIdle {
		t.Errorf("state after failure = %v, want idle", e.State())
	}
	if err := e.Stop(); !errors.Is(err, engine.ErrNotRunning) {
		t.Errorf("Stop() after failure error = %v, want ErrNotRunning", err)
	}
}

func TestEngineStartGuards(t *testing.T) {
	t.Parallel()

	t.Run("model not ready", func(t *testing.T) {
		t.Parallel()
		e, err := New(Config{
			ModelPath: "testdata/ggml-tiny.bin",
			Source:    &audiomock.Source{SampleRate: 1000},
			Chunk:     testChunk,
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := e.Start(context.Background()); !errors.Is(err, engine.ErrModelNotReady) {
			t.Errorf("Start() error = %v, want ErrModelNotReady", err)
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		t.Parallel()
		src := &audiomock.Source{OpenErr: audio.ErrPermissionDenied}
		e := newTestEngine(t, src, nil)
		if err := e.Start(context.Background()); !errors.Is(err, engine.ErrPermissionDenied) {
			t.Errorf("Start() error = %v, want ErrPermissionDenied", err)
		}
		if e.State() != engine.StateIdle {
			t.Errorf("state after failed Start = %v, want idle", e.State())
		}
	})

	t.Run("double start", func(t *testing.T) {
		t.Parallel()
		src := &audiomock.Source{SampleRate: 1000}
		e := newTestEngine(t, src, func([]float32) (string, error) { return "", nil })
		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := e.Start(context.Background()); !errors.Is(err, engine.ErrAlreadyRunning) {
			t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
		}
		go drainResults(t, e)
		if err := e.Stop(); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	})
}

func TestEngineMode(t *testing.T) {
	t.Parallel()
	withOverlap := newTestEngine(t, &audiomock.Source{}, nil)
	if withOverlap.Mode() != engine.ModeReconcile {
		t.Errorf("Mode() with overlap = %v, want ModeReconcile", withOverlap.Mode())
	}

	e, err := New(Config{
		ModelPath: "testdata/ggml-tiny.bin",
		Source:    &audiomock.Source{},
		Chunk:     audio.ChunkConfig{ChunkSeconds: 0.01, SampleRate: 1000},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if e.Mode() != engine.ModeAppend {
		t.Errorf("Mode() without overlap = %v, want ModeAppend", e.Mode())
	}
}
