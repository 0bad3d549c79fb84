// Package whisperlocal implements the on-device speech engine backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.
//
// Audio flows capture → chunker → inference, with inference running strictly
// serially: one frame in flight at a time, later frames queueing behind it.
// Results pass through the stability filter before they are emitted; the
// engine reports ModeReconcile (or ModeAppend without overlap) and leaves
// transcript accumulation to the consumer.
package whisperlocal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/scribeflow/internal/engine"
	"github.com/MrWong99/scribeflow/internal/observe"
	"github.com/MrWong99/scribeflow/internal/stability"
	"github.com/MrWong99/scribeflow/pkg/audio"
)

// defaultSilenceRMS is the RMS level (samples in [-1, 1]) below which a whole
// frame is treated as silence and skipped without inference.
const defaultSilenceRMS = 0.01

// maxConsecutiveInferenceErrors is how many inference failures in a row are
// tolerated before the session is abandoned as fatal. A single failure is
// usually transient; three in a row means the backend is broken.
const maxConsecutiveInferenceErrors = 3

// Config for the on-device engine.
type Config struct {
	// ModelPath is the whisper.cpp GGML model file.
	ModelPath string

	// Language is the BCP-47 language code for transcription. Empty means
	// whisper's default.
	Language string

	// Source provides microphone streams.
	Source audio.CaptureSource

	// Chunk controls frame assembly. Zero value means DefaultChunkConfig.
	Chunk audio.ChunkConfig

	// SilenceRMS overrides the silence gate threshold when positive.
	SilenceRMS float64

	// Metrics is optional.
	Metrics *observe.Metrics
}

// Engine is the on-device whisper engine. One Engine serves many sessions;
// the model is loaded once and kept across sessions.
type Engine struct {
	cfg        Config
	loader     *loader
	filter     *stability.Filter
	silenceRMS float64

	// transcribe is the inference function, taken from the loader. Tests
	// substitute it to run the pipeline without the CGO bindings.
	transcribe func(samples []float32) (string, error)

	mu       sync.Mutex
	state    engine.State
	stream   audio.CaptureStream
	results  chan engine.Result
	statuses chan string
	failures chan engine.Failure
	wg       sync.WaitGroup
}

var (
	_ engine.Engine      = (*Engine)(nil)
	_ engine.ModelLoader = (*Engine)(nil)
)

// New creates the engine. The model is not loaded yet; call LoadModel.
func New(cfg Config) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisperlocal: ModelPath must not be empty")
	}
	if cfg.Source == nil {
		return nil, errors.New("whisperlocal: Source must not be nil")
	}
	if cfg.Chunk == (audio.ChunkConfig{}) {
		cfg.Chunk = audio.DefaultChunkConfig()
	}
	if err := cfg.Chunk.Validate(); err != nil {
		return nil, fmt.Errorf("whisperlocal: %w", err)
	}
	silence := cfg.SilenceRMS
	if silence <= 0 {
		silence = defaultSilenceRMS
	}
	e := &Engine{
		cfg:        cfg,
		loader:     newLoader(cfg.ModelPath, cfg.Language),
		filter:     stability.NewFilter(),
		silenceRMS: silence,
		state:      engine.StateIdle,
	}
	e.transcribe = e.loader.transcribe
	return e, nil
}

// Mode depends on the chunk overlap: overlapping frames need reconciliation,
// gapless frames are appended verbatim.
func (e *Engine) Mode() engine.Mode {
	if e.cfg.Chunk.OverlapSeconds > 0 {
		return engine.ModeReconcile
	}
	return engine.ModeAppend
}

func (e *Engine) State() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LoadModel implements engine.ModelLoader.
func (e *Engine) LoadModel(ctx context.Context) error {
	start := time.Now()
	err := e.loader.Load(ctx)
	e.cfg.Metrics.RecordModelLoad(ctx, time.Since(start), err == nil)
	return err
}

func (e *Engine) ModelState() engine.ModelState { return e.loader.State() }

func (e *Engine) ModelProgressUpdates() <-chan engine.ModelProgress { return e.loader.Progress() }

// Close releases the model. The engine must be idle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engine.StateIdle {
		return engine.ErrAlreadyRunning
	}
	return e.loader.Close()
}

// Start acquires the microphone and begins the capture/inference pipeline.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != engine.StateIdle {
		e.mu.Unlock()
		return engine.ErrAlreadyRunning
	}
	if e.loader.State() != engine.ModelReady {
		e.mu.Unlock()
		return fmt.Errorf("whisperlocal: %w", engine.ErrModelNotReady)
	}
	e.state = engine.StateStarting
	e.mu.Unlock()

	stream, err := e.cfg.Source.Open(ctx)
	if err != nil {
		e.setState(engine.StateIdle)
		if errors.Is(err, audio.ErrPermissionDenied) {
			return fmt.Errorf("whisperlocal: %w", engine.ErrPermissionDenied)
		}
		return fmt.Errorf("whisperlocal: open capture: %w", err)
	}

	frames := make(chan audio.Frame, 4)
	chunker := audio.NewChunker(func(f audio.Frame) { frames <- f })
	if err := chunker.Configure(e.cfg.Chunk); err != nil {
		stream.Close()
		e.setState(engine.StateIdle)
		return fmt.Errorf("whisperlocal: %w", err)
	}

	e.mu.Lock()
	e.filter.Reset()
	e.stream = stream
	e.results = make(chan engine.Result, 64)
	e.statuses = make(chan string, 16)
	e.failures = make(chan engine.Failure, 1)
	e.state = engine.StateListening
	e.mu.Unlock()

	e.cfg.Metrics.SessionStarted(context.Background())
	e.status("Listening...")
	slog.Info("dictation started", "engine", "whisper-local", "chunkSeconds", e.cfg.Chunk.ChunkSeconds, "overlapSeconds", e.cfg.Chunk.OverlapSeconds)

	e.wg.Add(2)
	go e.captureLoop(stream, chunker, frames)
	go e.inferLoop(frames)
	return nil
}

// Stop releases the microphone synchronously and waits for queued frames to
// finish inference. A final result from flushed audio may be delivered while
// Stop runs; the result channel closes once everything has drained.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != engine.StateListening {
		e.mu.Unlock()
		return engine.ErrNotRunning
	}
	e.state = engine.StateStopping
	stream := e.stream
	e.mu.Unlock()

	err := stream.Close()
	e.wg.Wait()
	e.setState(engine.StateIdle)
	slog.Info("dictation stopped", "engine", "whisper-local")
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

// captureLoop pulls batches from the microphone, resamples them to the
// chunker's rate and feeds the chunker. On a clean stop it flushes the
// partial chunk so trailing speech is not lost.
func (e *Engine) captureLoop(stream audio.CaptureStream, chunker *audio.Chunker, frames chan<- audio.Frame) {
	defer e.wg.Done()
	defer close(frames)

	for batch := range stream.Samples {
		samples := audio.ResampleMono(batch, stream.SampleRate, e.cfg.Chunk.SampleRate)
		if err := chunker.Push(samples); err != nil {
			slog.Error("chunker push failed", "error", err)
			return
		}
	}
	if err := stream.Err(); err != nil {
		e.fail("device", fmt.Errorf("whisperlocal: capture stream: %w", err))
		return
	}
	if err := chunker.Flush(); err != nil {
		slog.Error("chunker flush failed", "error", err)
	}
}

// inferLoop runs inference serially over assembled frames, applies the
// stability filter and emits accepted results. It owns closing the outbound
// channels.
func (e *Engine) inferLoop(frames <-chan audio.Frame) {
	defer e.wg.Done()

	consecutiveErrors := 0
	fatal := false

	for frame := range frames {
		if fatal {
			// Keep draining so the capture side never blocks.
			continue
		}

		ctx := context.Background()
		e.cfg.Metrics.ChunkProcessed(ctx)

		if audio.RMS(frame.Samples) < e.silenceRMS {
			slog.Debug("frame skipped as silence", "timestamp", frame.Timestamp)
			continue
		}

		e.status("Transcribing...")
		start := time.Now()
		text, err := e.transcribe(frame.Samples)
		e.cfg.Metrics.RecordInference(ctx, time.Since(start), err == nil)
		if err != nil {
			consecutiveErrors++
			slog.Error("inference failed", "error", err, "consecutive", consecutiveErrors)
			if consecutiveErrors >= maxConsecutiveInferenceErrors {
				fatal = true
				e.fail("inference", err)
				e.closeStream()
			}
			continue
		}
		consecutiveErrors = 0

		verdict := e.filter.Check(text)
		if verdict != stability.Accepted {
			e.cfg.Metrics.ResultFiltered(ctx, verdict.String())
			continue
		}
		e.results <- engine.Result{Text: text, Final: frame.Partial}
		e.status("Listening...")
	}

	e.cfg.Metrics.SessionEnded(context.Background())
	e.mu.Lock()
	close(e.results)
	close(e.statuses)
	close(e.failures)
	if e.state != engine.StateStopping {
		e.state = engine.StateIdle
	}
	e.mu.Unlock()
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

func (e *Engine) closeStream() {
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream.Close != nil {
		stream.Close()
	}
}

func (e *Engine) setState(s engine.State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
