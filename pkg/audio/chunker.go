package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned by Push and Flush before Configure has been
// called with valid parameters.
var ErrNotConfigured = errors.New("audio: chunker not configured")

// ChunkConfig holds the chunking parameters. ChunkSeconds and OverlapSeconds
// are expressed in seconds so fractional durations are representable.
type ChunkConfig struct {
	ChunkSeconds   float64
	OverlapSeconds float64
	SampleRate     int
}

// DefaultChunkConfig returns the parameters used by the whisper pipeline:
// 5-second chunks with a 1-second overlap carried between consecutive chunks,
// at whisper's native 16 kHz.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{ChunkSeconds: 5, OverlapSeconds: 1, SampleRate: 16000}
}

// Validate checks the config for internal consistency.
func (c ChunkConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sampleRate must be positive, got %d", c.SampleRate))
	}
	if c.ChunkSeconds <= 0 {
		errs = append(errs, fmt.Errorf("chunkSeconds must be positive, got %g", c.ChunkSeconds))
	}
	if c.OverlapSeconds < 0 {
		errs = append(errs, fmt.Errorf("overlapSeconds must not be negative, got %g", c.OverlapSeconds))
	}
	if c.OverlapSeconds >= c.ChunkSeconds && c.ChunkSeconds > 0 {
		errs = append(errs, fmt.Errorf("overlapSeconds (%g) must be smaller than chunkSeconds (%g)", c.OverlapSeconds, c.ChunkSeconds))
	}
	return errors.Join(errs...)
}

func (c ChunkConfig) samplesPerChunk() int {
	return int(c.ChunkSeconds * float64(c.SampleRate))
}

func (c ChunkConfig) overlapSamples() int {
	return int(c.OverlapSeconds * float64(c.SampleRate))
}

// Chunker accumulates raw capture batches into fixed-size frames. The chunk
// buffer is allocated once at Configure time; when a chunk fills, the emit
// callback receives a copy and the trailing overlap window is carried to the
// front of the buffer so consecutive frames share OverlapSeconds of audio.
//
// A Chunker is confined to the goroutine that calls Push; it performs no
// locking of its own.
type Chunker struct {
	cfg        ChunkConfig
	buf        []float32
	n          int
	carried    int // leading samples of buf that are overlap carryover
	streamPos  int // absolute sample index of buf[0]
	configured bool
	emit       func(Frame)
}

// NewChunker returns a Chunker that passes completed frames to emit.
// Configure must be called before the first Push.
func NewChunker(emit func(Frame)) *Chunker {
	return &Chunker{emit: emit}
}

// Configure sets the chunking parameters and resets all accumulation state.
// It may be called again between sessions to change parameters.
func (c *Chunker) Configure(cfg ChunkConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("audio: configure chunker: %w", err)
	}
	c.cfg = cfg
	c.buf = make([]float32, cfg.samplesPerChunk())
	c.n = 0
	c.carried = 0
	c.streamPos = 0
	c.configured = true
	return nil
}

// Push appends a batch of samples. Batches may be any size; a single large
// batch can complete several chunks. Every emitted frame is a copy, so the
// caller may reuse the batch slice immediately.
func (c *Chunker) Push(batch []float32) error {
	if !c.configured {
		return ErrNotConfigured
	}
	for len(batch) > 0 {
		free := len(c.buf) - c.n
		take := len(batch)
		if take > free {
			take = free
		}
		copy(c.buf[c.n:], batch[:take])
		c.n += take
		batch = batch[take:]

		if c.n == len(c.buf) {
			c.emitFrame(false)
			overlap := c.cfg.overlapSamples()
			c.streamPos += c.n - overlap
			if overlap > 0 {
				copy(c.buf, c.buf[c.n-overlap:])
			}
			c.n = overlap
			c.carried = overlap
		}
	}
	return nil
}

// Flush emits whatever has accumulated since the last complete chunk as a
// partial frame, then resets the buffer. Flushing an empty or overlap-only
// buffer emits nothing: the carried overlap has already been heard.
func (c *Chunker) Flush() error {
	if !c.configured {
		return ErrNotConfigured
	}
	if c.n > c.carried {
		c.emitFrame(true)
	}
	c.n = 0
	c.carried = 0
	c.streamPos = 0
	return nil
}

func (c *Chunker) emitFrame(partial bool) {
	samples := make([]float32, c.n)
	copy(samples, c.buf[:c.n])
	c.emit(Frame{
		Samples:    samples,
		SampleRate: c.cfg.SampleRate,
		Timestamp:  time.Duration(c.streamPos) * time.Second / time.Duration(c.cfg.SampleRate),
		Partial:    partial,
	})
}
