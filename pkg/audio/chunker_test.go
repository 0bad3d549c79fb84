package audio

import (
	"errors"
	"testing"
	"time"
)

func collectChunker(t *testing.T, cfg ChunkConfig) (*Chunker, *[]Frame) {
	t.Helper()
	frames := &[]Frame{}
	c := NewChunker(func(f Frame) { *frames = append(*frames, f) })
	if err := c.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return c, frames
}

// ramp returns n samples with increasing values so frame contents can be
// identified by position.
func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start+i) / 100000
	}
	return out
}

func TestChunkerNotConfigured(t *testing.T) {
	t.Parallel()
	c := NewChunker(func(Frame) {})
	if err := c.Push([]float32{0}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Push() error = %v, want ErrNotConfigured", err)
	}
	if err := c.Flush(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Flush() error = %v, want ErrNotConfigured", err)
	}
}

func TestChunkConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     ChunkConfig
		wantErr bool
	}{
		{"default", DefaultChunkConfig(), false},
		{"no overlap", ChunkConfig{ChunkSeconds: 2, SampleRate: 16000}, false},
		{"zero rate", ChunkConfig{ChunkSeconds: 5, OverlapSeconds: 1}, true},
		{"zero chunk", ChunkConfig{OverlapSeconds: 1, SampleRate: 16000}, true},
		{"negative overlap", ChunkConfig{ChunkSeconds: 5, OverlapSeconds: -1, SampleRate: 16000}, true},
		{"overlap >= chunk", ChunkConfig{ChunkSeconds: 2, OverlapSeconds: 2, SampleRate: 16000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChunkerNoOverlapCompleteness(t *testing.T) {
	t.Parallel()
	// 10ms chunks at 1 kHz: 10 samples per chunk.
	cfg := ChunkConfig{ChunkSeconds: 0.01, SampleRate: 1000}
	c, frames := collectChunker(t, cfg)

	// Push 37 samples in uneven batches.
	src := ramp(0, 37)
	for _, n := range []int{3, 14, 1, 19} {
		if err := c.Push(src[:n]); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		src = src[n:]
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if got := len(*frames); got != 4 {
		t.Fatalf("frame count = %d, want 4", got)
	}
	total := 0
	for i, f := range *frames {
		total += len(f.Samples)
		wantPartial := i == 3
		if f.Partial != wantPartial {
			t.Errorf("frame %d Partial = %v, want %v", i, f.Partial, wantPartial)
		}
	}
	if total != 37 {
		t.Errorf("total emitted samples = %d, want 37 (no duplication without overlap)", total)
	}
	// Contents must be the original samples in order.
	all := ramp(0, 37)
	idx := 0
	for i, f := range *frames {
		for j, s := range f.Samples {
			if s != all[idx] {
				t.Fatalf("frame %d sample %d = %v, want %v", i, j, s, all[idx])
			}
			idx++
		}
	}
}

func TestChunkerOverlapCarry(t *testing.T) {
	t.Parallel()
	// 10-sample chunks with a 3-sample overlap.
	cfg := ChunkConfig{ChunkSeconds: 0.01, OverlapSeconds: 0.003, SampleRate: 1000}
	c, frames := collectChunker(t, cfg)

	// First chunk consumes 10 fresh samples; each further chunk consumes 7.
	// 24 samples: chunk 1 after 10, chunk 2 after 17, 7 left over (3 carried
	// + 7 fresh = 10 exactly at 24). So push 24 → three full chunks.
	if err := c.Push(ramp(0, 24)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if got := len(*frames); got != 3 {
		t.Fatalf("frame count = %d, want 3", got)
	}
	for i, f := range *frames {
		if len(f.Samples) != 10 {
			t.Errorf("frame %d length = %d, want 10", i, len(f.Samples))
		}
	}
	// Frame 2 must start with the last 3 samples of frame 1.
	f0, f1 := (*frames)[0], (*frames)[1]
	for i := range 3 {
		if f1.Samples[i] != f0.Samples[7+i] {
			t.Errorf("overlap sample %d = %v, want %v", i, f1.Samples[i], f0.Samples[7+i])
		}
	}
	// Timestamps advance by the non-overlapping stride (7 samples = 7ms).
	if want := 7 * time.Millisecond; f1.Timestamp != want {
		t.Errorf("frame 1 timestamp = %v, want %v", f1.Timestamp, want)
	}
}

func TestChunkerFlush(t *testing.T) {
	t.Parallel()
	cfg := ChunkConfig{ChunkSeconds: 0.01, OverlapSeconds: 0.003, SampleRate: 1000}

	t.Run("partial tail", func(t *testing.T) {
		t.Parallel()
		c, frames := collectChunker(t, cfg)
		if err := c.Push(ramp(0, 14)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if err := c.Flush(); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if got := len(*frames); got != 2 {
			t.Fatalf("frame count = %d, want 2", got)
		}
		tail := (*frames)[1]
		if !tail.Partial {
			t.Error("flushed frame should be marked Partial")
		}
		// 3 carried + 4 fresh samples.
		if len(tail.Samples) != 7 {
			t.Errorf("flushed frame length = %d, want 7", len(tail.Samples))
		}
	})

	t.Run("empty buffer emits nothing", func(t *testing.T) {
		t.Parallel()
		c, frames := collectChunker(t, cfg)
		if err := c.Flush(); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if len(*frames) != 0 {
			t.Errorf("frame count = %d, want 0", len(*frames))
		}
	})

	t.Run("overlap-only buffer emits nothing", func(t *testing.T) {
		t.Parallel()
		c, frames := collectChunker(t, cfg)
		// Exactly one full chunk: buffer holds only carried overlap after.
		if err := c.Push(ramp(0, 10)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if err := c.Flush(); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if got := len(*frames); got != 1 {
			t.Errorf("frame count = %d, want 1 (carried overlap was already emitted)", got)
		}
	})
}

func TestChunkerEmitsCopies(t *testing.T) {
	t.Parallel()
	cfg := ChunkConfig{ChunkSeconds: 0.01, OverlapSeconds: 0.003, SampleRate: 1000}
	c, frames := collectChunker(t, cfg)
	if err := c.Push(ramp(0, 17)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	first := (*frames)[0].Samples[0]
	// Fill the internal buffer with new data; the emitted frame must not change.
	if err := c.Push(ramp(1000, 20)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if (*frames)[0].Samples[0] != first {
		t.Error("emitted frame shares memory with the chunk buffer")
	}
}

func TestChunkerReconfigure(t *testing.T) {
	t.Parallel()
	c, frames := collectChunker(t, ChunkConfig{ChunkSeconds: 0.01, SampleRate: 1000})
	if err := c.Push(ramp(0, 5)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	// Reconfigure drops the pending samples.
	if err := c.Configure(ChunkConfig{ChunkSeconds: 0.02, SampleRate: 1000}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := c.Push(ramp(0, 20)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if got := len(*frames); got != 1 {
		t.Fatalf("frame count = %d, want 1", got)
	}
	if got := len((*frames)[0].Samples); got != 20 {
		t.Errorf("frame length = %d, want 20", got)
	}
}
