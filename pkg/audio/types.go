package audio

import "time"

// Frame represents a single frame of audio flowing through the dictation
// pipeline. Frames are the atomic unit of audio transport, assembled by the
// Chunker from raw capture batches and handed to a speech engine one at a time.
type Frame struct {
	// Samples is mono PCM in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for whisper input).
	SampleRate int

	// Timestamp marks the position of the first sample relative to stream start.
	Timestamp time.Duration

	// Partial is true for a frame produced by a flush rather than by
	// reaching the configured chunk size.
	Partial bool
}

// Duration returns the play length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
