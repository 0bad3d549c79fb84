package audio

import (
	"context"
	"errors"
)

// Capture errors. Engines translate these into their own error taxonomy so
// the session layer can distinguish a denied microphone from a dead one.
var (
	// ErrPermissionDenied indicates the platform refused access to the
	// capture device.
	ErrPermissionDenied = errors.New("audio: capture permission denied")

	// ErrNoDevice indicates no capture device is available.
	ErrNoDevice = errors.New("audio: no capture device")
)

// CaptureSource opens microphone streams. It is the pipeline's only contact
// with platform audio; everything downstream works on sample batches.
type CaptureSource interface {
	// Open acquires the capture device and starts delivering samples.
	// Returns ErrPermissionDenied or ErrNoDevice when the device cannot
	// be acquired.
	Open(ctx context.Context) (CaptureStream, error)
}

// CaptureStream delivers mono float32 sample batches from an open device.
type CaptureStream struct {
	// Samples carries capture batches. It is closed when the device stops,
	// either via Close or on device error.
	Samples <-chan []float32

	// SampleRate of the delivered samples in Hz.
	SampleRate int

	// Close releases the capture device. It must release synchronously:
	// when Close returns the device indicator is off. Samples is closed
	// shortly after.
	Close func() error

	// Err reports the reason the stream ended, or nil after a clean Close.
	// Valid only after Samples is closed.
	Err func() error
}

// Probe opens and immediately releases a stream, verifying device access
// without keeping the microphone live. Used as a pre-flight check so a
// permission failure surfaces before a session starts.
func Probe(ctx context.Context, src CaptureSource) error {
	stream, err := src.Open(ctx)
	if err != nil {
		return err
	}
	return stream.Close()
}
