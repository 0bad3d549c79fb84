// Package mock provides a scripted CaptureSource for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/scribeflow/pkg/audio"
)

// Source is a CaptureSource that replays pre-recorded batches. If OpenErr is
// set, Open fails with it, which is how tests simulate a denied microphone.
type Source struct {
	Batches    [][]float32
	SampleRate int
	OpenErr    error

	// StreamErr, when set, is reported by the stream after all batches
	// have been delivered, simulating a device failure mid-session.
	StreamErr error

	mu     sync.Mutex
	opened int
	closed int
}

var _ audio.CaptureSource = (*Source)(nil)

// Open delivers the scripted batches and then leaves the channel open until
// Close, mimicking a live microphone that has gone quiet.
func (s *Source) Open(ctx context.Context) (audio.CaptureStream, error) {
	if s.OpenErr != nil {
		return audio.CaptureStream{}, s.OpenErr
	}
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()

	rate := s.SampleRate
	if rate <= 0 {
		rate = 16000
	}

	out := make(chan []float32, len(s.Batches)+1)
	done := make(chan struct{})
	var closeOnce sync.Once

	go func() {
		defer close(out)
		for _, b := range s.Batches {
			select {
			case out <- b:
			case <-done:
				return
			}
		}
		if s.StreamErr != nil {
			// Device failure: the stream ends on its own.
			return
		}
		<-done
	}()

	return audio.CaptureStream{
		Samples:    out,
		SampleRate: rate,
		Close: func() error {
			closeOnce.Do(func() {
				close(done)
				s.mu.Lock()
				s.closed++
				s.mu.Unlock()
			})
			return nil
		},
		Err: func() error { return s.StreamErr },
	}, nil
}

// OpenCount reports how many streams have been opened.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// CloseCount reports how many streams have been closed. Tests use it to
// verify the device is released synchronously on stop.
func (s *Source) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
