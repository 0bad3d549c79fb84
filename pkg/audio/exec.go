package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// ExecSource captures audio by running an external recorder process that
// writes signed 16-bit little-endian mono PCM to stdout, e.g.
//
//	arecord -q -f S16_LE -c 1 -r 16000 -t raw
//	parec --format=s16le --channels=1 --rate=16000
//
// The process is started per stream and killed on Close.
type ExecSource struct {
	// Command and arguments of the recorder. Command is required.
	Command string
	Args    []string

	// SampleRate the recorder is configured to produce. Defaults to 16000.
	SampleRate int

	// BatchSamples is the number of samples per delivered batch.
	// Defaults to 1600 (100ms at 16 kHz).
	BatchSamples int
}

var _ CaptureSource = (*ExecSource)(nil)

// Open starts the recorder process and begins streaming batches.
func (s *ExecSource) Open(ctx context.Context) (CaptureStream, error) {
	if s.Command == "" {
		return CaptureStream{}, fmt.Errorf("audio: exec source: no command configured")
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	batch := s.BatchSamples
	if batch <= 0 {
		batch = 1600
	}

	cmd := exec.Command(s.Command, s.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return CaptureStream{}, fmt.Errorf("audio: exec source: pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return CaptureStream{}, fmt.Errorf("audio: exec source: start %s: %w", s.Command, err)
	}
	slog.Debug("capture process started", "command", s.Command, "pid", cmd.Process.Pid, "sampleRate", rate)

	out := make(chan []float32, 8)
	var (
		mu        sync.Mutex
		streamErr error
		closeOnce sync.Once
	)

	go func() {
		defer close(out)
		buf := make([]byte, batch*2)
		for {
			n, readErr := io.ReadFull(stdout, buf)
			if n > 0 {
				out <- DecodeS16LE(buf[:n])
			}
			if readErr != nil {
				waitErr := cmd.Wait()
				mu.Lock()
				if readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
					streamErr = fmt.Errorf("audio: exec source: read: %w", readErr)
				} else if waitErr != nil && !isKilled(waitErr) {
					streamErr = classifyRecorderExit(waitErr, stderr.String())
				}
				mu.Unlock()
				return
			}
		}
	}()

	doClose := func() error {
		var err error
		closeOnce.Do(func() {
			err = cmd.Process.Kill()
		})
		return err
	}

	return CaptureStream{
		Samples:    out,
		SampleRate: rate,
		Close:      doClose,
		Err: func() error {
			mu.Lock()
			defer mu.Unlock()
			return streamErr
		},
	}, nil
}

func isKilled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() == -1
}

// classifyRecorderExit maps recorder stderr output onto capture sentinels so
// upstream layers see the same errors regardless of the recorder binary.
func classifyRecorderExit(waitErr error, stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "access denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, firstLine(stderr))
	case strings.Contains(lower, "no such device"), strings.Contains(lower, "no such card"), strings.Contains(lower, "device or resource busy"):
		return fmt.Errorf("%w: %s", ErrNoDevice, firstLine(stderr))
	default:
		return fmt.Errorf("audio: exec source: recorder exited: %w (%s)", waitErr, firstLine(stderr))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
