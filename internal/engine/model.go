package engine

import (
	"context"
	"fmt"
)

// ModelState tracks the loading lifecycle of an on-device model.
type ModelState int

const (
	ModelIdle ModelState = iota
	ModelLoading
	ModelReady
	ModelFailed
)

func (s ModelState) String() string {
	switch s {
	case ModelIdle:
		return "idle"
	case ModelLoading:
		return "loading"
	case ModelReady:
		return "ready"
	case ModelFailed:
		return "failed"
	default:
		return fmt.Sprintf("modelstate(%d)", int(s))
	}
}

// ModelProgress is a model loading progress report. Percent is monotone
// non-decreasing within one load.
type ModelProgress struct {
	State   ModelState
	Percent int
	// Detail names the artifact currently being loaded, when known.
	Detail string
	// Err is set when State is ModelFailed.
	Err error
}

// ModelLoader is implemented by engines that load an on-device model before
// they can listen. Cloud engines have no model to load and do not implement
// it; callers type-assert.
type ModelLoader interface {
	// LoadModel loads the model. It is idempotent: a call while loading
	// or after success is a no-op returning the eventual or past outcome.
	LoadModel(ctx context.Context) error

	// ModelState reports the current loading state.
	ModelState() ModelState

	// ModelProgressUpdates returns the stream of progress reports. The
	// channel stays open for the loader's lifetime; reports are dropped
	// rather than blocking if the consumer lags.
	ModelProgressUpdates() <-chan ModelProgress
}
