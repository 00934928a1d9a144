// Package detector provides face/landmark detector clients.
package detector

import (
	"context"
	"errors"

	"posecapture/internal/vision"
)

// ErrModelNotLoaded reports that the detector has no usable model. Sessions
// treat it as DetectorUnavailable and stop triggering until it clears.
var ErrModelNotLoaded = errors.New("detector model not loaded")

// Detector returns the faces found in a frame.
type Detector interface {
	Detect(ctx context.Context, frame *vision.Frame) (vision.Detection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, frame *vision.Frame) (vision.Detection, error)

func (f Func) Detect(ctx context.Context, frame *vision.Frame) (vision.Detection, error) {
	return f(ctx, frame)
}
