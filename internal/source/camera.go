//go:build !gocv

package source

import (
	"context"
	"errors"
	"log/slog"

	"posecapture/internal/vision"
)

// ErrCameraUnsupported is returned when the binary was built without the
// gocv tag.
var ErrCameraUnsupported = errors.New("camera source requires a build with -tags gocv")

// Camera is unavailable in this build.
type Camera struct{}

// OpenCamera always fails without the gocv build tag.
func OpenCamera(device string, logger *slog.Logger) (*Camera, error) {
	return nil, ErrCameraUnsupported
}

func (c *Camera) Current() (*vision.Frame, bool) { return nil, false }

func (c *Camera) Run(ctx context.Context) error { return ErrCameraUnsupported }
