//go:build gocv

package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"posecapture/internal/vision"
)

// Camera reads frames from a local capture device through OpenCV.
type Camera struct {
	device string
	box    *Mailbox
	log    *slog.Logger
}

// OpenCamera returns a camera source for device (an index such as "0" or a
// stream URL).
func OpenCamera(device string, logger *slog.Logger) (*Camera, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Camera{device: device, box: NewMailbox(), log: logger}, nil
}

// Current implements capture.FrameSource.
func (c *Camera) Current() (*vision.Frame, bool) { return c.box.Current() }

// Run grabs frames until ctx is cancelled.
func (c *Camera) Run(ctx context.Context) error {
	capture, err := gocv.OpenVideoCapture(c.device)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", c.device, err)
	}
	defer capture.Close()

	mat := gocv.NewMat()
	defer mat.Close()

	c.log.Info("camera opened", "device", c.device)
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if ok := capture.Read(&mat); !ok || mat.Empty() {
			misses++
			if misses%30 == 1 {
				c.log.Warn("camera returned no frame", "device", c.device, "misses", misses)
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		misses = 0
		img, err := mat.ToImage()
		if err != nil {
			c.log.Warn("frame conversion failed", "error", err)
			continue
		}
		c.box.Put(img, "")
	}
}
