package source

import (
	"errors"
	"path/filepath"
	"sync"

	"posecapture/internal/fsutil"
	"posecapture/internal/vision"
)

// Replay steps through a fixed list of frames, one per Current call, and
// then keeps returning the last one.
type Replay struct {
	mu     sync.Mutex
	frames []*vision.Frame
	next   int
}

// NewReplay returns a replay over frames.
func NewReplay(frames ...*vision.Frame) *Replay {
	return &Replay{frames: frames}
}

// LoadReplay decodes every image under dir in path order.
func LoadReplay(dir string) (*Replay, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no frames in " + dir)
	}
	frames := make([]*vision.Frame, 0, len(files))
	for i, path := range files {
		img, err := DecodeFile(path)
		if err != nil {
			return nil, err
		}
		frames = append(frames, &vision.Frame{
			Image: vision.ToRGBA(img),
			Seq:   uint64(i + 1),
			Name:  filepath.Base(path),
		})
	}
	return NewReplay(frames...), nil
}

// Current implements capture.FrameSource.
func (r *Replay) Current() (*vision.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil, false
	}
	i := r.next
	if i >= len(r.frames) {
		i = len(r.frames) - 1
	} else {
		r.next++
	}
	return r.frames[i], true
}

// Exhausted reports whether the last frame has been served.
func (r *Replay) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next >= len(r.frames)
}

// Len returns the number of frames.
func (r *Replay) Len() int { return len(r.frames) }
