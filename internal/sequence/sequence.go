// Package sequence implements the pose sequence state machine: which pose is
// current, which photos are stored, and the confirm/retake flow for poses
// that need a human to accept the shot.
package sequence

import (
	"errors"
	"fmt"
	"time"

	"posecapture/internal/pose"
)

var (
	ErrComplete            = errors.New("sequence already complete")
	ErrPendingConfirmation = errors.New("a capture is awaiting confirmation")
	ErrNoPending           = errors.New("no capture awaiting confirmation")
	ErrUnknownPose         = errors.New("unknown pose")
	ErrEmptyPhoto          = errors.New("empty photo")
)

// Photo is an encoded capture for one pose.
type Photo struct {
	PoseID  string
	Data    []byte
	TakenAt time.Time
}

// Pending is a manual-pose capture waiting for confirm.
type Pending struct {
	PoseID string
	Photo  Photo
}

// Kind classifies a transition.
type Kind string

const (
	KindStored    Kind = "stored"
	KindPending   Kind = "pending"
	KindDiscarded Kind = "discarded"
	KindRetake    Kind = "retake"
)

// Transition describes what a controller call did.
type Transition struct {
	Kind     Kind
	PoseID   string // pose acted on
	Next     string // current pose afterwards, empty when complete
	Advanced bool
	Complete bool
	Photo    *Photo
}

// Controller owns the capture session state. It is not safe for concurrent
// use; the owning session loop serialises calls.
type Controller struct {
	profile  *pose.Profile
	photos   map[string]Photo
	index    int
	complete bool
	pending  *Pending
}

// New starts a controller at the first pose of profile.
func New(profile *pose.Profile) *Controller {
	return &Controller{
		profile: profile,
		photos:  make(map[string]Photo, profile.Len()),
	}
}

// Profile returns the pose table.
func (c *Controller) Profile() *pose.Profile { return c.profile }

// Current returns the current pose. ok is false once complete.
func (c *Controller) Current() (pose.Spec, bool) {
	if c.complete {
		return pose.Spec{}, false
	}
	return c.profile.At(c.index), true
}

// Index returns the current pose index, or Len() when complete.
func (c *Controller) Index() int {
	if c.complete {
		return c.profile.Len()
	}
	return c.index
}

func (c *Controller) Complete() bool { return c.complete }

// Pending returns the capture awaiting confirmation, if any.
func (c *Controller) Pending() (Pending, bool) {
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}

// HasPhoto reports whether a photo is stored for id.
func (c *Controller) HasPhoto(id string) bool {
	_, ok := c.photos[id]
	return ok
}

// Photo returns the stored photo for id.
func (c *Controller) Photo(id string) (Photo, bool) {
	p, ok := c.photos[id]
	return p, ok
}

// Photos returns stored photos in profile order.
func (c *Controller) Photos() []Photo {
	out := make([]Photo, 0, len(c.photos))
	for _, id := range c.profile.IDs() {
		if p, ok := c.photos[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Capture records a photo for the current pose. Manual poses hold it as
// pending; all others store it and advance.
func (c *Controller) Capture(photo Photo) (Transition, error) {
	if c.complete {
		return Transition{}, ErrComplete
	}
	if c.pending != nil {
		return Transition{}, ErrPendingConfirmation
	}
	if len(photo.Data) == 0 {
		return Transition{}, ErrEmptyPhoto
	}
	spec := c.profile.At(c.index)
	photo.PoseID = spec.ID

	if spec.Manual {
		c.pending = &Pending{PoseID: spec.ID, Photo: photo}
		return Transition{Kind: KindPending, PoseID: spec.ID, Next: spec.ID, Photo: &photo}, nil
	}
	return c.store(photo), nil
}

// Confirm resolves the pending capture. Accepting stores it and advances;
// rejecting discards it and stays on the same pose.
func (c *Controller) Confirm(accept bool) (Transition, error) {
	if c.pending == nil {
		return Transition{}, ErrNoPending
	}
	p := c.pending
	c.pending = nil
	if !accept {
		return Transition{Kind: KindDiscarded, PoseID: p.PoseID, Next: p.PoseID}, nil
	}
	return c.store(p.Photo), nil
}

// Retake clears the photo for id and makes it current. It works in any
// state, including complete, and drops any pending capture.
func (c *Controller) Retake(id string) (Transition, error) {
	_, idx, ok := c.profile.Lookup(id)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownPose, id)
	}
	delete(c.photos, id)
	c.pending = nil
	c.complete = false
	c.index = idx
	return Transition{Kind: KindRetake, PoseID: id, Next: id}, nil
}

// store keeps photo and moves to the following pose, or completes when the
// current pose is the last one. Poses after a retake keep their photos until
// they are captured again.
func (c *Controller) store(photo Photo) Transition {
	c.photos[photo.PoseID] = photo
	tr := Transition{Kind: KindStored, PoseID: photo.PoseID, Photo: &photo, Advanced: true}
	if next := c.index + 1; next < c.profile.Len() {
		c.index = next
		tr.Next = c.profile.At(next).ID
	} else {
		c.complete = true
		tr.Complete = true
	}
	return tr
}
