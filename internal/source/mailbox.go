// Package source provides frame sources for capture sessions. Every source
// keeps only the newest frame: sessions pull whatever is current at tick time
// and older frames are dropped, never queued.
package source

import (
	"image"
	"sync"
	"time"

	"posecapture/internal/vision"
)

// Mailbox is a single-slot latest-frame holder.
type Mailbox struct {
	mu      sync.Mutex
	frame   *vision.Frame
	read    bool
	seq     uint64
	dropped uint64
	now     func() time.Time
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{now: time.Now}
}

// Put replaces the current frame. A frame that was never read counts as
// dropped.
func (m *Mailbox) Put(img image.Image, name string) *vision.Frame {
	rgba := vision.ToRGBA(img)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame != nil && !m.read {
		m.dropped++
	}
	m.seq++
	m.frame = &vision.Frame{Image: rgba, Seq: m.seq, Name: name, CapturedAt: m.now()}
	m.read = false
	return m.frame
}

// Current returns the newest frame, if any.
func (m *Mailbox) Current() (*vision.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame == nil {
		return nil, false
	}
	m.read = true
	return m.frame, true
}

// Clear empties the slot; Current reports no frame until the next Put.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	m.frame = nil
	m.read = false
	m.mu.Unlock()
}

// Stats reports how many frames were stored and how many were overwritten
// unread.
func (m *Mailbox) Stats() (received, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, m.dropped
}
