// Package cue plays the audible signal that precedes an automatic capture.
package cue

import (
	"context"
	"io"
	"sync"
)

// Bell writes the terminal bell character.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBell returns a Bell writing to w.
func NewBell(w io.Writer) *Bell {
	return &Bell{w: w}
}

// Play rings the bell once.
func (b *Bell) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.w.Write([]byte{'\a'})
	return err
}

// Silent is a cue that does nothing.
type Silent struct{}

func (Silent) Play(context.Context) error { return nil }
