package cue

import (
	"bytes"
	"context"
	"testing"
)

func TestBellWritesBell(t *testing.T) {
	var buf bytes.Buffer
	b := NewBell(&buf)
	if err := b.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if buf.String() != "\a" {
		t.Fatalf("expected bell, got %q", buf.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Play(ctx); err == nil {
		t.Fatalf("expected cancelled context to fail")
	}
	if buf.Len() != 1 {
		t.Fatalf("cancelled play should not write")
	}
}
