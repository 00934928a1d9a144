// Package events defines the notifications a capture session publishes and a
// fan-out bus that delivers them to subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"posecapture/internal/validate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type enumerates event kinds.
type Type string

const (
	TypeVerdict       Type = "verdict"
	TypePoseChanged   Type = "pose_changed"
	TypePending       Type = "pending_confirmation"
	TypeArmed         Type = "armed"
	TypeCaptured      Type = "captured"
	TypeRejected      Type = "rejected"
	TypeRetake        Type = "retake"
	TypeCooldown      Type = "cooldown"
	TypeComplete      Type = "complete"
	TypeDetectorError Type = "detector_error"
	TypeSessionOpened Type = "session_opened"
	TypeSessionClosed Type = "session_closed"
)

// Event is one session notification. Fields not relevant to Type are empty.
type Event struct {
	Type      Type              `json:"type"`
	Session   string            `json:"session"`
	Pose      string            `json:"pose,omitempty"`
	Time      time.Time         `json:"time"`
	Message   string            `json:"message,omitempty"`
	Verdict   *validate.Verdict `json:"verdict,omitempty"`
	Remaining int               `json:"remaining,omitempty"`
	Index     int               `json:"index"`
	Total     int               `json:"total"`
	Preview   []byte            `json:"preview,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a JSON event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Observer receives session events. Implementations must not block.
type Observer interface {
	Notify(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Observers notifies each member in order. Nil members are skipped.
type Observers []Observer

func (o Observers) Notify(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(e)
		}
	}
}

// Bus fans events out to subscribers over buffered channels. A subscriber
// that falls behind loses events rather than stalling the publisher.
type Bus struct {
	log       *slog.Logger
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
	buffer    int
	closed    bool
}

// NewBus returns a Bus whose subscriber channels hold buffer events.
func NewBus(logger *slog.Logger, buffer int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = 64
	}
	return &Bus{log: logger, subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	unsub := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

// Notify broadcasts e to every subscriber.
func (b *Bus) Notify(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Warn("event channel full", "subscriber", id, "type", e.Type, "session", e.Session)
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Filter passes through only events for session.
func Filter(in <-chan Event, session string) <-chan Event {
	out := make(chan Event, cap(in))
	go func() {
		defer close(out)
		for e := range in {
			if e.Session == session {
				select {
				case out <- e:
				default:
				}
			}
		}
	}()
	return out
}
