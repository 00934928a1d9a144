package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"posecapture/internal/validate"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := NewBus(quietLogger(), 4)
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubA()
	defer unsubC()

	b.Notify(Event{Type: TypePoseChanged, Session: "s1", Pose: "halfLeft"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Pose != "halfLeft" {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus(quietLogger(), 1)
	ch, unsub := b.Subscribe()
	defer unsub()
	b.Notify(Event{Type: TypeVerdict, Message: "first"})
	b.Notify(Event{Type: TypeVerdict, Message: "second"})
	if e := <-ch; e.Message != "first" {
		t.Fatalf("expected first event, got %q", e.Message)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %+v", e)
	default:
	}
}

func TestUnsubscribeAndCloseCloseChannels(t *testing.T) {
	b := NewBus(quietLogger(), 1)
	ch, unsub := b.Subscribe()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	ch2, _ := b.Subscribe()
	b.Close()
	if _, ok := <-ch2; ok {
		t.Fatalf("expected closed channel after Close")
	}
	ch3, _ := b.Subscribe()
	if _, ok := <-ch3; ok {
		t.Fatalf("expected subscribe after Close to return a closed channel")
	}
}

func TestEventJSONCarriesVerdict(t *testing.T) {
	yaw, pitch := 21, 30
	e := Event{
		Type:    TypeVerdict,
		Session: "01HZX",
		Time:    time.Unix(1700000000, 0).UTC(),
		Verdict: &validate.Verdict{Valid: true, Message: "ok", Yaw: &yaw, Pitch: &pitch},
	}
	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Verdict == nil || *got.Verdict.Yaw != 21 || !got.Verdict.Valid {
		t.Fatalf("verdict lost: %s", data)
	}
}

func TestFilterBySession(t *testing.T) {
	in := make(chan Event, 4)
	out := Filter(in, "b")
	in <- Event{Session: "a"}
	in <- Event{Session: "b", Pose: "center"}
	close(in)
	e, ok := <-out
	if !ok || e.Pose != "center" {
		t.Fatalf("expected session b event, got %+v", e)
	}
	if _, ok := <-out; ok {
		t.Fatalf("expected filter to close")
	}
}

func TestObserversNotifiesEachMember(t *testing.T) {
	var got []string
	a := ObserverFunc(func(e Event) { got = append(got, "a:"+string(e.Type)) })
	b := ObserverFunc(func(e Event) { got = append(got, "b:"+string(e.Type)) })
	Observers{a, nil, b}.Notify(Event{Type: TypeArmed})
	if len(got) != 2 || got[0] != "a:armed" || got[1] != "b:armed" {
		t.Fatalf("unexpected notifications %v", got)
	}
}
