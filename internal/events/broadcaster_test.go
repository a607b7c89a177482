package events

import (
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventCreate, Namespace: "s1", Path: "/etc/motd"})

	select {
	case ev := <-ch:
		if ev.Type != EventCreate || ev.Path != "/etc/motd" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Timestamp == 0 {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	if b.Count() != 2 {
		t.Errorf("Count = %d, want 2", b.Count())
	}

	b.Publish(Event{Type: EventModify, Path: "/f"})
	for _, ch := range []chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != EventModify {
				t.Errorf("event = %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if b.Count() != 0 {
		t.Errorf("Count = %d, want 0", b.Count())
	}
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Publishing with no subscribers must not panic.
	b.Publish(Event{Type: EventDelete, Path: "/f"})
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// The channel buffers 64 events; the rest are dropped, never blocking.
	for i := 0; i < 200; i++ {
		b.Publish(Event{Type: EventModify, Path: "/spam"})
	}
	if n := len(ch); n != 64 {
		t.Errorf("buffered = %d, want 64", n)
	}
}
