package event

import (
	"testing"

	"github.com/google/uuid"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	id := uuid.New()
	b.MediumRegistered(id, true)
	b.MediumRegistered(id, false)
	b.MediumConfigChanged(id)

	want := []Type{MediumRegistered, MediumUnregistered, MediumConfigChanged}
	for _, w := range want {
		ev := <-ch
		if ev.Type != w || ev.MediumID != id {
			t.Fatalf("event = %+v, want %s", ev, w)
		}
		if ev.Time.IsZero() {
			t.Fatal("event time not set")
		}
	}
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: SnapshotTaken})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	b.Publish(Event{Type: SnapshotDeleted})
}
