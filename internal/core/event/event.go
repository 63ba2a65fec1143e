// Package event fans snapshot, medium and machine notifications out to
// subscribers.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

// Type names an event.
type Type string

const (
	SnapshotTaken       Type = "snapshot_taken"
	SnapshotRestored    Type = "snapshot_restored"
	SnapshotDeleted     Type = "snapshot_deleted"
	SnapshotChanged     Type = "snapshot_changed"
	MediumRegistered    Type = "medium_registered"
	MediumUnregistered  Type = "medium_unregistered"
	MediumConfigChanged Type = "medium_config_changed"
	MachineStateChanged Type = "machine_state_changed"
	TaskProgress        Type = "task_progress"
)

// Event is one notification.
type Event struct {
	Type       Type                `json:"type"`
	Time       time.Time           `json:"time"`
	MachineID  uuid.UUID           `json:"machine_id,omitempty"`
	SnapshotID uuid.UUID           `json:"snapshot_id,omitempty"`
	MediumID   uuid.UUID           `json:"medium_id,omitempty"`
	State      domain.MachineState `json:"state,omitempty"`
	TaskID     string              `json:"task_id,omitempty"`
	Percent    int                 `json:"percent,omitempty"`
}

// Bus delivers events to subscribers without blocking the publisher. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving events and a function that ends
// the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// MediumRegistered publishes a medium (un)registration.
func (b *Bus) MediumRegistered(id uuid.UUID, registered bool) {
	t := MediumRegistered
	if !registered {
		t = MediumUnregistered
	}
	b.Publish(Event{Type: t, MediumID: id})
}

// MediumConfigChanged publishes a medium relink.
func (b *Bus) MediumConfigChanged(id uuid.UUID) {
	b.Publish(Event{Type: MediumConfigChanged, MediumID: id})
}
