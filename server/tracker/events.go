package tracker

import (
	"sync"

	"github.com/san-kum/object-tracker/server/models"
)

type EventType string

const (
	EventFrameProcessed EventType = "frame_processed"
	EventTrackCreated   EventType = "track_created"
	EventTrackCompleted EventType = "track_completed"
	EventReset          EventType = "reset"
)

type Event struct {
	Type       EventType           `json:"type"`
	FrameIndex uint64              `json:"frame_index"`
	Track      *models.TrackedItem `json:"track,omitempty"`
	Summary    *UpdateSummary      `json:"summary,omitempty"`
}

// eventBus fans events out to subscribers without ever blocking the publisher.
type eventBus struct {
	buffer int

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	drops  uint64
}

func newEventBus(buffer int) *eventBus {
	return &eventBus{buffer: buffer, subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

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

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.drops++
		}
	}
}

func (b *eventBus) dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}
