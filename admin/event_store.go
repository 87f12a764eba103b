package admin

import (
	"context"
	"sync"
	"time"

	"catlock/event"
)

// EventStore keeps the most recently consumed events in memory. Once full,
// the oldest events are dropped.
type EventStore struct {
	events    []StoredEvent
	maxEvents int
	mu        sync.RWMutex
	nextSeq   int64
	now       func() time.Time
}

// StoredEvent is the summary of one consumed event.
type StoredEvent struct {
	Seq         int64     `json:"seq"`
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor,omitempty"`
	TargetName  string    `json:"target_name,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	ReceivedAt  time.Time `json:"received_at"`
	ObjectIDs   []string  `json:"object_ids,omitempty"`
}

// EventFilter selects stored events.
type EventFilter struct {
	Action string
	Limit  int
	Offset int
}

// NewEventStore creates a store keeping at most maxEvents events, 1000 when
// maxEvents is not positive.
func NewEventStore(maxEvents int) *EventStore {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &EventStore{
		events:    make([]StoredEvent, 0, maxEvents),
		maxEvents: maxEvents,
		now:       time.Now,
	}
}

// Store records e.
func (s *EventStore) Store(e *event.Event) {
	ids := make([]string, 0, len(e.Objects))
	for _, o := range e.Objects {
		ids = append(ids, o.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	s.events = append(s.events, StoredEvent{
		Seq:         s.nextSeq,
		ID:          e.ID,
		Action:      string(e.Action),
		Actor:       e.Actor,
		TargetName:  e.TargetName,
		PublishedAt: e.PublishedAt,
		ReceivedAt:  s.now().UTC(),
		ObjectIDs:   ids,
	})
	if excess := len(s.events) - s.maxEvents; excess > 0 {
		s.events = s.events[excess:]
	}
}

// List returns the events matching filter, newest first.
func (s *EventStore) List(filter EventFilter) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var filtered []StoredEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		filtered = append(filtered, e)
	}

	if filter.Offset >= len(filtered) {
		return []StoredEvent{}
	}
	end := filter.Offset + filter.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[filter.Offset:end]
}

// Count returns the number of stored events matching filter.
func (s *EventStore) Count(filter EventFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Action == "" {
		return len(s.events)
	}
	count := 0
	for _, e := range s.events {
		if e.Action == filter.Action {
			count++
		}
	}
	return count
}

// Handler returns an event handler recording every event it sees, for
// registration with event.Router.HandleAll.
func (s *EventStore) Handler() event.Handler {
	return func(_ context.Context, e *event.Event) error {
		s.Store(e)
		return nil
	}
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
