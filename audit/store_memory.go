package audit

import (
	"context"
	"sync"
)

// InMemoryStore keeps events in process memory, in emission order. It is
// the default sink for tests and embedded use.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListByEntity(_ context.Context, entityID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Event
	for _, event := range s.events {
		for _, id := range event.EntityIDs() {
			if id == entityID {
				matched = append(matched, event)
				break
			}
		}
	}
	return matched, nil
}

// ListAll returns every recorded event in emission order.
func (s *InMemoryStore) ListAll(_ context.Context) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.events...), nil
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
