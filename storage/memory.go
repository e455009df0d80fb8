package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"idem/pkg/sentinel"
)

// InMemory keeps collections in process memory. It is the default backend
// for tests and embedded use; it intentionally favors clarity over
// performance.
type InMemory struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{collections: make(map[string]map[string][]byte)}
}

func (s *InMemory) Get(_ context.Context, collection, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if doc, ok := s.collections[collection][key]; ok {
		out := make([]byte, len(doc))
		copy(out, doc)
		return out, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) Put(_ context.Context, collection, key string, value json.RawMessage) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string][]byte)
		s.collections[collection] = docs
	}
	docs[key] = stored
	return nil
}

func (s *InMemory) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], key)
	return nil
}

func (s *InMemory) Find(_ context.Context, collection string, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[collection]
	keys := make([]string, 0, len(docs))
	for key, doc := range docs {
		ok, err := filter.Matches(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		doc := docs[key]
		out := make([]byte, len(doc))
		copy(out, doc)
		records = append(records, Record{Key: key, Value: out})
	}
	return records, nil
}
