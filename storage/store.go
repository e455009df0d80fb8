// Package storage defines the document store the identity graph persists
// into: named collections of JSON documents addressed by key, with an
// equality filter for narrow scans. Implementations are interface-driven so
// in-memory, PostgreSQL and Redis backends can be swapped without touching
// resolution logic.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Record is one stored document together with its key.
type Record struct {
	Key   string
	Value json.RawMessage
}

// Filter selects documents whose top-level fields equal the given values.
// Values are compared after JSON normalization, so a filter built from Go
// values matches documents written by json.Marshal. A nil or empty filter
// matches every document.
type Filter map[string]any

// Matches reports whether doc satisfies every equality in the filter.
func (f Filter) Matches(doc json.RawMessage) (bool, error) {
	if len(f) == 0 {
		return true, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	for name, want := range f {
		got, ok := fields[name]
		if !ok {
			return false, nil
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false, fmt.Errorf("encode filter value %q: %w", name, err)
		}
		if !jsonEqual(wantJSON, got) {
			return false, nil
		}
	}
	return true, nil
}

// jsonEqual compares two JSON values structurally, ignoring whitespace and
// object key order.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	an, err := json.Marshal(av)
	if err != nil {
		return false
	}
	bn, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(an, bn)
}

// Store is the persistence contract the identity layer builds on.
//
// Contract:
//   - Get returns sentinel.ErrNotFound when the key is absent.
//   - Put overwrites unconditionally; collections spring into existence on
//     first write.
//   - Delete of an absent key is a no-op, not an error.
//   - Find returns matching records in ascending key order. Resolution
//     relies on this for reproducible tie-breaking, so implementations must
//     not relax it.
type Store interface {
	Get(ctx context.Context, collection, key string) (json.RawMessage, error)
	Put(ctx context.Context, collection, key string, value json.RawMessage) error
	Delete(ctx context.Context, collection, key string) error
	Find(ctx context.Context, collection string, filter Filter) ([]Record, error)
}
