// Package identity maintains the canonical entity collection and the two
// lookup indexes resolution depends on: (source id, external id) → entity
// and normalized email → entity. It is a thin layer over the storage
// collaborator; invariant-preserving mutation ordering is owned by the
// resolve package.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"idem/model"
	"idem/pkg/emailaddr"
	"idem/pkg/sentinel"
	"idem/storage"
)

// Collections the identity graph occupies in the backing store.
const (
	CollectionEntities    = "entities"
	CollectionSourceIndex = "source_index"
	CollectionEmailIndex  = "email_index"
)

// indexEntry is the document stored for both index collections.
type indexEntry struct {
	EntityID model.EntityID `json:"entity_id"`
}

// Store reads and writes entities and index entries.
//
// Invariant: every (source, external id) pair appears in exactly one
// entity's sources list and in the source index; an email-index entry must
// never be left pointing at a deleted entity.
type Store struct {
	backend storage.Store
}

// NewStore constructs an identity store over the given backend.
func NewStore(backend storage.Store) *Store {
	return &Store{backend: backend}
}

// Get loads an entity by id. Returns sentinel.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id model.EntityID) (*model.Entity, error) {
	doc, err := s.backend.Get(ctx, CollectionEntities, id.String())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("load entity: %w", err)
	}
	var entity model.Entity
	if err := json.Unmarshal(doc, &entity); err != nil {
		return nil, fmt.Errorf("decode entity %s: %w", id, err)
	}
	return &entity, nil
}

// Put persists an entity under its id.
func (s *Store) Put(ctx context.Context, entity *model.Entity) error {
	doc, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", entity.ID, err)
	}
	if err := s.backend.Put(ctx, CollectionEntities, entity.ID.String(), doc); err != nil {
		return fmt.Errorf("store entity: %w", err)
	}
	return nil
}

// Delete removes an entity record. Index entries are the caller's concern.
func (s *Store) Delete(ctx context.Context, id model.EntityID) error {
	if err := s.backend.Delete(ctx, CollectionEntities, id.String()); err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

// ListByType returns all entities of the given type in ascending id order,
// the deterministic ordering candidate scoring breaks ties with.
func (s *Store) ListByType(ctx context.Context, entityType string) ([]*model.Entity, error) {
	records, err := s.backend.Find(ctx, CollectionEntities, storage.Filter{"type": entityType})
	if err != nil {
		return nil, fmt.Errorf("list entities by type: %w", err)
	}
	entities := make([]*model.Entity, 0, len(records))
	for _, rec := range records {
		var entity model.Entity
		if err := json.Unmarshal(rec.Value, &entity); err != nil {
			return nil, fmt.Errorf("decode entity %s: %w", rec.Key, err)
		}
		entities = append(entities, &entity)
	}
	return entities, nil
}

// LookupSource resolves a (source id, external id) pair to an entity id.
func (s *Store) LookupSource(ctx context.Context, sourceID, externalID string) (model.EntityID, error) {
	return s.lookup(ctx, CollectionSourceIndex, model.SourceKey(sourceID, externalID))
}

// SetSource points the source index entry for the pair at the entity,
// overwriting unconditionally. Merge repoints retired refs through this;
// everything else claims through ClaimSource.
func (s *Store) SetSource(ctx context.Context, sourceID, externalID string, id model.EntityID) error {
	return s.setIndex(ctx, CollectionSourceIndex, model.SourceKey(sourceID, externalID), id)
}

// ClaimSource points the source index entry for the pair at the entity,
// refusing to steal the pair from another entity that still exists: a pair
// maps to at most one live entity globally. Stale entries whose entity is
// gone are repointed silently. Returns sentinel.ErrConflict when the pair
// is held by a different live entity.
func (s *Store) ClaimSource(ctx context.Context, sourceID, externalID string, id model.EntityID) error {
	current, err := s.LookupSource(ctx, sourceID, externalID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return err
	}
	if err == nil && current != id {
		_, err := s.Get(ctx, current)
		if err == nil {
			return fmt.Errorf("source pair %s held by entity %s: %w",
				model.SourceKey(sourceID, externalID), current, sentinel.ErrConflict)
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
	}
	return s.SetSource(ctx, sourceID, externalID, id)
}

// DeleteSource drops the index entry for the pair.
func (s *Store) DeleteSource(ctx context.Context, sourceID, externalID string) error {
	if err := s.backend.Delete(ctx, CollectionSourceIndex, model.SourceKey(sourceID, externalID)); err != nil {
		return fmt.Errorf("delete source index entry: %w", err)
	}
	return nil
}

// FindBySource loads the entity a pair maps to. A stale index entry whose
// entity is gone reads as not found, the same as a missing entry; resolve
// treats both as a miss and falls through to matching.
func (s *Store) FindBySource(ctx context.Context, sourceID, externalID string) (*model.Entity, error) {
	id, err := s.LookupSource(ctx, sourceID, externalID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// LookupEmail resolves a normalized email to an entity id.
func (s *Store) LookupEmail(ctx context.Context, email string) (model.EntityID, error) {
	email = emailaddr.Normalize(email)
	if email == "" {
		return "", sentinel.ErrNotFound
	}
	return s.lookup(ctx, CollectionEmailIndex, email)
}

// SetEmail points the email index entry at the entity.
func (s *Store) SetEmail(ctx context.Context, email string, id model.EntityID) error {
	email = emailaddr.Normalize(email)
	if email == "" {
		return nil
	}
	return s.setIndex(ctx, CollectionEmailIndex, email, id)
}

// DeleteEmail drops the email index entry.
func (s *Store) DeleteEmail(ctx context.Context, email string) error {
	email = emailaddr.Normalize(email)
	if email == "" {
		return nil
	}
	if err := s.backend.Delete(ctx, CollectionEmailIndex, email); err != nil {
		return fmt.Errorf("delete email index entry: %w", err)
	}
	return nil
}

// FindByEmail loads the entity an email maps to, treating stale entries the
// same as missing ones.
func (s *Store) FindByEmail(ctx context.Context, email string) (*model.Entity, error) {
	id, err := s.LookupEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// EmailsFor lists every email-index key pointing at the entity, including
// historical addresses. Merge repoints all of them so no entry is left
// dangling at a deleted entity.
func (s *Store) EmailsFor(ctx context.Context, id model.EntityID) ([]string, error) {
	records, err := s.backend.Find(ctx, CollectionEmailIndex, storage.Filter{"entity_id": id})
	if err != nil {
		return nil, fmt.Errorf("list email index entries: %w", err)
	}
	emails := make([]string, 0, len(records))
	for _, rec := range records {
		emails = append(emails, rec.Key)
	}
	return emails, nil
}

func (s *Store) lookup(ctx context.Context, collection, key string) (model.EntityID, error) {
	doc, err := s.backend.Get(ctx, collection, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", sentinel.ErrNotFound
		}
		return "", fmt.Errorf("load index entry: %w", err)
	}
	var entry indexEntry
	if err := json.Unmarshal(doc, &entry); err != nil {
		return "", fmt.Errorf("decode index entry %s/%s: %w", collection, key, err)
	}
	return entry.EntityID, nil
}

func (s *Store) setIndex(ctx context.Context, collection, key string, id model.EntityID) error {
	doc, err := json.Marshal(indexEntry{EntityID: id})
	if err != nil {
		return fmt.Errorf("encode index entry: %w", err)
	}
	if err := s.backend.Put(ctx, collection, key, doc); err != nil {
		return fmt.Errorf("store index entry: %w", err)
	}
	return nil
}
