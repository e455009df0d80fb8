package model

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	dErrors "idem/pkg/domainerrors"
	"idem/pkg/emailaddr"
	"idem/pkg/strutil"
)

// EntityID identifies a canonical entity. It is immutable once assigned.
type EntityID string

// NewEntityID returns a fresh random id.
func NewEntityID() EntityID {
	return EntityID(uuid.NewString())
}

func (id EntityID) String() string { return string(id) }

// IsNil reports whether the id is unset.
func (id EntityID) IsNil() bool { return id == "" }

// AttrEmail is the attribute name the email index is fed from.
const AttrEmail = "email"

// SourceRef points one external system's identifier at this entity.
//
// Invariant: the pair (SourceID, ExternalID) maps to at most one entity
// globally; the source index and the owning entity's Sources list always
// agree.
type SourceRef struct {
	SourceID   string    `json:"source_id"`
	ExternalID string    `json:"external_id"`
	Confidence float64   `json:"confidence"`
	LastSeen   time.Time `json:"last_seen"`
}

// Key returns the source-index key for the pair. Both parts are escaped so
// ids containing the separator cannot collide.
func (r SourceRef) Key() string {
	return SourceKey(r.SourceID, r.ExternalID)
}

// SourceKey builds the index key for a (sourceID, externalID) pair.
func SourceKey(sourceID, externalID string) string {
	return url.QueryEscape(sourceID) + ":" + url.QueryEscape(externalID)
}

// Entity is the canonical record for one real-world identity.
//
// Invariants:
//   - ID is immutable once created
//   - Sources holds at most one ref per (SourceID, ExternalID) pair
//   - Aliases are unique under case folding
//   - Attribute histories are append-only (see TemporalValue)
type Entity struct {
	ID         EntityID                  `json:"id"`
	Type       string                    `json:"type"`
	Name       string                    `json:"name"`
	Aliases    []string                  `json:"aliases,omitempty"`
	Sources    []SourceRef               `json:"sources"`
	Attributes map[string]*TemporalValue `json:"attributes,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// NewEntity constructs an entity with a fresh id and no sources yet.
func NewEntity(entityType, name string, now time.Time) (*Entity, error) {
	entityType = strings.TrimSpace(entityType)
	name = strings.TrimSpace(name)
	if entityType == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "entity type cannot be empty")
	}
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "entity name cannot be empty")
	}
	return &Entity{
		ID:        NewEntityID(),
		Type:      entityType,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// FindSource returns the index of the ref matching the pair, or -1.
func (e *Entity) FindSource(sourceID, externalID string) int {
	for i, ref := range e.Sources {
		if ref.SourceID == sourceID && ref.ExternalID == externalID {
			return i
		}
	}
	return -1
}

// UpsertSource adds the ref or, when the pair is already present, refreshes
// its confidence and last-seen time. The exactly-one-ref-per-pair invariant
// holds either way.
func (e *Entity) UpsertSource(ref SourceRef) {
	if i := e.FindSource(ref.SourceID, ref.ExternalID); i >= 0 {
		e.Sources[i].Confidence = ref.Confidence
		e.Sources[i].LastSeen = ref.LastSeen
		return
	}
	e.Sources = append(e.Sources, ref)
}

// RefreshSource bumps the ref's last-seen time, reporting whether the pair
// was present. The recorded confidence is left untouched.
func (e *Entity) RefreshSource(sourceID, externalID string, now time.Time) bool {
	i := e.FindSource(sourceID, externalID)
	if i < 0 {
		return false
	}
	e.Sources[i].LastSeen = now
	return true
}

// AddAlias records an alternative name unless it already exists under case
// folding or equals the primary name.
func (e *Entity) AddAlias(alias string) {
	alias = strings.TrimSpace(alias)
	if alias == "" || strutil.Fold(alias) == strutil.Fold(e.Name) {
		return
	}
	e.Aliases = strutil.AppendFold(e.Aliases, alias)
}

// SetAttribute appends a new history entry for key, closing the previous
// open one, and updates the current value.
func (e *Entity) SetAttribute(key string, value any, source string, now time.Time) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]*TemporalValue)
	}
	if tv, ok := e.Attributes[key]; ok {
		tv.Set(value, source, now)
		return
	}
	e.Attributes[key] = NewTemporalValue(value, source, now)
}

// Attribute returns the current value for key.
func (e *Entity) Attribute(key string) (any, bool) {
	tv, ok := e.Attributes[key]
	if !ok {
		return nil, false
	}
	return tv.Current, true
}

// AttributeAt returns the value key held at the given instant.
func (e *Entity) AttributeAt(key string, at time.Time) (any, bool) {
	tv, ok := e.Attributes[key]
	if !ok {
		return nil, false
	}
	return tv.ValueAt(at)
}

// EmailAddress returns the entity's current email in normalized form, or ""
// when no email attribute is set.
func (e *Entity) EmailAddress() string {
	v, ok := e.Attribute(AttrEmail)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return emailaddr.Normalize(s)
}

// NameSet returns the folded name plus folded aliases, the unit the scorer
// checks alias overlap against.
func (e *Entity) NameSet() []string {
	set := make([]string, 0, len(e.Aliases)+1)
	set = append(set, strutil.Fold(e.Name))
	for _, a := range e.Aliases {
		set = append(set, strutil.Fold(a))
	}
	return set
}

// Clone returns a deep copy so callers can mutate without aliasing stored
// state.
func (e *Entity) Clone() *Entity {
	clone := *e
	clone.Aliases = append([]string(nil), e.Aliases...)
	clone.Sources = append([]SourceRef(nil), e.Sources...)
	if e.Attributes != nil {
		clone.Attributes = make(map[string]*TemporalValue, len(e.Attributes))
		for k, tv := range e.Attributes {
			copied := &TemporalValue{
				Current: tv.Current,
				History: make([]TemporalEntry, len(tv.History)),
			}
			copy(copied.History, tv.History)
			for i := range copied.History {
				if tv.History[i].ValidTo != nil {
					end := *tv.History[i].ValidTo
					copied.History[i].ValidTo = &end
				}
			}
			clone.Attributes[k] = copied
		}
	}
	return &clone
}
