package resolve

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"idem/audit"
	"idem/model"
	dErrors "idem/pkg/domainerrors"
	"idem/pkg/sentinel"
)

// Merge unions the entity mergeID into keepID and deletes the retired
// record. Source refs are combined by (source id, external id) with the
// keeper winning conflicts; aliases absorb the retired set plus its name;
// attribute histories present on both sides are spliced and re-sorted by
// ValidFrom. Every index entry pointing at the retired entity is repointed
// before the delete, so no lookup can land on a missing record.
//
// When both sides hold an open history entry for the same attribute, the
// more recently updated entity's entry stays open and the other side's is
// closed at merge time.
//
// Returns the updated keeper, or CodeNotFound when either id is absent.
func (s *Service) Merge(ctx context.Context, keepID, mergeID model.EntityID) (*model.Entity, error) {
	start := time.Now()
	defer s.metrics.ObserveMerge(start)

	if keepID.IsNil() || mergeID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "both entity ids are required")
	}
	if keepID == mergeID {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "cannot merge an entity into itself")
	}

	ctx, span := tracer.Start(ctx, "Merge", trace.WithAttributes(
		attribute.String("entity.id", keepID.String()),
		attribute.String("entity.retired_id", mergeID.String()),
	))
	defer span.End()

	keepKey, mergeKey := lockEntity+keepID.String(), lockEntity+mergeID.String()
	s.locks.LockPair(keepKey, mergeKey)
	defer s.locks.UnlockPair(keepKey, mergeKey)

	keep, err := s.loadForMerge(ctx, keepID)
	if err != nil {
		return nil, err
	}
	retired, err := s.loadForMerge(ctx, mergeID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	s.union(keep, retired, now)

	// Ordered mutation: persist the keeper, repoint the source index, then
	// the email index, and only then delete the retired record. A crash
	// anywhere in the sequence leaves stale-but-valid entries, never a
	// pointer to a deleted entity.
	if err := s.graph.Put(ctx, keep); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "keeper persist failed")
	}
	for _, ref := range retired.Sources {
		if err := s.graph.SetSource(ctx, ref.SourceID, ref.ExternalID, keep.ID); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "source index repoint failed")
		}
	}
	if err := s.repointEmails(ctx, keep, retired); err != nil {
		return nil, err
	}
	if err := s.graph.Delete(ctx, retired.ID); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "retired entity delete failed")
	}

	s.metrics.IncrementMerged()
	s.logAudit(ctx, audit.Event{
		Action:    audit.ActionEntitiesMerged,
		EntityID:  keep.ID.String(),
		RetiredID: retired.ID.String(),
	})
	return keep, nil
}

func (s *Service) loadForMerge(ctx context.Context, id model.EntityID) (*model.Entity, error) {
	entity, err := s.graph.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "entity %s not found", id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "entity load failed")
	}
	return entity, nil
}

// union folds the retired entity's data into the keeper in place.
func (s *Service) union(keep, retired *model.Entity, now time.Time) {
	for _, ref := range retired.Sources {
		if keep.FindSource(ref.SourceID, ref.ExternalID) < 0 {
			keep.Sources = append(keep.Sources, ref)
		}
	}

	keep.AddAlias(retired.Name)
	for _, alias := range retired.Aliases {
		keep.AddAlias(alias)
	}

	// The more recently updated side keeps its open history entries; ties
	// go to the keeper.
	keepWins := !keep.UpdatedAt.Before(retired.UpdatedAt)
	for key, theirs := range retired.Attributes {
		ours, ok := keep.Attributes[key]
		if !ok {
			if keep.Attributes == nil {
				keep.Attributes = make(map[string]*model.TemporalValue)
			}
			keep.Attributes[key] = theirs
			continue
		}
		ours.Splice(theirs, keepWins, now)
	}

	keep.UpdatedAt = now
}

// repointEmails moves every email-index entry referencing the retired
// entity onto the keeper and makes sure the keeper's current address is
// indexed. Historical addresses keep resolving to the merged identity.
func (s *Service) repointEmails(ctx context.Context, keep, retired *model.Entity) error {
	emails, err := s.graph.EmailsFor(ctx, retired.ID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "email index scan failed")
	}
	if current := keep.EmailAddress(); current != "" {
		emails = append(emails, current)
	}
	for _, email := range emails {
		if err := s.graph.SetEmail(ctx, email, keep.ID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "email index repoint failed")
		}
	}
	return nil
}
