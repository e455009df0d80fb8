// Package resolve orchestrates entity resolution: routing each incoming
// record through the source index, the email fast path and blocking plus
// scoring, then applying the merge-or-create decision under per-key locks.
// It also houses the merge engine that unions two canonical entities.
package resolve

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"idem/audit"
	"idem/identity"
	"idem/match"
	"idem/metrics"
	"idem/model"
	dErrors "idem/pkg/domainerrors"
	"idem/pkg/sentinel"
)

var tracer = otel.Tracer("idem/resolve")

// DefaultMinConfidence is the merge threshold applied when neither the
// service nor the request overrides it. It sits below the 0.8 an exact
// name match alone scores, so two records sharing only a name auto-merge
// by default. Deployments that fear false merges more than duplicates
// raise it past 0.8 with WithMinConfidence or per call.
const DefaultMinConfidence = 0.7

// AuditPublisher receives one event per graph mutation. Delivery failures
// are logged, never propagated: the mutation has already committed.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service is the resolution orchestrator. All operations are logically
// synchronous: callers never observe a half-updated entity or, on the
// merge path, a dangling index entry.
type Service struct {
	graph *identity.Store

	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   AuditPublisher
	clock   func() time.Time

	minConfidence     float64
	blockingThreshold int

	locks *keyedLocks
}

// Option configures a Service.
type Option func(s *Service)

// WithLogger attaches a structured logger. A nil service logger is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics attaches Prometheus collectors for resolution outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAuditPublisher attaches an audit sink for graph mutations.
func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.audit = publisher
	}
}

// WithClock injects the time source so temporal behavior is testable.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMinConfidence sets the default merge threshold. Values outside (0,1]
// are ignored.
func WithMinConfidence(threshold float64) Option {
	return func(s *Service) {
		if threshold > 0 && threshold <= 1 {
			s.minConfidence = threshold
		}
	}
}

// WithBlockingThreshold sets the entity-set size above which blocking
// filters candidates before scoring. Non-positive values are ignored.
func WithBlockingThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.blockingThreshold = n
		}
	}
}

// New constructs a resolution service over an identity store.
func New(graph *identity.Store, opts ...Option) *Service {
	s := &Service{
		graph:             graph,
		clock:             time.Now,
		minConfidence:     DefaultMinConfidence,
		blockingThreshold: match.DefaultBlockingThreshold,
		locks:             newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve routes one incoming record to its canonical entity:
//
//  1. An exact (source id, external id) hit refreshes the ref's last-seen
//     time and returns the entity. This path is idempotent.
//  2. On miss, an exact email-index hit yields a direct candidate,
//     bypassing blocking entirely.
//  3. Otherwise blocking narrows the type's entity set and scoring picks
//     the best candidate. A candidate at or above the merge threshold
//     absorbs the record.
//  4. With no candidate clearing the threshold, a new entity is created.
//
// Validation failures surface as CodeInvalidInput before any mutation;
// storage failures surface as CodeStorage with the cause wrapped.
func (s *Service) Resolve(ctx context.Context, req model.ResolveRequest) (*model.ResolveResult, error) {
	start := time.Now()
	defer s.metrics.ObserveResolve(start)

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.MinConfidence == 0 {
		req.MinConfidence = s.minConfidence
	}

	ctx, span := tracer.Start(ctx, "Resolve", trace.WithAttributes(
		attribute.String("entity.type", req.Type),
		attribute.String("source.id", req.SourceID),
	))
	defer span.End()

	// One writer per source key at a time: concurrent resolves of the same
	// external record serialize here instead of racing to create twins.
	sourceKey := lockSource + req.SourceKey()
	s.locks.Lock(sourceKey)
	defer s.locks.Unlock(sourceKey)

	result, err := s.refreshExisting(ctx, &req)
	if err != nil {
		return nil, err
	}
	if result != nil {
		finishSpan(span, metrics.OutcomeRefreshed, result)
		return result, nil
	}

	// Matching reads and then mutates the type's entity set, so resolves
	// of one type serialize while it runs. Two records describing the same
	// brand-new identity thus arrive in a fixed order: the first creates,
	// the second matches.
	typeKey := lockType + req.Type
	s.locks.Lock(typeKey)
	defer s.locks.Unlock(typeKey)

	best, err := s.findMatch(ctx, &req)
	if err != nil {
		return nil, err
	}
	if best != nil && best.Score >= req.MinConfidence {
		result, err := s.absorb(ctx, &req, best)
		if err != nil {
			return nil, err
		}
		if result != nil {
			finishSpan(span, metrics.OutcomeMatched, result)
			return result, nil
		}
		// The candidate vanished between scoring and locking (merged
		// away); treat the record as unmatched.
	}

	result, err = s.createNew(ctx, &req)
	if err != nil {
		return nil, err
	}
	finishSpan(span, metrics.OutcomeCreated, result)
	return result, nil
}

// refreshExisting handles the exact source-index hit. It returns (nil, nil)
// on a miss, including the stale-index case where the mapped entity no
// longer exists, so the caller falls through to matching.
func (s *Service) refreshExisting(ctx context.Context, req *model.ResolveRequest) (*model.ResolveResult, error) {
	id, err := s.graph.LookupSource(ctx, req.SourceID, req.ExternalID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "source index lookup failed")
	}

	entityKey := lockEntity + id.String()
	s.locks.Lock(entityKey)
	defer s.locks.Unlock(entityKey)

	// Reload under the entity lock; the index entry may have gone stale if
	// the entity was merged away after the lookup.
	entity, err := s.graph.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "entity load failed")
	}

	now := s.clock()
	if !entity.RefreshSource(req.SourceID, req.ExternalID, now) {
		// Index and entity disagree; restore the ref rather than fail.
		entity.UpsertSource(model.SourceRef{
			SourceID:   req.SourceID,
			ExternalID: req.ExternalID,
			Confidence: 1.0,
			LastSeen:   now,
		})
	}
	if err := s.graph.Put(ctx, entity); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "entity persist failed")
	}

	s.metrics.IncrementOutcome(metrics.OutcomeRefreshed)
	s.logAudit(ctx, audit.Event{
		Action:     audit.ActionSourceRefRefreshed,
		EntityID:   entity.ID.String(),
		SourceID:   req.SourceID,
		ExternalID: req.ExternalID,
		Confidence: 1.0,
	})
	return &model.ResolveResult{Entity: entity, IsNew: false, Confidence: 1.0}, nil
}

// findMatch returns the best merge candidate, or nil when nothing clears
// the eligibility floor. An email-index hit short-circuits: blocking and
// scoring never run, keeping the returning-identity case O(1).
func (s *Service) findMatch(ctx context.Context, req *model.ResolveRequest) (*match.Match, error) {
	if req.Email != "" {
		entity, err := s.graph.FindByEmail(ctx, req.Email)
		if err == nil {
			return &match.Match{Entity: entity, Score: match.FastPathScore(req, entity)}, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "email index lookup failed")
		}
	}

	entities, err := s.graph.ListByType(ctx, req.Type)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "candidate listing failed")
	}
	candidates := match.Candidates(req, entities, s.blockingThreshold)
	s.metrics.ObserveCandidates(len(candidates))

	best, found := match.Best(ctx, req, candidates)
	if !found {
		return nil, nil
	}
	return &best, nil
}

// absorb merges the record into the matched entity: a new source ref at
// the match score, the record's name and aliases folded into the alias
// set, attribute history appends, then the ordered index updates. Returns
// (nil, nil) when the candidate vanished between scoring and locking.
func (s *Service) absorb(ctx context.Context, req *model.ResolveRequest, best *match.Match) (*model.ResolveResult, error) {
	entityKey := lockEntity + best.Entity.ID.String()
	s.locks.Lock(entityKey)
	defer s.locks.Unlock(entityKey)

	entity, err := s.graph.Get(ctx, best.Entity.ID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "entity load failed")
	}

	now := s.clock()
	entity.UpsertSource(model.SourceRef{
		SourceID:   req.SourceID,
		ExternalID: req.ExternalID,
		Confidence: best.Score,
		LastSeen:   now,
	})
	entity.AddAlias(req.Name)
	for _, alias := range req.Aliases {
		entity.AddAlias(alias)
	}
	s.applyAttributes(entity, req, now)
	entity.UpdatedAt = now

	if err := s.persistAndIndex(ctx, entity, req); err != nil {
		return nil, err
	}

	s.metrics.IncrementOutcome(metrics.OutcomeMatched)
	s.metrics.ObserveConfidence(best.Score)
	s.logAudit(ctx, audit.Event{
		Action:     audit.ActionEntityMatched,
		EntityID:   entity.ID.String(),
		SourceID:   req.SourceID,
		ExternalID: req.ExternalID,
		Confidence: best.Score,
	})
	return &model.ResolveResult{Entity: entity, IsNew: false, Confidence: best.Score}, nil
}

// createNew seeds a fresh entity from the record: one source ref at full
// confidence, supplied aliases, and attributes as single-entry histories.
func (s *Service) createNew(ctx context.Context, req *model.ResolveRequest) (*model.ResolveResult, error) {
	now := s.clock()
	entity, err := model.NewEntity(req.Type, req.Name, now)
	if err != nil {
		return nil, err
	}
	entity.UpsertSource(model.SourceRef{
		SourceID:   req.SourceID,
		ExternalID: req.ExternalID,
		Confidence: 1.0,
		LastSeen:   now,
	})
	for _, alias := range req.Aliases {
		entity.AddAlias(alias)
	}
	s.applyAttributes(entity, req, now)

	if err := s.persistAndIndex(ctx, entity, req); err != nil {
		return nil, err
	}

	s.metrics.IncrementOutcome(metrics.OutcomeCreated)
	s.logAudit(ctx, audit.Event{
		Action:     audit.ActionEntityCreated,
		EntityID:   entity.ID.String(),
		SourceID:   req.SourceID,
		ExternalID: req.ExternalID,
		Confidence: 1.0,
	})
	return &model.ResolveResult{Entity: entity, IsNew: true, Confidence: 1.0}, nil
}

// applyAttributes appends the supplied attributes to the entity's temporal
// histories. The email shorthand is folded into the attribute map so the
// email index and the entity's own email attribute cannot disagree; an
// explicit "email" attribute wins over the shorthand, and a fast-path hit
// whose email already equals the entity's current one is not re-appended.
func (s *Service) applyAttributes(entity *model.Entity, req *model.ResolveRequest, now time.Time) {
	for key, value := range req.Attributes {
		entity.SetAttribute(key, value, req.SourceID, now)
	}
	if req.Email == "" {
		return
	}
	if _, ok := req.Attributes[model.AttrEmail]; ok {
		return
	}
	if entity.EmailAddress() == req.Email {
		return
	}
	entity.SetAttribute(model.AttrEmail, req.Email, req.SourceID, now)
}

// persistAndIndex writes the entity and its index entries in the fixed
// persist → source index → email index order. A crash mid-sequence leaves
// at worst a stale index miss, never a pointer to a missing entity. The
// source entry is claimed, not overwritten: a pair held by a different
// live entity (a concurrent writer outside this process's locks) surfaces
// as CodeConflict instead of silently stealing the mapping.
func (s *Service) persistAndIndex(ctx context.Context, entity *model.Entity, req *model.ResolveRequest) error {
	if err := s.graph.Put(ctx, entity); err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "entity persist failed")
	}
	if err := s.graph.ClaimSource(ctx, req.SourceID, req.ExternalID, entity.ID); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "source pair already mapped to another entity")
		}
		return dErrors.Wrap(err, dErrors.CodeStorage, "source index update failed")
	}
	if email := entity.EmailAddress(); email != "" {
		if err := s.graph.SetEmail(ctx, email, entity.ID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "email index update failed")
		}
	}
	return nil
}

// Get loads a canonical entity. Absence is CodeNotFound, a branchable
// outcome rather than a failure.
func (s *Service) Get(ctx context.Context, id model.EntityID) (*model.Entity, error) {
	if id.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "entity id is required")
	}
	entity, err := s.graph.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "entity not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "entity load failed")
	}
	return entity, nil
}

// FindBySource loads the entity a (source id, external id) pair maps to.
func (s *Service) FindBySource(ctx context.Context, sourceID, externalID string) (*model.Entity, error) {
	sourceID = strings.TrimSpace(sourceID)
	externalID = strings.TrimSpace(externalID)
	if sourceID == "" || externalID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "source id and external id are required")
	}
	entity, err := s.graph.FindBySource(ctx, sourceID, externalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no entity mapped to source")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "source lookup failed")
	}
	return entity, nil
}

// ListByType returns every entity of a type in ascending id order.
func (s *Service) ListByType(ctx context.Context, entityType string) ([]*model.Entity, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "entity type is required")
	}
	entities, err := s.graph.ListByType(ctx, entityType)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "entity listing failed")
	}
	return entities, nil
}

// SetAttribute appends a new history entry for the key outside of resolve,
// closing the previous open one and updating the current value.
func (s *Service) SetAttribute(ctx context.Context, id model.EntityID, key string, value any, sourceID string) (*model.Entity, error) {
	key = strings.TrimSpace(key)
	sourceID = strings.TrimSpace(sourceID)
	switch {
	case id.IsNil():
		return nil, dErrors.New(dErrors.CodeInvalidInput, "entity id is required")
	case key == "":
		return nil, dErrors.New(dErrors.CodeInvalidInput, "attribute key is required")
	case sourceID == "":
		return nil, dErrors.New(dErrors.CodeInvalidInput, "source id is required")
	}

	entityKey := lockEntity + id.String()
	s.locks.Lock(entityKey)
	defer s.locks.Unlock(entityKey)

	entity, err := s.graph.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "entity not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "entity load failed")
	}

	now := s.clock()
	entity.SetAttribute(key, value, sourceID, now)
	entity.UpdatedAt = now

	if err := s.graph.Put(ctx, entity); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "entity persist failed")
	}
	if key == model.AttrEmail {
		if email := entity.EmailAddress(); email != "" {
			if err := s.graph.SetEmail(ctx, email, entity.ID); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeStorage, "email index update failed")
			}
		}
	}

	s.logAudit(ctx, audit.Event{
		Action:    audit.ActionAttributeSet,
		EntityID:  entity.ID.String(),
		SourceID:  sourceID,
		Attribute: key,
	})
	return entity, nil
}

// AttributeAt returns the value an attribute held at the given instant.
// The boolean is false when the entity carried no value for the key then.
func (s *Service) AttributeAt(ctx context.Context, id model.EntityID, key string, at time.Time) (any, bool, error) {
	entity, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	value, ok := entity.AttributeAt(key, at)
	return value, ok, nil
}

// logAudit records a mutation on the structured log and forwards it to the
// audit publisher when one is attached.
func (s *Service) logAudit(ctx context.Context, event audit.Event) {
	if s.logger != nil {
		s.logger.InfoContext(ctx, string(event.Action),
			"entity_id", event.EntityID,
			"retired_id", event.RetiredID,
			"source_id", event.SourceID,
			"external_id", event.ExternalID,
			"confidence", event.Confidence,
			"log_type", "audit",
		)
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.Emit(ctx, event); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "error", err, "event", string(event.Action))
	}
}

func finishSpan(span trace.Span, outcome string, result *model.ResolveResult) {
	span.SetAttributes(
		attribute.String("resolve.outcome", outcome),
		attribute.Float64("resolve.confidence", result.Confidence),
		attribute.String("entity.id", result.Entity.ID.String()),
	)
}
