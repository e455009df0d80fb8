package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idem/model"
	"idem/pkg/sentinel"
	"idem/storage"
)

type IdentityStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
	now   time.Time
}

func (s *IdentityStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewStore(storage.NewInMemory())
	s.now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
}

func TestIdentityStoreSuite(t *testing.T) {
	suite.Run(t, new(IdentityStoreSuite))
}

func (s *IdentityStoreSuite) newEntity(entityType, name string) *model.Entity {
	s.T().Helper()
	entity, err := model.NewEntity(entityType, name, s.now)
	s.Require().NoError(err)
	return entity
}

// TestEntityRoundtrip: an entity survives persistence with its temporal
// attributes, source refs and aliases intact.
func (s *IdentityStoreSuite) TestEntityRoundtrip() {
	entity := s.newEntity("person", "Ada Lovelace")
	entity.AddAlias("A. Lovelace")
	entity.UpsertSource(model.SourceRef{
		SourceID: "crm", ExternalID: "42", Confidence: 0.85, LastSeen: s.now,
	})
	entity.SetAttribute("title", "Mathematician", "crm", s.now)
	entity.SetAttribute("title", "Countess", "wiki", s.now.Add(time.Hour))

	s.Require().NoError(s.store.Put(s.ctx, entity))
	loaded, err := s.store.Get(s.ctx, entity.ID)
	s.Require().NoError(err)

	s.Equal(entity.Name, loaded.Name)
	s.Equal(entity.Aliases, loaded.Aliases)
	s.Equal(entity.Sources, loaded.Sources)

	title := loaded.Attributes["title"]
	s.Require().NotNil(title)
	s.Equal("Countess", title.Current)
	s.Require().Len(title.History, 2)
	s.Equal(1, title.OpenEntries())

	// Closed intervals keep their bounds across the JSON roundtrip.
	v, ok := title.ValueAt(s.now.Add(30 * time.Minute))
	s.Require().True(ok)
	s.Equal("Mathematician", v)
}

func (s *IdentityStoreSuite) TestGetAbsent() {
	_, err := s.store.Get(s.ctx, "missing")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

// TestListByType returns only the requested type, ordered by id ascending.
func (s *IdentityStoreSuite) TestListByType() {
	person1 := s.newEntity("person", "Ada")
	person2 := s.newEntity("person", "Grace")
	company := s.newEntity("company", "Initech")
	for _, e := range []*model.Entity{person1, person2, company} {
		s.Require().NoError(s.store.Put(s.ctx, e))
	}

	people, err := s.store.ListByType(s.ctx, "person")
	s.Require().NoError(err)
	s.Require().Len(people, 2)
	s.Less(people[0].ID, people[1].ID, "candidates must arrive in ascending id order")

	companies, err := s.store.ListByType(s.ctx, "company")
	s.Require().NoError(err)
	s.Len(companies, 1)

	robots, err := s.store.ListByType(s.ctx, "robot")
	s.Require().NoError(err)
	s.Empty(robots)
}

// TestSourceIndex covers the pair → entity mapping including key escaping.
func (s *IdentityStoreSuite) TestSourceIndex() {
	entity := s.newEntity("person", "Ada")
	s.Require().NoError(s.store.Put(s.ctx, entity))

	s.Run("set then lookup", func() {
		s.Require().NoError(s.store.SetSource(s.ctx, "crm", "42", entity.ID))

		id, err := s.store.LookupSource(s.ctx, "crm", "42")
		s.Require().NoError(err)
		s.Equal(entity.ID, id)

		found, err := s.store.FindBySource(s.ctx, "crm", "42")
		s.Require().NoError(err)
		s.Equal(entity.ID, found.ID)
	})

	s.Run("miss is ErrNotFound", func() {
		_, err := s.store.LookupSource(s.ctx, "crm", "unknown")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("ids containing the separator cannot collide", func() {
		other := s.newEntity("person", "Mallory")
		s.Require().NoError(s.store.Put(s.ctx, other))

		// ("a:b", "c") and ("a", "b:c") must be distinct keys.
		s.Require().NoError(s.store.SetSource(s.ctx, "a:b", "c", entity.ID))
		s.Require().NoError(s.store.SetSource(s.ctx, "a", "b:c", other.ID))

		id, err := s.store.LookupSource(s.ctx, "a:b", "c")
		s.Require().NoError(err)
		s.Equal(entity.ID, id)

		id, err = s.store.LookupSource(s.ctx, "a", "b:c")
		s.Require().NoError(err)
		s.Equal(other.ID, id)
	})

	s.Run("stale entry reads as not found", func() {
		ghost := s.newEntity("person", "Ghost")
		s.Require().NoError(s.store.Put(s.ctx, ghost))
		s.Require().NoError(s.store.SetSource(s.ctx, "crm", "stale", ghost.ID))
		s.Require().NoError(s.store.Delete(s.ctx, ghost.ID))

		_, err := s.store.FindBySource(s.ctx, "crm", "stale")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("delete drops the entry", func() {
		s.Require().NoError(s.store.SetSource(s.ctx, "crm", "tmp", entity.ID))
		s.Require().NoError(s.store.DeleteSource(s.ctx, "crm", "tmp"))

		_, err := s.store.LookupSource(s.ctx, "crm", "tmp")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

// TestClaimSource covers the guarded write path: a pair maps to at most one
// live entity, stale holders are evicted, live holders are not.
func (s *IdentityStoreSuite) TestClaimSource() {
	holder := s.newEntity("person", "Ada")
	s.Require().NoError(s.store.Put(s.ctx, holder))

	s.Run("unclaimed pair is claimed", func() {
		s.Require().NoError(s.store.ClaimSource(s.ctx, "crm", "c1", holder.ID))

		id, err := s.store.LookupSource(s.ctx, "crm", "c1")
		s.Require().NoError(err)
		s.Equal(holder.ID, id)
	})

	s.Run("re-claim by the holder is a no-op", func() {
		s.Require().NoError(s.store.ClaimSource(s.ctx, "crm", "c1", holder.ID))
	})

	s.Run("claim held by a live entity is ErrConflict", func() {
		rival := s.newEntity("person", "Mallory")
		s.Require().NoError(s.store.Put(s.ctx, rival))

		err := s.store.ClaimSource(s.ctx, "crm", "c1", rival.ID)
		s.Require().ErrorIs(err, sentinel.ErrConflict)

		// The holder keeps the pair.
		id, err := s.store.LookupSource(s.ctx, "crm", "c1")
		s.Require().NoError(err)
		s.Equal(holder.ID, id)
	})

	s.Run("stale entry is repointed silently", func() {
		ghost := s.newEntity("person", "Ghost")
		s.Require().NoError(s.store.Put(s.ctx, ghost))
		s.Require().NoError(s.store.SetSource(s.ctx, "crm", "c2", ghost.ID))
		s.Require().NoError(s.store.Delete(s.ctx, ghost.ID))

		s.Require().NoError(s.store.ClaimSource(s.ctx, "crm", "c2", holder.ID))

		id, err := s.store.LookupSource(s.ctx, "crm", "c2")
		s.Require().NoError(err)
		s.Equal(holder.ID, id)
	})
}

// TestEmailIndex covers normalization on write and read plus the reverse
// scan merge uses to repoint entries.
func (s *IdentityStoreSuite) TestEmailIndex() {
	entity := s.newEntity("person", "Ada")
	s.Require().NoError(s.store.Put(s.ctx, entity))

	s.Run("lookups normalize case and whitespace", func() {
		s.Require().NoError(s.store.SetEmail(s.ctx, "  Ada@Example.COM ", entity.ID))

		id, err := s.store.LookupEmail(s.ctx, "ada@example.com")
		s.Require().NoError(err)
		s.Equal(entity.ID, id)

		found, err := s.store.FindByEmail(s.ctx, "ADA@example.com")
		s.Require().NoError(err)
		s.Equal(entity.ID, found.ID)
	})

	s.Run("empty email is a silent no-op on write, a miss on read", func() {
		s.Require().NoError(s.store.SetEmail(s.ctx, "   ", entity.ID))
		_, err := s.store.LookupEmail(s.ctx, "")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("EmailsFor lists every address pointing at the entity", func() {
		other := s.newEntity("person", "Grace")
		s.Require().NoError(s.store.Put(s.ctx, other))

		s.Require().NoError(s.store.SetEmail(s.ctx, "old@example.com", entity.ID))
		s.Require().NoError(s.store.SetEmail(s.ctx, "grace@example.com", other.ID))

		emails, err := s.store.EmailsFor(s.ctx, entity.ID)
		s.Require().NoError(err)
		s.ElementsMatch([]string{"ada@example.com", "old@example.com"}, emails)
	})

	s.Run("delete drops the entry", func() {
		s.Require().NoError(s.store.SetEmail(s.ctx, "tmp@example.com", entity.ID))
		s.Require().NoError(s.store.DeleteEmail(s.ctx, "tmp@example.com"))

		_, err := s.store.LookupEmail(s.ctx, "tmp@example.com")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}
