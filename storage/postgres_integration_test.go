//go:build integration

package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"idem/pkg/sentinel"
	"idem/pkg/testutil/containers"
	"idem/storage"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *storage.Postgres
	ctx      context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = storage.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.store.Migrate(s.ctx))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "idem_records"))
}

// TestRoundtrip verifies documents survive the jsonb column unchanged in
// structure and that the not-found contract holds.
func (s *PostgresStoreSuite) TestRoundtrip() {
	doc := json.RawMessage(`{"type":"person","name":"Ada","aliases":["A. Lovelace"]}`)
	s.Require().NoError(s.store.Put(s.ctx, "entities", "e1", doc))

	got, err := s.store.Get(s.ctx, "entities", "e1")
	s.Require().NoError(err)
	s.JSONEq(string(doc), string(got))

	_, err = s.store.Get(s.ctx, "entities", "missing")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

// TestUpsert verifies Put overwrites in place via the conflict clause.
func (s *PostgresStoreSuite) TestUpsert() {
	s.Require().NoError(s.store.Put(s.ctx, "entities", "e1", json.RawMessage(`{"v":1}`)))
	s.Require().NoError(s.store.Put(s.ctx, "entities", "e1", json.RawMessage(`{"v":2}`)))

	got, err := s.store.Get(s.ctx, "entities", "e1")
	s.Require().NoError(err)
	s.JSONEq(`{"v":2}`, string(got))

	records, err := s.store.Find(s.ctx, "entities", nil)
	s.Require().NoError(err)
	s.Len(records, 1)
}

// TestDeleteIdempotent verifies deleting an absent key is not an error.
func (s *PostgresStoreSuite) TestDeleteIdempotent() {
	s.Require().NoError(s.store.Put(s.ctx, "entities", "e1", json.RawMessage(`{"v":1}`)))
	s.Require().NoError(s.store.Delete(s.ctx, "entities", "e1"))
	s.Require().NoError(s.store.Delete(s.ctx, "entities", "e1"))

	_, err := s.store.Get(s.ctx, "entities", "e1")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

// TestFindFilterAndOrder verifies jsonb equality filtering matches the
// in-memory semantics and that results come back in ascending key order.
func (s *PostgresStoreSuite) TestFindFilterAndOrder() {
	s.Require().NoError(s.store.Put(s.ctx, "entities", "b", json.RawMessage(`{"type":"person","name":"Beth"}`)))
	s.Require().NoError(s.store.Put(s.ctx, "entities", "c", json.RawMessage(`{"type":"company","name":"Corp"}`)))
	s.Require().NoError(s.store.Put(s.ctx, "entities", "a", json.RawMessage(`{"type":"person","name":"Ada"}`)))

	records, err := s.store.Find(s.ctx, "entities", storage.Filter{"type": "person"})
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Equal("a", records[0].Key)
	s.Equal("b", records[1].Key)

	// Equality, not containment: filtering on an array value must match the
	// whole array.
	s.Require().NoError(s.store.Put(s.ctx, "entities", "d", json.RawMessage(`{"type":"person","tags":["x","y"]}`)))
	records, err = s.store.Find(s.ctx, "entities", storage.Filter{"tags": []string{"x"}})
	s.Require().NoError(err)
	s.Empty(records)
	records, err = s.store.Find(s.ctx, "entities", storage.Filter{"tags": []string{"x", "y"}})
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal("d", records[0].Key)
}

// TestConcurrentPuts verifies concurrent upserts of distinct keys all land.
func (s *PostgresStoreSuite) TestConcurrentPuts() {
	const goroutines = 50

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("e%03d", n)
			doc := json.RawMessage(fmt.Sprintf(`{"type":"person","n":%d}`, n))
			if err := s.store.Put(s.ctx, "entities", key, doc); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(0), failures.Load())

	records, err := s.store.Find(s.ctx, "entities", nil)
	s.Require().NoError(err)
	s.Len(records, goroutines)
}
