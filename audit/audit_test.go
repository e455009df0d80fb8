package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEntityIDs(t *testing.T) {
	single := Event{EntityID: "keep"}
	assert.Equal(t, []string{"keep"}, single.EntityIDs())

	merged := Event{EntityID: "keep", RetiredID: "gone"}
	assert.Equal(t, []string{"keep", "gone"}, merged.EntityIDs(), "primary id comes first")
}

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	created := Event{ID: uuid.New(), Action: ActionEntityCreated, EntityID: "e1"}
	merged := Event{ID: uuid.New(), Action: ActionEntitiesMerged, EntityID: "e1", RetiredID: "e2"}
	other := Event{ID: uuid.New(), Action: ActionEntityCreated, EntityID: "e3"}
	for _, event := range []Event{created, merged, other} {
		require.NoError(t, store.Append(ctx, event))
	}

	t.Run("lists in emission order", func(t *testing.T) {
		all, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, created.ID, all[0].ID)
	})

	t.Run("indexes the retired entity too", func(t *testing.T) {
		trail, err := store.ListByEntity(ctx, "e2")
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, merged.ID, trail[0].ID)
	})

	t.Run("unknown entity has an empty trail", func(t *testing.T) {
		trail, err := store.ListByEntity(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, trail)
	})

	t.Run("clear resets", func(t *testing.T) {
		store.Clear()
		all, err := store.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestPublisher_StampsEvents(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	publisher := NewPublisher(store)

	require.NoError(t, publisher.Emit(ctx, Event{Action: ActionEntityCreated, EntityID: "e1"}))

	events, err := publisher.List(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEqual(t, uuid.Nil, events[0].ID, "emit assigns an id")
	assert.False(t, events[0].Timestamp.IsZero(), "emit assigns a timestamp")

	// Preset identities survive, so producers can stamp upstream.
	preset := Event{ID: uuid.New(), Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Action: ActionEntityMatched, EntityID: "e1"}
	require.NoError(t, publisher.Emit(ctx, preset))
	events, err = publisher.List(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, preset.ID, events[1].ID)
	assert.Equal(t, preset.Timestamp, events[1].Timestamp)
}

// captureSink records what it is handed, for fanout assertions.
type captureSink struct {
	events []Event
}

func (c *captureSink) Emit(_ context.Context, event Event) error {
	c.events = append(c.events, event)
	return nil
}

// failingSink always rejects delivery.
type failingSink struct {
	err error
}

func (f *failingSink) Emit(context.Context, Event) error {
	return f.err
}

func TestFanout(t *testing.T) {
	ctx := context.Background()

	t.Run("every sink sees the same stamped event", func(t *testing.T) {
		first, second := &captureSink{}, &captureSink{}
		fanout := NewFanout(first, second)

		require.NoError(t, fanout.Emit(ctx, Event{Action: ActionEntityCreated, EntityID: "e1"}))

		require.Len(t, first.events, 1)
		require.Len(t, second.events, 1)
		assert.Equal(t, first.events[0].ID, second.events[0].ID, "stamped once, delivered everywhere")
	})

	t.Run("one broken sink does not starve the others", func(t *testing.T) {
		boom := errors.New("sink down")
		healthy := &captureSink{}
		fanout := NewFanout(&failingSink{err: boom}, healthy)

		err := fanout.Emit(ctx, Event{Action: ActionEntityCreated, EntityID: "e1"})
		require.ErrorIs(t, err, boom)
		assert.Len(t, healthy.events, 1, "delivery continues past the failure")
	})
}

func TestWorker(t *testing.T) {
	t.Run("persists until canceled", func(t *testing.T) {
		store := NewInMemoryStore()
		inbox := make(chan Event, 4)
		worker := NewWorker(store, inbox)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- worker.Run(ctx) }()

		inbox <- Event{ID: uuid.New(), Action: ActionEntityCreated, EntityID: "e1"}
		inbox <- Event{ID: uuid.New(), Action: ActionAttributeSet, EntityID: "e1"}

		require.Eventually(t, func() bool {
			events, err := store.ListAll(context.Background())
			return err == nil && len(events) == 2
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("drains and returns nil on a closed inbox", func(t *testing.T) {
		store := NewInMemoryStore()
		inbox := make(chan Event, 2)
		worker := NewWorker(store, inbox)

		inbox <- Event{ID: uuid.New(), Action: ActionEntityCreated, EntityID: "e1"}
		close(inbox)

		done := make(chan error, 1)
		go func() { done <- worker.Run(context.Background()) }()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker kept running past the closed inbox")
		}

		// Only the buffered event lands; the close itself appends nothing.
		events, err := store.ListAll(context.Background())
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("stops on a failing store", func(t *testing.T) {
		boom := errors.New("disk full")
		inbox := make(chan Event, 1)
		worker := NewWorker(failingAuditStore{err: boom}, inbox)

		inbox <- Event{ID: uuid.New(), Action: ActionEntityCreated, EntityID: "e1"}

		done := make(chan error, 1)
		go func() { done <- worker.Run(context.Background()) }()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, boom)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not surface the store failure")
		}
	})
}

type failingAuditStore struct {
	err error
}

func (f failingAuditStore) Append(context.Context, Event) error {
	return f.err
}

func (f failingAuditStore) ListByEntity(context.Context, string) ([]Event, error) {
	return nil, nil
}
