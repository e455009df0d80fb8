package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store persists audit events. Implementations must be append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEntity(ctx context.Context, entityID string) ([]Event, error)
}

// Publisher captures structured audit events into a store. It assigns ids
// and timestamps so emitters stay oblivious to delivery concerns.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

func (p *Publisher) Emit(ctx context.Context, event Event) error {
	return p.store.Append(ctx, stamp(event))
}

func (p *Publisher) List(ctx context.Context, entityID string) ([]Event, error) {
	return p.store.ListByEntity(ctx, entityID)
}

// Fanout emits each event to every sink, collecting failures so one broken
// sink cannot hide another's.
type Fanout struct {
	sinks []Emitter
}

// Emitter is the narrow delivery surface Fanout composes over.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

func NewFanout(sinks ...Emitter) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Emit(ctx context.Context, event Event) error {
	// Stamp once so every sink sees the same id and timestamp.
	event = stamp(event)
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stamp(event Event) Event {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return event
}
