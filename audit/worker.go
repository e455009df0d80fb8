package audit

import "context"

// Worker consumes audit events from a channel and persists them. It keeps
// background processing testable without wiring queue implementations.
type Worker struct {
	store Store
	inbox <-chan Event
}

func NewWorker(store Store, inbox <-chan Event) *Worker {
	return &Worker{store: store, inbox: inbox}
}

// Run persists events until the context is canceled or the inbox is
// closed. A closed inbox means the producer is done and Run returns nil;
// it never treats the channel's zero values as events.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			if err := w.store.Append(ctx, event); err != nil {
				return err
			}
		}
	}
}
