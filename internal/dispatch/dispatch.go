// Package dispatch hands finished batches and fetch failures to consumers.
package dispatch

import (
	"context"

	"calfeed/internal/model"
)

// Dispatcher receives the outcome of every fetch cycle. Calls are
// fire-and-forget; implementations must be safe for concurrent use and
// must not block the caller for long.
type Dispatcher interface {
	Emit(ctx context.Context, b model.Batch)
	EmitError(ctx context.Context, f model.FetchFailure)
}

// Forgetter is implemented by dispatchers that keep per-source state which
// must be dropped once the source is stopped.
type Forgetter interface {
	Forget(id string)
}

// Multi fans every call out to each dispatcher in order.
type Multi []Dispatcher

func (m Multi) Emit(ctx context.Context, b model.Batch) {
	for _, d := range m {
		d.Emit(ctx, b)
	}
}

func (m Multi) EmitError(ctx context.Context, f model.FetchFailure) {
	for _, d := range m {
		d.EmitError(ctx, f)
	}
}

// Forget forwards to every dispatcher that implements Forgetter.
func (m Multi) Forget(id string) {
	for _, d := range m {
		if f, ok := d.(Forgetter); ok {
			f.Forget(id)
		}
	}
}
