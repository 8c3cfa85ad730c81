package dispatch

import (
	"context"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// Channel delivers batches and failures on buffered channels for callers
// embedding the scheduler. A full channel drops the item rather than
// stalling the source's fetch loop.
type Channel struct {
	Batches  chan model.Batch
	Failures chan model.FetchFailure
}

func NewChannel(size int) *Channel {
	return &Channel{
		Batches:  make(chan model.Batch, size),
		Failures: make(chan model.FetchFailure, size),
	}
}

func (c *Channel) Emit(_ context.Context, b model.Batch) {
	select {
	case c.Batches <- b:
	default:
		appLog.Warn("dispatch channel full, batch dropped", "id", b.SourceID, "cycle", b.CycleID)
	}
}

func (c *Channel) EmitError(_ context.Context, f model.FetchFailure) {
	select {
	case c.Failures <- f:
	default:
		appLog.Warn("dispatch channel full, failure dropped", "id", f.SourceID, "kind", f.Kind)
	}
}
