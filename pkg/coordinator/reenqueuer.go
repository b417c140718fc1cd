package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker/pkg/storage"
)

// Reenqueuer schedules a future coordinator pass for a task. The production
// implementation is queue-backed; tests substitute a synchronous one that
// drives virtual time.
type Reenqueuer interface {
	Reenqueue(ctx context.Context, taskID uuid.UUID, runAt time.Time, reason string) error
}

// QueueReenqueuer persists scheduled passes to the durable run queue, where
// any worker of the fleet may claim them.
type QueueReenqueuer struct {
	runs storage.RunStore
}

// NewQueueReenqueuer creates the queue-backed re-enqueuer.
func NewQueueReenqueuer(runs storage.RunStore) *QueueReenqueuer {
	return &QueueReenqueuer{runs: runs}
}

// Reenqueue implements Reenqueuer.
func (q *QueueReenqueuer) Reenqueue(ctx context.Context, taskID uuid.UUID, runAt time.Time, reason string) error {
	return q.runs.EnqueueRun(ctx, taskID, runAt, reason)
}
