// Package queue is the task runtime adapter: it moves job IDs through three
// priority-named Redis lists and drives the orchestrator's step state
// machine against whatever comes off them.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/stepflow/pkg/job"
)

// Names of the three priority queues. A job is always enqueued onto the
// list matching its current priority class, not the queue configured on
// its next step's backend service.
const (
	NameHigh   = "high_priority"
	NameMedium = "medium_priority"
	NameLow    = "low_priority"
)

// Names lists the three queues in drain order: a worker always empties a
// higher-priority queue before looking at a lower one.
var Names = []string{NameHigh, NameMedium, NameLow}

// queueFor maps a job priority to the Redis list it is pushed onto.
func queueFor(p job.Priority) string {
	switch p {
	case job.PriorityHigh:
		return NameHigh
	case job.PriorityLow:
		return NameLow
	default:
		return NameMedium
	}
}

// Queue pushes and pops job IDs on the three priority lists.
type Queue struct {
	rdb *redis.Client
}

// New creates a Queue backed by rdb.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue pushes jobID onto the list for priority.
func (q *Queue) Enqueue(ctx context.Context, priority job.Priority, jobID uuid.UUID) error {
	if err := q.rdb.LPush(ctx, queueFor(priority), jobID.String()).Err(); err != nil {
		return fmt.Errorf("enqueueing job %s onto %s: %w", jobID, queueFor(priority), err)
	}
	return nil
}

// Dequeue blocks until a job ID is available on one of the three priority
// lists, or ctx is cancelled. Names are checked high to low on every poll
// so a steady stream of high-priority work never lets a low-priority pop
// through, but a single BRPOP call still means a quiet high queue doesn't
// spin the worker: the blocking pop always includes all three keys, and
// Redis itself honors the left-to-right key order when more than one list
// is non-empty.
func (q *Queue) Dequeue(ctx context.Context, timeout float64) (uuid.UUID, bool, error) {
	res, err := q.rdb.BRPop(ctx, secondsToDuration(timeout), Names...).Result()
	if err == redis.Nil {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("dequeuing job: %w", err)
	}
	// BRPop returns [key, value]; the key tells us which list answered,
	// the value is the job ID.
	if len(res) != 2 {
		return uuid.UUID{}, false, fmt.Errorf("dequeuing job: unexpected reply %v", res)
	}
	id, err := uuid.Parse(res[1])
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("parsing dequeued job id %q: %w", res[1], err)
	}
	return id, true, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Depth returns the current length of the named priority queue.
func (q *Queue) Depth(ctx context.Context, name string) (int64, error) {
	n, err := q.rdb.LLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("reading depth of %s: %w", name, err)
	}
	return n, nil
}
