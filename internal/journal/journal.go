// Package journal records orchestrator state transitions as a monotonic
// event stream: structured log lines always, durable rows when a database is
// configured. The allocator's audit requirement is served here.
package journal

import (
	"context"
	"sync/atomic"

	"github.com/evermind-ai/persona-server/internal/db/models"
	"github.com/evermind-ai/persona-server/internal/db/repository"

	"go.uber.org/zap"
)

const (
	EventAllocate   = "allocator.allocate"
	EventDeallocate = "allocator.deallocate"
	EventOptimize   = "allocator.optimize"
	EventCorrupted  = "allocator.corrupted"

	EventJobQueued    = "job.queued"
	EventJobRunning   = "job.running"
	EventJobRequeued  = "job.requeued"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"

	EventDeployLoading  = "deployment.loading"
	EventDeployReady    = "deployment.ready"
	EventDeployError    = "deployment.error"
	EventDeployUnloaded = "deployment.unloaded"
	EventDeployEvicted  = "deployment.evicted"
)

// AllocationPayload describes an allocator grant or release.
type AllocationPayload struct {
	OwnerID        string  `msgpack:"owner_id"`
	SizeGB         float64 `msgpack:"size_gb"`
	Priority       string  `msgpack:"priority,omitempty"`
	AllocatedGB    float64 `msgpack:"allocated_gb"`
	UtilizationPct float64 `msgpack:"utilization_pct"`
}

type JobPayload struct {
	JobID      string `msgpack:"job_id"`
	Status     string `msgpack:"status"`
	RetryCount int    `msgpack:"retry_count"`
	Detail     string `msgpack:"detail,omitempty"`
}

type DeploymentPayload struct {
	DeploymentID string  `msgpack:"deployment_id"`
	Status       string  `msgpack:"status"`
	MemoryGB     float64 `msgpack:"memory_gb"`
	Reason       string  `msgpack:"reason,omitempty"`
}

// ObserverFunc sees the type of every recorded event.
type ObserverFunc func(eventType string)

// Recorder assigns sequence numbers and fans events out to the log and,
// when present, the events table. A Recorder built with a nil repository is
// log-only; Record never fails the caller.
type Recorder struct {
	logger    *zap.Logger
	events    repository.IEventRepository
	seq       atomic.Int64
	observers atomic.Value // []ObserverFunc
}

func NewRecorder(logger *zap.Logger, events repository.IEventRepository) *Recorder {
	return &Recorder{
		logger: logger.Named("journal"),
		events: events,
	}
}

// Observe registers fn for every future event. Meant for wiring-time hooks
// such as metrics counters.
func (r *Recorder) Observe(fn ObserverFunc) {
	var fns []ObserverFunc
	if cur, ok := r.observers.Load().([]ObserverFunc); ok {
		fns = append(fns, cur...)
	}
	r.observers.Store(append(fns, fn))
}

func (r *Recorder) Record(ctx context.Context, eventType, ownerID string, payload interface{}) {
	seq := r.seq.Add(1)

	if fns, ok := r.observers.Load().([]ObserverFunc); ok {
		for _, fn := range fns {
			fn(eventType)
		}
	}

	r.logger.Info("event",
		zap.Int64("seq", seq),
		zap.String("type", eventType),
		zap.String("owner", ownerID),
		zap.Any("payload", payload),
	)

	if r.events == nil {
		return
	}

	if _, err := r.events.Create(ctx, models.NewEvent(seq, eventType, ownerID, payload)); err != nil {
		r.logger.Error("failed to persist event",
			zap.Int64("seq", seq),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

// Seq returns the last assigned sequence number.
func (r *Recorder) Seq() int64 {
	return r.seq.Load()
}
