// Package trainer owns the training-job queue and its scheduling loop. Jobs
// wait in three priority tiers with strict FIFO order inside each tier; the
// allocator grants memory at dequeue time, so a refused grant simply leaves
// the head queued until capacity frees up. Each admitted job runs in its own
// supervised worker process and streams progress events to a per-job topic.
package trainer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/allocator"
	"github.com/evermind-ai/persona-server/internal/artifacts"
	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/journal"
	"github.com/evermind-ai/persona-server/internal/mq"
	"github.com/evermind-ai/persona-server/internal/services/fileuploader"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/evermind-ai/persona-server/internal/worker"
)

// MaxWebhookAttempts caps delivery attempts for terminal-status webhooks.
const MaxWebhookAttempts = 3

type Config struct {
	// Tick is the scheduling pass interval.
	Tick time.Duration

	// MaxRetries caps retryCount; a job that fails with retryCount already
	// at the cap becomes failed.
	MaxRetries int

	// ReadyTimeout bounds the training worker's startup handshake.
	ReadyTimeout time.Duration

	// Run timeouts derive from the job's estimated duration, clamped to
	// [RunTimeoutFloor, RunTimeoutCeil].
	RunTimeoutFloor time.Duration
	RunTimeoutCeil  time.Duration

	// PublishDir is where completed artifacts are archived before upload.
	PublishDir string
}

func DefaultConfig() Config {
	return Config{
		Tick:            2 * time.Second,
		MaxRetries:      3,
		ReadyTimeout:    5 * time.Minute,
		RunTimeoutFloor: 10 * time.Minute,
		RunTimeoutCeil:  4 * time.Hour,
	}
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Tick:            cfg.Scheduler.Tick(),
		MaxRetries:      cfg.Scheduler.MaxRetries,
		ReadyTimeout:    cfg.Worker.LoadTimeout(),
		RunTimeoutFloor: time.Duration(cfg.Scheduler.RunTimeoutFloorMin) * time.Minute,
		RunTimeoutCeil:  time.Duration(cfg.Scheduler.RunTimeoutCeilMin) * time.Minute,
		PublishDir:      cfg.TempDir,
	}
}

// Topic returns the message-queue topic carrying a job's progress events.
func Topic(jobID string) string {
	return config.DefaultProgressPrefix + jobID
}

// run tracks one admitted job's execution until its goroutine exits.
type run struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

type Queue struct {
	cfg      Config
	alloc    *allocator.Allocator
	store    *artifacts.Store
	runtime  worker.Runtime
	mq       mq.MQ
	journal  *journal.Recorder
	uploader *fileuploader.Uploader
	logger   *zap.Logger

	mu       sync.Mutex
	jobs     map[string]*types.TrainingJob
	tiers    map[types.Priority][]string
	running  map[string]*run
	draining bool

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewQueue wires the queue. uploader may be nil; completed artifacts are then
// kept on local disk only.
func NewQueue(cfg Config, alloc *allocator.Allocator, store *artifacts.Store, runtime worker.Runtime, bus mq.MQ, rec *journal.Recorder, uploader *fileuploader.Uploader, logger *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.RunTimeoutFloor <= 0 {
		cfg.RunTimeoutFloor = def.RunTimeoutFloor
	}

	return &Queue{
		cfg:      cfg,
		alloc:    alloc,
		store:    store,
		runtime:  runtime,
		mq:       bus,
		journal:  rec,
		uploader: uploader,
		logger:   logger.Named("trainer"),
		jobs:     make(map[string]*types.TrainingJob),
		tiers:    make(map[types.Priority][]string),
		running:  make(map[string]*run),
	}
}

// Enqueue validates a submission's shape and appends it to its priority
// tier. Data-level validation happens upstream in the web layer.
func (q *Queue) Enqueue(ctx context.Context, sub types.JobSubmission) (string, error) {
	if sub.OwnerUserID == "" {
		return "", &ValidationError{Field: "owner_user_id", Reason: "is required"}
	}
	priority := sub.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	if !priority.Valid() {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("%q is not low, medium or high", sub.Priority)}
	}
	if sub.Resources.MemoryGB <= 0 {
		return "", &ValidationError{Field: "resource_requirement.memory_gb", Reason: "must be positive"}
	}
	if total := q.alloc.Stats().TotalGB; sub.Resources.MemoryGB > total {
		return "", &RejectedError{
			Reason: fmt.Sprintf("requires %.2fGB but total capacity is %.2fGB", sub.Resources.MemoryGB, total),
		}
	}

	job := &types.TrainingJob{
		ID:                       uuid.NewString(),
		OwnerUserID:              sub.OwnerUserID,
		Priority:                 priority,
		Status:                   types.JobQueued,
		QueuedAt:                 time.Now().UTC(),
		EstimatedDurationMinutes: sub.EstimatedDurationMinutes,
		Resources:                sub.Resources,
		TrainingConfig:           sub.TrainingConfig,
		MaxRetries:               q.cfg.MaxRetries,
		WebhookUrl:               sub.WebhookUrl,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.tiers[priority] = append(q.tiers[priority], job.ID)
	q.mu.Unlock()

	q.logger.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("owner_user_id", job.OwnerUserID),
		zap.String("priority", string(priority)),
		zap.Float64("memory_gb", sub.Resources.MemoryGB))
	q.journal.Record(ctx, journal.EventJobQueued, job.OwnerUserID, journal.JobPayload{
		JobID:  job.ID,
		Status: string(types.JobQueued),
	})
	return job.ID, nil
}

// Job returns a snapshot of a job record.
func (q *Queue) Job(jobID string) (types.TrainingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return types.TrainingJob{}, &NotFoundError{JobID: jobID}
	}
	return *job, nil
}

// Jobs snapshots every job record, oldest first.
func (q *Queue) Jobs() []types.TrainingJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]types.TrainingJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].QueuedAt.Before(jobs[j].QueuedAt) })
	return jobs
}

type Stats struct {
	Depth   int            `json:"depth"`
	Tiers   map[string]int `json:"tiers"`
	Running int            `json:"running"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Tiers: make(map[string]int, len(types.TierOrder))}
	for _, tier := range types.TierOrder {
		n := len(q.tiers[tier])
		stats.Tiers[string(tier)] = n
		stats.Depth += n
	}
	stats.Running = len(q.running)
	return stats
}

// Cancel stops a queued or running job. For a running job the allocation is
// released and the worker terminated before Cancel returns.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return &NotFoundError{JobID: jobID}
	}

	switch job.Status {
	case types.JobQueued:
		q.removeFromTierLocked(job.Priority, jobID)
		now := time.Now().UTC()
		job.Status = types.JobCancelled
		job.CompletedAt = &now
		owner := job.OwnerUserID
		snapshot := *job
		q.mu.Unlock()

		q.logger.Info("job cancelled", zap.String("job_id", jobID))
		q.journal.Record(ctx, journal.EventJobCancelled, owner, journal.JobPayload{
			JobID:  jobID,
			Status: string(types.JobCancelled),
		})
		topic := Topic(jobID)
		q.publish(topic, types.ProgressEvent{JobID: jobID, Kind: types.ProgressEventCancelled})
		q.closeTopic(topic)
		q.notifyWebhook(snapshot)
		return nil

	case types.JobRunning:
		r := q.running[jobID]
		now := time.Now().UTC()
		job.Status = types.JobCancelled
		job.CompletedAt = &now
		owner := job.OwnerUserID
		// Free the memory before the worker is even down; the allocator is
		// the capacity authority, not the process table.
		q.alloc.Deallocate(ctx, jobID)
		q.mu.Unlock()

		q.logger.Info("job cancelled", zap.String("job_id", jobID), zap.Bool("was_running", true))
		q.journal.Record(ctx, journal.EventJobCancelled, owner, journal.JobPayload{
			JobID:  jobID,
			Status: string(types.JobCancelled),
		})
		if r != nil {
			r.cancel()
			select {
			case <-r.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil

	default:
		status := job.Status
		q.mu.Unlock()
		return &StateError{JobID: jobID, Status: status}
	}
}

// Start launches the scheduling loop. Safe to call once per Stop.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.draining = false
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	stop, done := q.stopCh, q.doneCh
	q.mu.Unlock()

	go q.loop(stop, done)
}

// Stop halts admission, then cancels running workers and waits for them
// within ctx.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	stop, done := q.stopCh, q.doneCh
	q.mu.Unlock()

	close(stop)
	<-done

	q.mu.Lock()
	q.draining = true
	runs := make([]*run, 0, len(q.running))
	for _, r := range q.running {
		runs = append(runs, r)
	}
	q.mu.Unlock()

	for _, r := range runs {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			q.logger.Warn("timed out draining training runs")
			return
		}
	}
}

func (q *Queue) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.schedule()
		}
	}
}

// headLocked returns the first queued job in the highest non-empty tier.
func (q *Queue) headLocked() *types.TrainingJob {
	for _, tier := range types.TierOrder {
		ids := q.tiers[tier]
		if len(ids) > 0 {
			return q.jobs[ids[0]]
		}
	}
	return nil
}

func (q *Queue) dequeueLocked(priority types.Priority) {
	q.tiers[priority] = q.tiers[priority][1:]
}

func (q *Queue) removeFromTierLocked(priority types.Priority, jobID string) {
	ids := q.tiers[priority]
	for i, id := range ids {
		if id == jobID {
			q.tiers[priority] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
