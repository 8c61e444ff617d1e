package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/journal"
	"github.com/evermind-ai/persona-server/internal/mq"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/evermind-ai/persona-server/internal/utils/webhookutil"
	"github.com/evermind-ai/persona-server/internal/worker"
)

// schedule admits from the head of the highest non-empty tier until the
// allocator refuses or the queue is empty. A refusal leaves the head queued;
// skipping past it would break tier FIFO order.
func (q *Queue) schedule() {
	for {
		q.mu.Lock()
		job := q.headLocked()
		if job == nil {
			q.mu.Unlock()
			return
		}

		granted, err := q.alloc.Allocate(context.Background(), job.ID, job.Resources.MemoryGB, job.Priority)
		if err != nil {
			q.mu.Unlock()
			q.logger.Error("admission halted", zap.Error(err))
			return
		}
		if !granted {
			q.mu.Unlock()
			return
		}

		q.dequeueLocked(job.Priority)
		now := time.Now().UTC()
		job.Status = types.JobRunning
		job.StartedAt = &now

		runCtx, cancel := context.WithCancel(context.Background())
		r := &run{jobID: job.ID, cancel: cancel, done: make(chan struct{})}
		q.running[job.ID] = r
		snapshot := *job
		q.mu.Unlock()

		q.logger.Info("job admitted",
			zap.String("job_id", snapshot.ID),
			zap.String("priority", string(snapshot.Priority)),
			zap.Int("attempt", snapshot.RetryCount+1),
			zap.Float64("memory_gb", snapshot.Resources.MemoryGB))
		q.journal.Record(runCtx, journal.EventJobRunning, snapshot.OwnerUserID, journal.JobPayload{
			JobID:      snapshot.ID,
			Status:     string(types.JobRunning),
			RetryCount: snapshot.RetryCount,
		})
		q.publish(Topic(snapshot.ID), types.ProgressEvent{
			JobID:   snapshot.ID,
			Kind:    types.ProgressEventStarted,
			Message: fmt.Sprintf("attempt %d of %d", snapshot.RetryCount+1, snapshot.MaxRetries+1),
		})

		go q.runJob(runCtx, r, snapshot)
	}
}

func (q *Queue) runJob(ctx context.Context, r *run, job types.TrainingJob) {
	defer close(r.done)

	staging, err := q.store.StagingDir(job.ID)
	if err != nil {
		q.finishAttempt(job.ID, fmt.Errorf("staging: %w", err))
		return
	}

	handle, err := q.runtime.Spawn(ctx, worker.Spec{Tag: job.ID, Args: []string{"train"}})
	if err != nil {
		q.finishAttempt(job.ID, fmt.Errorf("spawn: %w", err))
		return
	}

	forwarded := make(chan struct{})
	go q.forwardProgress(handle, job.ID, forwarded)

	readyCtx, cancelReady := context.WithTimeout(ctx, q.cfg.ReadyTimeout)
	err = handle.WaitReady(readyCtx)
	cancelReady()
	if err != nil {
		q.terminate(handle, job.ID)
		<-forwarded
		q.finishAttempt(job.ID, fmt.Errorf("ready handshake: %w", err))
		return
	}

	runCtx, cancelRun := context.WithTimeout(ctx, q.runTimeout(job.EstimatedDurationMinutes))
	var result worker.TrainResult
	params := worker.TrainParams{JobID: job.ID, Config: job.TrainingConfig, OutDir: staging}
	err = handle.Call(runCtx, worker.OpTrain, params, &result)
	cancelRun()

	q.terminate(handle, job.ID)
	<-forwarded

	if err != nil {
		q.finishAttempt(job.ID, fmt.Errorf("training run: %w", err))
		return
	}
	q.complete(job.ID, staging, &result)
}

// runTimeout derives the run bound from the job's own estimate: twice the
// estimate, clamped to the configured floor and ceiling.
func (q *Queue) runTimeout(estimatedMinutes int) time.Duration {
	d := 2 * time.Duration(estimatedMinutes) * time.Minute
	if d < q.cfg.RunTimeoutFloor {
		d = q.cfg.RunTimeoutFloor
	}
	if q.cfg.RunTimeoutCeil > 0 && d > q.cfg.RunTimeoutCeil {
		d = q.cfg.RunTimeoutCeil
	}
	return d
}

// forwardProgress republishes the worker's progress events onto the job
// topic until the worker's event channel closes.
func (q *Queue) forwardProgress(handle worker.Handle, jobID string, done chan<- struct{}) {
	defer close(done)

	topic := Topic(jobID)
	for resp := range handle.Events() {
		if resp.Event != worker.EventProgress {
			continue
		}
		var p worker.ProgressPayload
		if len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, &p); err != nil {
				q.logger.Warn("unreadable progress payload", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
		}
		q.publish(topic, types.ProgressEvent{
			JobID:    jobID,
			Kind:     types.ProgressEventEpoch,
			Progress: p.Progress,
			Epoch:    p.Epoch,
			Loss:     p.Loss,
			Message:  p.Message,
		})
	}
}

func (q *Queue) publish(topic string, event types.ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := msgpack.Marshal(event)
	if err != nil {
		q.logger.Error("progress marshal failed", zap.String("job_id", event.JobID), zap.Error(err))
		return
	}
	if err := q.mq.Publish(context.Background(), topic, data); err != nil {
		// A full topic only costs the consumer some intermediate events.
		q.logger.Debug("progress publish dropped", zap.String("topic", topic), zap.Error(err))
	}
}

func (q *Queue) closeTopic(topic string) {
	if err := q.mq.CloseTopic(topic); err != nil && !errors.Is(err, mq.ErrTopicNotExists) {
		q.logger.Debug("topic close failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (q *Queue) terminate(handle worker.Handle, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := handle.Terminate(ctx); err != nil {
		q.logger.Warn("training worker termination failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// finishAttempt handles every non-success outcome of a run: cancellation
// noticed mid-flight, drain on shutdown, transient failure with retry
// budget left, or terminal exhaustion.
func (q *Queue) finishAttempt(jobID string, cause error) {
	ctx := context.Background()
	topic := Topic(jobID)
	q.store.DiscardStaging(jobID)

	q.mu.Lock()
	delete(q.running, jobID)
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.alloc.Deallocate(ctx, jobID)

	if job.Status == types.JobCancelled {
		snapshot := *job
		q.mu.Unlock()
		q.publish(topic, types.ProgressEvent{JobID: jobID, Kind: types.ProgressEventCancelled})
		q.closeTopic(topic)
		q.notifyWebhook(snapshot)
		return
	}

	if q.draining {
		job.Status = types.JobQueued
		job.StartedAt = nil
		q.tiers[job.Priority] = append(q.tiers[job.Priority], jobID)
		q.mu.Unlock()
		return
	}

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = types.JobQueued
		job.StartedAt = nil
		job.ErrorDetails = cause.Error()
		q.tiers[job.Priority] = append(q.tiers[job.Priority], jobID)
		owner, retry := job.OwnerUserID, job.RetryCount
		q.mu.Unlock()

		q.logger.Warn("job requeued",
			zap.String("job_id", jobID),
			zap.Int("retry_count", retry),
			zap.Error(cause))
		q.journal.Record(ctx, journal.EventJobRequeued, owner, journal.JobPayload{
			JobID:      jobID,
			Status:     string(types.JobQueued),
			RetryCount: retry,
			Detail:     cause.Error(),
		})
		q.publish(topic, types.ProgressEvent{
			JobID:   jobID,
			Kind:    types.ProgressEventRequeued,
			Message: cause.Error(),
		})
		return
	}

	now := time.Now().UTC()
	job.Status = types.JobFailed
	job.CompletedAt = &now
	job.ErrorDetails = cause.Error()
	owner, retry := job.OwnerUserID, job.RetryCount
	snapshot := *job
	q.mu.Unlock()

	q.logger.Error("job failed",
		zap.String("job_id", jobID),
		zap.Int("retry_count", retry),
		zap.Error(cause))
	q.journal.Record(ctx, journal.EventJobFailed, owner, journal.JobPayload{
		JobID:      jobID,
		Status:     string(types.JobFailed),
		RetryCount: retry,
		Detail:     cause.Error(),
	})
	q.publish(topic, types.ProgressEvent{JobID: jobID, Kind: types.ProgressEventFailed, Message: cause.Error()})
	q.closeTopic(topic)
	q.notifyWebhook(snapshot)
}

// complete verifies the worker's artifact, promotes it to a version and
// closes out the job.
func (q *Queue) complete(jobID, staging string, result *worker.TrainResult) {
	ctx := context.Background()
	topic := Topic(jobID)

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status == types.JobCancelled {
		delete(q.running, jobID)
		var snapshot types.TrainingJob
		if ok {
			snapshot = *job
		}
		q.mu.Unlock()
		q.store.DiscardStaging(jobID)
		q.publish(topic, types.ProgressEvent{JobID: jobID, Kind: types.ProgressEventCancelled})
		q.closeTopic(topic)
		if ok {
			q.notifyWebhook(snapshot)
		}
		return
	}
	owner := job.OwnerUserID
	q.mu.Unlock()

	artifactDir := result.ArtifactDir
	if artifactDir == "" {
		artifactDir = staging
	}
	version, manifest, err := q.store.Promote(ctx, owner, artifactDir)
	if err != nil {
		q.finishAttempt(jobID, fmt.Errorf("artifact verification: %w", err))
		return
	}

	q.mu.Lock()
	delete(q.running, jobID)
	job, ok = q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.alloc.Deallocate(ctx, jobID)
	now := time.Now().UTC()
	job.Status = types.JobCompleted
	job.CompletedAt = &now
	job.ArtifactPath = q.store.Dir(owner, version)
	job.Version = version
	artifactPath := job.ArtifactPath
	snapshot := *job
	q.mu.Unlock()

	q.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.String("artifact_path", artifactPath),
		zap.Int("version", version),
		zap.Int64("weight_bytes", manifest.WeightBytes),
		zap.Float64("final_loss", result.FinalLoss))
	q.journal.Record(ctx, journal.EventJobCompleted, owner, journal.JobPayload{
		JobID:  jobID,
		Status: string(types.JobCompleted),
		Detail: artifactPath,
	})
	q.publish(topic, types.ProgressEvent{
		JobID:    jobID,
		Kind:     types.ProgressEventCompleted,
		Progress: 1,
		Message:  artifactPath,
	})
	q.closeTopic(topic)
	q.notifyWebhook(snapshot)

	if q.uploader != nil {
		if err := q.store.Publish(ctx, owner, version, q.uploader, q.cfg.PublishDir, nil); err != nil {
			q.logger.Warn("artifact publication failed",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}
}

// notifyWebhook posts the job's terminal record to its registered webhook.
// Delivery is best effort and never affects the job outcome; it runs in its
// own goroutine so a slow receiver cannot stall the run loop.
func (q *Queue) notifyWebhook(job types.TrainingJob) {
	if job.WebhookUrl == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := webhookutil.InvokeWithRetries(ctx, job.WebhookUrl, job, MaxWebhookAttempts); err != nil {
			q.logger.Warn("webhook notification failed",
				zap.String("job_id", job.ID),
				zap.String("url", job.WebhookUrl),
				zap.Error(err))
		}
	}()
}
