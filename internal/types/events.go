package types

import "time"

const (
	ProgressEventStarted   = "started"
	ProgressEventEpoch     = "epoch"
	ProgressEventRequeued  = "requeued"
	ProgressEventCompleted = "completed"
	ProgressEventFailed    = "failed"
	ProgressEventCancelled = "cancelled"
)

// ProgressEvent is published to a job's message-queue topic while a training
// worker runs. Terminal kinds close the topic.
type ProgressEvent struct {
	JobID     string    `json:"job_id" msgpack:"job_id"`
	Kind      string    `json:"kind" msgpack:"kind"`
	Progress  float64   `json:"progress" msgpack:"progress"`
	Epoch     int       `json:"epoch,omitempty" msgpack:"epoch,omitempty"`
	Loss      float64   `json:"loss,omitempty" msgpack:"loss,omitempty"`
	Message   string    `json:"message,omitempty" msgpack:"message,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Terminal reports whether this event ends the job's progress stream.
func (e ProgressEvent) Terminal() bool {
	switch e.Kind {
	case ProgressEventCompleted, ProgressEventFailed, ProgressEventCancelled:
		return true
	}

	return false
}
