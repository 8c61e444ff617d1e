package trainer

import (
	"errors"
	"fmt"

	"github.com/evermind-ai/persona-server/internal/types"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// RejectedError marks a job that could never be admitted, however long it
// waited.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "job rejected: " + e.Reason
}

func IsRejected(err error) bool {
	var e *RejectedError
	return errors.As(err, &e)
}

type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// StateError rejects an operation the job's current status does not allow.
type StateError struct {
	JobID  string
	Status types.JobStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("job %s is %s", e.JobID, e.Status)
}

func IsState(err error) bool {
	var e *StateError
	return errors.As(err, &e)
}
