package deployment

import (
	"errors"
	"fmt"

	"github.com/evermind-ai/persona-server/internal/types"
)

type NotFoundError struct {
	DeploymentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("deployment %s not found", e.DeploymentID)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

type NotReadyError struct {
	DeploymentID string
	Status       types.DeploymentStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("deployment %s is %s, not ready", e.DeploymentID, e.Status)
}

func IsNotReady(err error) bool {
	var e *NotReadyError
	return errors.As(err, &e)
}

// InsufficientMemoryError means the allocator refused the grant and eviction
// could not free enough memory.
type InsufficientMemoryError struct {
	RequiredGB  float64
	AvailableGB float64
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory: need %.2fGB, %.2fGB available", e.RequiredGB, e.AvailableGB)
}

func IsInsufficientMemory(err error) bool {
	var e *InsufficientMemoryError
	return errors.As(err, &e)
}

// EvictionBlockedError means every eviction candidate is pinned by in-flight
// requests.
type EvictionBlockedError struct {
	Pinned int
}

func (e *EvictionBlockedError) Error() string {
	return fmt.Sprintf("no evictable deployment: %d ready deployments all have requests in flight", e.Pinned)
}

func IsEvictionBlocked(err error) bool {
	var e *EvictionBlockedError
	return errors.As(err, &e)
}

type LoadError struct {
	DeploymentID string
	Stage        string
	Err          error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("deployment %s failed during %s: %v", e.DeploymentID, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func IsLoadError(err error) bool {
	var e *LoadError
	return errors.As(err, &e)
}
