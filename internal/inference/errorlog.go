package inference

import (
	"sync"
	"time"

	"github.com/evermind-ai/persona-server/internal/types"
)

// ErrorLog is a bounded per-deployment ring of failed inference attempts.
// The pipeline appends; the health monitor reads recent counts to spot
// degraded deployments.
type ErrorLog struct {
	mu      sync.Mutex
	limit   int
	records map[string][]types.InferenceErrorRecord
}

func NewErrorLog(limit int) *ErrorLog {
	if limit <= 0 {
		limit = 128
	}
	return &ErrorLog{
		limit:   limit,
		records: make(map[string][]types.InferenceErrorRecord),
	}
}

func (l *ErrorLog) Append(rec types.InferenceErrorRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ring := append(l.records[rec.DeploymentID], rec)
	if len(ring) > l.limit {
		ring = ring[len(ring)-l.limit:]
	}
	l.records[rec.DeploymentID] = ring
}

// RecentCount returns how many failures a deployment accumulated within the
// window ending now.
func (l *ErrorLog) RecentCount(deploymentID string, window time.Duration) int {
	cutoff := time.Now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, rec := range l.records[deploymentID] {
		if rec.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Recent returns a deployment's failures within the window, oldest first.
func (l *ErrorLog) Recent(deploymentID string, window time.Duration) []types.InferenceErrorRecord {
	cutoff := time.Now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.InferenceErrorRecord
	for _, rec := range l.records[deploymentID] {
		if rec.Timestamp.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// Forget drops a deployment's records, typically after a teardown.
func (l *ErrorLog) Forget(deploymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, deploymentID)
}
