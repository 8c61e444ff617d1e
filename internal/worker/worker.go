// Package worker supervises the external model-runtime processes. A worker
// speaks a line protocol: one JSON request object per line on stdin, one
// JSON reply or event object per line on stdout. Each process has exactly
// one owning Handle; nothing else touches the pipes or the pid.
package worker

import (
	"context"
	"encoding/json"

	"github.com/evermind-ai/persona-server/internal/types"
)

const (
	OpLoad      = "load"
	OpInfer     = "infer"
	OpTrain     = "train"
	OpPing      = "ping"
	OpTerminate = "terminate"
)

const (
	EventReady    = "ready"
	EventProgress = "progress"
)

// Request is one line written to a worker's stdin.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line read from a worker's stdout. Replies echo the
// request id; unsolicited events carry an event name instead.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Spec names what a spawned worker is for. Args and Env are appended to the
// configured command line.
type Spec struct {
	Tag  string
	Args []string
	Env  []string
	Dir  string
}

// Runtime spawns supervised workers.
type Runtime interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// Handle is the single ownership point for one worker process.
type Handle interface {
	// WaitReady blocks until the worker has emitted its ready handshake.
	WaitReady(ctx context.Context) error
	// Call sends one request and blocks for its reply. A non-nil result is
	// filled from the reply payload.
	Call(ctx context.Context, op string, params, result interface{}) error
	// Events delivers unsolicited worker events (training progress).
	Events() <-chan Response
	Alive() bool
	PID() int
	// Terminate asks the worker to exit, then kills it if it lingers.
	Terminate(ctx context.Context) error
}

type LoadParams struct {
	ArtifactPath string `json:"artifact_path"`
	Version      int    `json:"version"`
}

type LoadResult struct {
	ModelID string `json:"model_id,omitempty"`
}

type InferParams struct {
	Messages    []types.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type InferResult struct {
	Text          string  `json:"text"`
	TokenCount    int     `json:"token_count"`
	Confidence    float64 `json:"confidence"`
	EmotionalTone string  `json:"emotional_tone,omitempty"`
}

type TrainParams struct {
	JobID  string               `json:"job_id"`
	Config types.TrainingConfig `json:"config"`
	OutDir string               `json:"out_dir"`
}

type TrainResult struct {
	ArtifactDir string  `json:"artifact_dir"`
	FinalLoss   float64 `json:"final_loss,omitempty"`
}

// ProgressPayload is the payload of a progress event.
type ProgressPayload struct {
	Progress float64 `json:"progress"`
	Epoch    int     `json:"epoch,omitempty"`
	Loss     float64 `json:"loss,omitempty"`
	Message  string  `json:"message,omitempty"`
}
