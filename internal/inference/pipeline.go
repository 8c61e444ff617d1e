// Package inference turns user queries into persona responses. The pipeline
// resolves a deployment, pins it for the duration of the request, builds the
// prompt from the user's bounded conversation context and dispatches to the
// worker with retries whose per-attempt timeouts grow on every try.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/deployment"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/evermind-ai/persona-server/internal/worker"
	"github.com/evermind-ai/persona-server/pkg/retry"
)

const systemPrompt = "You are the user's personal persona model. Stay in character and answer from the persona's perspective."

// contextSnapshotLen bounds how much prompt context an error record keeps.
const contextSnapshotLen = 4

// VoiceSynthesizer renders a reply as audio. Implementations are best-effort;
// a failure never fails the text response.
type VoiceSynthesizer interface {
	Synthesize(ctx context.Context, text string) (*types.VoiceSynthesis, error)
}

// QueryFilter screens queries before any model work happens.
type QueryFilter interface {
	Check(ctx context.Context, query string) error
}

type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// AttemptTimeout bounds the first attempt; each retry adds
	// AttemptTimeoutStep on top.
	AttemptTimeout     time.Duration
	AttemptTimeoutStep time.Duration

	// ContextLimit caps the per-user conversation ring.
	ContextLimit int

	// RetryInterval seeds the backoff between attempts.
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:         2,
		AttemptTimeout:     30 * time.Second,
		AttemptTimeoutStep: 10 * time.Second,
		ContextLimit:       10,
		RetryInterval:      500 * time.Millisecond,
	}
}

func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.MaxRetries = cfg.Inference.MaxRetries
	c.AttemptTimeout = cfg.Inference.AttemptTimeout()
	c.AttemptTimeoutStep = cfg.Inference.AttemptTimeoutStep()
	c.ContextLimit = cfg.Inference.ContextLimit
	return c
}

type Pipeline struct {
	cfg           Config
	manager       *deployment.Manager
	conversations *ConversationStore
	errlog        *ErrorLog
	filter        QueryFilter
	voice         VoiceSynthesizer
	logger        *zap.Logger
}

// NewPipeline wires the pipeline. filter and voice may be nil; the features
// are then disabled.
func NewPipeline(cfg Config, manager *deployment.Manager, filter QueryFilter, voice VoiceSynthesizer, logger *zap.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.AttemptTimeoutStep < 0 {
		cfg.AttemptTimeoutStep = def.AttemptTimeoutStep
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = def.ContextLimit
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	return &Pipeline{
		cfg:           cfg,
		manager:       manager,
		conversations: NewConversationStore(cfg.ContextLimit),
		errlog:        NewErrorLog(0),
		filter:        filter,
		voice:         voice,
		logger:        logger.Named("inference"),
	}
}

// Errors exposes the failure log for the health monitor and stats endpoint.
func (p *Pipeline) Errors() *ErrorLog {
	return p.errlog
}

// GenerateResponse runs one inference request end to end. The deployment is
// pinned before the first attempt and released when the response (or final
// failure) is settled, so eviction can never race a request.
func (p *Pipeline) GenerateResponse(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
	if req.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, &ValidationError{Field: "query", Reason: "is empty"}
	}

	if p.filter != nil {
		if err := p.filter.Check(ctx, query); err != nil {
			return nil, err
		}
	}

	deploymentID := req.DeploymentID
	if deploymentID == "" {
		id, err := p.manager.ResolveForUser(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve deployment: %w", err)
		}
		deploymentID = id
	}

	handle, release, err := p.manager.Acquire(deploymentID)
	if err != nil {
		return nil, err
	}
	defer release()

	p.conversations.Seed(req.UserID, req.ConversationHistory)
	prompt := p.buildPrompt(req.UserID, query)

	policy := retry.Policy{
		Op:          "inference",
		MaxRetries:  p.cfg.MaxRetries,
		Timeout:     p.cfg.AttemptTimeout,
		TimeoutStep: p.cfg.AttemptTimeoutStep,
		Interval:    p.cfg.RetryInterval,
	}

	var result worker.InferResult
	started := time.Now()
	history, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		callErr := handle.Call(ctx, worker.OpInfer, worker.InferParams{
			Messages:    prompt,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}, &result)
		if callErr != nil {
			p.errlog.Append(types.InferenceErrorRecord{
				DeploymentID:    deploymentID,
				OwnerUserID:     req.UserID,
				Cause:           callErr.Error(),
				RetryAttempt:    attempt,
				Timestamp:       time.Now().UTC(),
				ContextSnapshot: tail(prompt, contextSnapshotLen),
			})
			p.logger.Warn("inference attempt failed",
				zap.String("deployment_id", deploymentID),
				zap.Int("attempt", attempt+1),
				zap.Error(callErr))
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.conversations.Append(req.UserID,
		types.Message{Role: types.RoleUser, Content: query, Timestamp: now},
		types.Message{Role: types.RoleAssistant, Content: result.Text, Timestamp: now},
	)

	resp := &types.InferenceResponse{
		ID:            uuid.NewString(),
		DeploymentID:  deploymentID,
		Text:          result.Text,
		TokenCount:    result.TokenCount,
		LatencyMs:     time.Since(started).Milliseconds(),
		Confidence:    result.Confidence,
		EmotionalTone: result.EmotionalTone,
		Attempts:      attemptInfos(history),
	}

	if req.IncludeVoice && p.voice != nil {
		synth, verr := p.voice.Synthesize(ctx, result.Text)
		if verr != nil {
			p.logger.Warn("voice synthesis failed",
				zap.String("deployment_id", deploymentID),
				zap.Error(verr))
		} else {
			resp.VoiceSynthesis = synth
		}
	}

	p.logger.Debug("inference served",
		zap.String("deployment_id", deploymentID),
		zap.String("user_id", req.UserID),
		zap.Int64("latency_ms", resp.LatencyMs),
		zap.Int("failed_attempts", len(history)))
	return resp, nil
}

// buildPrompt assembles system context, the user's conversation window and
// the new query, in that order.
func (p *Pipeline) buildPrompt(userID, query string) []types.Message {
	now := time.Now().UTC()
	entries := p.conversations.Snapshot(userID)

	prompt := make([]types.Message, 0, len(entries)+2)
	prompt = append(prompt, types.Message{Role: types.RoleSystem, Content: systemPrompt, Timestamp: now})
	prompt = append(prompt, entries...)
	prompt = append(prompt, types.Message{Role: types.RoleUser, Content: query, Timestamp: now})
	return prompt
}

func attemptInfos(history retry.History) []types.AttemptInfo {
	if len(history) == 0 {
		return nil
	}

	infos := make([]types.AttemptInfo, len(history))
	for i, a := range history {
		infos[i] = types.AttemptInfo{
			Number:    a.Number,
			Cause:     a.Err.Error(),
			ElapsedMs: a.Elapsed.Milliseconds(),
		}
	}
	return infos
}

// AttemptsFromError recovers the per-attempt history from a final dispatch
// failure, for callers that surface it to clients.
func AttemptsFromError(err error) []types.AttemptInfo {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return attemptInfos(ex.History)
	}
	return nil
}

func tail(msgs []types.Message, n int) []types.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
