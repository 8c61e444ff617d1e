package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/allocator"
	"github.com/evermind-ai/persona-server/internal/artifacts"
	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/deployment"
	"github.com/evermind-ai/persona-server/internal/journal"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/evermind-ai/persona-server/internal/worker"
	"github.com/evermind-ai/persona-server/internal/worker/workertest"
	"github.com/evermind-ai/persona-server/pkg/retry"
)

func fastConfig() Config {
	return Config{
		MaxRetries:         2,
		AttemptTimeout:     200 * time.Millisecond,
		AttemptTimeoutStep: 50 * time.Millisecond,
		ContextLimit:       10,
		RetryInterval:      time.Millisecond,
	}
}

type pipeEnv struct {
	p       *Pipeline
	mgr     *deployment.Manager
	alloc   *allocator.Allocator
	store   *artifacts.Store
	runtime *workertest.FakeRuntime
}

func newPipeEnv(t *testing.T, cfg Config, totalGB float64, filter QueryFilter, voice VoiceSynthesizer) *pipeEnv {
	t.Helper()
	rec := journal.NewRecorder(zap.NewNop(), nil)
	alloc := allocator.New(allocator.Config{TotalGB: totalGB}, zap.NewNop(), rec)
	store := artifacts.NewStore(&config.Config{ModelsDir: t.TempDir()}, zap.NewNop())
	runtime := &workertest.FakeRuntime{}
	mgr := deployment.NewManager(deployment.Config{MaxReady: 3, LoadTimeout: time.Second}, alloc, store, runtime, rec, zap.NewNop())
	return &pipeEnv{
		p:       NewPipeline(cfg, mgr, filter, voice, zap.NewNop()),
		mgr:     mgr,
		alloc:   alloc,
		store:   store,
		runtime: runtime,
	}
}

func (e *pipeEnv) seedArtifact(t *testing.T, owner string, version int) {
	t.Helper()
	dir := e.store.Dir(owner, version)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "adapter.safetensors"), make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
}

func (e *pipeEnv) deploy(t *testing.T, owner string) string {
	t.Helper()
	id, err := e.mgr.Deploy(context.Background(), owner, "", 0)
	if err != nil {
		t.Fatalf("Deploy(%s): %v", owner, err)
	}
	return id
}

// answerInfer wires every future worker to fn for infer calls; load and the
// other ops keep succeeding. Call it before deploying.
func (e *pipeEnv) answerInfer(fn func(ctx context.Context, params worker.InferParams, result interface{}) error) {
	e.runtime.OnSpawn = func(spec worker.Spec) *workertest.FakeHandle {
		h := workertest.NewFakeHandle()
		h.CallFunc = func(ctx context.Context, op string, params, result interface{}) error {
			if op != worker.OpInfer {
				return nil
			}
			return fn(ctx, params.(worker.InferParams), result)
		}
		return h
	}
}

type filterFunc func(ctx context.Context, query string) error

func (f filterFunc) Check(ctx context.Context, query string) error { return f(ctx, query) }

type voiceFunc func(ctx context.Context, text string) (*types.VoiceSynthesis, error)

func (f voiceFunc) Synthesize(ctx context.Context, text string) (*types.VoiceSynthesis, error) {
	return f(ctx, text)
}

func TestGenerateResponseValidation(t *testing.T) {
	e := newPipeEnv(t, fastConfig(), 8, nil, nil)

	_, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{Query: "hi"})
	if !IsValidation(err) {
		t.Fatalf("expected a validation error for the missing user, got %v", err)
	}

	_, err = e.p.GenerateResponse(context.Background(), types.InferenceRequest{UserID: "alice", Query: "   "})
	if !IsValidation(err) {
		t.Fatalf("expected a validation error for the blank query, got %v", err)
	}
}

func TestGenerateResponseRoundTrip(t *testing.T) {
	e := newPipeEnv(t, fastConfig(), 8, nil, nil)
	e.seedArtifact(t, "alice", 1)

	var mu sync.Mutex
	var prompts [][]types.Message
	e.answerInfer(func(_ context.Context, p worker.InferParams, result interface{}) error {
		mu.Lock()
		prompts = append(prompts, p.Messages)
		mu.Unlock()
		if p.MaxTokens != 64 {
			t.Errorf("max_tokens not forwarded: %d", p.MaxTokens)
		}
		return workertest.SetResult(result, worker.InferResult{
			Text:          "doing well, thanks",
			TokenCount:    12,
			Confidence:    0.93,
			EmotionalTone: "warm",
		})
	})

	id := e.deploy(t, "alice")

	resp, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
		DeploymentID: id,
		UserID:       "alice",
		Query:        "  how are you?  ",
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}

	if resp.ID == "" || resp.DeploymentID != id {
		t.Fatalf("unexpected response identity: %+v", resp)
	}
	if resp.Text != "doing well, thanks" || resp.TokenCount != 12 || resp.Confidence != 0.93 {
		t.Fatalf("worker result not carried over: %+v", resp)
	}
	if resp.Attempts != nil {
		t.Fatalf("a clean dispatch should carry no attempt history: %+v", resp.Attempts)
	}

	if len(prompts) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(prompts))
	}
	prompt := prompts[0]
	if prompt[0].Role != types.RoleSystem {
		t.Fatalf("prompt must open with the system message, got %+v", prompt[0])
	}
	last := prompt[len(prompt)-1]
	if last.Role != types.RoleUser || last.Content != "how are you?" {
		t.Fatalf("query not trimmed into the prompt: %+v", last)
	}

	turns := e.p.conversations.Snapshot("alice")
	if len(turns) != 2 || turns[0].Content != "how are you?" || turns[1].Content != "doing well, thanks" {
		t.Fatalf("context not updated: %+v", turns)
	}
}

func TestRetryThenSuccessKeepsHistory(t *testing.T) {
	e := newPipeEnv(t, fastConfig(), 8, nil, nil)
	e.seedArtifact(t, "alice", 1)

	calls := 0
	e.answerInfer(func(_ context.Context, _ worker.InferParams, result interface{}) error {
		calls++
		if calls <= 2 {
			return &worker.RemoteError{Op: worker.OpInfer, Message: "decoder stall"}
		}
		return workertest.SetResult(result, worker.InferResult{Text: "recovered", TokenCount: 3})
	})

	id := e.deploy(t, "alice")

	resp, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
		DeploymentID: id, UserID: "alice", Query: "hello",
	})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if resp.Text != "recovered" {
		t.Fatalf("unexpected text %q", resp.Text)
	}

	if len(resp.Attempts) != 2 {
		t.Fatalf("expected 2 failed attempts in the response, got %+v", resp.Attempts)
	}
	for i, a := range resp.Attempts {
		if a.Number != i+1 || !strings.Contains(a.Cause, "decoder stall") {
			t.Fatalf("attempt %d malformed: %+v", i, a)
		}
	}

	if got := e.p.Errors().RecentCount(id, time.Minute); got != 2 {
		t.Fatalf("expected 2 logged failures, got %d", got)
	}
	recs := e.p.Errors().Recent(id, time.Minute)
	if recs[0].RetryAttempt != 0 || recs[1].RetryAttempt != 1 {
		t.Fatalf("unexpected attempt numbering: %+v", recs)
	}
	if recs[0].OwnerUserID != "alice" || len(recs[0].ContextSnapshot) == 0 {
		t.Fatalf("record missing owner or context: %+v", recs[0])
	}
}

func TestRetriesExhaust(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 1
	e := newPipeEnv(t, cfg, 8, nil, nil)
	e.seedArtifact(t, "alice", 1)

	e.answerInfer(func(_ context.Context, _ worker.InferParams, _ interface{}) error {
		return &worker.RemoteError{Op: worker.OpInfer, Message: "out of memory"}
	})

	id := e.deploy(t, "alice")

	_, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
		DeploymentID: id, UserID: "alice", Query: "hello",
	})
	if !retry.IsExhausted(err) {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
	if !worker.IsRemote(err) {
		t.Fatalf("the final cause should unwrap to the worker error, got %v", err)
	}

	attempts := AttemptsFromError(err)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts in the history, got %+v", attempts)
	}

	if turns := e.p.conversations.Snapshot("alice"); len(turns) != 0 {
		t.Fatalf("a failed dispatch must not advance the context: %+v", turns)
	}
	if got := e.p.Errors().RecentCount(id, time.Minute); got != 2 {
		t.Fatalf("expected both failures logged, got %d", got)
	}
}

func TestFilterRejectsBeforeDispatch(t *testing.T) {
	errBlocked := errors.New("query violates policy")
	blocked := filterFunc(func(context.Context, string) error { return errBlocked })

	e := newPipeEnv(t, fastConfig(), 8, blocked, nil)
	e.seedArtifact(t, "alice", 1)

	_, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{UserID: "alice", Query: "tell me"})
	if !errors.Is(err, errBlocked) {
		t.Fatalf("expected the filter verdict, got %v", err)
	}
	if len(e.runtime.Spawned()) != 0 {
		t.Fatal("a filtered query must not touch the worker fleet")
	}
}

func TestResolveDeploysLazily(t *testing.T) {
	e := newPipeEnv(t, fastConfig(), 8, nil, nil)
	e.seedArtifact(t, "alice", 1)
	e.answerInfer(func(_ context.Context, _ worker.InferParams, result interface{}) error {
		return workertest.SetResult(result, worker.InferResult{Text: "hi"})
	})

	resp, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{UserID: "alice", Query: "hello"})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if resp.DeploymentID == "" {
		t.Fatal("expected a resolved deployment id")
	}
	if len(e.runtime.Spawned()) != 1 {
		t.Fatalf("expected one worker, got %d", len(e.runtime.Spawned()))
	}

	again, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{UserID: "alice", Query: "still there?"})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if again.DeploymentID != resp.DeploymentID {
		t.Fatal("the second request should reuse the live deployment")
	}
	if len(e.runtime.Spawned()) != 1 {
		t.Fatalf("expected no extra workers, got %d", len(e.runtime.Spawned()))
	}
}

func TestUnknownDeployment(t *testing.T) {
	e := newPipeEnv(t, fastConfig(), 8, nil, nil)

	_, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
		DeploymentID: "ghost", UserID: "alice", Query: "anyone home?",
	})
	if !deployment.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestInFlightRequestPinsDeployment(t *testing.T) {
	cfg := fastConfig()
	cfg.AttemptTimeout = 5 * time.Second
	e := newPipeEnv(t, cfg, 0.5, nil, nil)
	e.seedArtifact(t, "alice", 1)
	e.seedArtifact(t, "bob", 1)

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	e.answerInfer(func(ctx context.Context, _ worker.InferParams, result interface{}) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return workertest.SetResult(result, worker.InferResult{Text: "done"})
	})

	id := e.deploy(t, "alice")

	respCh := make(chan error, 1)
	go func() {
		_, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
			DeploymentID: id, UserID: "alice", Query: "hold the line",
		})
		respCh <- err
	}()

	<-started

	if _, err := e.mgr.Deploy(context.Background(), "bob", "", 0); !deployment.IsEvictionBlocked(err) {
		t.Fatalf("expected eviction blocked by the in-flight request, got %v", err)
	}

	close(gate)
	if err := <-respCh; err != nil {
		t.Fatalf("gated inference failed: %v", err)
	}

	if _, err := e.mgr.Deploy(context.Background(), "bob", "", 0); err != nil {
		t.Fatalf("the idle deployment should be evictable after release: %v", err)
	}
}

func TestVoiceSynthesisIsBestEffort(t *testing.T) {
	want := &types.VoiceSynthesis{URL: "http://cdn/audio/1.ogg", Voice: "nova", Format: "ogg", DurationMs: 900}
	var spoken string
	speak := voiceFunc(func(_ context.Context, text string) (*types.VoiceSynthesis, error) {
		spoken = text
		return want, nil
	})

	e := newPipeEnv(t, fastConfig(), 8, nil, speak)
	e.seedArtifact(t, "alice", 1)
	e.answerInfer(func(_ context.Context, _ worker.InferParams, result interface{}) error {
		return workertest.SetResult(result, worker.InferResult{Text: "spoken reply"})
	})
	id := e.deploy(t, "alice")

	resp, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
		DeploymentID: id, UserID: "alice", Query: "say it", IncludeVoice: true,
	})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if resp.VoiceSynthesis == nil || resp.VoiceSynthesis.URL != want.URL {
		t.Fatalf("voice synthesis not attached: %+v", resp.VoiceSynthesis)
	}
	if spoken != "spoken reply" {
		t.Fatalf("synthesizer got %q", spoken)
	}
}

func TestVoiceFailureDoesNotFailResponse(t *testing.T) {
	broken := voiceFunc(func(context.Context, string) (*types.VoiceSynthesis, error) {
		return nil, errors.New("tts endpoint down")
	})

	e := newPipeEnv(t, fastConfig(), 8, nil, broken)
	e.seedArtifact(t, "alice", 1)
	e.answerInfer(func(_ context.Context, _ worker.InferParams, result interface{}) error {
		return workertest.SetResult(result, worker.InferResult{Text: "still here"})
	})
	id := e.deploy(t, "alice")

	resp, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
		DeploymentID: id, UserID: "alice", Query: "say it", IncludeVoice: true,
	})
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if resp.VoiceSynthesis != nil {
		t.Fatalf("expected no voice attachment, got %+v", resp.VoiceSynthesis)
	}
	if resp.Text != "still here" {
		t.Fatalf("text response lost: %q", resp.Text)
	}
}

func TestRequestHistorySeedsEmptyContextOnly(t *testing.T) {
	e := newPipeEnv(t, fastConfig(), 8, nil, nil)
	e.seedArtifact(t, "alice", 1)

	var mu sync.Mutex
	var lastPrompt []types.Message
	e.answerInfer(func(_ context.Context, p worker.InferParams, result interface{}) error {
		mu.Lock()
		lastPrompt = p.Messages
		mu.Unlock()
		return workertest.SetResult(result, worker.InferResult{Text: "ack"})
	})
	id := e.deploy(t, "alice")

	history := []types.Message{
		{Role: types.RoleUser, Content: "earlier question"},
		{Role: types.RoleAssistant, Content: "earlier answer"},
	}
	if _, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
		DeploymentID: id, UserID: "alice", Query: "next", ConversationHistory: history,
	}); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	// system + 2 history + query
	if len(lastPrompt) != 4 || lastPrompt[1].Content != "earlier question" {
		t.Fatalf("history not seeded into the prompt: %+v", lastPrompt)
	}

	if _, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
		DeploymentID: id, UserID: "alice", Query: "and again",
		ConversationHistory: []types.Message{{Role: types.RoleUser, Content: "stale import"}},
	}); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	// system + (2 seeded + last round trip) + query
	if len(lastPrompt) != 6 {
		t.Fatalf("expected the live context to win, prompt: %+v", lastPrompt)
	}
	for _, m := range lastPrompt {
		if m.Content == "stale import" {
			t.Fatal("request history overwrote a live context")
		}
	}
}

func TestPromptBoundedByContextLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.ContextLimit = 4
	e := newPipeEnv(t, cfg, 8, nil, nil)
	e.seedArtifact(t, "alice", 1)

	var mu sync.Mutex
	var lastPrompt []types.Message
	e.answerInfer(func(_ context.Context, p worker.InferParams, result interface{}) error {
		mu.Lock()
		lastPrompt = p.Messages
		mu.Unlock()
		return workertest.SetResult(result, worker.InferResult{Text: "reply"})
	})
	id := e.deploy(t, "alice")

	for i := 0; i < 5; i++ {
		if _, err := e.p.GenerateResponse(context.Background(), types.InferenceRequest{
			DeploymentID: id, UserID: "alice", Query: fmt.Sprintf("turn %d", i),
		}); err != nil {
			t.Fatalf("GenerateResponse(%d): %v", i, err)
		}
	}

	// system + 4 ring entries + fresh query
	if len(lastPrompt) != 6 {
		t.Fatalf("prompt not bounded: %d messages", len(lastPrompt))
	}

	turns := e.p.conversations.Snapshot("alice")
	if len(turns) != 4 {
		t.Fatalf("ring exceeded its limit: %d entries", len(turns))
	}
	if turns[len(turns)-2].Content != "turn 4" {
		t.Fatalf("ring should end with the newest turn: %+v", turns)
	}
}
