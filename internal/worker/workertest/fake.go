// Package workertest provides in-memory worker runtimes for tests. No
// processes are spawned; behavior is scripted per handle.
package workertest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evermind-ai/persona-server/internal/worker"
)

type FakeHandle struct {
	Tag        string
	ReadyErr   error
	ReadyDelay time.Duration
	CallFunc   func(ctx context.Context, op string, params, result interface{}) error

	mu         sync.Mutex
	alive      bool
	terminated int
	calls      []string
	events     chan worker.Response
	closeOnce  sync.Once
}

func NewFakeHandle() *FakeHandle {
	return &FakeHandle{
		alive:  true,
		events: make(chan worker.Response, 16),
	}
}

func (h *FakeHandle) WaitReady(ctx context.Context) error {
	if h.ReadyDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.ReadyDelay):
		}
	}

	if h.ReadyErr != nil {
		return h.ReadyErr
	}
	if !h.Alive() {
		return worker.ErrNotReady
	}

	return nil
}

func (h *FakeHandle) Call(ctx context.Context, op string, params, result interface{}) error {
	h.mu.Lock()
	h.calls = append(h.calls, op)
	alive := h.alive
	h.mu.Unlock()

	if !alive {
		return worker.ErrExited
	}
	if h.CallFunc != nil {
		return h.CallFunc(ctx, op, params, result)
	}

	return nil
}

func (h *FakeHandle) Events() <-chan worker.Response {
	return h.events
}

func (h *FakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *FakeHandle) PID() int {
	return 4242
}

func (h *FakeHandle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	h.alive = false
	h.terminated++
	h.mu.Unlock()

	h.closeOnce.Do(func() { close(h.events) })
	return nil
}

// Crash simulates the process dying out from under the supervisor.
func (h *FakeHandle) Crash() {
	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()

	h.closeOnce.Do(func() { close(h.events) })
}

// EmitProgress queues a progress event as the real worker would.
func (h *FakeHandle) EmitProgress(p worker.ProgressPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}

	select {
	case h.events <- worker.Response{Event: worker.EventProgress, Payload: data}:
	default:
	}
}

func (h *FakeHandle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *FakeHandle) Terminated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// FakeRuntime hands out fake handles, one per Spawn. OnSpawn customizes the
// handle; otherwise a default always-succeeding handle is used.
type FakeRuntime struct {
	SpawnErr error
	OnSpawn  func(spec worker.Spec) *FakeHandle

	mu      sync.Mutex
	spawned []*FakeHandle
}

func (r *FakeRuntime) Spawn(ctx context.Context, spec worker.Spec) (worker.Handle, error) {
	if r.SpawnErr != nil {
		return nil, r.SpawnErr
	}

	var h *FakeHandle
	if r.OnSpawn != nil {
		h = r.OnSpawn(spec)
	} else {
		h = NewFakeHandle()
	}
	h.Tag = spec.Tag

	r.mu.Lock()
	r.spawned = append(r.spawned, h)
	r.mu.Unlock()

	return h, nil
}

func (r *FakeRuntime) Spawned() []*FakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeHandle(nil), r.spawned...)
}

// SetResult copies v into the caller's result pointer the way the real
// protocol does, through JSON.
func SetResult(result, v interface{}) error {
	if result == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, result)
}
