package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeCtrl struct {
	mu     sync.Mutex
	waitCh chan struct{}
	err    error
	killed bool
	onKill func()
}

func newFakeCtrl() *fakeCtrl {
	return &fakeCtrl{waitCh: make(chan struct{})}
}

func (c *fakeCtrl) Wait() error {
	<-c.waitCh
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeCtrl) Kill() error {
	c.mu.Lock()
	c.killed = true
	onKill := c.onKill
	c.mu.Unlock()

	if onKill != nil {
		onKill()
	}
	return nil
}

func (c *fakeCtrl) wasKilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// testWorker drives the far side of the pipe pair like a real runtime
// process would.
type testWorker struct {
	p        *Process
	stdinR   *io.PipeReader
	stdoutW  *io.PipeWriter
	ctrl     *fakeCtrl
	requests chan Request
	exitOnce sync.Once
}

func startTestWorker(t *testing.T, stopTimeout time.Duration) *testWorker {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	ctrl := newFakeCtrl()

	w := &testWorker{
		stdinR:   stdinR,
		stdoutW:  stdoutW,
		ctrl:     ctrl,
		requests: make(chan Request, 16),
	}
	ctrl.onKill = func() { w.exit(errors.New("signal: killed")) }

	w.p = newProcess("test", 4242, stdinW, stdoutR, nil, ctrl, stopTimeout, zap.NewNop())

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
				w.requests <- req
			}
		}
	}()

	return w
}

func (w *testWorker) reply(t *testing.T, resp Response) {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	if _, err := w.stdoutW.Write(append(data, '\n')); err != nil {
		t.Fatalf("write reply: %v", err)
	}
}

func (w *testWorker) exit(err error) {
	w.exitOnce.Do(func() {
		w.ctrl.mu.Lock()
		w.ctrl.err = err
		w.ctrl.mu.Unlock()
		w.stdoutW.Close()
		close(w.ctrl.waitCh)
	})
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestCallRoundTrip(t *testing.T) {
	w := startTestWorker(t, time.Second)
	defer w.exit(nil)

	go func() {
		req := <-w.requests
		if req.Op != OpInfer {
			w.reply(t, Response{ID: req.ID, Error: fmt.Sprintf("unexpected op %s", req.Op)})
			return
		}
		w.reply(t, Response{ID: req.ID, Payload: payload(t, InferResult{Text: "hello", TokenCount: 2})})
	}()

	var result InferResult
	err := w.p.Call(context.Background(), OpInfer, InferParams{MaxTokens: 16}, &result)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Text != "hello" || result.TokenCount != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWaitReady(t *testing.T) {
	w := startTestWorker(t, time.Second)
	defer w.exit(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.p.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline before handshake, got %v", err)
	}

	w.reply(t, Response{Event: EventReady})

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := w.p.WaitReady(ctx2); err != nil {
		t.Fatalf("ready: %v", err)
	}
}

func TestCallRemoteError(t *testing.T) {
	w := startTestWorker(t, time.Second)
	defer w.exit(nil)

	go func() {
		req := <-w.requests
		w.reply(t, Response{ID: req.ID, Error: "model blew up"})
	}()

	err := w.p.Call(context.Background(), OpLoad, LoadParams{ArtifactPath: "/x"}, nil)
	if !IsRemote(err) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestCallTimeoutLeavesProcessUsable(t *testing.T) {
	w := startTestWorker(t, time.Second)
	defer w.exit(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.p.Call(ctx, OpPing, nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	// the worker never answered the first call; a later call must still work
	go func() {
		<-w.requests // the timed-out ping
		req := <-w.requests
		w.reply(t, Response{ID: req.ID})
	}()

	if err := w.p.Call(context.Background(), OpPing, nil, nil); err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func TestExitFailsPendingCalls(t *testing.T) {
	w := startTestWorker(t, time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.p.Call(context.Background(), OpTrain, nil, nil)
	}()
	<-w.requests

	w.exit(errors.New("exit status 137"))

	if err := <-errCh; !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited, got %v", err)
	}
	if w.p.Alive() {
		t.Fatalf("process still alive after exit")
	}
	if err := w.p.WaitReady(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after exit, got %v", err)
	}
}

func TestEventsDelivered(t *testing.T) {
	w := startTestWorker(t, time.Second)
	defer w.exit(nil)

	w.reply(t, Response{Event: EventProgress, Payload: payload(t, ProgressPayload{Progress: 0.5, Epoch: 3})})

	select {
	case ev := <-w.p.Events():
		if ev.Event != EventProgress {
			t.Fatalf("unexpected event %q", ev.Event)
		}
		var pp ProgressPayload
		if err := json.Unmarshal(ev.Payload, &pp); err != nil {
			t.Fatalf("unmarshal progress: %v", err)
		}
		if pp.Progress != 0.5 || pp.Epoch != 3 {
			t.Fatalf("unexpected progress payload: %+v", pp)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestTerminatePolite(t *testing.T) {
	w := startTestWorker(t, time.Second)

	go func() {
		for req := range w.requests {
			if req.Op == OpTerminate {
				w.reply(t, Response{ID: req.ID})
				w.exit(nil)
				return
			}
		}
	}()

	if err := w.p.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if w.ctrl.wasKilled() {
		t.Fatalf("polite shutdown still killed the process")
	}
	if w.p.Alive() {
		t.Fatalf("process alive after terminate")
	}
}

func TestTerminateKillsStubbornWorker(t *testing.T) {
	w := startTestWorker(t, 30*time.Millisecond)

	// the worker ignores the terminate request entirely
	if err := w.p.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !w.ctrl.wasKilled() {
		t.Fatalf("stubborn worker was not killed")
	}
	if w.p.Alive() {
		t.Fatalf("process alive after kill")
	}
}
