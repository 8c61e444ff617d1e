package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// procControl is the slice of process control the supervisor needs. The
// exec runtime backs it with exec.Cmd; tests back it with fakes.
type procControl interface {
	Wait() error
	Kill() error
}

// Process supervises one running worker. All stdin writes go through it,
// replies are matched to callers by request id, and unsolicited events fan
// out on a channel. When stdout closes the process is reaped and every
// blocked caller fails with ErrExited.
type Process struct {
	tag         string
	pid         int
	stopTimeout time.Duration
	logger      *zap.Logger

	stdin io.WriteCloser
	ctrl  procControl

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan Response
	nextID  atomic.Int64

	events    chan Response
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	exitErr   error
}

func newProcess(tag string, pid int, stdin io.WriteCloser, stdout, stderr io.Reader, ctrl procControl, stopTimeout time.Duration, logger *zap.Logger) *Process {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}

	p := &Process{
		tag:         tag,
		pid:         pid,
		stopTimeout: stopTimeout,
		logger:      logger.Named("worker").With(zap.String("tag", tag), zap.Int("pid", pid)),
		stdin:       stdin,
		ctrl:        ctrl,
		pending:     make(map[string]chan Response),
		events:      make(chan Response, 16),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}

	go p.readLoop(stdout)
	if stderr != nil {
		go p.drainStderr(stderr)
	}

	return p
}

func (p *Process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.logger.Warn("discarding unparseable worker line", zap.Error(err))
			continue
		}

		switch {
		case resp.Event == EventReady:
			p.readyOnce.Do(func() { close(p.ready) })
		case resp.Event != "":
			select {
			case p.events <- resp:
			default:
				p.logger.Debug("dropping worker event", zap.String("event", resp.Event))
			}
		default:
			p.mu.Lock()
			ch, ok := p.pending[resp.ID]
			if ok {
				delete(p.pending, resp.ID)
			}
			p.mu.Unlock()

			if ok {
				ch <- resp
			} else {
				p.logger.Warn("reply for unknown request", zap.String("id", resp.ID))
			}
		}
	}

	// stdout closed: the process is gone or going. Reap it and fail
	// everything still waiting.
	err := p.ctrl.Wait()

	p.mu.Lock()
	p.exitErr = err
	for id, ch := range p.pending {
		delete(p.pending, id)
		close(ch)
	}
	p.mu.Unlock()

	close(p.done)
	close(p.events)

	if err != nil {
		p.logger.Warn("worker exited", zap.Error(err))
	} else {
		p.logger.Info("worker exited")
	}
}

func (p *Process) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Warn("worker stderr", zap.String("line", scanner.Text()))
	}
}

func (p *Process) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.done:
		if p.exitErr != nil {
			return fmt.Errorf("%w: %v", ErrNotReady, p.exitErr)
		}
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) Call(ctx context.Context, op string, params, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", op, err)
		}
		raw = data
	}

	id := strconv.FormatInt(p.nextID.Add(1), 10)
	line, err := json.Marshal(Request{ID: id, Op: op, Params: raw})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	ch := make(chan Response, 1)
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return ErrExited
	default:
	}
	p.pending[id] = ch
	p.mu.Unlock()

	if err := p.writeLine(line); err != nil {
		p.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		p.forget(id)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrExited
		}
		if resp.Error != "" {
			return &RemoteError{Op: op, Message: resp.Error}
		}
		if result != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, result); err != nil {
				return fmt.Errorf("malformed %s payload: %w", op, err)
			}
		}
		return nil
	}
}

func (p *Process) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Process) writeLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("worker stdin write: %w", err)
	}

	return nil
}

func (p *Process) Events() <-chan Response {
	return p.events
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) PID() int {
	return p.pid
}

// Terminate asks the worker to exit and escalates to a kill if it does not
// go away within the stop timeout.
func (p *Process) Terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	callCtx, cancel := context.WithTimeout(ctx, p.stopTimeout)
	_ = p.Call(callCtx, OpTerminate, nil, nil)
	cancel()
	_ = p.stdin.Close()

	select {
	case <-p.done:
		return nil
	case <-time.After(p.stopTimeout):
		p.logger.Warn("worker ignored terminate, killing")
		_ = p.ctrl.Kill()
	case <-ctx.Done():
		_ = p.ctrl.Kill()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.stopTimeout):
		return fmt.Errorf("worker %s did not exit after kill", p.tag)
	}
}
