package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/evermind-ai/persona-server/internal/config"

	"go.uber.org/zap"
)

// ExecRuntime spawns workers as child processes of the daemon using the
// configured command line.
type ExecRuntime struct {
	cfg    config.WorkerConfig
	logger *zap.Logger
}

func NewExecRuntime(cfg config.WorkerConfig, logger *zap.Logger) *ExecRuntime {
	return &ExecRuntime{cfg: cfg, logger: logger}
}

func (r *ExecRuntime) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append(append([]string{}, r.cfg.Args...), spec.Args...)

	// Deliberately not CommandContext: the process must outlive the
	// spawning request. Termination is owned by the Handle.
	cmd := exec.Command(r.cfg.Command, args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker %q: %w", r.cfg.Command, err)
	}

	r.logger.Info("spawned worker",
		zap.String("tag", spec.Tag),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", r.cfg.Command),
	)

	return newProcess(spec.Tag, cmd.Process.Pid, stdin, stdout, stderr, execControl{cmd: cmd}, r.cfg.StopTimeout(), r.logger), nil
}

type execControl struct {
	cmd *exec.Cmd
}

func (c execControl) Wait() error {
	return c.cmd.Wait()
}

func (c execControl) Kill() error {
	return c.cmd.Process.Kill()
}
