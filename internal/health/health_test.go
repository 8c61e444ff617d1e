package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/allocator"
	"github.com/evermind-ai/persona-server/internal/artifacts"
	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/deployment"
	"github.com/evermind-ai/persona-server/internal/inference"
	"github.com/evermind-ai/persona-server/internal/journal"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/evermind-ai/persona-server/internal/worker/workertest"
)

type healthEnv struct {
	mon     *Monitor
	mgr     *deployment.Manager
	alloc   *allocator.Allocator
	store   *artifacts.Store
	errlog  *inference.ErrorLog
	runtime *workertest.FakeRuntime
}

func newHealthEnv(t *testing.T, totalGB float64) *healthEnv {
	t.Helper()
	rec := journal.NewRecorder(zap.NewNop(), nil)
	alloc := allocator.New(allocator.Config{TotalGB: totalGB}, zap.NewNop(), rec)
	store := artifacts.NewStore(&config.Config{ModelsDir: t.TempDir()}, zap.NewNop())
	runtime := &workertest.FakeRuntime{}
	mgr := deployment.NewManager(deployment.Config{MaxReady: 4, LoadTimeout: time.Second}, alloc, store, runtime, rec, zap.NewNop())
	errlog := inference.NewErrorLog(0)
	mon := NewMonitor(Config{Interval: 10 * time.Millisecond, ErrorThreshold: 5, ErrorWindow: 5 * time.Minute}, alloc, mgr, errlog, zap.NewNop())
	return &healthEnv{mon: mon, mgr: mgr, alloc: alloc, store: store, errlog: errlog, runtime: runtime}
}

func (e *healthEnv) deploy(t *testing.T, owner string) string {
	t.Helper()
	dir := e.store.Dir(owner, 1)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "adapter.safetensors"), make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}

	id, err := e.mgr.Deploy(context.Background(), owner, "", 0)
	if err != nil {
		t.Fatalf("Deploy(%s): %v", owner, err)
	}
	return id
}

func (e *healthEnv) status(t *testing.T, id string) types.DeploymentInfo {
	t.Helper()
	for _, info := range e.mgr.Roster() {
		if info.ID == id {
			return info
		}
	}
	t.Fatalf("deployment %s not in roster", id)
	return types.DeploymentInfo{}
}

func (e *healthEnv) fail(id string, n int, age time.Duration) {
	ts := time.Now().UTC().Add(-age)
	for i := 0; i < n; i++ {
		e.errlog.Append(types.InferenceErrorRecord{
			DeploymentID: id,
			Cause:        "attempt timed out",
			Timestamp:    ts,
		})
	}
}

func TestSweepMarksDeadWorker(t *testing.T) {
	e := newHealthEnv(t, 8)
	id := e.deploy(t, "alice")

	e.runtime.Spawned()[0].Crash()

	rep := e.mon.Sweep(context.Background())
	if len(rep.Dead) != 1 || rep.Dead[0] != id {
		t.Fatalf("expected %s reported dead, got %+v", id, rep)
	}

	info := e.status(t, id)
	if info.Status != types.DeploymentError || info.Error != "worker process died" {
		t.Fatalf("expected an error record with the death cause, got %+v", info)
	}
	if got := e.alloc.Stats().AllocatedGB; got != 0 {
		t.Fatalf("dead deployment must release memory, got %gGB", got)
	}
}

func TestSweepMarksDegradedDeployment(t *testing.T) {
	e := newHealthEnv(t, 8)
	id := e.deploy(t, "alice")
	healthy := e.deploy(t, "bob")

	e.fail(id, 6, time.Minute)

	rep := e.mon.Sweep(context.Background())
	if len(rep.Degraded) != 1 || rep.Degraded[0] != id {
		t.Fatalf("expected %s degraded, got %+v", rep, rep.Degraded)
	}
	if rep.Ready != 2 {
		t.Fatalf("expected 2 ready deployments inspected, got %d", rep.Ready)
	}

	if info := e.status(t, id); info.Status != types.DeploymentError {
		t.Fatalf("degraded deployment not marked: %+v", info)
	}
	if info := e.status(t, healthy); info.Status != types.DeploymentReady {
		t.Fatalf("healthy deployment disturbed: %+v", info)
	}

	if got := e.errlog.RecentCount(id, time.Hour); got != 0 {
		t.Fatalf("marking must clear the error ring, got %d", got)
	}
}

func TestSweepThresholdMustBeExceeded(t *testing.T) {
	e := newHealthEnv(t, 8)
	id := e.deploy(t, "alice")

	e.fail(id, 5, time.Minute)

	rep := e.mon.Sweep(context.Background())
	if len(rep.Degraded) != 0 {
		t.Fatalf("5 failures must not trip a threshold of 5: %+v", rep.Degraded)
	}
	if info := e.status(t, id); info.Status != types.DeploymentReady {
		t.Fatalf("deployment should stay ready: %+v", info)
	}
}

func TestSweepIgnoresOldFailures(t *testing.T) {
	e := newHealthEnv(t, 8)
	id := e.deploy(t, "alice")

	e.fail(id, 20, 10*time.Minute)

	if rep := e.mon.Sweep(context.Background()); len(rep.Degraded) != 0 {
		t.Fatalf("stale failures must not count: %+v", rep.Degraded)
	}
}

func TestSweepRunsOptimizeUnderPressure(t *testing.T) {
	e := newHealthEnv(t, 1)
	e.deploy(t, "alice")
	e.deploy(t, "bob")

	rep := e.mon.Sweep(context.Background())
	if !rep.Optimized {
		t.Fatalf("expected an optimize pass at full utilization: %+v", rep)
	}
	if rep.Memory.AllocatedGB != 1.0 {
		t.Fatalf("optimize must keep the books intact, got %+v", rep.Memory)
	}
}

func TestLastReport(t *testing.T) {
	e := newHealthEnv(t, 8)

	if got := e.mon.LastReport(); !got.At.IsZero() {
		t.Fatalf("expected a zero report before any sweep, got %+v", got)
	}

	e.mon.Sweep(context.Background())
	if got := e.mon.LastReport(); got.At.IsZero() {
		t.Fatal("sweep did not record a report")
	}
}

func TestMonitorLoop(t *testing.T) {
	e := newHealthEnv(t, 8)
	id := e.deploy(t, "alice")
	e.runtime.Spawned()[0].Crash()

	e.mon.Start()
	defer e.mon.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.status(t, id).Status == types.DeploymentError {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("monitor never flagged the dead worker: %+v", e.status(t, id))
}
