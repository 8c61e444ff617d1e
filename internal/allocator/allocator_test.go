package allocator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/evermind-ai/persona-server/internal/journal"
	"github.com/evermind-ai/persona-server/internal/types"

	"go.uber.org/zap"
)

func newTestAllocator(t *testing.T, totalGB float64) *Allocator {
	t.Helper()
	return New(Config{TotalGB: totalGB}, zap.NewNop(), journal.NewRecorder(zap.NewNop(), nil))
}

func mustAllocate(t *testing.T, a *Allocator, owner string, sizeGB float64, p types.Priority) {
	t.Helper()
	granted, err := a.Allocate(context.Background(), owner, sizeGB, p)
	if err != nil {
		t.Fatalf("allocate %s: %v", owner, err)
	}
	if !granted {
		t.Fatalf("allocate %s: refused, want grant", owner)
	}
}

func TestConfigDefaults(t *testing.T) {
	a := New(Config{}, zap.NewNop(), journal.NewRecorder(zap.NewNop(), nil))
	if a.cfg.TotalGB != 64 {
		t.Fatalf("expected default TotalGB=64 got %v", a.cfg.TotalGB)
	}
	if a.cfg.OptimizeUtilization != 0.90 {
		t.Fatalf("expected default OptimizeUtilization=0.90 got %v", a.cfg.OptimizeUtilization)
	}
	if a.cfg.OptimizeFragmentation != 0.5 {
		t.Fatalf("expected default OptimizeFragmentation=0.5 got %v", a.cfg.OptimizeFragmentation)
	}
}

func TestAllocateFailsClosed(t *testing.T) {
	a := newTestAllocator(t, 24)
	ctx := context.Background()

	granted, err := a.Allocate(ctx, "a", 20, types.PriorityHigh)
	if err != nil || !granted {
		t.Fatalf("allocate(a,20): granted=%v err=%v", granted, err)
	}

	granted, err = a.Allocate(ctx, "b", 10, types.PriorityLow)
	if err != nil {
		t.Fatalf("allocate(b,10): unexpected error %v", err)
	}
	if granted {
		t.Fatalf("allocate(b,10) granted past capacity")
	}

	// refusal must leave no partial allocation behind
	if _, ok := a.Lookup("b"); ok {
		t.Fatalf("refused owner has an allocation")
	}

	a.Deallocate(ctx, "a")

	granted, err = a.Allocate(ctx, "b", 10, types.PriorityLow)
	if err != nil || !granted {
		t.Fatalf("allocate(b,10) after free: granted=%v err=%v", granted, err)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	a := newTestAllocator(t, 16)
	ctx := context.Background()

	// churn through a mixed sequence and check the invariant at every step
	for i := 0; i < 200; i++ {
		owner := fmt.Sprintf("owner-%d", i%7)
		if i%3 == 0 {
			a.Deallocate(ctx, owner)
		} else {
			size := float64(i%5+1) * 1.5
			if _, err := a.Allocate(ctx, owner, size, types.PriorityMedium); err != nil && !IsOwnerExists(err) {
				t.Fatalf("step %d: %v", i, err)
			}
		}

		stats := a.Stats()
		if stats.AllocatedGB > stats.TotalGB {
			t.Fatalf("step %d: allocated %.2f exceeds capacity %.2f", i, stats.AllocatedGB, stats.TotalGB)
		}
		if stats.AllocatedGB < 0 {
			t.Fatalf("step %d: negative allocated %.2f", i, stats.AllocatedGB)
		}
	}
}

func TestDeallocateIdempotent(t *testing.T) {
	a := newTestAllocator(t, 10)
	ctx := context.Background()

	mustAllocate(t, a, "keep", 4, types.PriorityHigh)

	// unknown owner, then a double release
	a.Deallocate(ctx, "never-allocated")
	mustAllocate(t, a, "gone", 2, types.PriorityLow)
	a.Deallocate(ctx, "gone")
	a.Deallocate(ctx, "gone")

	stats := a.Stats()
	if stats.AllocatedGB != 4 {
		t.Fatalf("expected 4 GB allocated got %.2f", stats.AllocatedGB)
	}
	if _, ok := a.Lookup("keep"); !ok {
		t.Fatalf("surviving owner lost its allocation")
	}
}

func TestAllocateExistingOwner(t *testing.T) {
	a := newTestAllocator(t, 10)
	mustAllocate(t, a, "dup", 2, types.PriorityLow)

	granted, err := a.Allocate(context.Background(), "dup", 1, types.PriorityLow)
	if granted || !IsOwnerExists(err) {
		t.Fatalf("expected owner-exists error, got granted=%v err=%v", granted, err)
	}
}

func TestAllocateInvalidSize(t *testing.T) {
	a := newTestAllocator(t, 10)

	for _, size := range []float64{0, -3} {
		granted, err := a.Allocate(context.Background(), "x", size, types.PriorityLow)
		if granted || !IsInvalidSize(err) {
			t.Fatalf("size %v: expected invalid-size error, got granted=%v err=%v", size, granted, err)
		}
	}
}

func TestUpdateLastAccessed(t *testing.T) {
	a := newTestAllocator(t, 10)
	mustAllocate(t, a, "m", 1, types.PriorityLow)

	before, _ := a.Lookup("m")
	time.Sleep(5 * time.Millisecond)
	a.UpdateLastAccessed("m")
	after, _ := a.Lookup("m")

	if !after.LastAccessed.After(before.LastAccessed) {
		t.Fatalf("lastAccessed not refreshed: %v -> %v", before.LastAccessed, after.LastAccessed)
	}

	// unknown owner is a no-op
	a.UpdateLastAccessed("missing")
}

func TestStats(t *testing.T) {
	a := newTestAllocator(t, 20)
	mustAllocate(t, a, "a", 5, types.PriorityHigh)
	mustAllocate(t, a, "b", 5, types.PriorityLow)

	stats := a.Stats()
	if stats.TotalGB != 20 || stats.AllocatedGB != 10 || stats.AvailableGB != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.UtilizationPct != 50 {
		t.Fatalf("expected 50%% utilization got %.2f", stats.UtilizationPct)
	}
	if stats.Allocations != 2 {
		t.Fatalf("expected 2 allocations got %d", stats.Allocations)
	}
	if stats.Corrupted {
		t.Fatalf("fresh allocator reports corrupted")
	}
}

func TestFragmentationAndOptimize(t *testing.T) {
	a := newTestAllocator(t, 10)
	ctx := context.Background()

	// allocate and release most of the budget to build up churn
	for i := 0; i < 4; i++ {
		owner := fmt.Sprintf("churn-%d", i)
		mustAllocate(t, a, owner, 2, types.PriorityLow)
		a.Deallocate(ctx, owner)
	}

	if frag := a.Stats().Fragmentation; frag <= 0.5 {
		t.Fatalf("expected fragmentation above 0.5 after churn, got %.2f", frag)
	}
	if !a.ShouldOptimize() {
		t.Fatalf("expected ShouldOptimize after heavy churn")
	}

	stats := a.Optimize(ctx)
	if stats.Fragmentation != 0 {
		t.Fatalf("optimize did not reset fragmentation: %.2f", stats.Fragmentation)
	}
	if a.ShouldOptimize() {
		t.Fatalf("ShouldOptimize still set after optimize")
	}
}

func TestCorruptionHaltsAdmission(t *testing.T) {
	a := newTestAllocator(t, 10)

	// force inconsistent bookkeeping behind the public surface
	a.mu.Lock()
	a.allocs["ghost"] = &Allocation{OwnerID: "ghost", SizeGB: 99, AllocatedAt: time.Now()}
	a.mu.Unlock()

	a.Optimize(context.Background())
	if !a.Corrupted() {
		t.Fatalf("optimize did not flag the inconsistent table")
	}

	granted, err := a.Allocate(context.Background(), "x", 1, types.PriorityHigh)
	if granted || !IsCorrupted(err) {
		t.Fatalf("expected corrupted error, got granted=%v err=%v", granted, err)
	}

	if !a.Stats().Corrupted {
		t.Fatalf("stats does not expose corruption")
	}
}

func TestSnapshotOrder(t *testing.T) {
	a := newTestAllocator(t, 30)
	for _, owner := range []string{"first", "second", "third"} {
		mustAllocate(t, a, owner, 1, types.PriorityLow)
		time.Sleep(2 * time.Millisecond)
	}

	snap := a.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 allocations got %d", len(snap))
	}
	for i, want := range []string{"first", "second", "third"} {
		if snap[i].OwnerID != want {
			t.Fatalf("snapshot[%d] = %s, want %s", i, snap[i].OwnerID, want)
		}
	}
}
