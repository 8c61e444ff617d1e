// Package allocator tracks the accelerator memory budget. It is the single
// source of truth for capacity: deployments and training jobs hold
// allocations here and never keep independent estimates.
package allocator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/evermind-ai/persona-server/internal/journal"
	"github.com/evermind-ai/persona-server/internal/types"

	"go.uber.org/zap"
)

type Config struct {
	TotalGB               float64
	OptimizeUtilization   float64
	OptimizeFragmentation float64
}

func (c *Config) Default() {
	if c.TotalGB <= 0 {
		c.TotalGB = 64
	}
	if c.OptimizeUtilization <= 0 {
		c.OptimizeUtilization = 0.90
	}
	if c.OptimizeFragmentation <= 0 {
		c.OptimizeFragmentation = 0.5
	}
}

// Allocation is one owner's committed slice of the budget.
type Allocation struct {
	OwnerID      string         `json:"owner_id"`
	SizeGB       float64        `json:"size_gb"`
	Priority     types.Priority `json:"priority"`
	AllocatedAt  time.Time      `json:"allocated_at"`
	LastAccessed time.Time      `json:"last_accessed"`
}

type Stats struct {
	TotalGB        float64 `json:"total_gb"`
	AllocatedGB    float64 `json:"allocated_gb"`
	AvailableGB    float64 `json:"available_gb"`
	UtilizationPct float64 `json:"utilization_pct"`
	Fragmentation  float64 `json:"fragmentation"`
	Allocations    int     `json:"allocations"`
	Corrupted      bool    `json:"corrupted,omitempty"`
}

type Allocator struct {
	mu          sync.Mutex
	cfg         Config
	allocs      map[string]*Allocation
	allocatedGB float64
	// churnGB accumulates released memory since the last optimize pass and
	// drives the fragmentation ratio.
	churnGB   float64
	corrupted bool

	journal *journal.Recorder
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger, rec *journal.Recorder) *Allocator {
	cfg.Default()

	return &Allocator{
		cfg:     cfg,
		allocs:  make(map[string]*Allocation),
		journal: rec,
		logger:  logger.Named("allocator"),
	}
}

// Allocate commits sizeGB to ownerID. It fails closed: a grant that would
// exceed capacity returns false with no partial allocation. The returned
// error is nil for a plain capacity refusal; it is non-nil only for invalid
// arguments, an owner that already holds an allocation, or a corrupted
// capacity model.
func (a *Allocator) Allocate(ctx context.Context, ownerID string, sizeGB float64, priority types.Priority) (bool, error) {
	if sizeGB <= 0 {
		return false, &InvalidSizeError{SizeGB: sizeGB}
	}

	a.mu.Lock()

	if a.corrupted {
		err := &CorruptedError{AllocatedGB: a.allocatedGB, TotalGB: a.cfg.TotalGB}
		a.mu.Unlock()
		return false, err
	}

	if _, ok := a.allocs[ownerID]; ok {
		a.mu.Unlock()
		return false, &OwnerExistsError{OwnerID: ownerID}
	}

	if a.allocatedGB+sizeGB > a.cfg.TotalGB {
		available := a.cfg.TotalGB - a.allocatedGB
		a.mu.Unlock()
		a.logger.Debug("allocation refused",
			zap.String("owner", ownerID),
			zap.Float64("size_gb", sizeGB),
			zap.Float64("available_gb", available),
		)
		return false, nil
	}

	now := time.Now()
	a.allocs[ownerID] = &Allocation{
		OwnerID:      ownerID,
		SizeGB:       sizeGB,
		Priority:     priority,
		AllocatedAt:  now,
		LastAccessed: now,
	}
	a.allocatedGB += sizeGB

	if a.allocatedGB > a.cfg.TotalGB {
		// The guard above should make this unreachable; treat it as a
		// corrupted capacity model and halt admission.
		a.markCorruptedLocked()
		delete(a.allocs, ownerID)
		a.allocatedGB -= sizeGB
		err := &CorruptedError{AllocatedGB: a.allocatedGB, TotalGB: a.cfg.TotalGB}
		a.mu.Unlock()
		return false, err
	}

	payload := journal.AllocationPayload{
		OwnerID:        ownerID,
		SizeGB:         sizeGB,
		Priority:       string(priority),
		AllocatedGB:    a.allocatedGB,
		UtilizationPct: a.utilizationLocked(),
	}
	a.mu.Unlock()

	a.journal.Record(ctx, journal.EventAllocate, ownerID, payload)
	return true, nil
}

// Deallocate releases ownerID's allocation. Unknown owners are a no-op, so
// double release is always safe.
func (a *Allocator) Deallocate(ctx context.Context, ownerID string) {
	a.mu.Lock()

	alloc, ok := a.allocs[ownerID]
	if !ok {
		a.mu.Unlock()
		return
	}

	delete(a.allocs, ownerID)
	a.allocatedGB -= alloc.SizeGB
	a.churnGB += alloc.SizeGB
	if a.allocatedGB < 0 {
		a.markCorruptedLocked()
		a.allocatedGB = 0
	}

	payload := journal.AllocationPayload{
		OwnerID:        ownerID,
		SizeGB:         alloc.SizeGB,
		Priority:       string(alloc.Priority),
		AllocatedGB:    a.allocatedGB,
		UtilizationPct: a.utilizationLocked(),
	}
	a.mu.Unlock()

	a.journal.Record(ctx, journal.EventDeallocate, ownerID, payload)
}

// UpdateLastAccessed refreshes the owner's recency for eviction ranking.
func (a *Allocator) UpdateLastAccessed(ownerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alloc, ok := a.allocs[ownerID]; ok {
		alloc.LastAccessed = time.Now()
	}
}

// Lookup returns a copy of the owner's allocation.
func (a *Allocator) Lookup(ownerID string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocs[ownerID]
	if !ok {
		return Allocation{}, false
	}

	return *alloc, true
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Stats{
		TotalGB:        a.cfg.TotalGB,
		AllocatedGB:    a.allocatedGB,
		AvailableGB:    a.cfg.TotalGB - a.allocatedGB,
		UtilizationPct: a.utilizationLocked(),
		Fragmentation:  a.fragmentationLocked(),
		Allocations:    len(a.allocs),
		Corrupted:      a.corrupted,
	}
}

// Snapshot returns every active allocation, oldest first.
func (a *Allocator) Snapshot() []Allocation {
	a.mu.Lock()
	allocs := make([]Allocation, 0, len(a.allocs))
	for _, alloc := range a.allocs {
		allocs = append(allocs, *alloc)
	}
	a.mu.Unlock()

	sort.Slice(allocs, func(i, j int) bool {
		return allocs[i].AllocatedAt.Before(allocs[j].AllocatedAt)
	})

	return allocs
}

// ShouldOptimize reports whether utilization or fragmentation has crossed
// its configured threshold. The health monitor polls this.
func (a *Allocator) ShouldOptimize() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.utilizationLocked() > a.cfg.OptimizeUtilization*100 ||
		a.fragmentationLocked() > a.cfg.OptimizeFragmentation
}

// Optimize runs a best-effort bookkeeping pass: it recomputes the running
// total from the allocation table (repairing drift) and resets the churn
// counter. Logical allocations are never touched.
func (a *Allocator) Optimize(ctx context.Context) Stats {
	a.mu.Lock()

	var total float64
	for _, alloc := range a.allocs {
		total += alloc.SizeGB
	}
	a.allocatedGB = total
	a.churnGB = 0
	if a.allocatedGB > a.cfg.TotalGB {
		a.markCorruptedLocked()
	}

	stats := Stats{
		TotalGB:        a.cfg.TotalGB,
		AllocatedGB:    a.allocatedGB,
		AvailableGB:    a.cfg.TotalGB - a.allocatedGB,
		UtilizationPct: a.utilizationLocked(),
		Fragmentation:  a.fragmentationLocked(),
		Allocations:    len(a.allocs),
		Corrupted:      a.corrupted,
	}
	a.mu.Unlock()

	a.journal.Record(ctx, journal.EventOptimize, "", journal.AllocationPayload{
		AllocatedGB:    stats.AllocatedGB,
		UtilizationPct: stats.UtilizationPct,
	})

	return stats
}

func (a *Allocator) Corrupted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.corrupted
}

func (a *Allocator) utilizationLocked() float64 {
	if a.cfg.TotalGB <= 0 {
		return 0
	}

	return a.allocatedGB / a.cfg.TotalGB * 100
}

// fragmentationLocked is the share of free capacity that was churned
// (released and not yet reclaimed by an optimize pass). High churn with
// little free headroom reads as a fragmented budget.
func (a *Allocator) fragmentationLocked() float64 {
	free := a.cfg.TotalGB - a.allocatedGB
	if free <= 0 {
		return 0
	}

	frag := a.churnGB / free
	if frag > 1 {
		frag = 1
	}

	return frag
}

func (a *Allocator) markCorruptedLocked() {
	if a.corrupted {
		return
	}

	a.corrupted = true
	a.logger.Error("capacity model corrupted, halting admission",
		zap.Float64("allocated_gb", a.allocatedGB),
		zap.Float64("total_gb", a.cfg.TotalGB),
	)
	allocated := a.allocatedGB
	go a.journal.Record(context.Background(), journal.EventCorrupted, "", journal.AllocationPayload{
		AllocatedGB: allocated,
	})
}
