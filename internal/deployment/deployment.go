// Package deployment tracks models loaded onto the accelerator. The Manager
// is the single writer of deployment state: it grants memory through the
// allocator, supervises one worker process per deployment, evicts by LRU when
// capacity or the ready-cap demands it, and exposes refcounted handles to the
// inference path so an in-flight request can never lose its model.
package deployment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/allocator"
	"github.com/evermind-ai/persona-server/internal/artifacts"
	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/journal"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/evermind-ai/persona-server/internal/worker"
)

type Config struct {
	// MaxReady caps how many deployments may be ready (or loading) at once.
	MaxReady int

	// LoadTimeout bounds spawn-to-ready, model load included.
	LoadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxReady:    3,
		LoadTimeout: 5 * time.Minute,
	}
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxReady:    cfg.Capacity.MaxReadyDeployments,
		LoadTimeout: cfg.Worker.LoadTimeout(),
	}
}

type deployment struct {
	id             string
	ownerUserID    string
	artifactPath   string
	version        int
	status         types.DeploymentStatus
	memoryGB       float64
	inferenceCount int64
	lastUsed       time.Time
	inFlight       int
	errCause       string
	handle         worker.Handle
}

// teardown captures everything that must happen after the registry lock is
// released: the journal entry and the worker termination.
type teardown struct {
	id     string
	owner  string
	gb     float64
	event  string
	status types.DeploymentStatus
	reason string
	handle worker.Handle
}

var errNoCandidates = errors.New("no eviction candidates")

type Manager struct {
	cfg     Config
	alloc   *allocator.Allocator
	store   *artifacts.Store
	runtime worker.Runtime
	journal *journal.Recorder
	logger  *zap.Logger

	mu          sync.Mutex
	deployments map[string]*deployment
}

func NewManager(cfg Config, alloc *allocator.Allocator, store *artifacts.Store, runtime worker.Runtime, rec *journal.Recorder, logger *zap.Logger) *Manager {
	if cfg.MaxReady <= 0 {
		cfg.MaxReady = DefaultConfig().MaxReady
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultConfig().LoadTimeout
	}
	return &Manager{
		cfg:         cfg,
		alloc:       alloc,
		store:       store,
		runtime:     runtime,
		journal:     rec,
		logger:      logger.Named("deployment"),
		deployments: make(map[string]*deployment),
	}
}

// Deploy loads an artifact version for a user and returns the deployment id
// once the worker reports the model ready. version <= 0 means the user's
// latest. An empty artifactPath resolves to the store's canonical location.
func (m *Manager) Deploy(ctx context.Context, ownerUserID, artifactPath string, version int) (string, error) {
	if ownerUserID == "" {
		return "", errors.New("owner user id is required")
	}

	var err error
	if version <= 0 {
		version, err = m.store.LatestVersion(ownerUserID)
		if err != nil {
			return "", err
		}
	}
	if err := m.store.Verify(ownerUserID, version); err != nil {
		return "", err
	}
	if artifactPath == "" {
		artifactPath = m.store.Dir(ownerUserID, version)
	}
	footprint, err := m.store.FootprintGB(ownerUserID, version)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	torn, err := m.admit(ctx, id, ownerUserID, artifactPath, version, footprint)
	m.finish(ctx, torn)
	if err != nil {
		return "", err
	}

	m.logger.Info("deployment loading",
		zap.String("deployment_id", id),
		zap.String("owner_user_id", ownerUserID),
		zap.Int("version", version),
		zap.Float64("memory_gb", footprint))
	m.journal.Record(ctx, journal.EventDeployLoading, ownerUserID, journal.DeploymentPayload{
		DeploymentID: id,
		Status:       string(types.DeploymentLoading),
		MemoryGB:     footprint,
	})

	handle, err := m.runtime.Spawn(ctx, worker.Spec{Tag: id, Args: []string{"serve"}})
	if err != nil {
		m.abortLoad(ctx, id, nil)
		return "", &LoadError{DeploymentID: id, Stage: "spawn", Err: err}
	}

	// Attach the handle while still loading so Unload can reach the worker.
	m.mu.Lock()
	d, ok := m.deployments[id]
	if !ok || d.status != types.DeploymentLoading {
		m.mu.Unlock()
		m.terminateHandle(ctx, id, handle)
		return "", &LoadError{DeploymentID: id, Stage: "load", Err: errors.New("unloaded while loading")}
	}
	d.handle = handle
	m.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
	defer cancel()

	if err := handle.WaitReady(loadCtx); err != nil {
		m.abortLoad(ctx, id, handle)
		return "", &LoadError{DeploymentID: id, Stage: "ready handshake", Err: err}
	}
	var loaded worker.LoadResult
	params := worker.LoadParams{ArtifactPath: artifactPath, Version: version}
	if err := handle.Call(loadCtx, worker.OpLoad, params, &loaded); err != nil {
		m.abortLoad(ctx, id, handle)
		return "", &LoadError{DeploymentID: id, Stage: "model load", Err: err}
	}

	m.mu.Lock()
	d, ok = m.deployments[id]
	if !ok || d.status != types.DeploymentLoading {
		m.mu.Unlock()
		return "", &LoadError{DeploymentID: id, Stage: "load", Err: errors.New("unloaded while loading")}
	}
	d.status = types.DeploymentReady
	d.lastUsed = time.Now()
	m.mu.Unlock()

	m.logger.Info("deployment ready",
		zap.String("deployment_id", id),
		zap.String("owner_user_id", ownerUserID),
		zap.String("model_id", loaded.ModelID))
	m.journal.Record(ctx, journal.EventDeployReady, ownerUserID, journal.DeploymentPayload{
		DeploymentID: id,
		Status:       string(types.DeploymentReady),
		MemoryGB:     footprint,
	})
	return id, nil
}

// admit reserves memory and the ready-cap slot for a new deployment, evicting
// at most what that requires. It returns the teardowns the caller must finish
// after the lock is dropped; on error the record is not created.
func (m *Manager) admit(ctx context.Context, id, ownerUserID, artifactPath string, version int, footprint float64) ([]*teardown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var torn []*teardown
	for m.occupiedLocked() >= m.cfg.MaxReady {
		td, err := m.evictLocked(ctx)
		if err != nil {
			if errors.Is(err, errNoCandidates) {
				err = &EvictionBlockedError{Pinned: m.occupiedLocked()}
			}
			return torn, err
		}
		torn = append(torn, td)
	}

	granted, err := m.alloc.Allocate(ctx, id, footprint, types.PriorityHigh)
	if err != nil {
		return torn, err
	}
	if !granted {
		td, evictErr := m.evictLocked(ctx)
		if evictErr != nil {
			if errors.Is(evictErr, errNoCandidates) {
				stats := m.alloc.Stats()
				evictErr = &InsufficientMemoryError{RequiredGB: footprint, AvailableGB: stats.AvailableGB}
			}
			return torn, evictErr
		}
		torn = append(torn, td)

		granted, err = m.alloc.Allocate(ctx, id, footprint, types.PriorityHigh)
		if err != nil {
			return torn, err
		}
		if !granted {
			stats := m.alloc.Stats()
			return torn, &InsufficientMemoryError{RequiredGB: footprint, AvailableGB: stats.AvailableGB}
		}
	}

	m.deployments[id] = &deployment{
		id:           id,
		ownerUserID:  ownerUserID,
		artifactPath: artifactPath,
		version:      version,
		status:       types.DeploymentLoading,
		memoryGB:     footprint,
		lastUsed:     time.Now(),
	}
	return torn, nil
}

// occupiedLocked counts deployments holding a ready-cap slot. Loading ones
// count: they are about to be ready.
func (m *Manager) occupiedLocked() int {
	n := 0
	for _, d := range m.deployments {
		if d.status == types.DeploymentReady || d.status == types.DeploymentLoading {
			n++
		}
	}
	return n
}

// evictLocked picks the LRU ready deployment with no requests in flight:
// oldest lastUsed, then lowest inferenceCount, then lowest id. It returns
// errNoCandidates when nothing is ready and EvictionBlockedError when every
// ready deployment is pinned.
func (m *Manager) evictLocked(ctx context.Context) (*teardown, error) {
	var (
		victim *deployment
		ready  int
	)
	for _, d := range m.deployments {
		if d.status != types.DeploymentReady {
			continue
		}
		ready++
		if d.inFlight > 0 {
			continue
		}
		if victim == nil || lessEvictable(d, victim) {
			victim = d
		}
	}
	if victim == nil {
		if ready > 0 {
			return nil, &EvictionBlockedError{Pinned: ready}
		}
		return nil, errNoCandidates
	}
	return m.teardownLocked(ctx, victim, types.DeploymentUnloaded, "evicted", journal.EventDeployEvicted), nil
}

func lessEvictable(a, b *deployment) bool {
	if !a.lastUsed.Equal(b.lastUsed) {
		return a.lastUsed.Before(b.lastUsed)
	}
	if a.inferenceCount != b.inferenceCount {
		return a.inferenceCount < b.inferenceCount
	}
	return a.id < b.id
}

// teardownLocked releases the allocation and detaches the worker handle. The
// journal entry and process termination happen in finish, outside the lock.
func (m *Manager) teardownLocked(ctx context.Context, d *deployment, status types.DeploymentStatus, reason, event string) *teardown {
	m.alloc.Deallocate(ctx, d.id)
	td := &teardown{
		id:     d.id,
		owner:  d.ownerUserID,
		gb:     d.memoryGB,
		event:  event,
		status: status,
		reason: reason,
		handle: d.handle,
	}
	d.status = status
	d.errCause = reason
	d.handle = nil
	return td
}

func (m *Manager) finish(ctx context.Context, torn []*teardown) {
	for _, td := range torn {
		m.logger.Info("deployment torn down",
			zap.String("deployment_id", td.id),
			zap.String("status", string(td.status)),
			zap.String("reason", td.reason))
		m.journal.Record(ctx, td.event, td.owner, journal.DeploymentPayload{
			DeploymentID: td.id,
			Status:       string(td.status),
			MemoryGB:     td.gb,
			Reason:       td.reason,
		})
		if td.handle != nil {
			m.terminateHandle(ctx, td.id, td.handle)
		}
	}
}

func (m *Manager) terminateHandle(ctx context.Context, id string, handle worker.Handle) {
	if err := handle.Terminate(ctx); err != nil {
		m.logger.Warn("worker termination failed",
			zap.String("deployment_id", id),
			zap.Error(err))
	}
}

// abortLoad unwinds a deployment that never became ready. The record is
// removed entirely; only ready deployments transition to error.
func (m *Manager) abortLoad(ctx context.Context, id string, handle worker.Handle) {
	m.mu.Lock()
	d, ok := m.deployments[id]
	if ok && d.status == types.DeploymentLoading {
		delete(m.deployments, id)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		m.alloc.Deallocate(ctx, id)
		m.journal.Record(ctx, journal.EventDeployError, "", journal.DeploymentPayload{
			DeploymentID: id,
			Status:       string(types.DeploymentError),
			Reason:       "load aborted",
		})
	}
	if handle != nil {
		m.terminateHandle(ctx, id, handle)
	}
}

// Unload releases a deployment's memory and terminates its worker. It is
// idempotent on deployments already unloaded or errored.
func (m *Manager) Unload(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{DeploymentID: deploymentID}
	}
	if d.status == types.DeploymentUnloaded || d.status == types.DeploymentError {
		m.mu.Unlock()
		return nil
	}
	td := m.teardownLocked(ctx, d, types.DeploymentUnloaded, "unloaded", journal.EventDeployUnloaded)
	m.mu.Unlock()

	m.finish(ctx, []*teardown{td})
	return nil
}

// MarkError is the health monitor's delegation point: same teardown as
// Unload but the record keeps status error so the condition stays visible
// and a later request may redeploy.
func (m *Manager) MarkError(ctx context.Context, deploymentID, cause string) error {
	m.mu.Lock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{DeploymentID: deploymentID}
	}
	if d.status != types.DeploymentReady && d.status != types.DeploymentLoading {
		m.mu.Unlock()
		return nil
	}
	td := m.teardownLocked(ctx, d, types.DeploymentError, cause, journal.EventDeployError)
	m.mu.Unlock()

	m.finish(ctx, []*teardown{td})
	return nil
}

// Acquire pins a ready deployment for the duration of a request and returns
// its worker handle. The release func must be called exactly once. Recency
// and the inference counter update here, at routing time.
func (m *Manager) Acquire(deploymentID string) (worker.Handle, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deployments[deploymentID]
	if !ok {
		return nil, nil, &NotFoundError{DeploymentID: deploymentID}
	}
	if d.status != types.DeploymentReady {
		return nil, nil, &NotReadyError{DeploymentID: deploymentID, Status: d.status}
	}

	d.inFlight++
	d.inferenceCount++
	d.lastUsed = time.Now()
	m.alloc.UpdateLastAccessed(d.id)

	handle := d.handle
	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			d.inFlight--
			m.mu.Unlock()
		})
	}
	return handle, release, nil
}

// ResolveForUser returns a ready deployment id for the user, deploying the
// latest artifact version if none is loaded. Ready deployments win by
// highest version.
func (m *Manager) ResolveForUser(ctx context.Context, ownerUserID string) (string, error) {
	m.mu.Lock()
	var best *deployment
	for _, d := range m.deployments {
		if d.ownerUserID != ownerUserID || d.status != types.DeploymentReady {
			continue
		}
		if best == nil || d.version > best.version || (d.version == best.version && d.id < best.id) {
			best = d
		}
	}
	m.mu.Unlock()

	if best != nil {
		return best.id, nil
	}
	return m.Deploy(ctx, ownerUserID, "", 0)
}

// Roster snapshots every deployment record, ready or not, sorted by id.
func (m *Manager) Roster() []types.DeploymentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]types.DeploymentInfo, 0, len(m.deployments))
	for _, d := range m.deployments {
		infos = append(infos, types.DeploymentInfo{
			ID:             d.id,
			OwnerUserID:    d.ownerUserID,
			ArtifactPath:   d.artifactPath,
			Version:        d.version,
			Status:         d.status,
			MemoryUsageGB:  d.memoryGB,
			InferenceCount: d.inferenceCount,
			LastUsed:       d.lastUsed,
			InFlight:       d.inFlight,
			Error:          d.errCause,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// WorkerAlive reports whether a deployment's worker process is still running.
func (m *Manager) WorkerAlive(deploymentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deployments[deploymentID]
	return ok && d.handle != nil && d.handle.Alive()
}

// Shutdown unloads every live deployment. Used on daemon exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var torn []*teardown
	for _, d := range m.deployments {
		if d.status == types.DeploymentReady || d.status == types.DeploymentLoading {
			torn = append(torn, m.teardownLocked(ctx, d, types.DeploymentUnloaded, "shutdown", journal.EventDeployUnloaded))
		}
	}
	m.mu.Unlock()

	m.finish(ctx, torn)
}
