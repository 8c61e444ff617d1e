// Package app assembles the orchestrator. Components are wired through
// option funcs so the daemon and the CLI subcommands can pick the slice of
// the system they need.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/allocator"
	"github.com/evermind-ai/persona-server/internal/artifacts"
	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/db"
	"github.com/evermind-ai/persona-server/internal/db/models"
	"github.com/evermind-ai/persona-server/internal/db/repository"
	"github.com/evermind-ai/persona-server/internal/deployment"
	"github.com/evermind-ai/persona-server/internal/health"
	"github.com/evermind-ai/persona-server/internal/inference"
	"github.com/evermind-ai/persona-server/internal/journal"
	"github.com/evermind-ai/persona-server/internal/metrics"
	"github.com/evermind-ai/persona-server/internal/mq"
	"github.com/evermind-ai/persona-server/internal/services/filestorage"
	"github.com/evermind-ai/persona-server/internal/services/fileuploader"
	"github.com/evermind-ai/persona-server/internal/services/safetyfilter"
	"github.com/evermind-ai/persona-server/internal/services/voice"
	"github.com/evermind-ai/persona-server/internal/trainer"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/evermind-ai/persona-server/internal/worker"
	"github.com/evermind-ai/persona-server/pkg/logger"
)

type App struct {
	config     *config.Config
	ctx        context.Context
	cancelFunc context.CancelFunc

	mq           mq.MQ
	db           *bun.DB
	storage      filestorage.FileStorage
	fileuploader *fileuploader.Uploader

	Logger       *zap.Logger
	Journal      *journal.Recorder
	Allocator    *allocator.Allocator
	Artifacts    *artifacts.Store
	Deployments  *deployment.Manager
	Trainer      *trainer.Queue
	Inference    *inference.Pipeline
	Health       *health.Monitor
	SafetyFilter *safetyfilter.Filter
	Voice        *voice.Synthesizer

	APIKeyRepository repository.IAPIKeyRepository
	EventRepository  repository.IEventRepository
}

// Option funcs used to initialize the App struct
type OptionFunc func(app *App) error

func WithLogger(l *zap.Logger) OptionFunc {
	return func(app *App) error {
		app.Logger = l
		return nil
	}
}

func WithMQ() OptionFunc {
	return func(app *App) error {
		bus, err := mq.NewMQ(app.config)
		if err != nil {
			return err
		}
		app.mq = bus
		return nil
	}
}

// WithDBInitialization opens the configured database, ensures the journal
// and API key tables exist and builds the repositories. With no DSN the app
// runs without a database: the journal stays log-only and API keys cannot be
// checked, so auth should be disabled too.
func WithDBInitialization() OptionFunc {
	return func(app *App) error {
		conn, err := db.NewConnection(app.ctx, app.config)
		if err != nil {
			if errors.Is(err, db.ErrNoDSN) {
				app.Logger.Info("no database configured; journal runs log-only")
				return nil
			}
			return err
		}
		app.db = conn.GetDB()
		app.Logger.Info("journal database connected", zap.String("driver", conn.Name()))

		err = app.db.RunInTx(app.ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			tables := []interface{}{
				(*models.APIKey)(nil),
				(*models.Event)(nil),
			}

			for _, table := range tables {
				if _, err := tx.NewCreateTable().
					Model(table).
					IfNotExists().
					Exec(ctx); err != nil {
					return fmt.Errorf("failed to create table: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		app.APIKeyRepository = repository.NewAPIKeyRepository(app.db)
		app.EventRepository = repository.NewEventRepository(app.db)
		return nil
	}
}

func WithJournal() OptionFunc {
	return func(app *App) error {
		app.Journal = journal.NewRecorder(app.Logger, app.EventRepository)
		return nil
	}
}

func WithFileUploader() OptionFunc {
	return func(app *App) error {
		if err := ensureStorage(app); err != nil {
			return err
		}
		app.fileuploader = fileuploader.NewFileUploader(app.storage, 10, app.Logger)
		return nil
	}
}

func WithSafetyFilter() OptionFunc {
	return func(app *App) error {
		filter, err := safetyfilter.New(app.config, app.Logger)
		if err != nil {
			return err
		}
		app.SafetyFilter = filter
		return nil
	}
}

func WithVoice() OptionFunc {
	return func(app *App) error {
		if err := ensureStorage(app); err != nil {
			return err
		}
		synth, err := voice.NewSynthesizer(app.config, app.storage, app.Logger)
		if err != nil {
			return err
		}
		app.Voice = synth
		return nil
	}
}

// WithCapacity wires the memory allocator and the artifact store.
func WithCapacity() OptionFunc {
	return func(app *App) error {
		if app.Journal == nil {
			return fmt.Errorf("capacity requires the journal")
		}

		app.Allocator = allocator.New(allocator.Config{
			TotalGB:               app.config.Capacity.TotalGB,
			OptimizeUtilization:   app.config.Capacity.OptimizeUtilization,
			OptimizeFragmentation: app.config.Capacity.OptimizeFragmentation,
		}, app.Logger, app.Journal)
		app.Artifacts = artifacts.NewStore(app.config, app.Logger)
		return nil
	}
}

// WithDeployments wires the worker runtime and the deployment manager.
func WithDeployments() OptionFunc {
	return func(app *App) error {
		if app.Allocator == nil || app.Artifacts == nil {
			return fmt.Errorf("deployments require capacity")
		}

		runtime := worker.NewExecRuntime(app.config.Worker, app.Logger)
		app.Deployments = deployment.NewManager(
			deployment.ConfigFrom(app.config),
			app.Allocator, app.Artifacts, runtime, app.Journal, app.Logger)
		return nil
	}
}

// WithTrainer wires the training queue. The file uploader is optional; when
// present, finished artifacts are also published to storage.
func WithTrainer() OptionFunc {
	return func(app *App) error {
		if app.Allocator == nil || app.Artifacts == nil {
			return fmt.Errorf("trainer requires capacity")
		}
		if app.mq == nil {
			return fmt.Errorf("trainer requires the message queue")
		}

		runtime := worker.NewExecRuntime(app.config.Worker, app.Logger)
		app.Trainer = trainer.NewQueue(
			trainer.ConfigFrom(app.config),
			app.Allocator, app.Artifacts, runtime, app.mq, app.Journal, app.fileuploader, app.Logger)
		return nil
	}
}

func WithInference() OptionFunc {
	return func(app *App) error {
		if app.Deployments == nil {
			return fmt.Errorf("inference requires deployments")
		}

		var filter inference.QueryFilter
		if app.SafetyFilter != nil {
			filter = app.SafetyFilter
		}
		var synth inference.VoiceSynthesizer
		if app.Voice != nil {
			synth = app.Voice
		}

		app.Inference = inference.NewPipeline(
			inference.ConfigFrom(app.config),
			app.Deployments, filter, synth, app.Logger)
		return nil
	}
}

func WithHealth() OptionFunc {
	return func(app *App) error {
		if app.Allocator == nil || app.Deployments == nil || app.Inference == nil {
			return fmt.Errorf("health requires capacity, deployments and inference")
		}

		app.Health = health.NewMonitor(
			health.ConfigFrom(app.config),
			app.Allocator, app.Deployments, app.Inference.Errors(), app.Logger)
		return nil
	}
}

// WithMetrics hooks the journal into the event counters and exposes the
// capacity books as scrape-time gauges.
func WithMetrics() OptionFunc {
	return func(app *App) error {
		if app.Journal == nil || app.Allocator == nil {
			return fmt.Errorf("metrics require the journal and capacity")
		}

		app.Journal.Observe(metrics.RecordEvent)

		alloc := app.Allocator
		metrics.RegisterGauge("memory_total_gb", "Configured accelerator memory", func() float64 {
			return alloc.Stats().TotalGB
		})
		metrics.RegisterGauge("memory_allocated_gb", "Currently allocated accelerator memory", func() float64 {
			return alloc.Stats().AllocatedGB
		})
		metrics.RegisterGauge("memory_utilization_pct", "Accelerator memory utilization percent", func() float64 {
			return alloc.Stats().UtilizationPct
		})

		if q := app.Trainer; q != nil {
			metrics.RegisterGauge("training_queue_depth", "Jobs waiting to run", func() float64 {
				return float64(q.Stats().Depth)
			})
			metrics.RegisterGauge("training_jobs_running", "Jobs currently running", func() float64 {
				return float64(q.Stats().Running)
			})
		}
		if m := app.Deployments; m != nil {
			metrics.RegisterGauge("deployments_ready", "Deployments serving inference", func() float64 {
				n := 0
				for _, info := range m.Roster() {
					if info.Status == types.DeploymentReady {
						n++
					}
				}
				return float64(n)
			})
		}
		return nil
	}
}

func ensureStorage(app *App) error {
	if app.storage != nil {
		return nil
	}

	storage, err := filestorage.NewFileStorage(app.config)
	if err != nil {
		return err
	}
	app.storage = storage
	return nil
}

func NewApp(cfg *config.Config, options ...OptionFunc) (*App, error) {
	l, err := logger.InitLogger(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		ctx:        ctx,
		config:     cfg,
		Logger:     l,
		cancelFunc: cancel,
	}

	// Apply all options
	for _, opt := range options {
		if err := opt(app); err != nil {
			// Continue even if some options fail
			app.Logger.Error("failed to apply option", zap.Error(err))
		}
	}

	return app, nil
}

// Close tears the system down in dependency order: stop flagging, drain the
// queue, unload deployments, then flush uploads and connections.
func (app *App) Close() {
	if app.Health != nil {
		app.Health.Stop()
	}
	if app.Trainer != nil {
		app.Trainer.Stop(app.ctx)
	}
	if app.Deployments != nil {
		app.Deployments.Shutdown(app.ctx)
	}

	app.cancelFunc()

	if app.fileuploader != nil {
		app.fileuploader.Stop()
	}
	if app.mq != nil {
		app.mq.Close()
	}
	if app.db != nil {
		app.db.Close()
	}
	_ = app.Logger.Sync()
}

func (app *App) Config() *config.Config {
	return app.config
}

func (app *App) Context() context.Context {
	return app.ctx
}

func (app *App) MQ() mq.MQ {
	return app.mq
}

func (app *App) DB() *bun.DB {
	return app.db
}

func (app *App) Uploader() *fileuploader.Uploader {
	return app.fileuploader
}

func (app *App) Storage() filestorage.FileStorage {
	return app.storage
}
