package app

import (
	"fmt"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/config"
	"github.com/hitoshi/dashboard/internal/directory"
	"github.com/hitoshi/dashboard/internal/fanout"
	"github.com/hitoshi/dashboard/internal/ingest"
	"github.com/hitoshi/dashboard/internal/metrics"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/recurrence"
	"github.com/hitoshi/dashboard/internal/repository"
	"github.com/hitoshi/dashboard/internal/source"
	"github.com/hitoshi/dashboard/internal/tasklock"
	"github.com/hitoshi/dashboard/internal/worker/cleanup"
	"github.com/hitoshi/dashboard/internal/worker/maintenance"
)

// Domain はストレージ上に組み立てたドメインサービス一式。
// serveとworkerの両方が同じ組み立てを使う。
type Domain struct {
	Registry    *source.Registry
	Directory   *directory.Service
	Fanout      *fanout.Engine
	Expander    *recurrence.Expander
	Coordinator *tasklock.Coordinator
	Ingest      *ingest.Service

	cfg    *config.Config
	logger *slog.Logger
}

// NewDomain はCapabilityを登録し、各サービスを依存順に生成する。
func NewDomain(
	uow repository.UnitOfWork,
	cfg *config.Config,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	caps ...source.Capability,
) (*Domain, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := source.NewRegistry(caps...)
	if err != nil {
		return nil, fmt.Errorf("failed to register capabilities: %w", err)
	}

	coordinator, err := tasklock.NewCoordinator(uow, tasklock.Config{
		ServerID:          cfg.ServerID,
		NegotiationWindow: cfg.TaskNegotiationWindow,
		ExpirationPeriod:  cfg.TaskLockExpiration,
		BackoffDelay:      cfg.TaskBackoffDelay,
	}, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task lock coordinator: %w", err)
	}

	dir := directory.NewService(uow, nil, cfg.ServerURL, logger)
	engine := fanout.NewEngine(uow, registry, collector, logger)
	expander := recurrence.NewExpander(uow, registry, engine, collector, logger)
	ingestService := ingest.NewService(uow, dir, registry, engine, expander, ingest.Config{
		Horizon: cfg.Horizon(),
	}, logger)

	return &Domain{
		Registry:    registry,
		Directory:   dir,
		Fanout:      engine,
		Expander:    expander,
		Coordinator: coordinator,
		Ingest:      ingestService,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// MaintenanceTasks はRunnerに登録するタスクを返す。
// Capabilityが1つも登録されていない場合、公開状態の予約を破棄しないようcheck-availabilityは登録しない。
func (d *Domain) MaintenanceTasks(uow repository.UnitOfWork, db cleanup.Executor) []maintenance.Task {
	var tasks []maintenance.Task

	if len(d.Registry.Identifiers()) > 0 {
		availability := maintenance.NewAvailabilityTask(uow, d.Registry, d.Fanout, nil, d.logger)
		tasks = append(tasks, availability.Task())
	} else {
		d.logger.Warn("Capabilityが登録されていないため公開状態の再評価を無効にします",
			slog.String("task", model.TaskCheckAvailability),
		)
	}

	repeating := maintenance.NewRepeatingTask(uow, d.Expander, d.cfg.Horizon(), nil, d.logger)
	tasks = append(tasks, repeating.Task())

	if db != nil {
		job := cleanup.NewCleanupJob(db, d.logger)
		job.RetentionWeeks = d.cfg.RemoveItemsAfterWeeks
		job.StarredRetentionWeeks = d.cfg.RemoveStarredAfterWeeks
		tasks = append(tasks, maintenance.Task{Name: model.TaskExpireAndPurge, Run: job.Run})
	}

	return tasks
}
