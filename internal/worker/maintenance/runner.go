// Package maintenance はクラスタ内で1台だけが実行するメンテナンスタスクの定期実行を提供する。
// 各タスクは実行前にタスクロックの所有を確認し、実行後にハートビートを更新する。
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/dashboard/internal/metrics"
)

// DefaultSchedule はメンテナンスティックの既定スケジュール。
const DefaultSchedule = "@every 1m"

// TaskLocker はタスクロックの所有確認とハートビート更新を行う。*tasklock.Coordinator が実装する。
type TaskLocker interface {
	CheckTaskLock(ctx context.Context, task string) (bool, error)
	UpdateTaskLock(ctx context.Context, task string) error
}

// Task は名前付きのメンテナンスタスク。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner はcronのティックごとに全タスクを順に評価する。
type Runner struct {
	locker  TaskLocker
	tasks   []Task
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewRunner は新しいRunnerを生成する。
func NewRunner(locker TaskLocker, tasks []Task, collector metrics.MetricsCollector, logger *slog.Logger) *Runner {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		locker:  locker,
		tasks:   tasks,
		metrics: collector,
		logger:  logger,
	}
}

// Start はscheduleに従ってティックを実行する。ctxがキャンセルされるまでブロックする。
// 実行中のティックは完了を待ってから戻る。
func (r *Runner) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("メンテナンススケジュールが不正です: %q: %w", schedule, err)
	}

	r.logger.Info("メンテナンススケジューラを開始しました",
		slog.String("schedule", schedule),
		slog.Int("task_count", len(r.tasks)),
	)
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	r.logger.Info("メンテナンススケジューラを停止しました")
	return nil
}

// RunOnce は1回のティックを実行する。
// 所有していないタスクは飛ばし、1つのタスクの失敗は他のタスクに影響しない。
func (r *Runner) RunOnce(ctx context.Context) {
	for _, task := range r.tasks {
		if ctx.Err() != nil {
			return
		}
		r.runTask(ctx, task)
	}
}

func (r *Runner) runTask(ctx context.Context, task Task) {
	owned, err := r.locker.CheckTaskLock(ctx, task.Name)
	if err != nil {
		r.logger.Error("タスクロックの確認に失敗しました",
			slog.String("task", task.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !owned {
		return
	}

	start := time.Now()
	err = task.Run(ctx)
	duration := time.Since(start)
	if err != nil {
		r.metrics.RecordTaskRun(task.Name, metrics.TaskResultFailure, duration)
		r.logger.Error("メンテナンスタスクの実行に失敗しました",
			slog.String("task", task.Name),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	} else {
		r.metrics.RecordTaskRun(task.Name, metrics.TaskResultSuccess, duration)
		r.logger.Debug("メンテナンスタスクが完了しました",
			slog.String("task", task.Name),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}

	// 失敗した場合も所有は継続しているためハートビートを更新する
	if err := r.locker.UpdateTaskLock(ctx, task.Name); err != nil {
		r.logger.Warn("タスクロックのハートビート更新に失敗しました",
			slog.String("task", task.Name),
			slog.String("error", err.Error()),
		)
	}
}
