package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/recurrence"
	"github.com/hitoshi/dashboard/internal/repository"
)

// OccurrenceExpander は繰り返しイベントを展開する。*recurrence.Expander が実装する。
type OccurrenceExpander interface {
	Expand(ctx context.Context, rule *model.RepeatingCalendarItem, start, end time.Time) (*recurrence.ExpandResult, error)
}

// RepeatingTask は全ての繰り返しイベントを現在時刻から展開期間分だけ先行展開する。
type RepeatingTask struct {
	uow      repository.UnitOfWork
	expander OccurrenceExpander
	horizon  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewRepeatingTask は新しいRepeatingTaskを生成する。nowがnilの場合はtime.Now。
func NewRepeatingTask(
	uow repository.UnitOfWork,
	expander OccurrenceExpander,
	horizon time.Duration,
	now func() time.Time,
	logger *slog.Logger,
) *RepeatingTask {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RepeatingTask{uow: uow, expander: expander, horizon: horizon, now: now, logger: logger}
}

// Task はRunnerに登録するTaskを返す。
func (t *RepeatingTask) Task() Task {
	return Task{Name: model.TaskUpdateRepeatingEvents, Run: t.Run}
}

// Run は定義ごとに展開する。1件の展開失敗は警告として記録し、残りの定義の展開を続ける。
func (t *RepeatingTask) Run(ctx context.Context) error {
	var rules []*model.RepeatingCalendarItem
	err := t.uow.Do(ctx, func(s repository.Store) error {
		var err error
		rules, err = s.ListRepeatingCalendarItems(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("繰り返しイベントの一覧取得に失敗しました: %w", err)
	}

	start := t.now()
	end := start.Add(t.horizon)
	var total recurrence.ExpandResult
	failed := 0
	for _, rule := range rules {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := t.expander.Expand(ctx, rule, start, end)
		if err != nil {
			failed++
			t.logger.Warn("繰り返しイベントの展開に失敗しました",
				slog.String("entity_ref", rule.EntityReference),
				slog.String("error", err.Error()),
			)
			continue
		}
		total.Created += result.Created
		total.Updated += result.Updated
		total.Deleted += result.Deleted
		total.Skipped += result.Skipped
	}

	t.logger.Info("繰り返しイベントを展開しました",
		slog.Int("rule_count", len(rules)),
		slog.Int("failed_count", failed),
		slog.Int("created", total.Created),
		slog.Int("updated", total.Updated),
		slog.Int("deleted", total.Deleted),
	)
	return nil
}
