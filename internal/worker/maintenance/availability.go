package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dashboard/internal/fanout"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
)

// LinkReconciler は公開状態の変化に応じてリンクを張り直す。*fanout.Engine が実装する。
type LinkReconciler interface {
	ReconcileNews(ctx context.Context, entityRef string) error
	ReconcileCalendar(ctx context.Context, entityRef string) error
	RemoveNewsLinks(ctx context.Context, entityRef string) error
	RemoveCalendarLinks(ctx context.Context, entityRef string) error
}

// AvailabilityTask は予約時刻を過ぎた公開状態の再評価を処理する。
type AvailabilityTask struct {
	uow    repository.UnitOfWork
	caps   fanout.CapabilityLookup
	links  LinkReconciler
	now    func() time.Time
	logger *slog.Logger
}

// NewAvailabilityTask は新しいAvailabilityTaskを生成する。nowがnilの場合はtime.Now。
func NewAvailabilityTask(
	uow repository.UnitOfWork,
	caps fanout.CapabilityLookup,
	links LinkReconciler,
	now func() time.Time,
	logger *slog.Logger,
) *AvailabilityTask {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AvailabilityTask{uow: uow, caps: caps, links: links, now: now, logger: logger}
}

// Task はRunnerに登録するTaskを返す。
func (t *AvailabilityTask) Task() Task {
	return Task{Name: model.TaskCheckAvailability, Run: t.Run}
}

// Run は期限の来た予約を古い順に処理する。
// 公開中であればリンクを張り直し、非公開であればリンクを削除してから予約を削除する。
// 判定に失敗した予約は次回のティックで再試行するため残す。
func (t *AvailabilityTask) Run(ctx context.Context) error {
	var checks []*model.AvailabilityCheck
	err := t.uow.Do(ctx, func(s repository.Store) error {
		var err error
		checks, err = s.ListDueAvailabilityChecks(ctx, t.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("公開状態の再評価予約の取得に失敗しました: %w", err)
	}

	processed := 0
	for _, check := range checks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !t.evaluate(ctx, check) {
			continue
		}
		err := t.uow.Do(ctx, func(s repository.Store) error {
			return s.DeleteAvailabilityCheck(ctx, check.ID)
		})
		if err != nil {
			return fmt.Errorf("公開状態の再評価予約の削除に失敗しました: %w", err)
		}
		processed++
	}

	if len(checks) > 0 {
		t.logger.Info("公開状態の再評価を処理しました",
			slog.Int("due_count", len(checks)),
			slog.Int("processed_count", processed),
		)
	}
	return nil
}

// evaluate は1件の予約を処理し、予約を削除してよいかを返す。
func (t *AvailabilityTask) evaluate(ctx context.Context, check *model.AvailabilityCheck) bool {
	c, err := t.caps.Lookup(check.SourceTypeID)
	if err != nil {
		// 登録されていないソース種別は再試行しても解決しない
		t.logger.Warn("ソース種別のCapabilityが登録されていません",
			slog.String("entity_ref", check.EntityReference),
			slog.String("source_type", check.SourceTypeID),
		)
		return true
	}
	available, err := c.IsAvailable(ctx, check.EntityReference)
	if err != nil {
		t.logger.Warn("公開状態の判定に失敗しました",
			slog.String("entity_ref", check.EntityReference),
			slog.String("error", err.Error()),
		)
		return false
	}

	var newsErr, calErr error
	if available {
		newsErr = t.links.ReconcileNews(ctx, check.EntityReference)
		calErr = t.links.ReconcileCalendar(ctx, check.EntityReference)
	} else {
		newsErr = t.links.RemoveNewsLinks(ctx, check.EntityReference)
		calErr = t.links.RemoveCalendarLinks(ctx, check.EntityReference)
	}
	for _, err := range []error{newsErr, calErr} {
		if err != nil {
			t.logger.Warn("公開状態に応じたリンクの更新に失敗しました",
				slog.String("entity_ref", check.EntityReference),
				slog.Bool("available", available),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	return true
}
