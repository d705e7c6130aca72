package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
)

// MaterializeCalendar はカレンダー項目にアクセスできる全ユーザーへリンクを作成し、作成件数を返す。
func (e *Engine) MaterializeCalendar(ctx context.Context, item *model.CalendarItem) (int, error) {
	var added int
	err := e.uow.Do(ctx, func(s repository.Store) error {
		var err error
		added, err = e.MaterializeCalendarIn(ctx, s, item)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("カレンダーリンクの作成に失敗しました: %w", err)
	}
	return added, nil
}

// MaterializeCalendarIn は呼び出し側のトランザクションに束縛されたStore上でリンクを作成する。
// 繰り返しイベントの展開で、回の作成とリンク作成を1つの単位にまとめるために使用する。
func (e *Engine) MaterializeCalendarIn(ctx context.Context, s repository.Store, item *model.CalendarItem) (int, error) {
	c, err := e.capability(item.SourceType, item.EntityReference)
	if err != nil {
		return 0, err
	}
	added, err := e.materializeIn(ctx, s, model.LinkKindCalendar, item.ID, contextKey(item.Context), item.EntityReference, c)
	if err != nil {
		return 0, err
	}
	e.logger.Debug("カレンダーリンクを作成しました",
		slog.String("entity_ref", item.EntityReference),
		slog.Int("sequence_number", item.SequenceValue()),
		slog.Int("added", added),
	)
	return added, nil
}

// ReconcileCalendar はEntityReferenceを共有する全てのカレンダー項目のリンクを
// 現在のアクセス集合に一致させる。アクセス集合の取得は1回のみ行う。
func (e *Engine) ReconcileCalendar(ctx context.Context, entityRef string) error {
	var added, removed int
	err := e.uow.Do(ctx, func(s repository.Store) error {
		items, err := s.ListCalendarItemsByEntity(ctx, entityRef)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		c, err := e.capability(items[0].SourceType, entityRef)
		if err != nil {
			return err
		}
		access, err := c.UsersWithAccess(ctx, entityRef)
		if err != nil {
			return fmt.Errorf("アクセス可能ユーザーの取得に失敗しました: %w", err)
		}
		for _, item := range items {
			a, r, err := e.reconcileIn(ctx, s, model.LinkKindCalendar, item.ID, contextKey(item.Context), access)
			if err != nil {
				return err
			}
			added += a
			removed += r
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("カレンダーリンクの再計算に失敗しました: %w", err)
	}

	e.logger.Info("カレンダーリンクを再計算しました",
		slog.String("entity_ref", entityRef),
		slog.Int("added", added),
		slog.Int("removed", removed),
	)
	return nil
}

// RetractCalendar はEntityReferenceを共有する全てのカレンダー項目とそのリンクを削除する。
func (e *Engine) RetractCalendar(ctx context.Context, entityRef string) error {
	err := e.uow.Do(ctx, func(s repository.Store) error {
		items, err := s.ListCalendarItemsByEntity(ctx, entityRef)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := e.retractCalendarIn(ctx, s, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("カレンダー項目の撤回に失敗しました: %w", err)
	}
	return nil
}

// RetractCalendarOccurrence は (EntityReference, ラベルキー, シーケンス番号) で特定される1件を削除する。
func (e *Engine) RetractCalendarOccurrence(ctx context.Context, entityRef, labelKey string, seq *int) error {
	err := e.uow.Do(ctx, func(s repository.Store) error {
		item, err := s.FindCalendarItem(ctx, entityRef, labelKey, seq)
		if err != nil || item == nil {
			return err
		}
		return e.retractCalendarIn(ctx, s, item)
	})
	if err != nil {
		return fmt.Errorf("カレンダー項目の撤回に失敗しました: %w", err)
	}
	return nil
}

func (e *Engine) retractCalendarIn(ctx context.Context, s repository.Store, item *model.CalendarItem) error {
	n, err := s.DeleteLinksForItem(ctx, model.LinkKindCalendar, item.ID)
	if err != nil {
		return err
	}
	e.metrics.RecordLinksRemoved(string(model.LinkKindCalendar), n)
	return s.DeleteCalendarItem(ctx, item.ID)
}

// RemoveCalendarLinks はカレンダー項目を残したまま、全ての回のリンクを削除する。
func (e *Engine) RemoveCalendarLinks(ctx context.Context, entityRef string) error {
	err := e.uow.Do(ctx, func(s repository.Store) error {
		items, err := s.ListCalendarItemsByEntity(ctx, entityRef)
		if err != nil {
			return err
		}
		for _, item := range items {
			n, err := s.DeleteLinksForItem(ctx, model.LinkKindCalendar, item.ID)
			if err != nil {
				return err
			}
			e.metrics.RecordLinksRemoved(string(model.LinkKindCalendar), n)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("カレンダーリンクの削除に失敗しました: %w", err)
	}
	return nil
}

// SetCalendarLinkState はユーザーのカレンダーリンクのhidden/stickyを更新する。
func (e *Engine) SetCalendarLinkState(ctx context.Context, userID, entityRef, labelKey string, seq *int, st LinkState) error {
	return e.uow.Do(ctx, func(s repository.Store) error {
		item, err := s.FindCalendarItem(ctx, entityRef, labelKey, seq)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("カレンダー項目が見つかりません: %s: %w", entityRef, model.ErrNotFound)
		}
		return setLinkStateIn(ctx, s, model.LinkKindCalendar, userID, item.ID, st)
	})
}
