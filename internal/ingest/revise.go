package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/recurrence"
	"github.com/hitoshi/dashboard/internal/repository"
)

// reviseNews はニュース項目を読み込み、mutateで変更して保存する。
func (s *Service) reviseNews(ctx context.Context, entityRef string, mutate func(item *model.NewsItem)) error {
	err := s.uow.Do(ctx, func(st repository.Store) error {
		item, err := st.FindNewsItem(ctx, entityRef)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("ニュース項目が見つかりません: %s: %w", entityRef, model.ErrNotFound)
		}
		mutate(item)
		return st.UpdateNewsItem(ctx, item)
	})
	if err != nil {
		s.logger.Warn("ニュース項目の改訂に失敗しました",
			slog.String("entity_ref", entityRef),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// ReviseNewsTitle はニュース項目のタイトルを変更する。
func (s *Service) ReviseNewsTitle(ctx context.Context, entityRef, title string) error {
	return s.reviseNews(ctx, entityRef, func(item *model.NewsItem) {
		item.Title = title
	})
}

// ReviseNewsTime はニュース項目の時刻を変更する。
func (s *Service) ReviseNewsTime(ctx context.Context, entityRef string, at time.Time) error {
	return s.reviseNews(ctx, entityRef, func(item *model.NewsItem) {
		item.NewsTime = at
	})
}

// reviseCalendarItems はmatchに一致するカレンダー項目をmutateで変更して保存し、件数を返す。
func (s *Service) reviseCalendarItems(
	ctx context.Context,
	entityRef string,
	match func(item *model.CalendarItem) bool,
	mutate func(item *model.CalendarItem),
) (int, error) {
	var n int
	err := s.uow.Do(ctx, func(st repository.Store) error {
		items, err := st.ListCalendarItemsByEntity(ctx, entityRef)
		if err != nil {
			return err
		}
		for _, item := range items {
			if !match(item) {
				continue
			}
			mutate(item)
			if err := st.UpdateCalendarItem(ctx, item); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("カレンダー項目の改訂に失敗しました: %w", err)
	}
	return n, nil
}

// ReviseCalendarTitle はEntityReferenceを共有する全てのカレンダー項目のタイトルを変更し、件数を返す。
func (s *Service) ReviseCalendarTitle(ctx context.Context, entityRef, title string) (int, error) {
	return s.reviseCalendarItems(ctx, entityRef,
		func(*model.CalendarItem) bool { return true },
		func(item *model.CalendarItem) { item.Title = title },
	)
}

// ReviseCalendarTime は (EntityReference, ラベルキー, シーケンス番号) で特定される1件の時刻を変更する。
func (s *Service) ReviseCalendarTime(ctx context.Context, entityRef, labelKey string, seq *int, at time.Time) error {
	err := s.uow.Do(ctx, func(st repository.Store) error {
		item, err := st.FindCalendarItem(ctx, entityRef, labelKey, seq)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("カレンダー項目が見つかりません: %s: %w", entityRef, model.ErrNotFound)
		}
		item.CalendarTime = at
		return st.UpdateCalendarItem(ctx, item)
	})
	if err != nil {
		return fmt.Errorf("カレンダー項目の時刻の変更に失敗しました: %w", err)
	}
	return nil
}

// ReviseCalendarTimes はEntityReferenceを共有する単発のカレンダー項目の時刻を全てatに変更し、件数を返す。
// 繰り返しイベントの回は定義から時刻が決まるため対象外とする。
func (s *Service) ReviseCalendarTimes(ctx context.Context, entityRef string, at time.Time) (int, error) {
	return s.reviseCalendarItems(ctx, entityRef,
		func(item *model.CalendarItem) bool { return item.RepeatingCalendarItemID == "" },
		func(item *model.CalendarItem) { item.CalendarTime = at },
	)
}

// ReviseCalendarLabelKey はラベルキーがoldKeyのカレンダー項目をnewKeyに変更し、件数を返す。
// 同じラベルキーの繰り返しイベント定義があれば同じトランザクションで定義も変更する。
func (s *Service) ReviseCalendarLabelKey(ctx context.Context, entityRef, oldKey, newKey string) (int, error) {
	if oldKey == newKey {
		return 0, nil
	}
	var n int
	err := s.uow.Do(ctx, func(st repository.Store) error {
		rule, err := st.FindRepeatingCalendarItem(ctx, entityRef, oldKey)
		if err != nil {
			return err
		}
		if rule != nil {
			rule.CalendarTimeLabelKey = newKey
			if err := st.UpdateRepeatingCalendarItem(ctx, rule); err != nil {
				return err
			}
		}
		items, err := st.ListCalendarItemsByEntity(ctx, entityRef)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.CalendarTimeLabelKey != oldKey {
				continue
			}
			item.CalendarTimeLabelKey = newKey
			if err := st.UpdateCalendarItem(ctx, item); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("カレンダー項目のラベルキーの変更に失敗しました: %w", err)
	}
	return n, nil
}

// RepeatingRevision は繰り返しイベント定義の部分更新。nilの項目は変更しない。
type RepeatingRevision struct {
	Title     *string
	FirstTime *time.Time
	LastTime  *time.Time
	Frequency *model.Frequency
	Count     *int
}

// ReviseRepeating は繰り返しイベント定義を変更し、生成済みの回に反映する。
// タイトルは全ての回を書き換え、時刻と頻度は展開期間内の回を再展開で揃える。
func (s *Service) ReviseRepeating(ctx context.Context, entityRef, labelKey string, rev RepeatingRevision) (*recurrence.ExpandResult, error) {
	var rule *model.RepeatingCalendarItem
	err := s.uow.Do(ctx, func(st repository.Store) error {
		var err error
		rule, err = st.FindRepeatingCalendarItem(ctx, entityRef, labelKey)
		if err != nil {
			return err
		}
		if rule == nil {
			return fmt.Errorf("繰り返しイベントが見つかりません: %s: %w", entityRef, model.ErrNotFound)
		}
		if rev.Title != nil {
			rule.Title = *rev.Title
		}
		if rev.FirstTime != nil {
			rule.FirstTime = *rev.FirstTime
		}
		if rev.LastTime != nil {
			rule.LastTime = *rev.LastTime
		}
		if rev.Frequency != nil {
			rule.Frequency = *rev.Frequency
		}
		if rev.Count != nil {
			rule.Count = *rev.Count
		}
		if !rule.LastTime.IsZero() && rule.LastTime.Before(rule.FirstTime) {
			return fmt.Errorf("最終日時は開始日時以降である必要があります: %w", model.ErrInvalidInput)
		}
		if err := st.UpdateRepeatingCalendarItem(ctx, rule); err != nil {
			return err
		}
		if rev.Title == nil {
			return nil
		}
		occurrences, err := st.ListCalendarItemsByRule(ctx, rule.ID)
		if err != nil {
			return err
		}
		for _, occ := range occurrences {
			occ.Title = rule.Title
			if err := st.UpdateCalendarItem(ctx, occ); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("繰り返しイベントの改訂に失敗しました: %w", err)
	}

	now := s.now()
	return s.expander.Expand(ctx, rule, now, now.Add(s.horizon))
}

// RemoveRepeating は繰り返しイベント定義と、生成された全ての回およびそのリンクを削除する。
func (s *Service) RemoveRepeating(ctx context.Context, entityRef, labelKey string) error {
	err := s.uow.Do(ctx, func(st repository.Store) error {
		rule, err := st.FindRepeatingCalendarItem(ctx, entityRef, labelKey)
		if err != nil || rule == nil {
			return err
		}
		occurrences, err := st.ListCalendarItemsByRule(ctx, rule.ID)
		if err != nil {
			return err
		}
		for _, occ := range occurrences {
			if _, err := st.DeleteLinksForItem(ctx, model.LinkKindCalendar, occ.ID); err != nil {
				return err
			}
			if err := st.DeleteCalendarItem(ctx, occ.ID); err != nil {
				return err
			}
		}
		return st.DeleteRepeatingCalendarItem(ctx, rule.ID)
	})
	if err != nil {
		return fmt.Errorf("繰り返しイベントの削除に失敗しました: %w", err)
	}
	return s.RemoveAvailabilityChecks(ctx, entityRef)
}
