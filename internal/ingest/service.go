// Package ingest はコンテンツ提供元のアダプターが呼び出す項目の登録・改訂・削除の入口を提供する。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dashboard/internal/fanout"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/recurrence"
	"github.com/hitoshi/dashboard/internal/repository"
)

// DefaultHorizon は繰り返しイベントを先行して展開する期間の既定値。
const DefaultHorizon = 4 * 7 * 24 * time.Hour

// Directory はContextとSourceTypeを外部IDで解決する。
type Directory interface {
	Context(ctx context.Context, contextID string) (*model.Context, error)
	SourceType(ctx context.Context, identifier string) (*model.SourceType, error)
}

// Fanout は項目のリンク展開を行う。*fanout.Engine が実装する。
type Fanout interface {
	MaterializeNews(ctx context.Context, item *model.NewsItem) (int, error)
	ReconcileNews(ctx context.Context, entityRef string) error
	RemoveNewsLinks(ctx context.Context, entityRef string) error
	RetractNews(ctx context.Context, entityRef string) error
	MaterializeCalendar(ctx context.Context, item *model.CalendarItem) (int, error)
	ReconcileCalendar(ctx context.Context, entityRef string) error
	RemoveCalendarLinks(ctx context.Context, entityRef string) error
	RetractCalendar(ctx context.Context, entityRef string) error
}

// Expander は繰り返しイベントを展開する。*recurrence.Expander が実装する。
type Expander interface {
	Expand(ctx context.Context, rule *model.RepeatingCalendarItem, start, end time.Time) (*recurrence.ExpandResult, error)
}

// Config はServiceの設定。
type Config struct {
	// Horizon は繰り返しイベントを現在時刻から先行展開する期間。
	Horizon time.Duration
	// Now は現在時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
}

// Service は項目の登録・改訂・削除を行う。
type Service struct {
	uow      repository.UnitOfWork
	dir      Directory
	caps     fanout.CapabilityLookup
	fanout   Fanout
	expander Expander
	horizon  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewService は新しいServiceを生成する。
func NewService(
	uow repository.UnitOfWork,
	dir Directory,
	caps fanout.CapabilityLookup,
	f Fanout,
	expander Expander,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		uow:      uow,
		dir:      dir,
		caps:     caps,
		fanout:   f,
		expander: expander,
		horizon:  cfg.Horizon,
		now:      cfg.Now,
		logger:   logger,
	}
}

// Item は登録する項目の共通属性。
type Item struct {
	Title           string
	LabelKey        string
	EntityReference string
	Subtype         string
	ContextID       string // 外部コンテキストID
	SourceType      string // SourceType.Identifier
	// ReleaseTime が未来の場合、非公開の項目はその時刻に公開状態を再評価する。
	ReleaseTime time.Time
	// RetractTime が未来の場合、公開中の項目はその時刻に公開状態を再評価する。
	RetractTime time.Time
}

func (in Item) validate() error {
	if in.EntityReference == "" || in.ContextID == "" || in.SourceType == "" {
		return fmt.Errorf("EntityReference、コンテキストID、ソース種別は必須です: %w", model.ErrInvalidInput)
	}
	return nil
}

// resolve はContextとSourceTypeを解決し、ソース種別の公開状態を判定する。
func (s *Service) resolve(ctx context.Context, in Item) (*model.Context, *model.SourceType, bool, error) {
	if err := in.validate(); err != nil {
		s.logger.Warn("項目の登録パラメータが不正です",
			slog.String("entity_ref", in.EntityReference),
			slog.String("error", err.Error()),
		)
		return nil, nil, false, err
	}
	c, err := s.caps.Lookup(in.SourceType)
	if err != nil {
		s.logger.Warn("ソース種別のCapabilityが登録されていません",
			slog.String("entity_ref", in.EntityReference),
			slog.String("source_type", in.SourceType),
		)
		return nil, nil, false, err
	}
	site, err := s.dir.Context(ctx, in.ContextID)
	if err != nil {
		return nil, nil, false, err
	}
	src, err := s.dir.SourceType(ctx, in.SourceType)
	if err != nil {
		return nil, nil, false, err
	}
	available, err := c.IsAvailable(ctx, in.EntityReference)
	if err != nil {
		return nil, nil, false, fmt.Errorf("公開状態の判定に失敗しました: %w", err)
	}
	return site, src, available, nil
}

// scheduleFollowUp は公開状態に応じて次の再評価を予約する。
func (s *Service) scheduleFollowUp(ctx context.Context, in Item, available bool) error {
	now := s.now()
	switch {
	case available && in.RetractTime.After(now):
		return s.ScheduleAvailabilityCheck(ctx, in.EntityReference, in.SourceType, in.RetractTime)
	case !available && in.ReleaseTime.After(now):
		return s.ScheduleAvailabilityCheck(ctx, in.EntityReference, in.SourceType, in.ReleaseTime)
	}
	return nil
}

// NewsInput はニュース項目の登録内容。
type NewsInput struct {
	Item
	NewsTime time.Time
}

// PublishNews はニュース項目を登録する。既に存在する場合は属性を上書きする。
// 公開中であればアクセス可能なユーザーへ展開し、非公開であれば既存のリンクを外して公開時刻に再評価を予約する。
func (s *Service) PublishNews(ctx context.Context, in NewsInput) (*model.NewsItem, error) {
	site, src, available, err := s.resolve(ctx, in.Item)
	if err != nil {
		return nil, err
	}

	item := &model.NewsItem{
		Title:           in.Title,
		NewsTime:        in.NewsTime,
		LabelKey:        in.LabelKey,
		EntityReference: in.EntityReference,
		Subtype:         in.Subtype,
		Context:         site,
		SourceType:      src,
	}
	created := false
	err = s.uow.Do(ctx, func(st repository.Store) error {
		existing, err := st.FindNewsItem(ctx, in.EntityReference)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := st.CreateNewsItem(ctx, item); err != nil {
				return err
			}
			created = true
			return nil
		}
		item.ID = existing.ID
		return st.UpdateNewsItem(ctx, item)
	})
	if errors.Is(err, model.ErrDuplicate) {
		// 同時登録の競合。相手の行を上書きする。
		s.logger.Info("ニュース項目は同時に登録されました",
			slog.String("entity_ref", in.EntityReference),
		)
		err = s.uow.Do(ctx, func(st repository.Store) error {
			existing, err := st.FindNewsItem(ctx, in.EntityReference)
			if err != nil || existing == nil {
				return err
			}
			item.ID = existing.ID
			return st.UpdateNewsItem(ctx, item)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("ニュース項目の登録に失敗しました: %w", err)
	}

	switch {
	case available && created:
		_, err = s.fanout.MaterializeNews(ctx, item)
	case available:
		err = s.fanout.ReconcileNews(ctx, in.EntityReference)
	case !created:
		// 非公開になった既存項目は全ユーザーから外す
		err = s.fanout.RemoveNewsLinks(ctx, in.EntityReference)
	}
	if err != nil {
		return item, err
	}
	if err := s.scheduleFollowUp(ctx, in.Item, available); err != nil {
		return item, err
	}
	return item, nil
}

// CalendarInput はカレンダー項目の登録内容。
type CalendarInput struct {
	Item
	CalendarTime   time.Time
	SequenceNumber *int
}

// PublishCalendar はカレンダー項目を1件登録する。既に存在する場合は属性を上書きする。
func (s *Service) PublishCalendar(ctx context.Context, in CalendarInput) (*model.CalendarItem, error) {
	site, src, available, err := s.resolve(ctx, in.Item)
	if err != nil {
		return nil, err
	}

	item := &model.CalendarItem{
		Title:                in.Title,
		CalendarTime:         in.CalendarTime,
		CalendarTimeLabelKey: in.LabelKey,
		EntityReference:      in.EntityReference,
		Subtype:              in.Subtype,
		Context:              site,
		SourceType:           src,
		SequenceNumber:       in.SequenceNumber,
	}
	created := false
	err = s.uow.Do(ctx, func(st repository.Store) error {
		existing, err := st.FindCalendarItem(ctx, in.EntityReference, in.LabelKey, in.SequenceNumber)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := st.CreateCalendarItem(ctx, item); err != nil {
				return err
			}
			created = true
			return nil
		}
		item.ID = existing.ID
		item.RepeatingCalendarItemID = existing.RepeatingCalendarItemID
		return st.UpdateCalendarItem(ctx, item)
	})
	if err != nil {
		return nil, fmt.Errorf("カレンダー項目の登録に失敗しました: %w", err)
	}

	switch {
	case available && created:
		_, err = s.fanout.MaterializeCalendar(ctx, item)
	case available:
		err = s.fanout.ReconcileCalendar(ctx, in.EntityReference)
	case !created:
		err = s.fanout.RemoveCalendarLinks(ctx, in.EntityReference)
	}
	if err != nil {
		return item, err
	}
	if err := s.scheduleFollowUp(ctx, in.Item, available); err != nil {
		return item, err
	}
	return item, nil
}

// RepeatingInput は繰り返しイベントの登録内容。
type RepeatingInput struct {
	Item
	FirstTime time.Time
	LastTime  time.Time
	Frequency model.Frequency
	Count     int
}

// PublishRepeating は繰り返しイベントを登録し、現在時刻から展開期間分の回を展開する。
// 同じ (EntityReference, ラベルキー) の定義が既にある場合はそれを展開する。
func (s *Service) PublishRepeating(ctx context.Context, in RepeatingInput) (*model.RepeatingCalendarItem, *recurrence.ExpandResult, error) {
	if in.FirstTime.IsZero() || in.Frequency == "" {
		return nil, nil, fmt.Errorf("開始日時と頻度は必須です: %w", model.ErrInvalidInput)
	}
	if !in.LastTime.IsZero() && in.LastTime.Before(in.FirstTime) {
		return nil, nil, fmt.Errorf("最終日時は開始日時以降である必要があります: %w", model.ErrInvalidInput)
	}
	site, src, _, err := s.resolve(ctx, in.Item)
	if err != nil {
		return nil, nil, err
	}

	rule := &model.RepeatingCalendarItem{
		Title:                in.Title,
		FirstTime:            in.FirstTime,
		LastTime:             in.LastTime,
		CalendarTimeLabelKey: in.LabelKey,
		EntityReference:      in.EntityReference,
		Subtype:              in.Subtype,
		Frequency:            in.Frequency,
		Count:                in.Count,
		Context:              site,
		SourceType:           src,
	}
	err = s.uow.Do(ctx, func(st repository.Store) error {
		existing, err := st.FindRepeatingCalendarItem(ctx, in.EntityReference, in.LabelKey)
		if err != nil {
			return err
		}
		if existing != nil {
			rule = existing
			return nil
		}
		return st.CreateRepeatingCalendarItem(ctx, rule)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("繰り返しイベントの登録に失敗しました: %w", err)
	}

	now := s.now()
	result, err := s.expander.Expand(ctx, rule, now, now.Add(s.horizon))
	if err != nil {
		return rule, nil, err
	}
	return rule, result, nil
}

// RemoveNews はニュース項目を撤回し、予約済みの再評価を削除する。
func (s *Service) RemoveNews(ctx context.Context, entityRef string) error {
	if err := s.fanout.RetractNews(ctx, entityRef); err != nil {
		return err
	}
	return s.RemoveAvailabilityChecks(ctx, entityRef)
}

// RemoveCalendar はEntityReferenceの全てのカレンダー項目を撤回し、予約済みの再評価を削除する。
func (s *Service) RemoveCalendar(ctx context.Context, entityRef string) error {
	if err := s.fanout.RetractCalendar(ctx, entityRef); err != nil {
		return err
	}
	return s.RemoveAvailabilityChecks(ctx, entityRef)
}

// ScheduleAvailabilityCheck は指定時刻に項目の公開状態を再評価するよう予約する。
func (s *Service) ScheduleAvailabilityCheck(ctx context.Context, entityRef, sourceType string, at time.Time) error {
	if entityRef == "" || sourceType == "" || at.IsZero() {
		return fmt.Errorf("EntityReference、ソース種別、予約時刻は必須です: %w", model.ErrInvalidInput)
	}
	err := s.uow.Do(ctx, func(st repository.Store) error {
		return st.AddAvailabilityCheck(ctx, &model.AvailabilityCheck{
			EntityReference: entityRef,
			SourceTypeID:    sourceType,
			ScheduledTime:   at,
		})
	})
	if err != nil {
		return fmt.Errorf("公開状態の再評価の予約に失敗しました: %w", err)
	}
	s.logger.Debug("公開状態の再評価を予約しました",
		slog.String("entity_ref", entityRef),
		slog.Time("scheduled_time", at),
	)
	return nil
}

// RemoveAvailabilityChecks は項目の予約済みの再評価を全て削除する。
func (s *Service) RemoveAvailabilityChecks(ctx context.Context, entityRef string) error {
	err := s.uow.Do(ctx, func(st repository.Store) error {
		return st.DeleteAvailabilityChecks(ctx, entityRef)
	})
	if err != nil {
		return fmt.Errorf("公開状態の再評価の削除に失敗しました: %w", err)
	}
	return nil
}
