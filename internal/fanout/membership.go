package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
	"github.com/hitoshi/dashboard/internal/source"
)

// AddForJoiningUser はコンテキストに参加したユーザーへ、閲覧可能なニュース・カレンダー項目のリンクを作成する。
// contextIDは外部コンテキストID。既存のリンクは変更しない。作成件数を返す。
func (e *Engine) AddForJoiningUser(ctx context.Context, userID, contextID string) (int, error) {
	var added int
	err := e.uow.Do(ctx, func(s repository.Store) error {
		person, err := s.GetOrCreatePerson(ctx, userID)
		if err != nil || person == nil {
			e.logger.Warn("参加ユーザーのPersonを解決できません",
				slog.String("user_id", userID),
				slog.String("context_id", contextID),
				slog.Any("error", err),
			)
			return nil
		}
		caps := make(map[string]source.Capability)

		news, err := s.ListNewsItemsByContext(ctx, contextID)
		if err != nil {
			return err
		}
		newsLinks := make([]*model.Link, 0, len(news))
		for _, item := range news {
			if e.permitted(ctx, caps, item.SourceType, userID, item.EntityReference, contextID) {
				newsLinks = append(newsLinks, &model.Link{PersonID: person.ID, ItemID: item.ID, ContextID: contextKey(item.Context)})
			}
		}
		if len(newsLinks) > 0 {
			n, err := s.AddLinks(ctx, model.LinkKindNews, newsLinks)
			if err != nil {
				return err
			}
			e.metrics.RecordLinksAdded(string(model.LinkKindNews), n)
			added += n
		}

		cal, err := s.ListCalendarItemsByContext(ctx, contextID)
		if err != nil {
			return err
		}
		calLinks := make([]*model.Link, 0, len(cal))
		for _, item := range cal {
			if e.permitted(ctx, caps, item.SourceType, userID, item.EntityReference, contextID) {
				calLinks = append(calLinks, &model.Link{PersonID: person.ID, ItemID: item.ID, ContextID: contextKey(item.Context)})
			}
		}
		if len(calLinks) > 0 {
			n, err := s.AddLinks(ctx, model.LinkKindCalendar, calLinks)
			if err != nil {
				return err
			}
			e.metrics.RecordLinksAdded(string(model.LinkKindCalendar), n)
			added += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("参加ユーザーのリンク作成に失敗しました: %w", err)
	}

	e.logger.Info("参加ユーザーのリンクを作成しました",
		slog.String("user_id", userID),
		slog.String("context_id", contextID),
		slog.Int("added", added),
	)
	return added, nil
}

// permitted はユーザーが項目を閲覧できるかを判定する。
// Capabilityが無い場合や判定に失敗した場合は警告を出してfalseを返す。
func (e *Engine) permitted(
	ctx context.Context,
	caps map[string]source.Capability,
	src *model.SourceType,
	userID, entityRef, contextID string,
) bool {
	if src == nil {
		return false
	}
	c, ok := caps[src.Identifier]
	if !ok {
		var err error
		c, err = e.capability(src, entityRef)
		if err != nil {
			c = nil
		}
		caps[src.Identifier] = c
	}
	if c == nil {
		return false
	}
	ok, err := c.IsUserPermitted(ctx, userID, entityRef, contextID)
	if err != nil {
		e.logger.Warn("閲覧権限の判定に失敗しました",
			slog.String("user_id", userID),
			slog.String("entity_ref", entityRef),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// RemoveForLeavingUser はコンテキストから離脱したユーザーのリンクを全て削除し、削除件数を返す。
// contextIDは外部コンテキストID。
func (e *Engine) RemoveForLeavingUser(ctx context.Context, userID, contextID string) (int, error) {
	var removed int
	err := e.uow.Do(ctx, func(s repository.Store) error {
		site, err := s.FindContext(ctx, contextID)
		if err != nil || site == nil {
			return err
		}
		person, err := s.FindPersonByUserID(ctx, userID)
		if err != nil || person == nil {
			return err
		}
		for _, kind := range []model.LinkKind{model.LinkKindNews, model.LinkKindCalendar} {
			n, err := s.DeleteLinksForPersonInContext(ctx, kind, person.ID, site.ID)
			if err != nil {
				return err
			}
			e.metrics.RecordLinksRemoved(string(kind), n)
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("離脱ユーザーのリンク削除に失敗しました: %w", err)
	}
	return removed, nil
}
