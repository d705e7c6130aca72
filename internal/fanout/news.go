package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
)

// MaterializeNews はニュース項目にアクセスできる全ユーザーへリンクを作成し、作成件数を返す。
// 既にリンクを持つユーザーは対象外のため、繰り返し呼び出しても結果は変わらない。
func (e *Engine) MaterializeNews(ctx context.Context, item *model.NewsItem) (int, error) {
	c, err := e.capability(item.SourceType, item.EntityReference)
	if err != nil {
		return 0, err
	}

	var added int
	err = e.uow.Do(ctx, func(s repository.Store) error {
		var err error
		added, err = e.materializeIn(ctx, s, model.LinkKindNews, item.ID, contextKey(item.Context), item.EntityReference, c)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ニュースリンクの作成に失敗しました: %w", err)
	}

	e.logger.Info("ニュースリンクを作成しました",
		slog.String("entity_ref", item.EntityReference),
		slog.Int("added", added),
	)
	return added, nil
}

// ReconcileNews はニュース項目のリンクを現在のアクセス集合に一致させる。
// 項目が存在しない場合は何もしない。
func (e *Engine) ReconcileNews(ctx context.Context, entityRef string) error {
	var added, removed int
	err := e.uow.Do(ctx, func(s repository.Store) error {
		item, err := s.FindNewsItem(ctx, entityRef)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		c, err := e.capability(item.SourceType, entityRef)
		if err != nil {
			return err
		}
		access, err := c.UsersWithAccess(ctx, entityRef)
		if err != nil {
			return fmt.Errorf("アクセス可能ユーザーの取得に失敗しました: %w", err)
		}
		added, removed, err = e.reconcileIn(ctx, s, model.LinkKindNews, item.ID, contextKey(item.Context), access)
		return err
	})
	if err != nil {
		return fmt.Errorf("ニュースリンクの再計算に失敗しました: %w", err)
	}

	e.logger.Info("ニュースリンクを再計算しました",
		slog.String("entity_ref", entityRef),
		slog.Int("added", added),
		slog.Int("removed", removed),
	)
	return nil
}

// RetractNews はニュース項目のリンクと項目自体を削除する。
func (e *Engine) RetractNews(ctx context.Context, entityRef string) error {
	err := e.uow.Do(ctx, func(s repository.Store) error {
		item, err := s.FindNewsItem(ctx, entityRef)
		if err != nil || item == nil {
			return err
		}
		n, err := s.DeleteLinksForItem(ctx, model.LinkKindNews, item.ID)
		if err != nil {
			return err
		}
		e.metrics.RecordLinksRemoved(string(model.LinkKindNews), n)
		return s.DeleteNewsItem(ctx, item.ID)
	})
	if err != nil {
		return fmt.Errorf("ニュース項目の撤回に失敗しました: %w", err)
	}
	return nil
}

// RemoveNewsLinks はニュース項目を残したまま全リンクを削除する。
// 項目が非公開になった場合に使用する。
func (e *Engine) RemoveNewsLinks(ctx context.Context, entityRef string) error {
	err := e.uow.Do(ctx, func(s repository.Store) error {
		item, err := s.FindNewsItem(ctx, entityRef)
		if err != nil || item == nil {
			return err
		}
		n, err := s.DeleteLinksForItem(ctx, model.LinkKindNews, item.ID)
		if err != nil {
			return err
		}
		e.metrics.RecordLinksRemoved(string(model.LinkKindNews), n)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ニュースリンクの削除に失敗しました: %w", err)
	}
	return nil
}

// SetNewsLinkState はユーザーのニュースリンクのhidden/stickyを更新する。
func (e *Engine) SetNewsLinkState(ctx context.Context, userID, entityRef string, st LinkState) error {
	return e.uow.Do(ctx, func(s repository.Store) error {
		item, err := s.FindNewsItem(ctx, entityRef)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("ニュース項目が見つかりません: %s: %w", entityRef, model.ErrNotFound)
		}
		return setLinkStateIn(ctx, s, model.LinkKindNews, userID, item.ID, st)
	})
}
