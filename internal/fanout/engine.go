// Package fanout はニュース・カレンダー項目をアクセス可能なユーザーごとのリンクへ展開する。
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hitoshi/dashboard/internal/metrics"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
	"github.com/hitoshi/dashboard/internal/source"
)

// CapabilityLookup はソース種別の識別子からCapabilityを解決する。
// *source.Registry が実装する。
type CapabilityLookup interface {
	Lookup(identifier string) (source.Capability, error)
}

// Engine はリンクの作成・再計算・撤回を行う。
// 各公開操作は1つのUnitOfWorkで実行される。
type Engine struct {
	uow     repository.UnitOfWork
	caps    CapabilityLookup
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewEngine は新しいEngineを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewEngine(
	uow repository.UnitOfWork,
	caps CapabilityLookup,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Engine {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		uow:     uow,
		caps:    caps,
		metrics: collector,
		logger:  logger,
	}
}

// capability はソース種別に対応するCapabilityを返す。
// 未登録の場合は警告を出しmodel.ErrCapabilityNotFoundを返す。
func (e *Engine) capability(src *model.SourceType, entityRef string) (source.Capability, error) {
	if src == nil {
		e.logger.Warn("項目にソース種別がありません",
			slog.String("entity_ref", entityRef),
		)
		return nil, fmt.Errorf("ソース種別が未設定です: %w", model.ErrCapabilityNotFound)
	}
	c, err := e.caps.Lookup(src.Identifier)
	if err != nil {
		e.logger.Warn("ソース種別のCapabilityが登録されていません",
			slog.String("entity_ref", entityRef),
			slog.String("source_type", src.Identifier),
		)
		return nil, err
	}
	return c, nil
}

// materializeIn は項目にアクセスできるユーザーのうち、まだリンクを持たないユーザーへリンクを作成する。
// Personを解決できないユーザーは警告を出してスキップする。作成件数を返す。
func (e *Engine) materializeIn(
	ctx context.Context,
	s repository.Store,
	kind model.LinkKind,
	itemID, contextID, entityRef string,
	c source.Capability,
) (int, error) {
	users, err := c.UsersWithAccess(ctx, entityRef)
	if err != nil {
		return 0, fmt.Errorf("アクセス可能ユーザーの取得に失敗しました: %w", err)
	}
	existing, err := s.UsersWithLinks(ctx, kind, itemID)
	if err != nil {
		return 0, err
	}

	links := make([]*model.Link, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, userID := range users {
		if _, ok := existing[userID]; ok {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}

		person, err := s.GetOrCreatePerson(ctx, userID)
		if err != nil || person == nil {
			e.logger.Warn("Personを解決できないためリンクをスキップします",
				slog.String("user_id", userID),
				slog.String("entity_ref", entityRef),
				slog.Any("error", err),
			)
			continue
		}
		links = append(links, &model.Link{
			PersonID:  person.ID,
			ItemID:    itemID,
			ContextID: contextID,
		})
	}
	if len(links) == 0 {
		return 0, nil
	}

	added, err := s.AddLinks(ctx, kind, links)
	if err != nil {
		return 0, err
	}
	e.metrics.RecordLinksAdded(string(kind), added)
	return added, nil
}

// reconcileIn はアクセス集合と既存リンクの差分を適用する。
// 両方に含まれるユーザーのリンクは変更しないため、hidden/stickyは保持される。
func (e *Engine) reconcileIn(
	ctx context.Context,
	s repository.Store,
	kind model.LinkKind,
	itemID, contextID string,
	access []string,
) (added, removed int, err error) {
	existing, err := s.UsersWithLinks(ctx, kind, itemID)
	if err != nil {
		return 0, 0, err
	}
	want := make(map[string]struct{}, len(access))
	for _, u := range access {
		want[u] = struct{}{}
	}

	var toRemove []string
	for u := range existing {
		if _, ok := want[u]; !ok {
			toRemove = append(toRemove, u)
		}
	}
	var toAdd []string
	for u := range want {
		if _, ok := existing[u]; !ok {
			toAdd = append(toAdd, u)
		}
	}
	sort.Strings(toRemove)
	sort.Strings(toAdd)

	if len(toRemove) > 0 {
		removed, err = s.DeleteLinksForUsers(ctx, kind, itemID, toRemove)
		if err != nil {
			return 0, 0, err
		}
		e.metrics.RecordLinksRemoved(string(kind), removed)
	}

	links := make([]*model.Link, 0, len(toAdd))
	for _, userID := range toAdd {
		person, err := s.GetOrCreatePerson(ctx, userID)
		if err != nil || person == nil {
			e.logger.Warn("Personを解決できないためリンクをスキップします",
				slog.String("user_id", userID),
				slog.String("item_id", itemID),
				slog.Any("error", err),
			)
			continue
		}
		links = append(links, &model.Link{PersonID: person.ID, ItemID: itemID, ContextID: contextID})
	}
	if len(links) > 0 {
		added, err = s.AddLinks(ctx, kind, links)
		if err != nil {
			return 0, removed, err
		}
		e.metrics.RecordLinksAdded(string(kind), added)
	}
	return added, removed, nil
}

// contextKey はリンクに保存する内部コンテキストIDを返す。
func contextKey(c *model.Context) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// LinkState はユーザーが所有するリンクのフラグの部分更新を表す。nilの項目は変更しない。
type LinkState struct {
	Hidden *bool
	Sticky *bool
}

func (st LinkState) apply(link *model.Link) (hidden, sticky bool) {
	hidden, sticky = link.Hidden, link.Sticky
	if st.Hidden != nil {
		hidden = *st.Hidden
	}
	if st.Sticky != nil {
		sticky = *st.Sticky
	}
	return hidden, sticky
}

// setLinkStateIn はユーザーの項目へのリンクのフラグを更新する。
// Personまたはリンクが存在しない場合はmodel.ErrNotFoundを返す。
func setLinkStateIn(ctx context.Context, s repository.Store, kind model.LinkKind, userID, itemID string, st LinkState) error {
	person, err := s.FindPersonByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if person == nil {
		return fmt.Errorf("Personが見つかりません: %s: %w", userID, model.ErrNotFound)
	}
	link, err := s.FindLink(ctx, kind, person.ID, itemID)
	if err != nil {
		return err
	}
	if link == nil {
		return fmt.Errorf("リンクが見つかりません: %w", model.ErrNotFound)
	}
	hidden, sticky := st.apply(link)
	if hidden == link.Hidden && sticky == link.Sticky {
		return nil
	}
	return s.UpdateLinkFlags(ctx, kind, link.ID, hidden, sticky)
}
