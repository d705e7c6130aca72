package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/dashboard/internal/model"
)

// linkInsertBatchSize は1回のINSERT文に含めるリンク数の上限。
const linkInsertBatchSize = 500

// linkTable はリンク種別に対応するテーブル名を返す。
func linkTable(kind model.LinkKind) (string, error) {
	switch kind {
	case model.LinkKindNews:
		return "news_links", nil
	case model.LinkKindCalendar:
		return "calendar_links", nil
	}
	return "", fmt.Errorf("unknown link kind %q: %w", kind, model.ErrInvalidInput)
}

// UsersWithLinks は項目へのリンクを持つユーザーの外部ユーザーID集合を返す。
func (s *PostgresStore) UsersWithLinks(ctx context.Context, kind model.LinkKind, itemID string) (map[string]struct{}, error) {
	table, err := linkTable(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT p.user_id FROM `+table+` l
		 JOIN persons p ON p.id = l.person_id
		 WHERE l.item_id = $1`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("リンク済みユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	users := make(map[string]struct{})
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("リンク済みユーザー行の読み取りに失敗しました: %w", err)
		}
		users[userID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リンク済みユーザーの走査に失敗しました: %w", err)
	}
	return users, nil
}

// FindLink は (Person, 項目) のリンクを取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindLink(ctx context.Context, kind model.LinkKind, personID, itemID string) (*model.Link, error) {
	table, err := linkTable(kind)
	if err != nil {
		return nil, err
	}

	link := &model.Link{}
	err = s.q.QueryRowContext(ctx,
		`SELECT id, person_id, item_id, context_id, hidden, sticky, created_at
		 FROM `+table+` WHERE person_id = $1 AND item_id = $2`,
		personID, itemID,
	).Scan(&link.ID, &link.PersonID, &link.ItemID, &link.ContextID, &link.Hidden, &link.Sticky, &link.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リンクの取得に失敗しました: %w", err)
	}
	return link, nil
}

// AddLinks はリンクを一括挿入し、実際に挿入された件数を返す。
// 既に存在する (Person, 項目) の組はON CONFLICT DO NOTHINGで無視する。
func (s *PostgresStore) AddLinks(ctx context.Context, kind model.LinkKind, links []*model.Link) (int, error) {
	table, err := linkTable(kind)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for start := 0; start < len(links); start += linkInsertBatchSize {
		end := start + linkInsertBatchSize
		if end > len(links) {
			end = len(links)
		}
		n, err := s.insertLinkBatch(ctx, table, links[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *PostgresStore) insertLinkBatch(ctx context.Context, table string, links []*model.Link) (int, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO ` + table + ` (id, person_id, item_id, context_id, hidden, sticky, created_at) VALUES `)

	now := time.Now().UTC()
	args := make([]interface{}, 0, len(links)*7)
	for i, l := range links {
		if l.ID == "" {
			l.ID = newID()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if i > 0 {
			b.WriteString(", ")
		}
		p := i * 7
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6, p+7)
		args = append(args, l.ID, l.PersonID, l.ItemID, l.ContextID, l.Hidden, l.Sticky, l.CreatedAt)
	}
	b.WriteString(` ON CONFLICT (person_id, item_id) DO NOTHING`)

	res, err := s.q.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("リンクの一括作成に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("リンク作成件数の取得に失敗しました: %w", err)
	}
	return int(n), nil
}

// DeleteLinksForItem は項目へのリンクを全て削除し、削除件数を返す。
func (s *PostgresStore) DeleteLinksForItem(ctx context.Context, kind model.LinkKind, itemID string) (int, error) {
	table, err := linkTable(kind)
	if err != nil {
		return 0, err
	}

	res, err := s.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE item_id = $1`, itemID)
	if err != nil {
		return 0, fmt.Errorf("リンクの削除に失敗しました: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteLinksForUsers は指定ユーザー群の項目へのリンクを削除し、削除件数を返す。
func (s *PostgresStore) DeleteLinksForUsers(ctx context.Context, kind model.LinkKind, itemID string, userIDs []string) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	table, err := linkTable(kind)
	if err != nil {
		return 0, err
	}

	res, err := s.q.ExecContext(ctx,
		`DELETE FROM `+table+`
		 WHERE item_id = $1
		   AND person_id IN (SELECT id FROM persons WHERE user_id = ANY($2))`,
		itemID, pq.Array(userIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("ユーザー指定のリンク削除に失敗しました: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteLinksForPersonInContext はPersonのコンテキスト内の全リンクを削除し、削除件数を返す。
func (s *PostgresStore) DeleteLinksForPersonInContext(ctx context.Context, kind model.LinkKind, personID, contextID string) (int, error) {
	table, err := linkTable(kind)
	if err != nil {
		return 0, err
	}

	res, err := s.q.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE person_id = $1 AND context_id = $2`,
		personID, contextID,
	)
	if err != nil {
		return 0, fmt.Errorf("コンテキスト内のリンク削除に失敗しました: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateLinkFlags はリンクのhidden/stickyを更新する。
func (s *PostgresStore) UpdateLinkFlags(ctx context.Context, kind model.LinkKind, linkID string, hidden, sticky bool) error {
	table, err := linkTable(kind)
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE `+table+` SET hidden = $1, sticky = $2 WHERE id = $3`,
		hidden, sticky, linkID,
	)
	if err != nil {
		return fmt.Errorf("リンク状態の更新に失敗しました: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link %s: %w", linkID, model.ErrNotFound)
	}
	return nil
}
