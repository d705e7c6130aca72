package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

const newsItemColumns = `n.id, n.title, n.news_time, n.label_key, n.entity_ref, n.subtype,
	        n.created_at, n.updated_at,
	        c.id, c.context_id, c.title, c.url, c.created_at,
	        s.id, s.identifier, s.created_at`

const newsItemFrom = ` FROM news_items n
	 JOIN contexts c ON c.id = n.context_id
	 JOIN source_types s ON s.id = n.source_type_id`

const calendarItemColumns = `ci.id, ci.title, ci.calendar_time, ci.label_key, ci.entity_ref, ci.subtype,
	        ci.repeating_id, ci.sequence_number, ci.created_at, ci.updated_at,
	        c.id, c.context_id, c.title, c.url, c.created_at,
	        s.id, s.identifier, s.created_at`

const calendarItemFrom = ` FROM calendar_items ci
	 JOIN contexts c ON c.id = ci.context_id
	 JOIN source_types s ON s.id = ci.source_type_id`

// rowScanner は*sql.Rowと*sql.Rowsに共通するScanを抽象化する。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNewsItem(sc rowScanner) (*model.NewsItem, error) {
	item := &model.NewsItem{Context: &model.Context{}, SourceType: &model.SourceType{}}
	var labelKey, subtype, url sql.NullString

	err := sc.Scan(
		&item.ID, &item.Title, &item.NewsTime, &labelKey, &item.EntityReference, &subtype,
		&item.CreatedAt, &item.UpdatedAt,
		&item.Context.ID, &item.Context.ContextID, &item.Context.Title, &url, &item.Context.CreatedAt,
		&item.SourceType.ID, &item.SourceType.Identifier, &item.SourceType.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.LabelKey = nullStringValue(labelKey)
	item.Subtype = nullStringValue(subtype)
	item.Context.URL = nullStringValue(url)
	return item, nil
}

func scanCalendarItem(sc rowScanner) (*model.CalendarItem, error) {
	item := &model.CalendarItem{Context: &model.Context{}, SourceType: &model.SourceType{}}
	var calendarTime sql.NullTime
	var labelKey, subtype, repeatingID, url sql.NullString
	var seq sql.NullInt64

	err := sc.Scan(
		&item.ID, &item.Title, &calendarTime, &labelKey, &item.EntityReference, &subtype,
		&repeatingID, &seq, &item.CreatedAt, &item.UpdatedAt,
		&item.Context.ID, &item.Context.ContextID, &item.Context.Title, &url, &item.Context.CreatedAt,
		&item.SourceType.ID, &item.SourceType.Identifier, &item.SourceType.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if calendarTime.Valid {
		item.CalendarTime = calendarTime.Time
	}
	item.CalendarTimeLabelKey = nullStringValue(labelKey)
	item.Subtype = nullStringValue(subtype)
	item.RepeatingCalendarItemID = nullStringValue(repeatingID)
	item.SequenceNumber = intPtr(seq)
	item.Context.URL = nullStringValue(url)
	return item, nil
}

// FindNewsItem はEntityReferenceでニュース項目を取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindNewsItem(ctx context.Context, entityRef string) (*model.NewsItem, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+newsItemColumns+newsItemFrom+` WHERE n.entity_ref = $1`,
		entityRef,
	)
	item, err := scanNewsItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ニュース項目の取得に失敗しました: %w", err)
	}
	return item, nil
}

// ListNewsItemsByContext はコンテキストに属するニュース項目を返す。
func (s *PostgresStore) ListNewsItemsByContext(ctx context.Context, contextID string) ([]*model.NewsItem, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+newsItemColumns+newsItemFrom+` WHERE c.context_id = $1 ORDER BY n.news_time DESC, n.id`,
		contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("ニュース項目一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.NewsItem
	for rows.Next() {
		item, err := scanNewsItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ニュース項目行の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ニュース項目一覧の走査に失敗しました: %w", err)
	}
	return items, nil
}

// CreateNewsItem はニュース項目を作成する。EntityReferenceが重複する場合はmodel.ErrDuplicateを返す。
func (s *PostgresStore) CreateNewsItem(ctx context.Context, item *model.NewsItem) error {
	if item.Context == nil || item.SourceType == nil {
		return fmt.Errorf("ニュース項目にはコンテキストとソース種別が必要です: %w", model.ErrInvalidInput)
	}
	if item.ID == "" {
		item.ID = newID()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO news_items (id, title, news_time, label_key, entity_ref, subtype,
		                         context_id, source_type_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (entity_ref) DO NOTHING`,
		item.ID, item.Title, item.NewsTime, nullString(item.LabelKey), item.EntityReference,
		nullString(item.Subtype), item.Context.ID, item.SourceType.ID, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ニュース項目の作成に失敗しました: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("news item %s: %w", item.EntityReference, model.ErrDuplicate)
	}
	return nil
}

// UpdateNewsItem はタイトル、時刻、ラベルキー、サブタイプを上書き更新する。
func (s *PostgresStore) UpdateNewsItem(ctx context.Context, item *model.NewsItem) error {
	item.UpdatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE news_items SET title = $1, news_time = $2, label_key = $3, subtype = $4, updated_at = $5
		 WHERE id = $6`,
		item.Title, item.NewsTime, nullString(item.LabelKey), nullString(item.Subtype), item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("ニュース項目の更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteNewsItem は指定IDのニュース項目を削除する。
func (s *PostgresStore) DeleteNewsItem(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM news_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ニュース項目の削除に失敗しました: %w", err)
	}
	return nil
}

// FindCalendarItem は (EntityReference, ラベルキー, シーケンス番号) でカレンダー項目を取得する。
// seqがnilの場合はシーケンス番号を持たない項目を検索する。見つからない場合はnilを返す。
func (s *PostgresStore) FindCalendarItem(ctx context.Context, entityRef, labelKey string, seq *int) (*model.CalendarItem, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+calendarItemColumns+calendarItemFrom+`
		 WHERE ci.entity_ref = $1
		   AND ci.label_key IS NOT DISTINCT FROM $2::varchar
		   AND ci.sequence_number IS NOT DISTINCT FROM $3::integer`,
		entityRef, nullString(labelKey), nullInt(seq),
	)
	item, err := scanCalendarItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カレンダー項目の取得に失敗しました: %w", err)
	}
	return item, nil
}

// ListCalendarItemsByEntity はEntityReferenceを共有する全カレンダー項目を返す。
func (s *PostgresStore) ListCalendarItemsByEntity(ctx context.Context, entityRef string) ([]*model.CalendarItem, error) {
	return s.listCalendarItems(ctx, `ci.entity_ref = $1`, entityRef)
}

// ListCalendarItemsByRule は繰り返しイベントから生成されたカレンダー項目を返す。
func (s *PostgresStore) ListCalendarItemsByRule(ctx context.Context, ruleID string) ([]*model.CalendarItem, error) {
	return s.listCalendarItems(ctx, `ci.repeating_id = $1`, ruleID)
}

// ListCalendarItemsByContext はコンテキストに属するカレンダー項目を返す。
func (s *PostgresStore) ListCalendarItemsByContext(ctx context.Context, contextID string) ([]*model.CalendarItem, error) {
	return s.listCalendarItems(ctx, `c.context_id = $1`, contextID)
}

func (s *PostgresStore) listCalendarItems(ctx context.Context, where string, arg string) ([]*model.CalendarItem, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+calendarItemColumns+calendarItemFrom+` WHERE `+where+`
		 ORDER BY ci.sequence_number NULLS FIRST, ci.calendar_time, ci.id`,
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("カレンダー項目一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.CalendarItem
	for rows.Next() {
		item, err := scanCalendarItem(rows)
		if err != nil {
			return nil, fmt.Errorf("カレンダー項目行の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カレンダー項目一覧の走査に失敗しました: %w", err)
	}
	return items, nil
}

// CreateCalendarItem はカレンダー項目を作成する。一意キーが重複する場合はmodel.ErrDuplicateを返す。
func (s *PostgresStore) CreateCalendarItem(ctx context.Context, item *model.CalendarItem) error {
	if item.Context == nil || item.SourceType == nil {
		return fmt.Errorf("カレンダー項目にはコンテキストとソース種別が必要です: %w", model.ErrInvalidInput)
	}
	if item.ID == "" {
		item.ID = newID()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO calendar_items (id, title, calendar_time, label_key, entity_ref, subtype,
		                             context_id, source_type_id, repeating_id, sequence_number,
		                             created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT DO NOTHING`,
		item.ID, item.Title, nullTime(item.CalendarTime), nullString(item.CalendarTimeLabelKey),
		item.EntityReference, nullString(item.Subtype), item.Context.ID, item.SourceType.ID,
		nullString(item.RepeatingCalendarItemID), nullInt(item.SequenceNumber),
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("calendar item %s: %w", item.EntityReference, model.ErrDuplicate)
		}
		return fmt.Errorf("カレンダー項目の作成に失敗しました: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("calendar item %s: %w", item.EntityReference, model.ErrDuplicate)
	}
	return nil
}

// UpdateCalendarItem はカレンダー項目の全属性を上書き更新する。
func (s *PostgresStore) UpdateCalendarItem(ctx context.Context, item *model.CalendarItem) error {
	if item.Context == nil || item.SourceType == nil {
		return fmt.Errorf("カレンダー項目にはコンテキストとソース種別が必要です: %w", model.ErrInvalidInput)
	}
	item.UpdatedAt = time.Now().UTC()

	_, err := s.q.ExecContext(ctx,
		`UPDATE calendar_items
		 SET title = $1, calendar_time = $2, label_key = $3, entity_ref = $4, subtype = $5,
		     context_id = $6, source_type_id = $7, repeating_id = $8, sequence_number = $9,
		     updated_at = $10
		 WHERE id = $11`,
		item.Title, nullTime(item.CalendarTime), nullString(item.CalendarTimeLabelKey),
		item.EntityReference, nullString(item.Subtype), item.Context.ID, item.SourceType.ID,
		nullString(item.RepeatingCalendarItemID), nullInt(item.SequenceNumber),
		item.UpdatedAt, item.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("calendar item %s: %w", item.EntityReference, model.ErrDuplicate)
		}
		return fmt.Errorf("カレンダー項目の更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteCalendarItem は指定IDのカレンダー項目を削除する。
func (s *PostgresStore) DeleteCalendarItem(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM calendar_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("カレンダー項目の削除に失敗しました: %w", err)
	}
	return nil
}
