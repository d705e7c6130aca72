package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

const repeatingColumns = `r.id, r.title, r.first_time, r.last_time, r.label_key, r.entity_ref,
	        r.subtype, r.frequency, r.max_count, r.created_at, r.updated_at,
	        c.id, c.context_id, c.title, c.url, c.created_at,
	        s.id, s.identifier, s.created_at`

const repeatingFrom = ` FROM repeating_calendar_items r
	 JOIN contexts c ON c.id = r.context_id
	 JOIN source_types s ON s.id = r.source_type_id`

func scanRepeating(sc rowScanner) (*model.RepeatingCalendarItem, error) {
	rule := &model.RepeatingCalendarItem{Context: &model.Context{}, SourceType: &model.SourceType{}}
	var labelKey, subtype, url sql.NullString
	var lastTime sql.NullTime
	var frequency string

	err := sc.Scan(
		&rule.ID, &rule.Title, &rule.FirstTime, &lastTime, &labelKey, &rule.EntityReference,
		&subtype, &frequency, &rule.Count, &rule.CreatedAt, &rule.UpdatedAt,
		&rule.Context.ID, &rule.Context.ContextID, &rule.Context.Title, &url, &rule.Context.CreatedAt,
		&rule.SourceType.ID, &rule.SourceType.Identifier, &rule.SourceType.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastTime.Valid {
		rule.LastTime = lastTime.Time
	}
	rule.CalendarTimeLabelKey = nullStringValue(labelKey)
	rule.Subtype = nullStringValue(subtype)
	rule.Frequency = model.Frequency(frequency)
	rule.Context.URL = nullStringValue(url)
	return rule, nil
}

// FindRepeatingCalendarItem は (EntityReference, ラベルキー) で定義を取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindRepeatingCalendarItem(ctx context.Context, entityRef, labelKey string) (*model.RepeatingCalendarItem, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+repeatingColumns+repeatingFrom+`
		 WHERE r.entity_ref = $1 AND r.label_key IS NOT DISTINCT FROM $2::varchar`,
		entityRef, nullString(labelKey),
	)
	rule, err := scanRepeating(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("繰り返しイベントの取得に失敗しました: %w", err)
	}
	return rule, nil
}

// ListRepeatingCalendarItems は全ての繰り返しイベント定義を返す。
func (s *PostgresStore) ListRepeatingCalendarItems(ctx context.Context) ([]*model.RepeatingCalendarItem, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+repeatingColumns+repeatingFrom+` ORDER BY r.first_time, r.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("繰り返しイベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var rules []*model.RepeatingCalendarItem
	for rows.Next() {
		rule, err := scanRepeating(rows)
		if err != nil {
			return nil, fmt.Errorf("繰り返しイベント行の読み取りに失敗しました: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("繰り返しイベント一覧の走査に失敗しました: %w", err)
	}
	return rules, nil
}

// CreateRepeatingCalendarItem は定義を作成する。重複する場合はmodel.ErrDuplicateを返す。
func (s *PostgresStore) CreateRepeatingCalendarItem(ctx context.Context, rule *model.RepeatingCalendarItem) error {
	if rule.Context == nil || rule.SourceType == nil {
		return fmt.Errorf("繰り返しイベントにはコンテキストとソース種別が必要です: %w", model.ErrInvalidInput)
	}
	if rule.ID == "" {
		rule.ID = newID()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO repeating_calendar_items (id, title, first_time, last_time, label_key, entity_ref,
		                                       subtype, frequency, max_count, context_id, source_type_id,
		                                       created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT DO NOTHING`,
		rule.ID, rule.Title, rule.FirstTime, nullTime(rule.LastTime), nullString(rule.CalendarTimeLabelKey),
		rule.EntityReference, nullString(rule.Subtype), string(rule.Frequency), rule.Count,
		rule.Context.ID, rule.SourceType.ID, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("繰り返しイベントの作成に失敗しました: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repeating item %s: %w", rule.EntityReference, model.ErrDuplicate)
	}
	return nil
}

// UpdateRepeatingCalendarItem は定義を上書き更新する。
func (s *PostgresStore) UpdateRepeatingCalendarItem(ctx context.Context, rule *model.RepeatingCalendarItem) error {
	rule.UpdatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE repeating_calendar_items
		 SET title = $1, first_time = $2, last_time = $3, label_key = $4, subtype = $5,
		     frequency = $6, max_count = $7, updated_at = $8
		 WHERE id = $9`,
		rule.Title, rule.FirstTime, nullTime(rule.LastTime), nullString(rule.CalendarTimeLabelKey),
		nullString(rule.Subtype), string(rule.Frequency), rule.Count, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("繰り返しイベントの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteRepeatingCalendarItem は指定IDの定義を削除する。
func (s *PostgresStore) DeleteRepeatingCalendarItem(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM repeating_calendar_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("繰り返しイベントの削除に失敗しました: %w", err)
	}
	return nil
}
