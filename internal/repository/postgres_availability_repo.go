package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

// AddAvailabilityCheck は予約を追加する。
func (s *PostgresStore) AddAvailabilityCheck(ctx context.Context, check *model.AvailabilityCheck) error {
	if check.ID == "" {
		check.ID = newID()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO availability_checks (id, entity_ref, source_type, scheduled_time)
		 VALUES ($1, $2, $3, $4)`,
		check.ID, check.EntityReference, check.SourceTypeID, check.ScheduledTime,
	)
	if err != nil {
		return fmt.Errorf("公開状態チェックの予約に失敗しました: %w", err)
	}
	return nil
}

// ListDueAvailabilityChecks はscheduled_timeがbefore以前の予約を古い順に返す。
func (s *PostgresStore) ListDueAvailabilityChecks(ctx context.Context, before time.Time) ([]*model.AvailabilityCheck, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, entity_ref, source_type, scheduled_time FROM availability_checks
		 WHERE scheduled_time <= $1 ORDER BY scheduled_time ASC, id ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("公開状態チェックの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var checks []*model.AvailabilityCheck
	for rows.Next() {
		c := &model.AvailabilityCheck{}
		if err := rows.Scan(&c.ID, &c.EntityReference, &c.SourceTypeID, &c.ScheduledTime); err != nil {
			return nil, fmt.Errorf("公開状態チェック行の読み取りに失敗しました: %w", err)
		}
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("公開状態チェックの走査に失敗しました: %w", err)
	}
	return checks, nil
}

// DeleteAvailabilityCheck は指定IDの予約を削除する。
func (s *PostgresStore) DeleteAvailabilityCheck(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM availability_checks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("公開状態チェックの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteAvailabilityChecks はEntityReferenceの予約を全て削除する。
func (s *PostgresStore) DeleteAvailabilityChecks(ctx context.Context, entityRef string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM availability_checks WHERE entity_ref = $1`, entityRef); err != nil {
		return fmt.Errorf("公開状態チェックの一括削除に失敗しました: %w", err)
	}
	return nil
}
