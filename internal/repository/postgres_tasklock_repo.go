package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

const taskLockColumns = `id, task, server_id, claim_time, has_lock, last_update`

func (s *PostgresStore) listTaskLocks(ctx context.Context, query string, args ...interface{}) ([]*model.TaskLock, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("タスクロックの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var locks []*model.TaskLock
	for rows.Next() {
		l := &model.TaskLock{}
		if err := rows.Scan(&l.ID, &l.Task, &l.ServerID, &l.ClaimTime, &l.HasLock, &l.LastUpdate); err != nil {
			return nil, fmt.Errorf("タスクロック行の読み取りに失敗しました: %w", err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タスクロックの走査に失敗しました: %w", err)
	}
	return locks, nil
}

// ListTaskLocks はタスクの交渉行をclaim_time昇順（同時刻はID昇順）で返す。
func (s *PostgresStore) ListTaskLocks(ctx context.Context, task string) ([]*model.TaskLock, error) {
	return s.listTaskLocks(ctx,
		`SELECT `+taskLockColumns+` FROM task_locks WHERE task = $1 ORDER BY claim_time ASC, id ASC`,
		task,
	)
}

// ListAssignedTaskLocks はhas_lock=trueの行を全タスク分返す。
func (s *PostgresStore) ListAssignedTaskLocks(ctx context.Context) ([]*model.TaskLock, error) {
	return s.listTaskLocks(ctx,
		`SELECT `+taskLockColumns+` FROM task_locks WHERE has_lock = TRUE ORDER BY task`,
	)
}

// AddTaskLock は交渉行を挿入する。
func (s *PostgresStore) AddTaskLock(ctx context.Context, lock *model.TaskLock) error {
	if lock.ID == "" {
		lock.ID = newID()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO task_locks (id, task, server_id, claim_time, has_lock, last_update)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		lock.ID, lock.Task, lock.ServerID, lock.ClaimTime, lock.HasLock, lock.LastUpdate,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task lock %s/%s: %w", lock.Task, lock.ServerID, model.ErrDuplicate)
		}
		return fmt.Errorf("タスクロックの作成に失敗しました: %w", err)
	}
	return nil
}

// PromoteTaskLock は指定行をhas_lock=trueに昇格し、last_updateを更新する。
func (s *PostgresStore) PromoteTaskLock(ctx context.Context, id string, lastUpdate time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE task_locks SET has_lock = TRUE, last_update = $1 WHERE id = $2`,
		lastUpdate, id,
	)
	if err != nil {
		return fmt.Errorf("タスクロックの昇格に失敗しました: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task lock %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// TouchTaskLock はサーバーが保持するロック行のlast_updateを更新する。更新件数を返す。
func (s *PostgresStore) TouchTaskLock(ctx context.Context, task, serverID string, lastUpdate time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE task_locks SET last_update = $1 WHERE task = $2 AND server_id = $3 AND has_lock = TRUE`,
		lastUpdate, task, serverID,
	)
	if err != nil {
		return 0, fmt.Errorf("タスクロックのハートビート更新に失敗しました: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteTaskLocks はタスクの交渉行を全て削除する。
func (s *PostgresStore) DeleteTaskLocks(ctx context.Context, task string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM task_locks WHERE task = $1`, task); err != nil {
		return fmt.Errorf("タスクロックの削除に失敗しました: %w", err)
	}
	return nil
}
