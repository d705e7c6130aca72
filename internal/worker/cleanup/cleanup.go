// Package cleanup は古くなったリンクと項目の自動削除ジョブを提供する。
// 星付きでないリンクは通常の保持期間、星付きのリンクは長い保持期間を超えると削除し、
// その後リンクが1件も残っていない古い項目を削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// 保持期間の既定値（週）
const (
	DefaultRetentionWeeks        = 8
	DefaultStarredRetentionWeeks = 26
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// step は1つの削除文。starredがtrueの文は星付きの保持期間を$2として受け取る。
type step struct {
	name    string
	query   string
	starred bool
}

// リンクはstickyでなければ$1、stickyであれば$2を超えると削除する。
// 項目は$1を超えてリンクが残っていなければ削除する。
var steps = []step{
	{
		name: "news_links",
		query: `DELETE FROM news_links l USING news_items i
		        WHERE l.item_id = i.id
		          AND ((l.sticky = FALSE AND i.news_time < now() - $1::interval)
		            OR i.news_time < now() - $2::interval)`,
		starred: true,
	},
	{
		name: "calendar_links",
		query: `DELETE FROM calendar_links l USING calendar_items i
		        WHERE l.item_id = i.id
		          AND ((l.sticky = FALSE AND i.calendar_time < now() - $1::interval)
		            OR i.calendar_time < now() - $2::interval)`,
		starred: true,
	},
	{
		name: "news_items",
		query: `DELETE FROM news_items i
		        WHERE i.news_time < now() - $1::interval
		          AND NOT EXISTS (SELECT 1 FROM news_links l WHERE l.item_id = i.id)`,
	},
	{
		name: "calendar_items",
		query: `DELETE FROM calendar_items i
		        WHERE i.calendar_time < now() - $1::interval
		          AND NOT EXISTS (SELECT 1 FROM calendar_links l WHERE l.item_id = i.id)`,
	},
}

// CleanupJob は保持期間を超過したリンクと項目の自動削除ジョブ。
// 冪等な削除処理のみで構成され、途中で失敗しても次回の実行で続きが処理される。
type CleanupJob struct {
	db                    Executor
	logger                *slog.Logger
	RetentionWeeks        int // 星付きでないリンクと項目の保持週数（デフォルト: 8）
	StarredRetentionWeeks int // 星付きリンクの保持週数（デフォルト: 26）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:                    db,
		logger:                logger,
		RetentionWeeks:        DefaultRetentionWeeks,
		StarredRetentionWeeks: DefaultStarredRetentionWeeks,
	}
}

// Run はリンク、項目の順に削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	retention := fmt.Sprintf("%d days", j.RetentionWeeks*7)
	starred := fmt.Sprintf("%d days", j.StarredRetentionWeeks*7)

	var total int64
	attrs := make([]any, 0, len(steps)+4)
	for _, st := range steps {
		args := []interface{}{retention}
		if st.starred {
			args = append(args, starred)
		}
		result, err := j.db.ExecContext(ctx, st.query, args...)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("table", st.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%sのクリーンアップに失敗: %w", st.name, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		total += n
		attrs = append(attrs, slog.Int64(st.name+"_deleted", n))
	}

	duration := time.Since(start)
	attrs = append(attrs,
		slog.Int64("deleted_count", total),
		slog.Int("retention_weeks", j.RetentionWeeks),
		slog.Int("starred_retention_weeks", j.StarredRetentionWeeks),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	j.logger.Info("クリーンアップジョブが完了しました", attrs...)

	return nil
}
