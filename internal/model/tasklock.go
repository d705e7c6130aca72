// Package model はドメインモデルを定義する。
package model

import "time"

// TaskLock はメンテナンスタスクの実行権をめぐる交渉行を表す。
// 1つのタスク名に対して複数行が存在しうるが、HasLock=trueの行は最大1件。
type TaskLock struct {
	ID         string
	Task       string
	ServerID   string
	ClaimTime  time.Time
	HasLock    bool
	LastUpdate time.Time
}

// メンテナンスタスク名
const (
	TaskCheckAvailability     = "check-availability"
	TaskExpireAndPurge        = "expire-and-purge"
	TaskUpdateRepeatingEvents = "update-repeating-events"
)

// TaskNames はクラスタ全体で1台だけが実行する固定のタスク集合を返す。
func TaskNames() []string {
	return []string{
		TaskCheckAvailability,
		TaskExpireAndPurge,
		TaskUpdateRepeatingEvents,
	}
}
