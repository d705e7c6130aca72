// Package source はコンテンツ提供元ごとのアクセス判定を登録・解決する。
package source

import (
	"context"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

// Capability はコンテンツ提供元（お知らせ、課題、スケジュールなど）ごとの
// 公開状態とアクセス権の判定を提供する。
type Capability interface {
	// Identifier はSourceType.Identifierと一致する識別子を返す。
	Identifier() string

	// IsAvailable は項目が現在公開中かどうかを返す。
	IsAvailable(ctx context.Context, entityRef string) (bool, error)

	// UsersWithAccess は項目を閲覧できる外部ユーザーIDを返す。
	UsersWithAccess(ctx context.Context, entityRef string) ([]string, error)

	// IsUserPermitted は指定ユーザーがコンテキスト内の項目を閲覧できるかを返す。
	IsUserPermitted(ctx context.Context, userID, entityRef, contextID string) (bool, error)
}

// OccurrenceGenerator は提供元固有の繰り返し規則を持つCapabilityが任意で実装する。
// [start, end) に含まれる回をシーケンス番号から日時へのマップで返す。
type OccurrenceGenerator interface {
	Occurrences(ctx context.Context, rule *model.RepeatingCalendarItem, start, end time.Time) (map[int]time.Time, error)
}
