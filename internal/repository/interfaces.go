// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

// PersonRepository はPersonの永続化インターフェース。
type PersonRepository interface {
	// FindPersonByUserID は外部ユーザーIDでPersonを取得する。見つからない場合はnilを返す。
	FindPersonByUserID(ctx context.Context, userID string) (*model.Person, error)

	// GetOrCreatePerson は外部ユーザーIDのPersonを取得し、存在しない場合は作成する。
	// 同時作成の競合は一意制約で吸収し、どちらの呼び出しも同じPersonを返す。
	GetOrCreatePerson(ctx context.Context, userID string) (*model.Person, error)
}

// ContextRepository はContextとSourceTypeの永続化インターフェース。
type ContextRepository interface {
	// FindContext は外部コンテキストIDでContextを取得する。見つからない場合はnilを返す。
	FindContext(ctx context.Context, contextID string) (*model.Context, error)

	// CreateContext はContextを作成する。既に存在する場合は既存のContextを返す。
	CreateContext(ctx context.Context, c *model.Context) (*model.Context, error)

	// FindSourceType は識別子でSourceTypeを取得する。見つからない場合はnilを返す。
	FindSourceType(ctx context.Context, identifier string) (*model.SourceType, error)

	// CreateSourceType はSourceTypeを作成する。既に存在する場合は既存のSourceTypeを返す。
	CreateSourceType(ctx context.Context, identifier string) (*model.SourceType, error)
}

// NewsItemRepository はニュース項目の永続化インターフェース。
type NewsItemRepository interface {
	// FindNewsItem はEntityReferenceでニュース項目を取得する。見つからない場合はnilを返す。
	FindNewsItem(ctx context.Context, entityRef string) (*model.NewsItem, error)

	// ListNewsItemsByContext はコンテキストに属するニュース項目を返す。
	ListNewsItemsByContext(ctx context.Context, contextID string) ([]*model.NewsItem, error)

	// CreateNewsItem はニュース項目を作成する。EntityReferenceが重複する場合はmodel.ErrDuplicateを返す。
	CreateNewsItem(ctx context.Context, item *model.NewsItem) error

	// UpdateNewsItem はタイトル、時刻、ラベルキー、サブタイプを上書き更新する。
	UpdateNewsItem(ctx context.Context, item *model.NewsItem) error

	// DeleteNewsItem は指定IDのニュース項目を削除する。
	DeleteNewsItem(ctx context.Context, id string) error
}

// CalendarItemRepository はカレンダー項目の永続化インターフェース。
type CalendarItemRepository interface {
	// FindCalendarItem は (EntityReference, ラベルキー, シーケンス番号) でカレンダー項目を取得する。
	// seqがnilの場合はシーケンス番号を持たない項目を検索する。見つからない場合はnilを返す。
	FindCalendarItem(ctx context.Context, entityRef, labelKey string, seq *int) (*model.CalendarItem, error)

	// ListCalendarItemsByEntity はEntityReferenceを共有する全カレンダー項目を返す。
	ListCalendarItemsByEntity(ctx context.Context, entityRef string) ([]*model.CalendarItem, error)

	// ListCalendarItemsByRule は繰り返しイベントから生成されたカレンダー項目を返す。
	ListCalendarItemsByRule(ctx context.Context, ruleID string) ([]*model.CalendarItem, error)

	// ListCalendarItemsByContext はコンテキストに属するカレンダー項目を返す。
	ListCalendarItemsByContext(ctx context.Context, contextID string) ([]*model.CalendarItem, error)

	// CreateCalendarItem はカレンダー項目を作成する。一意キーが重複する場合はmodel.ErrDuplicateを返す。
	CreateCalendarItem(ctx context.Context, item *model.CalendarItem) error

	// UpdateCalendarItem はカレンダー項目の全属性を上書き更新する。
	UpdateCalendarItem(ctx context.Context, item *model.CalendarItem) error

	// DeleteCalendarItem は指定IDのカレンダー項目を削除する。
	DeleteCalendarItem(ctx context.Context, id string) error
}

// RepeatingCalendarItemRepository は繰り返しイベント定義の永続化インターフェース。
type RepeatingCalendarItemRepository interface {
	// FindRepeatingCalendarItem は (EntityReference, ラベルキー) で定義を取得する。見つからない場合はnilを返す。
	FindRepeatingCalendarItem(ctx context.Context, entityRef, labelKey string) (*model.RepeatingCalendarItem, error)

	// ListRepeatingCalendarItems は全ての繰り返しイベント定義を返す。
	ListRepeatingCalendarItems(ctx context.Context) ([]*model.RepeatingCalendarItem, error)

	// CreateRepeatingCalendarItem は定義を作成する。重複する場合はmodel.ErrDuplicateを返す。
	CreateRepeatingCalendarItem(ctx context.Context, rule *model.RepeatingCalendarItem) error

	// UpdateRepeatingCalendarItem は定義を上書き更新する。
	UpdateRepeatingCalendarItem(ctx context.Context, rule *model.RepeatingCalendarItem) error

	// DeleteRepeatingCalendarItem は指定IDの定義を削除する。
	DeleteRepeatingCalendarItem(ctx context.Context, id string) error
}

// LinkRepository はユーザーごとの可視性リンクの永続化インターフェース。
// kindでニュース/カレンダーのテーブルを切り替える。
type LinkRepository interface {
	// UsersWithLinks は項目へのリンクを持つユーザーの外部ユーザーID集合を返す。
	UsersWithLinks(ctx context.Context, kind model.LinkKind, itemID string) (map[string]struct{}, error)

	// FindLink は (Person, 項目) のリンクを取得する。見つからない場合はnilを返す。
	FindLink(ctx context.Context, kind model.LinkKind, personID, itemID string) (*model.Link, error)

	// AddLinks はリンクを一括挿入し、実際に挿入された件数を返す。
	// 既に存在する (Person, 項目) の組は無視し、既存行のフラグは変更しない。
	AddLinks(ctx context.Context, kind model.LinkKind, links []*model.Link) (int, error)

	// DeleteLinksForItem は項目へのリンクを全て削除し、削除件数を返す。
	DeleteLinksForItem(ctx context.Context, kind model.LinkKind, itemID string) (int, error)

	// DeleteLinksForUsers は指定ユーザー群の項目へのリンクを削除し、削除件数を返す。
	DeleteLinksForUsers(ctx context.Context, kind model.LinkKind, itemID string, userIDs []string) (int, error)

	// DeleteLinksForPersonInContext はPersonのコンテキスト内の全リンクを削除し、削除件数を返す。
	// contextIDはContext.ID（内部ID）。
	DeleteLinksForPersonInContext(ctx context.Context, kind model.LinkKind, personID, contextID string) (int, error)

	// UpdateLinkFlags はリンクのhidden/stickyを更新する。
	UpdateLinkFlags(ctx context.Context, kind model.LinkKind, linkID string, hidden, sticky bool) error
}

// TaskLockRepository はタスクロック交渉行の永続化インターフェース。
type TaskLockRepository interface {
	// ListTaskLocks はタスクの交渉行をclaim_time昇順（同時刻はID昇順）で返す。
	ListTaskLocks(ctx context.Context, task string) ([]*model.TaskLock, error)

	// ListAssignedTaskLocks はhas_lock=trueの行を全タスク分返す。
	ListAssignedTaskLocks(ctx context.Context) ([]*model.TaskLock, error)

	// AddTaskLock は交渉行を挿入する。
	AddTaskLock(ctx context.Context, lock *model.TaskLock) error

	// PromoteTaskLock は指定行をhas_lock=trueに昇格し、last_updateを更新する。
	PromoteTaskLock(ctx context.Context, id string, lastUpdate time.Time) error

	// TouchTaskLock はサーバーが保持するロック行のlast_updateを更新する。更新件数を返す。
	TouchTaskLock(ctx context.Context, task, serverID string, lastUpdate time.Time) (int, error)

	// DeleteTaskLocks はタスクの交渉行を全て削除する。
	DeleteTaskLocks(ctx context.Context, task string) error
}

// AvailabilityCheckRepository は公開状態再評価予約の永続化インターフェース。
type AvailabilityCheckRepository interface {
	// AddAvailabilityCheck は予約を追加する。
	AddAvailabilityCheck(ctx context.Context, check *model.AvailabilityCheck) error

	// ListDueAvailabilityChecks はscheduled_timeがbefore以前の予約を古い順に返す。
	ListDueAvailabilityChecks(ctx context.Context, before time.Time) ([]*model.AvailabilityCheck, error)

	// DeleteAvailabilityCheck は指定IDの予約を削除する。
	DeleteAvailabilityCheck(ctx context.Context, id string) error

	// DeleteAvailabilityChecks はEntityReferenceの予約を全て削除する。
	DeleteAvailabilityChecks(ctx context.Context, entityRef string) error
}

// Store は全エンティティの永続化操作をまとめたゲートウェイ。
// UnitOfWork.Doのコールバックに渡されるStoreは1つのトランザクションに束縛される。
type Store interface {
	PersonRepository
	ContextRepository
	NewsItemRepository
	CalendarItemRepository
	RepeatingCalendarItemRepository
	LinkRepository
	TaskLockRepository
	AvailabilityCheckRepository
}

// UnitOfWork は複数ステップの変更を1つの原子的な単位として実行する。
// トランザクション境界は呼び出し側のコンポーネントが決定する。
type UnitOfWork interface {
	// Do はfnをトランザクション内で実行する。
	// fnがnilを返した場合はコミットし、エラーまたはpanicの場合はロールバックする。
	Do(ctx context.Context, fn func(s Store) error) error
}

// Querier は*sql.DBと*sql.Txに共通するクエリ操作を抽象化する。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
