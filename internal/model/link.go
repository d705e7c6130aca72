// Package model はドメインモデルを定義する。
package model

import "time"

// LinkKind はリンクの種別（ニュース/カレンダー）を表す。
type LinkKind string

const (
	// LinkKindNews はニュース項目へのリンク。
	LinkKindNews LinkKind = "news"
	// LinkKindCalendar はカレンダー項目へのリンク。
	LinkKindCalendar LinkKind = "calendar"
)

// Link はユーザーごとの可視性を表すマテリアライズ済みの行。
// (PersonID, ItemID) の組ごとに最大1件のみ存在する。
// HiddenとStickyはユーザーが所有する状態であり、アクセス集合の再計算では変更しない。
type Link struct {
	ID        string
	PersonID  string
	ItemID    string
	ContextID string // Context.ID
	Hidden    bool   // ユーザーが非表示にした
	Sticky    bool   // ユーザーがスターを付けた
	CreatedAt time.Time
}

// NewsLink はニュース項目へのリンク。
type NewsLink = Link

// CalendarLink はカレンダー項目へのリンク。
type CalendarLink = Link
