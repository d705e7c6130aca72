// Package model はドメインモデルを定義する。
package model

import "time"

// SourceType はコンテンツ提供元の種別を表す。
// Identifierはsource.Capabilityの識別子と一致する。
type SourceType struct {
	ID         string
	Identifier string
	CreatedAt  time.Time
}

// NewsItem はダッシュボードのニュース欄に表示される項目を表す。
// EntityReferenceごとに最大1件のみ存在する。
type NewsItem struct {
	ID              string
	Title           string
	NewsTime        time.Time
	LabelKey        string
	EntityReference string
	Subtype         string
	Context         *Context
	SourceType      *SourceType
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CalendarItem はダッシュボードのカレンダー欄に表示される項目を表す。
// (EntityReference, CalendarTimeLabelKey, SequenceNumber) の組ごとに最大1件のみ存在する。
// 繰り返しイベントの各回はRepeatingCalendarItemIDとSequenceNumberを持つ。
type CalendarItem struct {
	ID                      string
	Title                   string
	CalendarTime            time.Time // ゼロ値は時刻の欠落（破損データ）を表す
	CalendarTimeLabelKey    string
	EntityReference         string
	Subtype                 string
	Context                 *Context
	SourceType              *SourceType
	RepeatingCalendarItemID string
	SequenceNumber          *int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// HasSequenceNumber はシーケンス番号が設定されているかを返す。
func (c *CalendarItem) HasSequenceNumber() bool {
	return c.SequenceNumber != nil
}

// SequenceValue はシーケンス番号を返す。未設定の場合は-1を返す。
func (c *CalendarItem) SequenceValue() int {
	if c.SequenceNumber == nil {
		return -1
	}
	return *c.SequenceNumber
}

// Frequency は繰り返しイベントの頻度を表す。
type Frequency string

const (
	// FrequencyDaily は毎日の繰り返し。
	FrequencyDaily Frequency = "daily"
	// FrequencyWeekly は毎週の繰り返し。
	FrequencyWeekly Frequency = "weekly"
	// FrequencyMonthly は毎月の繰り返し。
	FrequencyMonthly Frequency = "monthly"
	// FrequencyYearly は毎年の繰り返し。
	FrequencyYearly Frequency = "yearly"
)

// Valid は既知の頻度かどうかを返す。
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// RepeatingCalendarItem は繰り返しイベントの定義を表す。
// 展開された各回はCalendarItemとして保存される。
type RepeatingCalendarItem struct {
	ID                   string
	Title                string
	FirstTime            time.Time
	LastTime             time.Time
	CalendarTimeLabelKey string
	EntityReference      string
	Subtype              string
	Frequency            Frequency
	Count                int // 0は回数制限なし
	Context              *Context
	SourceType           *SourceType
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AvailabilityCheck は公開状態の再評価予約を表す。
// メンテナンスタスクが処理した後に削除される。
type AvailabilityCheck struct {
	ID              string
	EntityReference string
	SourceTypeID    string // SourceType.Identifier
	ScheduledTime   time.Time
}
