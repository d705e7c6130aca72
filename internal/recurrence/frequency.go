// Package recurrence は繰り返しイベントの定義から具体的な回を生成し、保存済みの回と突き合わせる。
package recurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

// maxIterations は1回の生成で数える回の上限。
const maxIterations = 100000

// FrequencyGenerator はdaily/weekly/monthly/yearlyの頻度から回を生成する組み込みの生成器。
// n番目の回はFirstTimeからn周期後の日時で、シーケンス番号はnになる。
// 月末を起点とする月次・年次の回は、その月の末日に丸める（1/31 → 2/29 → 3/31）。
type FrequencyGenerator struct{}

// Occurrences は [start, end) に含まれる回をシーケンス番号から日時へのマップで返す。
// LastTimeが設定されている場合はそれ以前の回のみ、Countが正の場合は先頭Count回のみを対象とする。
func (FrequencyGenerator) Occurrences(
	_ context.Context,
	rule *model.RepeatingCalendarItem,
	start, end time.Time,
) (map[int]time.Time, error) {
	if rule == nil || rule.FirstTime.IsZero() {
		return nil, fmt.Errorf("繰り返しの開始日時が必要です: %w", model.ErrInvalidInput)
	}
	if !rule.Frequency.Valid() {
		return nil, fmt.Errorf("未知の頻度です: %q: %w", rule.Frequency, model.ErrInvalidInput)
	}

	dates := make(map[int]time.Time)
	first := rule.FirstTime.UTC()
	for n := 0; n < maxIterations; n++ {
		if rule.Count > 0 && n >= rule.Count {
			break
		}
		t := nth(first, rule.Frequency, n)
		if !rule.LastTime.IsZero() && t.After(rule.LastTime) {
			break
		}
		if !t.Before(end) {
			break
		}
		if !t.Before(start) {
			dates[n] = t
		}
	}
	return dates, nil
}

// nth はfirstからn周期後の日時を返す。
func nth(first time.Time, freq model.Frequency, n int) time.Time {
	switch freq {
	case model.FrequencyDaily:
		return first.AddDate(0, 0, n)
	case model.FrequencyWeekly:
		return first.AddDate(0, 0, 7*n)
	case model.FrequencyMonthly:
		return addMonthsClamped(first, n)
	case model.FrequencyYearly:
		return addMonthsClamped(first, 12*n)
	}
	return first
}

// addMonthsClamped はtにmonthsか月を加え、日が月の末日を超える場合は末日に丸める。
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(target.Year(), target.Month()); d > last {
		d = last
	}
	return target.AddDate(0, 0, d-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
