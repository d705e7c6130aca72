package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/dashboard/internal/fanout"
	"github.com/hitoshi/dashboard/internal/metrics"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
	"github.com/hitoshi/dashboard/internal/source"
)

// Materializer は呼び出し側のトランザクション内でカレンダー項目をユーザーへ展開する。
// *fanout.Engine が実装する。
type Materializer interface {
	MaterializeCalendarIn(ctx context.Context, s repository.Store, item *model.CalendarItem) (int, error)
}

// ExpandResult は1回の展開の集計。
type ExpandResult struct {
	Created int
	Updated int
	Deleted int
	Skipped int
}

// Expander は繰り返しイベントの回を生成し、保存済みの回と突き合わせる。
type Expander struct {
	uow       repository.UnitOfWork
	caps      fanout.CapabilityLookup
	fanout    Materializer
	generator source.OccurrenceGenerator
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewExpander は新しいExpanderを生成する。
// Capabilityがsource.OccurrenceGeneratorを実装しない場合はFrequencyGeneratorで回を生成する。
func NewExpander(
	uow repository.UnitOfWork,
	caps fanout.CapabilityLookup,
	m Materializer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Expander {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{
		uow:       uow,
		caps:      caps,
		fanout:    m,
		generator: FrequencyGenerator{},
		metrics:   collector,
		logger:    logger,
	}
}

// instantKey は回の同一性判定に使う時刻のキー。ストレージの精度（マイクロ秒）に揃える。
func instantKey(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// Expand はruleの [start, end) に含まれる回を展開する。
//
//  1. 保存済みの回のうちシーケンス番号または時刻を持たないものはリンクごと削除する
//  2. 期間内にあるがどの候補とも一致しない回と、候補の番号を占有する期間外の回はリンクごと削除する
//  3. 同じ時刻の回が既にあれば属性を比較し、差分があれば上書きする
//  4. 無ければ回を作成してユーザーへ展開する
//
// 各回の更新・作成はそれぞれ独立したトランザクションで行い、1件の失敗は記録して残りを続行する。
func (x *Expander) Expand(ctx context.Context, rule *model.RepeatingCalendarItem, start, end time.Time) (*ExpandResult, error) {
	if err := validate(rule, start, end); err != nil {
		x.logger.Warn("繰り返しイベントの展開パラメータが不正です",
			slog.Time("start", start),
			slog.Time("end", end),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	c, err := x.caps.Lookup(rule.SourceType.Identifier)
	if err != nil {
		x.logger.Warn("ソース種別のCapabilityが登録されていません",
			slog.String("entity_ref", rule.EntityReference),
			slog.String("source_type", rule.SourceType.Identifier),
		)
		return nil, err
	}
	gen := x.generator
	if g, ok := c.(source.OccurrenceGenerator); ok {
		gen = g
	}

	candidates, err := gen.Occurrences(ctx, rule, start, end)
	if err != nil {
		return nil, fmt.Errorf("繰り返しイベントの回の生成に失敗しました: %w", err)
	}

	var existing []*model.CalendarItem
	if err := x.uow.Do(ctx, func(s repository.Store) error {
		var err error
		existing, err = s.ListCalendarItemsByRule(ctx, rule.ID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("既存の回の取得に失敗しました: %w", err)
	}

	result := &ExpandResult{}
	wanted := make(map[int64]struct{}, len(candidates))
	for _, t := range candidates {
		wanted[instantKey(t)] = struct{}{}
	}

	byTime := make(map[int64]*model.CalendarItem, len(existing))
	var outside []*model.CalendarItem
	for _, occ := range existing {
		if occ.SequenceNumber == nil || occ.CalendarTime.IsZero() {
			x.logger.Warn("破損した繰り返しイベントの回をリンクごと削除します",
				slog.String("entity_ref", rule.EntityReference),
				slog.String("item_id", occ.ID),
			)
			x.deleteOccurrence(ctx, rule, occ, result)
			continue
		}
		key := instantKey(occ.CalendarTime)
		_, isCandidate := wanted[key]
		inWindow := !occ.CalendarTime.Before(start) && occ.CalendarTime.Before(end)
		switch {
		case inWindow && !isCandidate:
			x.deleteOccurrence(ctx, rule, occ, result)
		case inWindow:
			byTime[key] = occ
		default:
			outside = append(outside, occ)
		}
	}

	// 開始日時や頻度の変更で採番がずれた場合、期間外の古い回が候補の番号を占有している
	for _, occ := range outside {
		if _, ok := candidates[*occ.SequenceNumber]; !ok {
			continue
		}
		x.logger.Info("採番が変わった期間外の回をリンクごと削除します",
			slog.String("entity_ref", rule.EntityReference),
			slog.String("item_id", occ.ID),
			slog.Int("sequence_number", *occ.SequenceNumber),
		)
		x.deleteOccurrence(ctx, rule, occ, result)
	}

	seqs := make([]int, 0, len(candidates))
	for seq := range candidates {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	// 番号が増える回は大きい順、減る回は小さい順に更新すると既存の番号と衝突しない
	var up, down, same, create []int
	for _, seq := range seqs {
		occ, ok := byTime[instantKey(candidates[seq])]
		switch {
		case !ok:
			create = append(create, seq)
		case *occ.SequenceNumber < seq:
			up = append(up, seq)
		case *occ.SequenceNumber > seq:
			down = append(down, seq)
		default:
			same = append(same, seq)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(up)))

	for _, group := range [][]int{up, down, same} {
		for _, seq := range group {
			at := candidates[seq]
			x.verifyOccurrence(ctx, rule, byTime[instantKey(at)], seq, at, result)
		}
	}
	for _, seq := range create {
		x.createOccurrence(ctx, rule, seq, candidates[seq], result)
	}

	x.logger.Info("繰り返しイベントを展開しました",
		slog.String("entity_ref", rule.EntityReference),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("deleted", result.Deleted),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

func validate(rule *model.RepeatingCalendarItem, start, end time.Time) error {
	if rule == nil {
		return fmt.Errorf("繰り返しイベントが指定されていません: %w", model.ErrInvalidInput)
	}
	if rule.ID == "" || rule.EntityReference == "" {
		return fmt.Errorf("繰り返しイベントのIDとEntityReferenceは必須です: %w", model.ErrInvalidInput)
	}
	if rule.SourceType == nil || rule.Context == nil {
		return fmt.Errorf("繰り返しイベントのコンテキストとソース種別は必須です: %w", model.ErrInvalidInput)
	}
	if !start.Before(end) {
		return fmt.Errorf("展開期間の開始は終了より前である必要があります: %w", model.ErrInvalidInput)
	}
	return nil
}

func (x *Expander) deleteOccurrence(ctx context.Context, rule *model.RepeatingCalendarItem, occ *model.CalendarItem, result *ExpandResult) {
	err := x.uow.Do(ctx, func(s repository.Store) error {
		n, err := s.DeleteLinksForItem(ctx, model.LinkKindCalendar, occ.ID)
		if err != nil {
			return err
		}
		x.metrics.RecordLinksRemoved(string(model.LinkKindCalendar), n)
		return s.DeleteCalendarItem(ctx, occ.ID)
	})
	if err != nil {
		x.logger.Warn("繰り返しイベントの回の削除に失敗しました",
			slog.String("entity_ref", rule.EntityReference),
			slog.String("item_id", occ.ID),
			slog.String("error", err.Error()),
		)
		result.Skipped++
		x.metrics.RecordOccurrence(metrics.OccurrenceSkipped)
		return
	}
	result.Deleted++
	x.metrics.RecordOccurrence(metrics.OccurrenceDeleted)
}

// verifyOccurrence は保存済みの回を定義の現在の値と比較し、差分があれば上書きする。
func (x *Expander) verifyOccurrence(
	ctx context.Context,
	rule *model.RepeatingCalendarItem,
	occ *model.CalendarItem,
	seq int,
	at time.Time,
	result *ExpandResult,
) {
	if !apply(occ, rule, seq, at) {
		return
	}
	err := x.uow.Do(ctx, func(s repository.Store) error {
		return s.UpdateCalendarItem(ctx, occ)
	})
	if err != nil {
		x.logger.Warn("繰り返しイベントの回の更新に失敗しました",
			slog.String("entity_ref", rule.EntityReference),
			slog.Int("sequence_number", seq),
			slog.String("error", err.Error()),
		)
		result.Skipped++
		x.metrics.RecordOccurrence(metrics.OccurrenceSkipped)
		return
	}
	result.Updated++
	x.metrics.RecordOccurrence(metrics.OccurrenceUpdated)
}

// apply はoccの各属性をruleの値に揃え、変更があったかを返す。
func apply(occ *model.CalendarItem, rule *model.RepeatingCalendarItem, seq int, at time.Time) bool {
	changed := false
	if occ.SequenceNumber == nil || *occ.SequenceNumber != seq {
		n := seq
		occ.SequenceNumber = &n
		changed = true
	}
	if occ.EntityReference != rule.EntityReference {
		occ.EntityReference = rule.EntityReference
		changed = true
	}
	if instantKey(occ.CalendarTime) != instantKey(at) {
		occ.CalendarTime = at
		changed = true
	}
	if occ.Title != rule.Title {
		occ.Title = rule.Title
		changed = true
	}
	if occ.CalendarTimeLabelKey != rule.CalendarTimeLabelKey {
		occ.CalendarTimeLabelKey = rule.CalendarTimeLabelKey
		changed = true
	}
	if occ.Context == nil || occ.Context.ID != rule.Context.ID {
		occ.Context = rule.Context
		changed = true
	}
	if occ.SourceType == nil || occ.SourceType.Identifier != rule.SourceType.Identifier {
		occ.SourceType = rule.SourceType
		changed = true
	}
	if occ.Subtype != rule.Subtype {
		occ.Subtype = rule.Subtype
		changed = true
	}
	if occ.RepeatingCalendarItemID != rule.ID {
		occ.RepeatingCalendarItemID = rule.ID
		changed = true
	}
	return changed
}

// createOccurrence は回を作成し、同じトランザクションでユーザーへ展開する。
// 他のサーバーが同じ回を同時に作成した場合の一意制約違反は競合負けとして扱う。
func (x *Expander) createOccurrence(
	ctx context.Context,
	rule *model.RepeatingCalendarItem,
	seq int,
	at time.Time,
	result *ExpandResult,
) {
	n := seq
	occ := &model.CalendarItem{
		Title:                   rule.Title,
		CalendarTime:            at,
		CalendarTimeLabelKey:    rule.CalendarTimeLabelKey,
		EntityReference:         rule.EntityReference,
		Subtype:                 rule.Subtype,
		Context:                 rule.Context,
		SourceType:              rule.SourceType,
		RepeatingCalendarItemID: rule.ID,
		SequenceNumber:          &n,
	}
	err := x.uow.Do(ctx, func(s repository.Store) error {
		if err := s.CreateCalendarItem(ctx, occ); err != nil {
			return err
		}
		_, err := x.fanout.MaterializeCalendarIn(ctx, s, occ)
		return err
	})
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, model.ErrDuplicate) && x.createdConcurrently(ctx, rule, seq, at) {
			level = slog.LevelInfo
		}
		x.logger.Log(ctx, level, "繰り返しイベントの回を作成できませんでした",
			slog.String("entity_ref", rule.EntityReference),
			slog.Int("sequence_number", seq),
			slog.Time("calendar_time", at),
			slog.String("error", err.Error()),
		)
		result.Skipped++
		x.metrics.RecordOccurrence(metrics.OccurrenceSkipped)
		return
	}
	result.Created++
	x.metrics.RecordOccurrence(metrics.OccurrenceCreated)
}

// createdConcurrently は番号seqを占有している回が同じ定義の同じ時刻の回かを返す。
// 異なる時刻の回が占有している場合は競合ではなく採番の不整合である。
func (x *Expander) createdConcurrently(ctx context.Context, rule *model.RepeatingCalendarItem, seq int, at time.Time) bool {
	var holder *model.CalendarItem
	err := x.uow.Do(ctx, func(s repository.Store) error {
		var err error
		holder, err = s.FindCalendarItem(ctx, rule.EntityReference, rule.CalendarTimeLabelKey, &seq)
		return err
	})
	if err != nil || holder == nil {
		return false
	}
	return holder.RepeatingCalendarItemID == rule.ID && instantKey(holder.CalendarTime) == instantKey(at)
}
