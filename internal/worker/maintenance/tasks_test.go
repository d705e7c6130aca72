package maintenance

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/dashboard/internal/fanout"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/recurrence"
	"github.com/hitoshi/dashboard/internal/repository"
	"github.com/hitoshi/dashboard/internal/repository/memory"
	"github.com/hitoshi/dashboard/internal/source"
)

// fakeCapability は公開状態を差し替え可能なCapability。
type fakeCapability struct {
	available bool
	err       error
	access    []string
}

func (f *fakeCapability) Identifier() string { return "assignment" }

func (f *fakeCapability) IsAvailable(ctx context.Context, entityRef string) (bool, error) {
	return f.available, f.err
}

func (f *fakeCapability) UsersWithAccess(ctx context.Context, entityRef string) ([]string, error) {
	return f.access, nil
}

func (f *fakeCapability) IsUserPermitted(ctx context.Context, userID, entityRef, contextID string) (bool, error) {
	return true, nil
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type availabilityFixture struct {
	db   *memory.DB
	cap  *fakeCapability
	task *AvailabilityTask
	logs *bytes.Buffer
}

func newAvailabilityFixture(t *testing.T) *availabilityFixture {
	t.Helper()
	f := &availabilityFixture{
		db:   memory.New(),
		cap:  &fakeCapability{available: true, access: []string{"u1", "u2"}},
		logs: &bytes.Buffer{},
	}
	reg, err := source.NewRegistry(f.cap)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(f.logs, nil))
	engine := fanout.NewEngine(f.db, reg, nil, logger)
	f.task = NewAvailabilityTask(f.db, reg, engine, func() time.Time { return now }, logger)

	ctx := context.Background()
	err = f.db.Do(ctx, func(s repository.Store) error {
		site, err := s.CreateContext(ctx, &model.Context{ContextID: "site-1", Title: "サイト1"})
		if err != nil {
			return err
		}
		src, err := s.CreateSourceType(ctx, "assignment")
		if err != nil {
			return err
		}
		return s.CreateNewsItem(ctx, &model.NewsItem{
			Title:           "課題1",
			NewsTime:        now,
			EntityReference: "/assignment/a1",
			Context:         site,
			SourceType:      src,
		})
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return f
}

func (f *availabilityFixture) schedule(t *testing.T, sourceType string, at time.Time) {
	t.Helper()
	err := f.db.Do(context.Background(), func(s repository.Store) error {
		return s.AddAvailabilityCheck(context.Background(), &model.AvailabilityCheck{
			EntityReference: "/assignment/a1",
			SourceTypeID:    sourceType,
			ScheduledTime:   at,
		})
	})
	if err != nil {
		t.Fatalf("AddAvailabilityCheck error: %v", err)
	}
}

func (f *availabilityFixture) linkCount(t *testing.T) int {
	t.Helper()
	var n int
	err := f.db.Do(context.Background(), func(s repository.Store) error {
		item, err := s.FindNewsItem(context.Background(), "/assignment/a1")
		if err != nil {
			return err
		}
		users, err := s.UsersWithLinks(context.Background(), model.LinkKindNews, item.ID)
		n = len(users)
		return err
	})
	if err != nil {
		t.Fatalf("linkCount error: %v", err)
	}
	return n
}

func (f *availabilityFixture) pending(t *testing.T) int {
	t.Helper()
	var n int
	err := f.db.Do(context.Background(), func(s repository.Store) error {
		checks, err := s.ListDueAvailabilityChecks(context.Background(), now.Add(time.Hour))
		n = len(checks)
		return err
	})
	if err != nil {
		t.Fatalf("pending error: %v", err)
	}
	return n
}

func TestAvailabilityTask_ReleasedItemIsMaterialized(t *testing.T) {
	f := newAvailabilityFixture(t)
	f.schedule(t, "assignment", now.Add(-time.Minute))

	if err := f.task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := f.linkCount(t); got != 2 {
		t.Errorf("リンク数 = %d, want 2", got)
	}
	if got := f.pending(t); got != 0 {
		t.Errorf("処理済みの予約が残っています: %d", got)
	}
}

func TestAvailabilityTask_RetractedItemLosesLinks(t *testing.T) {
	f := newAvailabilityFixture(t)
	f.schedule(t, "assignment", now.Add(-time.Minute))
	if err := f.task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	f.cap.available = false
	f.schedule(t, "assignment", now)
	if err := f.task.Run(context.Background()); err != nil {
		t.Fatalf("Run() 2回目 error: %v", err)
	}
	if got := f.linkCount(t); got != 0 {
		t.Errorf("非公開になった項目のリンク数 = %d, want 0", got)
	}
}

func TestAvailabilityTask_FutureCheckIsKept(t *testing.T) {
	f := newAvailabilityFixture(t)
	f.schedule(t, "assignment", now.Add(30*time.Minute))

	if err := f.task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := f.linkCount(t); got != 0 {
		t.Errorf("予約時刻前にリンクが作成されました: %d", got)
	}
	if got := f.pending(t); got != 1 {
		t.Errorf("未来の予約数 = %d, want 1", got)
	}
}

func TestAvailabilityTask_FailedCheckIsRetried(t *testing.T) {
	f := newAvailabilityFixture(t)
	f.cap.err = errors.New("timeout")
	f.schedule(t, "assignment", now.Add(-time.Minute))

	if err := f.task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := f.pending(t); got != 1 {
		t.Errorf("判定に失敗した予約は残るべき: %d", got)
	}
	if !strings.Contains(f.logs.String(), "公開状態の判定に失敗しました") {
		t.Errorf("警告ログが出力されていない: %s", f.logs.String())
	}
}

func TestAvailabilityTask_UnknownSourceIsDropped(t *testing.T) {
	f := newAvailabilityFixture(t)
	f.schedule(t, "forum", now.Add(-time.Minute))

	if err := f.task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := f.pending(t); got != 0 {
		t.Errorf("登録されていないソース種別の予約は削除されるべき: %d", got)
	}
}

// mockExpander は展開呼び出しを記録する。
type mockExpander struct {
	calls  []string
	start  time.Time
	end    time.Time
	failOn string
}

func (m *mockExpander) Expand(ctx context.Context, rule *model.RepeatingCalendarItem, start, end time.Time) (*recurrence.ExpandResult, error) {
	m.calls = append(m.calls, rule.EntityReference)
	m.start, m.end = start, end
	if rule.EntityReference == m.failOn {
		return nil, errors.New("expand failed")
	}
	return &recurrence.ExpandResult{Created: 1}, nil
}

func TestRepeatingTask_ExpandsEveryRule(t *testing.T) {
	db := memory.New()
	ctx := context.Background()
	err := db.Do(ctx, func(s repository.Store) error {
		site, err := s.CreateContext(ctx, &model.Context{ContextID: "site-1"})
		if err != nil {
			return err
		}
		src, err := s.CreateSourceType(ctx, "assignment")
		if err != nil {
			return err
		}
		for _, ref := range []string{"/calendar/e1", "/calendar/e2", "/calendar/e3"} {
			err := s.CreateRepeatingCalendarItem(ctx, &model.RepeatingCalendarItem{
				Title:           ref,
				FirstTime:       now,
				EntityReference: ref,
				Frequency:       model.FrequencyDaily,
				Context:         site,
				SourceType:      src,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	expander := &mockExpander{failOn: "/calendar/e2"}
	var buf bytes.Buffer
	horizon := 4 * 7 * 24 * time.Hour
	task := NewRepeatingTask(db, expander, horizon, func() time.Time { return now }, slog.New(slog.NewJSONHandler(&buf, nil)))

	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(expander.calls) != 3 {
		t.Errorf("展開回数 = %d, want 3（失敗した定義があっても続行する）", len(expander.calls))
	}
	if !expander.start.Equal(now) || !expander.end.Equal(now.Add(horizon)) {
		t.Errorf("展開期間 = [%v, %v)", expander.start, expander.end)
	}
	if !strings.Contains(buf.String(), `"failed_count":1`) {
		t.Errorf("失敗件数がログに記録されていない: %s", buf.String())
	}
	if task.Task().Name != model.TaskUpdateRepeatingEvents {
		t.Errorf("Task().Name = %q", task.Task().Name)
	}
}
