package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/dashboard/internal/directory"
	"github.com/hitoshi/dashboard/internal/fanout"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/recurrence"
	"github.com/hitoshi/dashboard/internal/repository"
	"github.com/hitoshi/dashboard/internal/repository/memory"
	"github.com/hitoshi/dashboard/internal/source"
)

// fakeCapability は公開状態とアクセス集合を差し替え可能なCapability。
type fakeCapability struct {
	mu        sync.Mutex
	available bool
	access    []string
}

func (f *fakeCapability) Identifier() string { return "assignment" }

func (f *fakeCapability) IsAvailable(ctx context.Context, entityRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available, nil
}

func (f *fakeCapability) UsersWithAccess(ctx context.Context, entityRef string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.access...), nil
}

func (f *fakeCapability) IsUserPermitted(ctx context.Context, userID, entityRef, contextID string) (bool, error) {
	return true, nil
}

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db  *memory.DB
	cap *fakeCapability
	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:  memory.New(),
		cap: &fakeCapability{available: true, access: []string{"u1", "u2"}},
	}
	reg, err := source.NewRegistry(f.cap)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	engine := fanout.NewEngine(f.db, reg, nil, nil)
	expander := recurrence.NewExpander(f.db, reg, engine, nil, nil)
	dir := directory.NewService(f.db, nil, "", nil)
	f.svc = NewService(f.db, dir, reg, engine, expander, Config{
		Now: func() time.Time { return testNow },
	}, nil)
	return f
}

func (f *fixture) newsUsers(t *testing.T, entityRef string) map[string]struct{} {
	t.Helper()
	var users map[string]struct{}
	err := f.db.Do(context.Background(), func(s repository.Store) error {
		item, err := s.FindNewsItem(context.Background(), entityRef)
		if err != nil || item == nil {
			return err
		}
		users, err = s.UsersWithLinks(context.Background(), model.LinkKindNews, item.ID)
		return err
	})
	if err != nil {
		t.Fatalf("newsUsers error: %v", err)
	}
	return users
}

func (f *fixture) calendarUsers(t *testing.T, itemID string) map[string]struct{} {
	t.Helper()
	var users map[string]struct{}
	err := f.db.Do(context.Background(), func(s repository.Store) error {
		var err error
		users, err = s.UsersWithLinks(context.Background(), model.LinkKindCalendar, itemID)
		return err
	})
	if err != nil {
		t.Fatalf("calendarUsers error: %v", err)
	}
	return users
}

func (f *fixture) occurrences(t *testing.T, entityRef string) []*model.CalendarItem {
	t.Helper()
	var items []*model.CalendarItem
	err := f.db.Do(context.Background(), func(s repository.Store) error {
		var err error
		items, err = s.ListCalendarItemsByEntity(context.Background(), entityRef)
		return err
	})
	if err != nil {
		t.Fatalf("occurrences error: %v", err)
	}
	return items
}

func (f *fixture) dueChecks(t *testing.T, before time.Time) []*model.AvailabilityCheck {
	t.Helper()
	var checks []*model.AvailabilityCheck
	err := f.db.Do(context.Background(), func(s repository.Store) error {
		var err error
		checks, err = s.ListDueAvailabilityChecks(context.Background(), before)
		return err
	})
	if err != nil {
		t.Fatalf("dueChecks error: %v", err)
	}
	return checks
}

func newsInput(ref, title string) NewsInput {
	return NewsInput{
		Item: Item{
			Title:           title,
			LabelKey:        "dash.posted",
			EntityReference: ref,
			ContextID:       "site-1",
			SourceType:      "assignment",
		},
		NewsTime: testNow,
	}
}

func TestService_PublishNews_MaterializesWhenAvailable(t *testing.T) {
	f := newFixture(t)

	item, err := f.svc.PublishNews(context.Background(), newsInput("/assignment/a1", "課題1"))
	if err != nil {
		t.Fatalf("PublishNews() error: %v", err)
	}
	if item.ID == "" || item.Context == nil || item.Context.ContextID != "site-1" {
		t.Errorf("item = %+v", item)
	}
	if users := f.newsUsers(t, "/assignment/a1"); len(users) != 2 {
		t.Errorf("リンク数 = %d, want 2", len(users))
	}
}

func TestService_PublishNews_RepublishUpdatesAndReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.PublishNews(ctx, newsInput("/assignment/a1", "課題1"))
	if err != nil {
		t.Fatalf("PublishNews() error: %v", err)
	}
	f.cap.access = []string{"u2", "u3"}
	second, err := f.svc.PublishNews(ctx, newsInput("/assignment/a1", "課題1（改訂）"))
	if err != nil {
		t.Fatalf("PublishNews() 2回目 error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("ID = %q, want %q", second.ID, first.ID)
	}

	users := f.newsUsers(t, "/assignment/a1")
	if _, ok := users["u1"]; ok {
		t.Error("アクセスを失ったu1のリンクが残っています")
	}
	if _, ok := users["u3"]; !ok {
		t.Error("u3のリンクが作成されるべき")
	}

	var title string
	_ = f.db.Do(ctx, func(s repository.Store) error {
		item, err := s.FindNewsItem(ctx, "/assignment/a1")
		if item != nil {
			title = item.Title
		}
		return err
	})
	if title != "課題1（改訂）" {
		t.Errorf("Title = %q", title)
	}
}

func TestService_PublishNews_SchedulesReleaseCheck(t *testing.T) {
	f := newFixture(t)
	f.cap.available = false
	release := testNow.Add(48 * time.Hour)

	in := newsInput("/assignment/a1", "課題1")
	in.ReleaseTime = release
	if _, err := f.svc.PublishNews(context.Background(), in); err != nil {
		t.Fatalf("PublishNews() error: %v", err)
	}

	if users := f.newsUsers(t, "/assignment/a1"); len(users) != 0 {
		t.Errorf("非公開の項目のリンク数 = %d, want 0", len(users))
	}
	checks := f.dueChecks(t, release)
	if len(checks) != 1 {
		t.Fatalf("予約数 = %d, want 1", len(checks))
	}
	if checks[0].SourceTypeID != "assignment" || !checks[0].ScheduledTime.Equal(release) {
		t.Errorf("check = %+v", checks[0])
	}
}

func TestService_PublishNews_UnavailableRepublishRemovesLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.PublishNews(ctx, newsInput("/assignment/a1", "課題1")); err != nil {
		t.Fatalf("PublishNews() error: %v", err)
	}
	if users := f.newsUsers(t, "/assignment/a1"); len(users) != 2 {
		t.Fatalf("公開中のリンク数 = %d, want 2", len(users))
	}

	f.cap.available = false
	in := newsInput("/assignment/a1", "課題1")
	in.ReleaseTime = testNow.Add(24 * time.Hour)
	if _, err := f.svc.PublishNews(ctx, in); err != nil {
		t.Fatalf("PublishNews() 2回目 error: %v", err)
	}

	if users := f.newsUsers(t, "/assignment/a1"); len(users) != 0 {
		t.Errorf("非公開になった項目のリンク = %v, want none", users)
	}
	if checks := f.dueChecks(t, in.ReleaseTime); len(checks) != 1 {
		t.Errorf("予約数 = %d, want 1", len(checks))
	}
}

func TestService_PublishCalendar_UnavailableRepublishRemovesLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := testNow.Add(72 * time.Hour)

	item, err := f.svc.PublishCalendar(ctx, calendarInput("/assignment/a1", "dash.dueDate", due))
	if err != nil {
		t.Fatalf("PublishCalendar() error: %v", err)
	}
	if users := f.calendarUsers(t, item.ID); len(users) != 2 {
		t.Fatalf("公開中のリンク数 = %d, want 2", len(users))
	}

	f.cap.available = false
	if _, err := f.svc.PublishCalendar(ctx, calendarInput("/assignment/a1", "dash.dueDate", due)); err != nil {
		t.Fatalf("PublishCalendar() 2回目 error: %v", err)
	}
	if users := f.calendarUsers(t, item.ID); len(users) != 0 {
		t.Errorf("非公開になった項目のリンク = %v, want none", users)
	}
	if got := f.occurrences(t, "/assignment/a1"); len(got) != 1 {
		t.Errorf("項目数 = %d, want 1（項目自体は残る）", len(got))
	}
}

func TestService_PublishNews_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   NewsInput
		want error
	}{
		{
			name: "EntityReferenceなし",
			in:   newsInput("", "課題1"),
			want: model.ErrInvalidInput,
		},
		{
			name: "未登録のソース種別",
			in: func() NewsInput {
				in := newsInput("/forum/f1", "掲示板")
				in.SourceType = "forum"
				return in
			}(),
			want: model.ErrCapabilityNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.PublishNews(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestService_RemoveNews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := newsInput("/assignment/a1", "課題1")
	in.RetractTime = testNow.Add(time.Hour)
	if _, err := f.svc.PublishNews(ctx, in); err != nil {
		t.Fatalf("PublishNews() error: %v", err)
	}
	if len(f.dueChecks(t, in.RetractTime)) != 1 {
		t.Fatal("撤回時刻の予約が作成されるべき")
	}

	if err := f.svc.RemoveNews(ctx, "/assignment/a1"); err != nil {
		t.Fatalf("RemoveNews() error: %v", err)
	}
	var item *model.NewsItem
	_ = f.db.Do(ctx, func(s repository.Store) error {
		var err error
		item, err = s.FindNewsItem(ctx, "/assignment/a1")
		return err
	})
	if item != nil {
		t.Error("撤回後もニュース項目が残っています")
	}
	if len(f.dueChecks(t, in.RetractTime)) != 0 {
		t.Error("撤回後も予約が残っています")
	}
}

func TestService_ReviseNews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.PublishNews(ctx, newsInput("/assignment/a1", "課題1")); err != nil {
		t.Fatalf("PublishNews() error: %v", err)
	}

	at := testNow.Add(time.Hour)
	if err := f.svc.ReviseNewsTitle(ctx, "/assignment/a1", "新しいタイトル"); err != nil {
		t.Fatalf("ReviseNewsTitle() error: %v", err)
	}
	if err := f.svc.ReviseNewsTime(ctx, "/assignment/a1", at); err != nil {
		t.Fatalf("ReviseNewsTime() error: %v", err)
	}

	var item *model.NewsItem
	_ = f.db.Do(ctx, func(s repository.Store) error {
		var err error
		item, err = s.FindNewsItem(ctx, "/assignment/a1")
		return err
	})
	if item.Title != "新しいタイトル" || !item.NewsTime.Equal(at) {
		t.Errorf("item = %+v", item)
	}

	if err := f.svc.ReviseNewsTitle(ctx, "/assignment/none", "x"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("存在しない項目のerror = %v, want ErrNotFound", err)
	}
}

func calendarInput(ref, labelKey string, at time.Time) CalendarInput {
	return CalendarInput{
		Item: Item{
			Title:           "締切",
			LabelKey:        labelKey,
			EntityReference: ref,
			ContextID:       "site-1",
			SourceType:      "assignment",
		},
		CalendarTime: at,
	}
}

func TestService_PublishCalendar_AndRevise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := testNow.Add(72 * time.Hour)

	if _, err := f.svc.PublishCalendar(ctx, calendarInput("/assignment/a1", "dash.dueDate", due)); err != nil {
		t.Fatalf("PublishCalendar() error: %v", err)
	}
	if _, err := f.svc.PublishCalendar(ctx, calendarInput("/assignment/a1", "dash.openDate", testNow)); err != nil {
		t.Fatalf("PublishCalendar() error: %v", err)
	}

	n, err := f.svc.ReviseCalendarTitle(ctx, "/assignment/a1", "課題1")
	if err != nil || n != 2 {
		t.Fatalf("ReviseCalendarTitle() = %d, %v, want 2", n, err)
	}
	n, err = f.svc.ReviseCalendarLabelKey(ctx, "/assignment/a1", "dash.dueDate", "dash.closeDate")
	if err != nil || n != 1 {
		t.Fatalf("ReviseCalendarLabelKey() = %d, %v, want 1", n, err)
	}
	moved := due.Add(24 * time.Hour)
	if err := f.svc.ReviseCalendarTime(ctx, "/assignment/a1", "dash.closeDate", nil, moved); err != nil {
		t.Fatalf("ReviseCalendarTime() error: %v", err)
	}
	if err := f.svc.ReviseCalendarTime(ctx, "/assignment/a1", "dash.dueDate", nil, moved); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("旧ラベルキーのerror = %v, want ErrNotFound", err)
	}

	items := f.occurrences(t, "/assignment/a1")
	if len(items) != 2 {
		t.Fatalf("項目数 = %d, want 2", len(items))
	}
	for _, item := range items {
		if item.Title != "課題1" {
			t.Errorf("Title = %q", item.Title)
		}
		if item.CalendarTimeLabelKey == "dash.closeDate" && !item.CalendarTime.Equal(moved) {
			t.Errorf("CalendarTime = %v, want %v", item.CalendarTime, moved)
		}
	}

	if err := f.svc.RemoveCalendar(ctx, "/assignment/a1"); err != nil {
		t.Fatalf("RemoveCalendar() error: %v", err)
	}
	if got := f.occurrences(t, "/assignment/a1"); len(got) != 0 {
		t.Errorf("撤回後の項目数 = %d, want 0", len(got))
	}
}

func repeatingInput() RepeatingInput {
	return RepeatingInput{
		Item: Item{
			Title:           "週次ミーティング",
			LabelKey:        "dash.meeting",
			EntityReference: "/calendar/e1",
			ContextID:       "site-1",
			SourceType:      "assignment",
		},
		FirstTime: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Frequency: model.FrequencyWeekly,
	}
}

func TestService_PublishRepeating_ExpandsHorizon(t *testing.T) {
	f := newFixture(t)

	rule, result, err := f.svc.PublishRepeating(context.Background(), repeatingInput())
	if err != nil {
		t.Fatalf("PublishRepeating() error: %v", err)
	}
	if rule.ID == "" {
		t.Error("繰り返しイベントのIDが採番されるべき")
	}
	// 1/1, 1/8, 1/15, 1/22 の10:00。1/29 10:00は展開期間外。
	if result.Created != 4 {
		t.Errorf("Created = %d, want 4", result.Created)
	}
	if got := f.occurrences(t, "/calendar/e1"); len(got) != 4 {
		t.Errorf("回数 = %d, want 4", len(got))
	}

	_, again, err := f.svc.PublishRepeating(context.Background(), repeatingInput())
	if err != nil {
		t.Fatalf("PublishRepeating() 2回目 error: %v", err)
	}
	if again.Created != 0 {
		t.Errorf("2回目のCreated = %d, want 0", again.Created)
	}
}

func TestService_PublishRepeating_InvalidInput(t *testing.T) {
	f := newFixture(t)
	in := repeatingInput()
	in.LastTime = in.FirstTime.Add(-time.Hour)

	if _, _, err := f.svc.PublishRepeating(context.Background(), in); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
	in = repeatingInput()
	in.Frequency = ""
	if _, _, err := f.svc.PublishRepeating(context.Background(), in); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("頻度なしのerror = %v, want ErrInvalidInput", err)
	}
}

func TestService_ReviseRepeating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.svc.PublishRepeating(ctx, repeatingInput()); err != nil {
		t.Fatalf("PublishRepeating() error: %v", err)
	}

	title := "定例会"
	count := 2
	result, err := f.svc.ReviseRepeating(ctx, "/calendar/e1", "dash.meeting", RepeatingRevision{
		Title: &title,
		Count: &count,
	})
	if err != nil {
		t.Fatalf("ReviseRepeating() error: %v", err)
	}
	if result.Deleted != 2 {
		t.Errorf("Deleted = %d, want 2", result.Deleted)
	}

	items := f.occurrences(t, "/calendar/e1")
	if len(items) != 2 {
		t.Fatalf("回数 = %d, want 2", len(items))
	}
	for _, item := range items {
		if item.Title != title {
			t.Errorf("Title = %q, want %q", item.Title, title)
		}
	}

	if _, err := f.svc.ReviseRepeating(ctx, "/calendar/none", "dash.meeting", RepeatingRevision{Title: &title}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("存在しない定義のerror = %v, want ErrNotFound", err)
	}
}

func TestService_ReviseCalendarLabelKey_RenamesRepeatingRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.svc.PublishRepeating(ctx, repeatingInput()); err != nil {
		t.Fatalf("PublishRepeating() error: %v", err)
	}

	n, err := f.svc.ReviseCalendarLabelKey(ctx, "/calendar/e1", "dash.meeting", "dash.renamed")
	if err != nil || n != 4 {
		t.Fatalf("ReviseCalendarLabelKey() = %d, %v, want 4", n, err)
	}

	// 定義も新しいラベルキーで引けるため、再展開で旧キーに戻らない
	result, err := f.svc.ReviseRepeating(ctx, "/calendar/e1", "dash.renamed", RepeatingRevision{})
	if err != nil {
		t.Fatalf("ReviseRepeating() error: %v", err)
	}
	if *result != (recurrence.ExpandResult{}) {
		t.Errorf("result = %+v, want 変更なし", *result)
	}
	for _, item := range f.occurrences(t, "/calendar/e1") {
		if item.CalendarTimeLabelKey != "dash.renamed" {
			t.Errorf("seq %d のラベルキー = %q, want dash.renamed", item.SequenceValue(), item.CalendarTimeLabelKey)
		}
	}
	if _, err := f.svc.ReviseRepeating(ctx, "/calendar/e1", "dash.meeting", RepeatingRevision{}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("旧ラベルキーのerror = %v, want ErrNotFound", err)
	}
}

func TestService_ReviseRepeating_FirstTimeMovesPastOccurrenceNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := repeatingInput()
	in.FirstTime = time.Date(2023, 12, 11, 10, 0, 0, 0, time.UTC)
	rule, _, err := f.svc.PublishRepeating(ctx, in)
	if err != nil {
		t.Fatalf("PublishRepeating() error: %v", err)
	}

	// 展開期間より前に生成済みの初回
	seq := 0
	err = f.db.Do(ctx, func(s repository.Store) error {
		return s.CreateCalendarItem(ctx, &model.CalendarItem{
			Title:                   rule.Title,
			CalendarTime:            in.FirstTime,
			CalendarTimeLabelKey:    rule.CalendarTimeLabelKey,
			EntityReference:         rule.EntityReference,
			Context:                 rule.Context,
			SourceType:              rule.SourceType,
			RepeatingCalendarItemID: rule.ID,
			SequenceNumber:          &seq,
		})
	})
	if err != nil {
		t.Fatalf("CreateCalendarItem() error: %v", err)
	}

	first := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	result, err := f.svc.ReviseRepeating(ctx, "/calendar/e1", "dash.meeting", RepeatingRevision{FirstTime: &first})
	if err != nil {
		t.Fatalf("ReviseRepeating() error: %v", err)
	}
	if result.Created != 4 || result.Deleted != 5 || result.Skipped != 0 {
		t.Errorf("result = %+v, want Created=4 Deleted=5 Skipped=0", *result)
	}
	items := f.occurrences(t, "/calendar/e1")
	if len(items) != 4 {
		t.Fatalf("回数 = %d, want 4", len(items))
	}
	for _, item := range items {
		if item.CalendarTime.Weekday() != time.Tuesday {
			t.Errorf("seq %d の日時 = %v, want 火曜日", item.SequenceValue(), item.CalendarTime)
		}
	}
}

func TestService_ReviseCalendarTimes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, key := range []string{"dash.openDate", "dash.dueDate"} {
		if _, err := f.svc.PublishCalendar(ctx, calendarInput("/assignment/a1", key, testNow)); err != nil {
			t.Fatalf("PublishCalendar(%s) error: %v", key, err)
		}
	}

	at := testNow.Add(7 * 24 * time.Hour)
	n, err := f.svc.ReviseCalendarTimes(ctx, "/assignment/a1", at)
	if err != nil || n != 2 {
		t.Fatalf("ReviseCalendarTimes() = %d, %v, want 2", n, err)
	}
	for _, item := range f.occurrences(t, "/assignment/a1") {
		if !item.CalendarTime.Equal(at) {
			t.Errorf("%s の日時 = %v, want %v", item.CalendarTimeLabelKey, item.CalendarTime, at)
		}
	}
}

func TestService_RemoveRepeating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.svc.PublishRepeating(ctx, repeatingInput()); err != nil {
		t.Fatalf("PublishRepeating() error: %v", err)
	}

	if err := f.svc.RemoveRepeating(ctx, "/calendar/e1", "dash.meeting"); err != nil {
		t.Fatalf("RemoveRepeating() error: %v", err)
	}
	if got := f.occurrences(t, "/calendar/e1"); len(got) != 0 {
		t.Errorf("回数 = %d, want 0", len(got))
	}
	var rule *model.RepeatingCalendarItem
	_ = f.db.Do(ctx, func(s repository.Store) error {
		var err error
		rule, err = s.FindRepeatingCalendarItem(ctx, "/calendar/e1", "dash.meeting")
		return err
	})
	if rule != nil {
		t.Error("繰り返しイベントの定義が残っています")
	}

	// 存在しない定義の削除はエラーにしない
	if err := f.svc.RemoveRepeating(ctx, "/calendar/e1", "dash.meeting"); err != nil {
		t.Errorf("2回目のRemoveRepeating() error: %v", err)
	}
}
