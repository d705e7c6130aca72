package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// execCall は1回のExecContext呼び出しの記録。
type execCall struct {
	query string
	args  []interface{}
}

// mockExecutor はExecutorのモック実装。
// テストではPostgreSQLを使わず、SQLクエリの内容と引数を検証する。
type mockExecutor struct {
	calls    []execCall
	affected int64
	failAt   int // 1始まり。0の場合は失敗しない
	err      error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.calls = append(m.calls, execCall{query: query, args: args})
	if m.failAt > 0 && len(m.calls) == m.failAt {
		return nil, m.err
	}
	return &fakeResult{rowsAffected: m.affected}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogEntry はJSONログからkeyを持つ最初のエントリを返す。
func findLogEntry(buf *bytes.Buffer, key string) map[string]interface{} {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	return nil
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	job := NewCleanupJob(&mockExecutor{}, nil)

	if job.RetentionWeeks != 8 {
		t.Errorf("RetentionWeeks = %d, want 8", job.RetentionWeeks)
	}
	if job.StarredRetentionWeeks != 26 {
		t.Errorf("StarredRetentionWeeks = %d, want 26", job.StarredRetentionWeeks)
	}
}

func TestCleanupJob_Run_DeletesLinksBeforeItems(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	wantTables := []string{
		"DELETE FROM news_links",
		"DELETE FROM calendar_links",
		"DELETE FROM news_items",
		"DELETE FROM calendar_items",
	}
	if len(mock.calls) != len(wantTables) {
		t.Fatalf("ExecContext呼び出し回数 = %d, want %d", len(mock.calls), len(wantTables))
	}
	for i, want := range wantTables {
		if !strings.Contains(mock.calls[i].query, want) {
			t.Errorf("%d番目のクエリに %q が含まれていない: %s", i+1, want, mock.calls[i].query)
		}
	}
	for _, c := range mock.calls[2:] {
		if !strings.Contains(c.query, "NOT EXISTS") {
			t.Errorf("項目の削除はリンクが残っていない行に限定されるべき: %s", c.query)
		}
	}
}

func TestCleanupJob_Run_IntervalParameters(t *testing.T) {
	tests := []struct {
		name         string
		weeks        int
		starredWeeks int
		wantLink     []interface{}
		wantItem     []interface{}
	}{
		{
			name:         "デフォルト",
			weeks:        DefaultRetentionWeeks,
			starredWeeks: DefaultStarredRetentionWeeks,
			wantLink:     []interface{}{"56 days", "182 days"},
			wantItem:     []interface{}{"56 days"},
		},
		{
			name:         "カスタム",
			weeks:        1,
			starredWeeks: 4,
			wantLink:     []interface{}{"7 days", "28 days"},
			wantItem:     []interface{}{"7 days"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mock := &mockExecutor{}
			job := NewCleanupJob(mock, newTestLogger(&buf))
			job.RetentionWeeks = tt.weeks
			job.StarredRetentionWeeks = tt.starredWeeks

			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			for i, c := range mock.calls {
				want := tt.wantItem
				if i < 2 {
					want = tt.wantLink
				}
				if len(c.args) != len(want) {
					t.Fatalf("%d番目の引数 = %v, want %v", i+1, c.args, want)
				}
				for j := range want {
					if c.args[j] != want[j] {
						t.Errorf("%d番目の引数[%d] = %v, want %v", i+1, j, c.args[j], want[j])
					}
				}
			}
		})
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{affected: 3}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	_ = job.Run(context.Background())

	entry := findLogEntry(&buf, "deleted_count")
	if entry == nil {
		t.Fatalf("ログに deleted_count が記録されていない。ログ出力: %s", buf.String())
	}
	if entry["deleted_count"] != float64(12) {
		t.Errorf("deleted_count = %v, want 12", entry["deleted_count"])
	}
	if entry["news_links_deleted"] != float64(3) {
		t.Errorf("news_links_deleted = %v, want 3", entry["news_links_deleted"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が記録されていない")
	}
}

func TestCleanupJob_Run_LogsZeroDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf))

	_ = job.Run(context.Background())

	entry := findLogEntry(&buf, "deleted_count")
	if entry == nil || entry["deleted_count"] != float64(0) {
		t.Errorf("0件削除時にもログに deleted_count=0 が記録されるべき。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_StopsOnError(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("connection refused")
	mock := &mockExecutor{failAt: 2, err: boom}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if len(mock.calls) != 2 {
		t.Errorf("失敗後も削除が続行された: 呼び出し回数 = %d, want 2", len(mock.calls))
	}

	entry := findLogEntry(&buf, "table")
	if entry == nil || entry["level"] != "ERROR" || entry["table"] != "calendar_links" {
		t.Errorf("ERRORログに失敗したテーブルが記録されるべき。ログ出力: %s", buf.String())
	}
}
