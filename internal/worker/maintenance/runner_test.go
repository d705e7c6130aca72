package maintenance

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/dashboard/internal/metrics"
)

// mockLocker はTaskLockerのテスト用モック。
type mockLocker struct {
	mu       sync.Mutex
	owned    map[string]bool
	checkErr error
	checked  []string
	updated  []string
}

func (m *mockLocker) CheckTaskLock(ctx context.Context, task string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checked = append(m.checked, task)
	if m.checkErr != nil {
		return false, m.checkErr
	}
	return m.owned[task], nil
}

func (m *mockLocker) UpdateTaskLock(ctx context.Context, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, task)
	return nil
}

// mockMetrics はタスク実行結果を記録する。
type mockMetrics struct {
	metrics.Nop
	mu   sync.Mutex
	runs map[string]string
}

func (m *mockMetrics) RecordTaskRun(task, result string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = map[string]string{}
	}
	m.runs[task] = result
}

func TestRunner_RunOnce_RunsOnlyOwnedTasks(t *testing.T) {
	locker := &mockLocker{owned: map[string]bool{"a": true, "c": true}}
	collector := &mockMetrics{}
	var ran []string
	task := func(name string, err error) Task {
		return Task{Name: name, Run: func(ctx context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := NewRunner(locker, []Task{
		task("a", nil),
		task("b", nil),
		task("c", errors.New("boom")),
	}, collector, logger)

	r.RunOnce(context.Background())

	if strings.Join(ran, ",") != "a,c" {
		t.Errorf("実行されたタスク = %v, want [a c]", ran)
	}
	if strings.Join(locker.checked, ",") != "a,b,c" {
		t.Errorf("確認されたタスク = %v, want [a b c]", locker.checked)
	}
	// 失敗したタスクもハートビートを更新する
	if strings.Join(locker.updated, ",") != "a,c" {
		t.Errorf("ハートビート = %v, want [a c]", locker.updated)
	}
	if collector.runs["a"] != metrics.TaskResultSuccess || collector.runs["c"] != metrics.TaskResultFailure {
		t.Errorf("runs = %v", collector.runs)
	}
	if _, ok := collector.runs["b"]; ok {
		t.Error("所有していないタスクの実行が記録されました")
	}
	if !strings.Contains(buf.String(), "メンテナンスタスクの実行に失敗しました") {
		t.Errorf("失敗ログが出力されていない: %s", buf.String())
	}
}

func TestRunner_RunOnce_CheckErrorSkipsTask(t *testing.T) {
	locker := &mockLocker{checkErr: errors.New("db down")}
	ran := false
	r := NewRunner(locker, []Task{{Name: "a", Run: func(ctx context.Context) error {
		ran = true
		return nil
	}}}, nil, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))

	r.RunOnce(context.Background())

	if ran {
		t.Error("ロック確認に失敗したタスクは実行しない")
	}
	if len(locker.updated) != 0 {
		t.Error("ロック確認に失敗したタスクのハートビートは更新しない")
	}
}

func TestRunner_RunOnce_CancelledContext(t *testing.T) {
	locker := &mockLocker{owned: map[string]bool{"a": true}}
	r := NewRunner(locker, []Task{{Name: "a", Run: func(ctx context.Context) error { return nil }}}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.RunOnce(ctx)

	if len(locker.checked) != 0 {
		t.Error("キャンセル済みのティックではタスクを評価しない")
	}
}

func TestRunner_Start_InvalidSchedule(t *testing.T) {
	r := NewRunner(&mockLocker{}, nil, nil, nil)
	if err := r.Start(context.Background(), "not a schedule"); err == nil {
		t.Error("不正なスケジュールはエラーになるべき")
	}
}

func TestRunner_Start_StopsOnCancel(t *testing.T) {
	r := NewRunner(&mockLocker{}, nil, nil, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx, "@every 1h") }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("キャンセル後もStartが戻らない")
	}
}
