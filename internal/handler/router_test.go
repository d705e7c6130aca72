package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/dashboard/internal/middleware"
)

func TestNewRouter_Health_OK(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(&mockTaskLockService{}, &mockHealthChecker{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body healthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestNewRouter_Health_DatabaseDown(t *testing.T) {
	w := httptest.NewRecorder()
	checker := &mockHealthChecker{err: errors.New("connection refused")}
	newTestRouter(&mockTaskLockService{}, checker).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestNewRouter_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("dashboard_task_runs_total 1\n"))
	})
	router := NewRouter(&RouterDeps{TaskLocks: &mockTaskLockService{}, Metrics: metrics})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "dashboard_task_runs_total 1\n" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestNewRouter_MetricsNotMountedWithoutHandler(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(&mockTaskLockService{}, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestNewRouter_AdminRateLimited(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            1,
		Burst:           1,
		CleanupInterval: time.Minute,
	}, nil)
	defer rl.Stop()

	router := NewRouter(&RouterDeps{TaskLocks: &mockTaskLockService{}, RateLimiter: rl})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/admin/tasks/check-availability/locks", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want %d", first.Code, http.StatusOK)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/admin/tasks/check-availability/locks", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}

	// /healthはレート制限の対象外
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
		}
	}
}

func TestNewRouter_MethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(&mockTaskLockService{}, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/tasks/check-availability/locks", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
