package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/dashboard/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker HealthChecker
	TaskLocks     TaskLockService
	// RateLimiter は/admin配下に適用する。nilの場合は制限しない。
	RateLimiter *middleware.RateLimiter
	// Metrics は/metricsに公開するハンドラー。nilの場合はルートを登録しない。
	Metrics http.Handler
	// Observer はリクエストごとの結果を受け取る。nilの場合は記録しない。
	Observer middleware.RequestObserver
	Logger   *slog.Logger
}

// NewRouter は管理APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → (/admin のみ) RateLimit
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Observer))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	health := NewHealthHandler(deps.HealthChecker, logger)
	r.Get("/health", health.Health)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	tasks := NewTaskHandler(deps.TaskLocks, logger)
	r.Route("/admin", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Route("/tasks/{task}/locks", func(r chi.Router) {
			r.Get("/", tasks.ListLocks)
			r.Delete("/", tasks.RemoveLocks)
		})
	})

	return r
}
