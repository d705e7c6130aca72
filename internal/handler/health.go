package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/dashboard/internal/middleware"
)

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status string `json:"status"`
}

// HealthHandler はGET /healthを処理する。
type HealthHandler struct {
	checker HealthChecker
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler は新しいHealthHandlerを生成する。
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{checker: checker, timeout: 3 * time.Second, logger: logger}
}

// Health はDBにpingし、成功すれば200、失敗すれば503を返す。
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status, body := http.StatusOK, healthResponse{Status: "ok"}

	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		if err := h.checker.PingContext(ctx); err != nil {
			h.logger.Warn("ヘルスチェックでDBに接続できません", slog.String("error", err.Error()))
			status, body = http.StatusServiceUnavailable, healthResponse{Status: "unavailable"}
		}
	}

	middleware.WriteJSON(w, status, body)
}
