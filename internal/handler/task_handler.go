package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dashboard/internal/middleware"
	"github.com/hitoshi/dashboard/internal/model"
)

// TaskLockService はタスクロックの参照と管理用削除を行うインターフェース。
type TaskLockService interface {
	Snapshot(ctx context.Context, task string) ([]*model.TaskLock, error)
	RemoveTaskLocks(ctx context.Context, task string) error
}

// taskLockResponse はタスクロック行のAPIレスポンス。
type taskLockResponse struct {
	ServerID   string    `json:"server_id"`
	ClaimTime  time.Time `json:"claim_time"`
	HasLock    bool      `json:"has_lock"`
	LastUpdate time.Time `json:"last_update"`
}

type taskLocksResponse struct {
	Task  string             `json:"task"`
	Locks []taskLockResponse `json:"locks"`
}

// TaskHandler はタスクロック管理APIのHTTPハンドラー。
type TaskHandler struct {
	service TaskLockService
	logger  *slog.Logger
}

// NewTaskHandler は新しいTaskHandlerを生成する。
func NewTaskHandler(service TaskLockService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{service: service, logger: logger}
}

// ListLocks はGET /admin/tasks/{task}/locks を処理する。
// 交渉行をclaim_time昇順で返す。先頭がリーダー候補。
func (h *TaskHandler) ListLocks(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskParam(w, r)
	if !ok {
		return
	}

	locks, err := h.service.Snapshot(r.Context(), task)
	if err != nil {
		h.handleServiceError(w, task, err)
		return
	}

	resp := taskLocksResponse{Task: task, Locks: make([]taskLockResponse, 0, len(locks))}
	for _, l := range locks {
		resp.Locks = append(resp.Locks, taskLockResponse{
			ServerID:   l.ServerID,
			ClaimTime:  l.ClaimTime,
			HasLock:    l.HasLock,
			LastUpdate: l.LastUpdate,
		})
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// RemoveLocks はDELETE /admin/tasks/{task}/locks を処理する。
// 全サーバーの交渉行を削除し、次のティックから交渉をやり直させる。
func (h *TaskHandler) RemoveLocks(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskParam(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveTaskLocks(r.Context(), task); err != nil {
		h.handleServiceError(w, task, err)
		return
	}

	h.logger.Info("管理APIからタスクロックを削除しました", slog.String("task", task))
	w.WriteHeader(http.StatusNoContent)
}

// taskParam はURLのタスク名を検証する。未知のタスクの場合は404を書き込みfalseを返す。
func (h *TaskHandler) taskParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	task := chi.URLParam(r, "task")
	if !model.IsKnownTask(task) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownTaskError(task))
		return "", false
	}
	return task, true
}

// handleServiceError は詳細をログに残し、呼び出し元には500を返す。
func (h *TaskHandler) handleServiceError(w http.ResponseWriter, task string, err error) {
	h.logger.Error("internal server error",
		slog.String("task", task),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}
