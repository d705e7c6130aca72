// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ドメイン共通のセンチネルエラー。errors.Isで判定する。
var (
	// ErrInvalidInput は不正な入力（日付範囲の逆転、必須パラメータの欠落など）を表す。
	// ストレージの変更前に検出される。
	ErrInvalidInput = errors.New("invalid input")
	// ErrCapabilityNotFound はソース種別に対応するCapabilityが未登録であることを表す。
	ErrCapabilityNotFound = errors.New("source capability not registered")
	// ErrNotFound は対象のエンティティが存在しないことを表す。
	ErrNotFound = errors.New("not found")
	// ErrDuplicate は一意制約違反（同時挿入の競合）を表す。
	ErrDuplicate = errors.New("duplicate entity")
)

// APIError は管理APIの統一エラーフォーマットを表す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, task, system
	Action   string // 対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnknownTask = "UNKNOWN_TASK"
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeRateLimited = "RATE_LIMITED"
)

// NewUnknownTaskError は未知のタスク名エラーを生成する。
func NewUnknownTaskError(task string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownTask,
		Message:  fmt.Sprintf("未知のタスクです: %s", task),
		Category: "task",
		Action:   "タスク名には check-availability、expire-and-purge、update-repeating-events のいずれかを指定してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// IsKnownTask はタスク名が固定のタスク集合に含まれるかを返す。
func IsKnownTask(task string) bool {
	for _, t := range TaskNames() {
		if t == task {
			return true
		}
	}
	return false
}
