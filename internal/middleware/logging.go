package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestObserver はリクエスト1件の結果を受け取る。*metrics.Collector が実装する。
type RequestObserver interface {
	ObserveHTTPRequest(route, method string, status int, duration time.Duration)
}

// unmatchedRoute はどのルートにも一致しなかったリクエストのラベル。
// 未知のパスごとにラベルが増えるのを防ぐ。
const unmatchedRoute = "unmatched"

// NewLoggingMiddleware はアクセスログを出力するミドルウェアを返す。
// ログにはmethod、path、route、status、bytes、duration_ms、request_id（chiのRequestIDの後に配置した場合）を含む。
// observerがnilでなければ同じ値を渡す。
func NewLoggingMiddleware(logger *slog.Logger, observer RequestObserver) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routePattern(r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}

			logger.LogAttrs(r.Context(), levelForStatus(status), "http_request", attrs...)

			if observer != nil {
				observer.ObserveHTTPRequest(route, r.Method, status, duration)
			}
		})
	}
}

// routePattern はchiが一致させたルートパターンを返す。
// ルーティング後に評価するため、ハンドラーの実行後に呼び出すこと。
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
