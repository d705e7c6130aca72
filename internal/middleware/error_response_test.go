package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/dashboard/internal/model"
)

func TestWriteErrorResponse_Constructors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		apiErr   *model.APIError
		code     string
		category string
	}{
		{"UnknownTask", http.StatusNotFound, model.NewUnknownTaskError("fetch-feeds"), model.ErrCodeUnknownTask, "task"},
		{"RateLimited", http.StatusTooManyRequests, model.NewRateLimitedError(), model.ErrCodeRateLimited, "system"},
		{"Internal", http.StatusInternalServerError, model.NewInternalError(), model.ErrCodeInternal, "system"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErrorResponse(w, tt.status, tt.apiErr)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Code != tt.code || body.Category != tt.category {
				t.Errorf("body = %+v, want code %q category %q", body, tt.code, tt.category)
			}
			if body.Message == "" || body.Action == "" {
				t.Errorf("message and action should be set: %+v", body)
			}
		})
	}
}

func TestWriteErrorResponse_UnknownTaskNamesTask(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownTaskError("fetch-feeds"))

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !strings.Contains(body.Message, "fetch-feeds") {
		t.Errorf("message = %q, want it to name the task", body.Message)
	}
	if !strings.Contains(body.Action, model.TaskCheckAvailability) {
		t.Errorf("action = %q, want it to list the known tasks", body.Action)
	}
}

func TestWriteJSON_SetsHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestWriteJSON_EncodeFailureKeepsStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, math.Inf(1))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestWriteInternalServerError_HidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(raw) != 4 {
		t.Errorf("body should contain exactly code/message/category/action: %v", raw)
	}
}
