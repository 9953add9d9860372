package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	RequestIDMiddleware(handler).ServeHTTP(rec, req)

	if seen == "" {
		t.Error("request id missing from context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID header = %q, want %q", got, seen)
	}
}

func TestLoggingMiddlewareEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "hitl_request_id", "abc-123")
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest("POST", "/request", nil)
	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(handler).ServeHTTP(rec, req)

	out := buf.String()
	if !strings.Contains(out, "hitl_request_id=abc-123") {
		t.Errorf("log output missing handler field: %s", out)
	}
	if !strings.Contains(out, "status=201") {
		t.Errorf("log output missing status: %s", out)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusGatewayTimeout)
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})

	req := httptest.NewRequest("GET", "/requests/next", nil)
	rec := httptest.NewRecorder()
	TimeoutMiddleware(10*time.Millisecond)(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want handler to observe cancelled context", rec.Code)
	}
}
