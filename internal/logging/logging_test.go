package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, lvl zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(lvl)
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(zap.NewNop()) })
	return logs
}

func TestMiddlewareGeneratesRequestID(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/migrations", nil))

	if seen == "" {
		t.Fatal("handler saw no request id")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response header = %q, want %q", got, seen)
	}

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["bytes"] != int64(2) {
		t.Errorf("bytes field = %v", fields["bytes"])
	}
	if fields["request_id"] != seen {
		t.Errorf("request_id field = %v, want %q", fields["request_id"], seen)
	}
}

func TestMiddlewareKeepsClientRequestID(t *testing.T) {
	observe(t, zapcore.InfoLevel)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/storages", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want abc-123", got)
	}
}

func TestMiddlewareLevels(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   zapcore.Level
	}{
		{"/api/v1/storages", http.StatusOK, zapcore.InfoLevel},
		{"/api/v1/storages/9/stats", http.StatusNotFound, zapcore.WarnLevel},
		{"/api/v1/storages/1/test", http.StatusBadGateway, zapcore.ErrorLevel},
		{"/health", http.StatusOK, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		logs := observe(t, zapcore.DebugLevel)
		h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

		entries := logs.All()
		if len(entries) != 1 {
			t.Fatalf("%s: expected 1 entry, got %d", tt.path, len(entries))
		}
		if entries[0].Level != tt.want {
			t.Errorf("%s %d: level = %s, want %s", tt.path, tt.status, entries[0].Level, tt.want)
		}
	}
}

func TestHealthChecksHiddenAtInfo(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if logs.Len() != 0 {
		t.Errorf("expected no entries, got %d", logs.Len())
	}
}

func TestFieldHelpers(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)
	Info("file uploaded", StorageID(3), VideoFileID(42), MigrationID("m1"), RemotePath("a/b.mp4"), LocalPath("/data/b.mp4"))

	fields := logs.All()[0].ContextMap()
	want := map[string]any{
		"storage_id":    int64(3),
		"video_file_id": int64(42),
		"migration_id":  "m1",
		"remote_path":   "a/b.mp4",
		"local_path":    "/data/b.mp4",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %v", k, fields[k], v)
		}
	}
}
