package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/auth"
	"github.com/tubocms/mediastore/internal/events"
	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/migration"
	"github.com/tubocms/mediastore/internal/signedurl"
	"github.com/tubocms/mediastore/internal/stats"
	"github.com/tubocms/mediastore/internal/storage"
	"github.com/tubocms/mediastore/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.Replace(zap.NewNop())
	os.Exit(m.Run())
}

type fakeRepo struct{ storages []storage.Storage }

func (r *fakeRepo) FindByID(_ context.Context, id int) (*storage.Storage, error) {
	for i := range r.storages {
		if r.storages[i].ID == id {
			s := r.storages[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) FindDefault(context.Context) (*storage.Storage, error) { return nil, nil }
func (r *fakeRepo) FindAll(context.Context) ([]storage.Storage, error) {
	return append([]storage.Storage(nil), r.storages...), nil
}
func (r *fakeRepo) FindEnabled(ctx context.Context) ([]storage.Storage, error) { return r.FindAll(ctx) }

type fakeFiles struct {
	mu    sync.Mutex
	files map[int64]*storage.VideoFile
}

func (f *fakeFiles) Get(_ context.Context, id int64) (*storage.VideoFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.files[id]
	if !ok {
		return nil, fmt.Errorf("video file %d not found", id)
	}
	c := *v
	return &c, nil
}

func (f *fakeFiles) ListByStorage(_ context.Context, storageID *int, limit int) ([]*storage.VideoFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.VideoFile
	for id := int64(1); id <= int64(len(f.files)); id++ {
		v := f.files[id]
		if (storageID == nil) != (v.StorageID == nil) {
			continue
		}
		if storageID != nil && *storageID != *v.StorageID {
			continue
		}
		c := *v
		out = append(out, &c)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFiles) UsageByStorage(context.Context) ([]stats.Usage, error) {
	return []stats.Usage{{FileCount: int64(len(f.files)), TotalBytes: 10}}, nil
}

type testEnv struct {
	srv         *Server
	handler     http.Handler
	token       string
	mediaRoot   string
	remoteRoot  string
	broadcaster *events.Broadcaster
	reports     *migration.ReportService
	runner      *migration.Runner
	now         *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mediaRoot := t.TempDir()
	remoteRoot := t.TempDir()

	os.MkdirAll(filepath.Join(mediaRoot, "videos"), 0755)
	os.WriteFile(filepath.Join(mediaRoot, "videos", "1.mp4"), []byte("first video"), 0644)
	os.WriteFile(filepath.Join(mediaRoot, "videos", "2.mp4"), []byte("second"), 0644)

	repo := &fakeRepo{storages: []storage.Storage{
		{ID: 1, Name: "archive", Kind: storage.KindLocal, IsEnabled: true,
			Config: []byte(`{"root_path":"` + remoteRoot + `","base_url":"https://cdn.example.com"}`)},
		{ID: 2, Name: "ftp", Kind: storage.KindFTP, IsEnabled: false,
			Config: []byte(`{"host":"ftp.example.com","username":"u","password":"hunter2"}`)},
	}}
	files := &fakeFiles{files: map[int64]*storage.VideoFile{
		1: {ID: 1, LocalPath: filepath.Join(mediaRoot, "videos", "1.mp4"), FileSize: 11},
		2: {ID: 2, LocalPath: filepath.Join(mediaRoot, "videos", "2.mp4"), FileSize: 6},
	}}

	now := time.Now()
	signer, err := signedurl.NewSigner("url-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	signer = signer.WithClock(func() time.Time { return now })

	mgr := storage.NewManager(storage.NewRegistry(local.Factory{}), repo, storage.Options{
		Signer:    signer,
		MediaRoot: mediaRoot,
		TempDir:   t.TempDir(),
	})
	t.Cleanup(func() { mgr.Close() })

	b := events.NewBroadcaster()
	reports := migration.NewReportService(migration.ReportOptions{Publisher: b})
	runner := migration.NewRunner(mgr, reports, 2)
	t.Cleanup(runner.Stop)

	a := auth.New("jwt-secret")
	token, _, err := a.IssueToken("ops", true, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	srv := NewServer(Deps{
		Manager:     mgr,
		Storages:    repo,
		Files:       files,
		Signer:      signer,
		Reports:     reports,
		Runner:      runner,
		Stats:       stats.NewService(files, repo, nil),
		Broadcaster: b,
		Auth:        a,
		MediaRoot:   mediaRoot,
	})
	return &testEnv{
		srv:         srv,
		handler:     srv.Handler(),
		token:       token,
		mediaRoot:   mediaRoot,
		remoteRoot:  remoteRoot,
		broadcaster: b,
		reports:     reports,
		runner:      runner,
		now:         &now,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	if strings.HasPrefix(target, "/api/") {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/storages", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestListStoragesRedactsSecrets(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/storages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if strings.Contains(body, "hunter2") {
		t.Errorf("password leaked: %s", body)
	}
	if !strings.Contains(body, redacted) || !strings.Contains(body, "ftp.example.com") {
		t.Errorf("expected redacted config with host kept: %s", body)
	}
}

func TestSignedMediaRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/signed-urls", map[string]any{"video_file_id": 1, "expires_in_seconds": 60})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp signedURLResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !strings.HasPrefix(resp.URL, "/media/videos/1.mp4?expires=") {
		t.Fatalf("unexpected url %s", resp.URL)
	}

	rec = env.do(t, http.MethodGet, resp.URL, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "first video" {
		t.Fatalf("expected file body, got %d %q", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, strings.Replace(resp.URL, "1.mp4", "2.mp4", 1), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("signature for another file should be rejected, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/media/videos/1.mp4", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unsigned request should be rejected, got %d", rec.Code)
	}

	*env.now = env.now.Add(2 * time.Minute)
	rec = env.do(t, http.MethodGet, resp.URL, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expired url should be rejected, got %d", rec.Code)
	}
}

func TestSignedURLForRemoteFile(t *testing.T) {
	env := newTestEnv(t)
	files := env.srv.Files.(*fakeFiles)
	id := 1
	files.files[3] = &storage.VideoFile{ID: 3, RemotePath: "videos/3.mp4", StorageID: &id}

	rec := env.do(t, http.MethodPost, "/api/v1/signed-urls", map[string]any{"video_file_id": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp signedURLResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !strings.HasPrefix(resp.URL, "https://cdn.example.com/videos/3.mp4?expires=") || !strings.HasSuffix(resp.URL, "&storage=1") {
		t.Errorf("unexpected url %s", resp.URL)
	}
	if !env.srv.Signer.VerifyURL(resp.URL) {
		t.Error("issued url should verify")
	}
}

func TestMigrationLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/migrations", map[string]any{"id": "mig-api", "destination_storage_id": 1})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var sum migration.Summary
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = env.do(t, http.MethodGet, "/api/v1/migrations/mig-api", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		sum = migration.Summary{}
		json.NewDecoder(rec.Body).Decode(&sum)
		if sum.IsComplete {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sum.IsComplete || sum.SuccessCount != 2 || sum.DestinationName != "archive" {
		t.Fatalf("unexpected summary %+v", sum)
	}

	data, err := os.ReadFile(filepath.Join(env.remoteRoot, "videos", "1.mp4"))
	if err != nil || string(data) != "first video" {
		t.Errorf("file not migrated: %q, %v", data, err)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/migrations?limit=5", nil)
	var list struct {
		Active    []migration.Summary `json:"active"`
		Completed []migration.Summary `json:"completed"`
	}
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list.Active) != 0 || len(list.Completed) != 1 || list.Completed[0].ID != "mig-api" {
		t.Errorf("unexpected list %+v", list)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/migrations", map[string]any{"id": "mig-api", "destination_storage_id": 1})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate id should conflict, got %d", rec.Code)
	}
}

func TestStartMigrationValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"both local", map[string]any{}, http.StatusBadRequest},
		{"same storage", map[string]any{"source_storage_id": 1, "destination_storage_id": 1}, http.StatusBadRequest},
		{"unknown destination", map[string]any{"destination_storage_id": 9}, http.StatusBadRequest},
		{"disabled destination", map[string]any{"destination_storage_id": 2}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/migrations", tt.body)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetUnknownMigration(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/api/v1/migrations/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStorageEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/storages/1/stats", nil)
	var st storage.Stats
	json.NewDecoder(rec.Body).Decode(&st)
	if rec.Code != http.StatusOK || !st.Healthy || !st.QuotaKnown {
		t.Errorf("expected healthy local storage with quota, got %d %+v", rec.Code, st)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/storages/1/test", nil)
	var res storage.ConnectionTestResult
	json.NewDecoder(rec.Body).Decode(&res)
	if !res.Success {
		t.Errorf("expected connection test to pass, got %+v", res)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/storages/9/stats", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown storage, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/storages/1/invalidate", nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/storages/x/invalidate", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/storages/stats", nil)
	var rep stats.Report
	json.NewDecoder(rec.Body).Decode(&rep)
	if rec.Code != http.StatusOK || len(rep.Storages) != 3 {
		t.Errorf("expected local + 2 storages, got %d %+v", rec.Code, rep)
	}
}

func TestMigrationEventsStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/migrations/events?migration_id=streamed&token="+env.token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %s", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.broadcaster.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.reports.CreateReport("ignored", 1, "local", "archive")
	env.reports.CreateReport("streamed", 1, "local", "archive")

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "event: ") {
			if sc.Text() != "event: "+events.MigrationStarted {
				t.Fatalf("unexpected event %q", sc.Text())
			}
			if !sc.Scan() || !strings.Contains(sc.Text(), `"migration_id":"streamed"`) {
				t.Errorf("unexpected data line %q", sc.Text())
			}
			return
		}
	}
	t.Fatal("stream ended before the event arrived")
}
