package webdav

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/webdav"

	"github.com/tubocms/mediastore/internal/storage"
)

func newDAVServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := &webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundTrip(t *testing.T) {
	srv := newDAVServer(t)
	a, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if res := a.TestConnection(ctx); !res.Success {
		t.Fatalf("TestConnection: %s", res.Error)
	}

	src := filepath.Join(t.TempDir(), "in.mp4")
	os.WriteFile(src, []byte("dav bytes"), 0644)

	if res := a.Upload(ctx, src, "videos/3/in.mp4"); !res.Success {
		t.Fatalf("upload failed: %s", res.Error)
	}

	size, err := a.Size(ctx, "videos/3/in.mp4")
	if err != nil || size != 9 {
		t.Fatalf("Size = %d, %v", size, err)
	}

	dst := filepath.Join(t.TempDir(), "out.mp4")
	if err := a.Download(ctx, "videos/3/in.mp4", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "dav bytes" {
		t.Errorf("expected dav bytes, got %q", data)
	}

	if err := a.Delete(ctx, "videos/3/in.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err := a.Exists(ctx, "videos/3/in.mp4")
	if err != nil || exists {
		t.Errorf("Exists after delete = %v, %v", exists, err)
	}
	if err := a.Delete(ctx, "videos/3/in.mp4"); err != nil {
		t.Errorf("deleting a missing file should succeed, got %v", err)
	}
}

func TestDownloadMissing(t *testing.T) {
	srv := newDAVServer(t)
	a, _ := New(Config{BaseURL: srv.URL})

	err := a.Download(context.Background(), "missing.mp4", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQuotaUnsupported(t *testing.T) {
	srv := newDAVServer(t)
	a, _ := New(Config{BaseURL: srv.URL})

	q, err := a.Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if q != nil {
		t.Errorf("expected no quota from a server without RFC 4331, got %+v", q)
	}
}

func TestQuotaRFC4331(t *testing.T) {
	var gotAuth, gotDepth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotDepth = r.Header.Get("Depth")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/</d:href>
    <d:propstat>
      <d:prop>
        <d:quota-available-bytes>750</d:quota-available-bytes>
        <d:quota-used-bytes>250</d:quota-used-bytes>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)
	}))
	defer srv.Close()

	a, _ := New(Config{BaseURL: srv.URL, AuthToken: "tok"})
	q, err := a.Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if q == nil || q.TotalBytes != 1000 || q.UsedBytes != 250 {
		t.Fatalf("expected 1000/250, got %+v", q)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotDepth != "0" {
		t.Errorf("expected Depth 0, got %q", gotDepth)
	}
	if !strings.Contains(gotBody, "quota-available-bytes") {
		t.Errorf("expected quota props in body, got %s", gotBody)
	}
}

func TestQuotaServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, _ := New(Config{BaseURL: srv.URL})
	if _, err := a.Quota(context.Background()); err == nil {
		t.Error("expected error on 500")
	}
}

func TestURL(t *testing.T) {
	a, _ := New(Config{BaseURL: "https://dav.example.com/media/"})
	if got := a.URL("videos/a.mp4"); got != "https://dav.example.com/media/videos/a.mp4" {
		t.Errorf("unexpected url %s", got)
	}
	b, _ := New(Config{BaseURL: "https://dav.example.com/media", PublicURL: "https://cdn.example.com"})
	if got := b.URL("videos/a.mp4"); got != "https://cdn.example.com/videos/a.mp4" {
		t.Errorf("unexpected public url %s", got)
	}
}

func TestCloseReleasesConnections(t *testing.T) {
	var open atomic.Int64
	srv := httptest.NewUnstartedServer(&webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	})
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			open.Add(1)
		case http.StateClosed, http.StateHijacked:
			open.Add(-1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	a, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	local := filepath.Join(t.TempDir(), "a.mp4")
	if err := os.WriteFile(local, []byte("frames"), 0644); err != nil {
		t.Fatal(err)
	}
	if res := a.Upload(context.Background(), local, "videos/a.mp4"); !res.Success {
		t.Fatalf("Upload: %s", res.Error)
	}
	if _, err := a.Exists(context.Background(), "videos/a.mp4"); err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if open.Load() == 0 {
		t.Fatal("expected pooled connections before Close")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for open.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d connections still open after Close", open.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without base_url")
	}
	if _, err := New(Config{BaseURL: "ftp://x"}); err == nil {
		t.Error("expected error for non-http base_url")
	}
}

func TestFactory(t *testing.T) {
	srv := newDAVServer(t)
	s := &storage.Storage{ID: 2, Kind: storage.KindHTTP, Config: []byte(`{"base_url":"` + srv.URL + `"}`)}

	var f Factory
	if !f.Supports(s) {
		t.Fatal("should support http storage with base_url")
	}
	a, err := f.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Kind() != storage.KindHTTP {
		t.Errorf("expected http kind, got %s", a.Kind())
	}
}
