// Package api provides the admin HTTP server and signed media serving.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/auth"
	"github.com/tubocms/mediastore/internal/events"
	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/metrics"
	"github.com/tubocms/mediastore/internal/migration"
	"github.com/tubocms/mediastore/internal/signedurl"
	"github.com/tubocms/mediastore/internal/stats"
	"github.com/tubocms/mediastore/internal/storage"
)

// FileSource reads video file records.
type FileSource interface {
	Get(ctx context.Context, id int64) (*storage.VideoFile, error)
	ListByStorage(ctx context.Context, storageID *int, limit int) ([]*storage.VideoFile, error)
}

// Deps bundles the server's collaborators.
type Deps struct {
	Manager     *storage.Manager
	Storages    storage.StorageRepository
	Files       FileSource
	Signer      *signedurl.Signer
	Reports     *migration.ReportService
	Runner      *migration.Runner
	Stats       *stats.Service
	Broadcaster *events.Broadcaster
	Auth        *auth.Auth

	// MediaRoot is the local media tree served under /media/.
	MediaRoot string
	// PublicBaseURL prefixes /media/ URLs when they are signed and verified.
	PublicBaseURL string
	// SignedURLTTL is the default lifetime of issued URLs.
	SignedURLTTL time.Duration
}

// Server is the HTTP server.
type Server struct {
	Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.SignedURLTTL <= 0 {
		deps.SignedURLTTL = time.Hour
	}
	deps.PublicBaseURL = strings.TrimRight(deps.PublicBaseURL, "/")
	return &Server{Deps: deps}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protected := http.NewServeMux()
	route := func(m *http.ServeMux, pattern string, h http.HandlerFunc) {
		m.Handle(pattern, metrics.InstrumentRoute(pattern, h))
	}

	// Public endpoints (no auth required)
	route(mux, "GET /health", s.handleHealth)
	route(mux, "GET /media/{path...}", s.handleMedia)

	// Storage admin
	route(protected, "GET /api/v1/storages", s.handleListStorages)
	route(protected, "GET /api/v1/storages/stats", s.handleStorageDashboard)
	route(protected, "GET /api/v1/storages/{id}/stats", s.handleStorageStats)
	route(protected, "POST /api/v1/storages/{id}/test", s.handleTestStorage)
	route(protected, "POST /api/v1/storages/{id}/invalidate", s.handleInvalidateStorage)

	// Migrations
	route(protected, "GET /api/v1/migrations", s.handleListMigrations)
	route(protected, "POST /api/v1/migrations", s.handleStartMigration)
	route(protected, "GET /api/v1/migrations/events", s.handleMigrationEvents)
	route(protected, "GET /api/v1/migrations/{id}", s.handleGetMigration)

	// Signed URLs
	route(protected, "POST /api/v1/signed-urls", s.handleIssueSignedURL)

	mux.Handle("/api/v1/", s.Auth.Middleware(protected))

	return logging.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mediaURL is the signable public URL of a file under MediaRoot.
func (s *Server) mediaURL(rel string) string {
	return s.PublicBaseURL + (&url.URL{Path: "/media/" + filepath.ToSlash(rel)}).EscapedPath()
}

// handleMedia serves a local media file when the request carries a valid
// signature for exactly this URL.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	signed := s.PublicBaseURL + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		signed += "?" + r.URL.RawQuery
	}
	if !s.Signer.VerifyURL(signed) {
		sendError(w, http.StatusForbidden, "invalid or expired signature")
		return
	}

	rel := r.PathValue("path")
	if err := storage.ValidatePath(rel); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := os.Open(filepath.Join(s.MediaRoot, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			sendError(w, http.StatusNotFound, "not found")
			return
		}
		logging.Error("open media file failed", logging.LocalPath(rel), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		sendError(w, http.StatusNotFound, "not found")
		return
	}

	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func pathID(r *http.Request) (int, error) {
	return strconv.Atoi(r.PathValue("id"))
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("encode response failed", zap.Error(err))
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, map[string]any{
		"error": message,
		"code":  code,
	})
}
