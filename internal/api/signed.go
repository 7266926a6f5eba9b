package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/storage"
)

type signedURLRequest struct {
	VideoFileID      int64 `json:"video_file_id"`
	ExpiresInSeconds int   `json:"expires_in_seconds"`
}

type signedURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleIssueSignedURL(w http.ResponseWriter, r *http.Request) {
	var req signedURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExpiresInSeconds < 0 {
		sendError(w, http.StatusBadRequest, "expires_in_seconds must be positive")
		return
	}
	ttl := s.SignedURLTTL
	if req.ExpiresInSeconds > 0 {
		ttl = time.Duration(req.ExpiresInSeconds) * time.Second
	}

	ctx := r.Context()
	f, err := s.Files.Get(ctx, req.VideoFileID)
	if err != nil {
		sendError(w, http.StatusNotFound, err.Error())
		return
	}

	var signed string
	if rel, ok := s.underMediaRoot(f); ok {
		signed = s.Signer.GenerateSignedURL(s.mediaURL(rel), ttl, nil)
	} else {
		signed, err = s.Manager.SignedFileURL(ctx, f, ttl)
		if errors.Is(err, storage.ErrStorageNotFound) {
			sendError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			logging.Error("sign file url failed", logging.VideoFileID(f.ID), zap.Error(err))
			sendError(w, http.StatusBadGateway, "failed to sign url")
			return
		}
	}

	sendJSON(w, http.StatusOK, signedURLResponse{URL: signed, ExpiresAt: time.Now().Add(ttl)})
}

// underMediaRoot returns the path of a local file relative to MediaRoot.
func (s *Server) underMediaRoot(f *storage.VideoFile) (string, bool) {
	if f.IsRemote() || s.MediaRoot == "" || f.LocalPath == "" {
		return "", false
	}
	rel, err := filepath.Rel(s.MediaRoot, f.LocalPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
