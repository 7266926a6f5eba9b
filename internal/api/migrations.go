package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/events"
	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/migration"
	"github.com/tubocms/mediastore/internal/storage"
)

type startMigrationRequest struct {
	ID                   string `json:"id"`
	SourceStorageID      *int   `json:"source_storage_id"`      // null = local
	DestinationStorageID *int   `json:"destination_storage_id"` // null = local
	Limit                int    `json:"limit"`
}

func (s *Server) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	var req startMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceStorageID == nil && req.DestinationStorageID == nil {
		sendError(w, http.StatusBadRequest, "source and destination are both local")
		return
	}
	if req.SourceStorageID != nil && req.DestinationStorageID != nil && *req.SourceStorageID == *req.DestinationStorageID {
		sendError(w, http.StatusBadRequest, "source and destination are the same storage")
		return
	}

	ctx := r.Context()
	sourceName, destName := "local", "local"
	if req.SourceStorageID != nil {
		src, err := s.Manager.StorageByID(ctx, *req.SourceStorageID)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		sourceName = src.Label()
	}

	var dest *storage.Storage
	if req.DestinationStorageID != nil {
		var err error
		if dest, err = s.Manager.StorageByID(ctx, *req.DestinationStorageID); err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !dest.IsEnabled {
			sendError(w, http.StatusConflict, "destination storage is disabled")
			return
		}
		destName = dest.Label()
	}

	files, err := s.Files.ListByStorage(ctx, req.SourceStorageID, req.Limit)
	if err != nil {
		logging.Error("list files for migration failed", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	id, err := s.Runner.Start(migration.Batch{
		ID:              req.ID,
		Files:           files,
		SourceName:      sourceName,
		DestinationName: destName,
		Destination:     dest,
	})
	if errors.Is(err, migration.ErrReportExists) {
		sendError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	logging.Info("migration started",
		logging.MigrationID(id),
		zap.String("source", sourceName),
		zap.String("destination", destName),
		zap.Int("files", len(files)))
	sendJSON(w, http.StatusAccepted, map[string]any{"id": id, "total_files": len(files)})
}

func (s *Server) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	active := s.Reports.ActiveMigrations()
	if active == nil {
		active = []*migration.Summary{}
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"active":    active,
		"completed": s.Reports.RecentCompletedMigrations(limit),
	})
}

func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Reports.Summary(r.PathValue("id"))
	if errors.Is(err, migration.ErrReportNotFound) {
		sendError(w, http.StatusNotFound, "migration not found")
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, sum)
}

func (s *Server) handleMigrationEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.Broadcaster.Subscribe(r.URL.Query().Get("migration_id"))
	defer s.Broadcaster.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
