package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/storage"
)

// secretKeys are config keys never returned by the API.
var secretKeys = []string{"password", "private_key", "secret_key", "auth_token"}

const redacted = "********"

// redactConfig masks secrets in a storage config.
func redactConfig(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return json.RawMessage(`{}`)
	}
	for _, k := range secretKeys {
		if v, ok := m[k]; ok && v != "" {
			m[k] = redacted
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

func (s *Server) handleListStorages(w http.ResponseWriter, r *http.Request) {
	all, err := s.Storages.FindAll(r.Context())
	if err != nil {
		logging.Error("list storages failed", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to list storages")
		return
	}
	for i := range all {
		all[i].Config = redactConfig(all[i].Config)
	}
	if all == nil {
		all = []storage.Storage{}
	}
	sendJSON(w, http.StatusOK, all)
}

func (s *Server) handleStorageDashboard(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Stats.Report(r.Context())
	if err != nil {
		logging.Error("storage dashboard failed", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to compute storage stats")
		return
	}
	sendJSON(w, http.StatusOK, rep)
}

// lookupStorage resolves the {id} path value, writing the error response
// itself when it fails.
func (s *Server) lookupStorage(w http.ResponseWriter, r *http.Request) *storage.Storage {
	id, err := pathID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid storage id")
		return nil
	}
	st, err := s.Manager.StorageByID(r.Context(), id)
	if errors.Is(err, storage.ErrStorageNotFound) {
		sendError(w, http.StatusNotFound, "storage not found")
		return nil
	}
	if err != nil {
		logging.Error("get storage failed", logging.StorageID(id), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to load storage")
		return nil
	}
	return st
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	st := s.lookupStorage(w, r)
	if st == nil {
		return
	}
	sendJSON(w, http.StatusOK, s.Manager.StorageStats(r.Context(), st))
}

func (s *Server) handleTestStorage(w http.ResponseWriter, r *http.Request) {
	st := s.lookupStorage(w, r)
	if st == nil {
		return
	}
	s.Manager.InvalidateAdapter(st.ID)
	a, err := s.Manager.Adapter(r.Context(), st)
	if err != nil {
		sendJSON(w, http.StatusOK, storage.ConnectionFailed(err))
		return
	}
	sendJSON(w, http.StatusOK, a.TestConnection(r.Context()))
}

func (s *Server) handleInvalidateStorage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid storage id")
		return
	}
	s.Manager.InvalidateAdapter(id)
	logging.Info("storage adapter invalidated", logging.StorageID(id))
	w.WriteHeader(http.StatusNoContent)
}
