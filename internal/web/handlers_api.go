package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"zll-bridge/internal/store"
	"zll-bridge/internal/touchlink"
	"zll-bridge/internal/zcl"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPITouchlinkStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

type startTouchlinkRequest struct {
	ResetTarget bool `json:"reset_target"`
}

func (s *Server) handleAPITouchlinkStart(w http.ResponseWriter, r *http.Request) {
	var req startTouchlinkRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	// An empty body starts a plain scan.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.coord.StartTouchlink(r.Context(), req.ResetTarget)
	switch {
	case errors.Is(err, touchlink.ErrBusy):
		s.writeError(w, http.StatusConflict, "touchlink session in progress")
		return
	case err != nil:
		s.logger.Error("start touchlink", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":       "started",
		"reset_target": req.ResetTarget,
	})
}

func (s *Server) handleAPINode(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.NetworkInfo())
}

func (s *Server) handleAPINodeReset(w http.ResponseWriter, r *http.Request) {
	err := s.coord.ResetNode(r.Context())
	switch {
	case errors.Is(err, touchlink.ErrBusy):
		s.writeError(w, http.StatusConflict, "touchlink session in progress")
		return
	case err != nil:
		s.logger.Error("reset node", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "resetting"})
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.coord.History(limit)
	if err != nil {
		s.logger.Error("list history", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []*store.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAPICluster(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, zcl.TouchlinkCommissioning)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
