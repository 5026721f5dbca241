package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/export"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

const maxBodySize = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	body := map[string]string{"error": err.Error()}
	if code := errors.CodeOf(err); code != "" {
		body["code"] = string(code)
		body["kind"] = errors.KindOf(err).String()
	}
	if status >= http.StatusInternalServerError {
		logger.WithError(s.log.Error(), err).Msg("request failed")
	}
	s.writeJSON(w, status, body)
}

// httpStatus maps application errors to status codes.
func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrNotFound, errors.ErrDriverNotFound:
		return http.StatusNotFound
	case errors.ErrDuplicateDriver, errors.ErrBusy, errors.ErrSessionActive:
		return http.StatusConflict
	case errors.ErrInvalidArgument:
		return http.StatusBadRequest
	}
	switch errors.KindOf(err) {
	case errors.KindConfiguration:
		return http.StatusBadRequest
	case errors.KindConnection, errors.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return errors.New().WithMessage(errors.ErrInvalidArgument, "invalid JSON body: "+err.Error())
	}
	return nil
}

func sessionParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "start")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New().WithMessage(errors.ErrInvalidArgument, "invalid session id "+strconv.Quote(raw))
	}
	return id, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Status())
}

type startRequest struct {
	Driver string `json:"driver"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pipeline.Start(r.Context(), req.Driver); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.pipeline.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Stop()
	s.writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) handleResetMIL(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.ResetMIL(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.store.ListDrivers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, drivers)
}

type driverRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.store.CreateDriver(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, errors.New().WithMessage(errors.ErrInvalidArgument, "invalid limit"))
			return
		}
		limit = n
	}
	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionSamples(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	samples, err := s.store.SessionSamples(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.store.SessionStats(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.SessionFilename(sess)))
	if _, err := export.WriteSession(r.Context(), s.store, id, w); err != nil {
		logger.WithError(s.log.Warn(), err).Int64("session", id).Msg("csv export aborted")
	}
}

func (s *Server) handleExportFile(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.exporter == nil {
		s.writeError(w, errors.New().WithMessage(errors.ErrInvalidOperation, "export directory not configured"))
		return
	}
	path, err := s.exporter.ExportSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices()
	if err != nil {
		s.writeError(w, errors.New().Wrap(errors.ErrUnavailable, err))
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		s.writeError(w, errors.New().Wrap(errors.ErrInternal, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		s.log.Debug().Err(err).Msg("write config")
	}
}

// handleUpdateConfig merges a partial config. Changes apply to the next
// run; a run in progress keeps its settings.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, errors.New().Wrap(errors.ErrInvalidArgument, err))
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			logger.WithError(s.log.Warn(), err).Msg("config save failed")
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
