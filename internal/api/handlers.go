package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/audetic/agent/internal/lock"
	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/scheduler"
	"github.com/audetic/agent/internal/updater"
)

type installRequest struct {
	Channel string `json:"channel,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

type autoUpdateRequest struct {
	Enabled *bool `json:"enabled"`
}

type autoUpdateResponse struct {
	Success    bool   `json:"success"`
	AutoUpdate bool   `json:"auto_update"`
	Message    string `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	s.runAndWait(w, r, scheduler.Request{CheckOnly: true, Source: updater.SourceAPI})
}

func (s *Server) install(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, "couldn't parse JSON request", http.StatusBadRequest)
		return
	}
	s.runAndWait(w, r, scheduler.Request{
		Channel: req.Channel,
		Force:   req.Force,
		Source:  updater.SourceAPI,
	})
}

// runAndWait queues a run and waits for its report. A client that goes away
// does not cancel the run itself.
func (s *Server) runAndWait(w http.ResponseWriter, r *http.Request, req scheduler.Request) {
	ch, err := s.sched.Trigger(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			writeError(w, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, res.Report)
	case <-r.Context().Done():
		log.Debug("client left before update run finished", "path", r.URL.Path)
	}
}

func (s *Server) setAuto(w http.ResponseWriter, r *http.Request) {
	var req autoUpdateRequest
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		writeErrorResponse(w, `body must be {"enabled": true|false}`, http.StatusBadRequest)
		return
	}
	st, err := s.updater.SetAutoUpdate(*req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "Auto-update disabled"
	if st.AutoUpdate {
		msg = "Auto-update enabled"
	}
	writeJSON(w, http.StatusOK, autoUpdateResponse{Success: true, AutoUpdate: st.AutoUpdate, Message: msg})
}

// statusResponse adds the daemon's run queue to the engine status.
type statusResponse struct {
	updater.Status
	QueuedRuns int `json:"queued_runs"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	st, err := s.updater.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: st, QueuedRuns: s.sched.Queued()})
}

func (s *Server) healthSummary(w http.ResponseWriter, _ *http.Request) {
	summary := s.health.Summary()
	code := http.StatusOK
	if summary["status"] == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, summary)
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, obj any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Warn("failed to encode response", logging.KeyError, err)
	}
}

func writeErrorResponse(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, ErrorResponse{Message: msg, Code: code})
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrCoalesced), errors.Is(err, lock.ErrContention):
		code = http.StatusConflict
	case errors.Is(err, updater.ErrPrecondition):
		code = http.StatusPreconditionFailed
	case updater.IsTransient(err):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		log.Error("handler error", logging.KeyError, err)
	}
	writeErrorResponse(w, err.Error(), code)
}
