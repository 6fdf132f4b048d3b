package server

import (
	"net/http"

	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
)

const (
	// Default and max limits for listing queries
	defaultRunLimit   = 50
	maxRunLimit       = 500
	defaultEventLimit = 200
	maxEventLimit     = 5000
)

// StartRequest is the body of POST /jobs/start
type StartRequest struct {
	Kind   string       `json:"kind"`
	Params async.Params `json:"params"`
}

// HandleStart starts a run: POST /jobs/start {kind, params}
func (s *Server) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	handle, err := s.engine.Start(r.Context(), req.Kind, req.Params)
	if err != nil {
		handleError(w, logger.FromContext(r.Context(), s.logger), err, "failed to start run")
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

// HandleStatus returns the state of one run: GET /jobs/status/{id}
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	run, err := s.engine.Status(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleCancel cancels one run: POST /jobs/cancel/{id}
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	run, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err, "failed to cancel run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// HandleCancelAll cancels every unfinished run, or those of ?kind=
func (s *Server) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.CancelAll(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		handleError(w, s.logger, err, "failed to cancel runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"canceled": ids})
}

// HandleRuns lists recent runs: GET /jobs/runs?kind=&status=&limit=
func (s *Server) HandleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := async.RunFilter{
		Kind:  q.Get("kind"),
		Limit: parseIntQueryParam(r, "limit", defaultRunLimit, 1, maxRunLimit),
	}
	if st := q.Get("status"); st != "" {
		if !async.IsValidStatus(st) {
			handleError(w, s.logger, errors.NewInvalidRequestError("unknown status %q", st), "")
			return
		}
		filter.Status = async.RunStatus(st)
	}

	runs, err := s.engine.Runs(r.Context(), filter)
	if err != nil {
		handleError(w, s.logger, err, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*async.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleEvents returns the event trail of a run: GET /jobs/runs/{id}/events
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	limit := parseIntQueryParam(r, "limit", defaultEventLimit, 1, maxEventLimit)
	events, err := s.engine.Events(r.Context(), id, limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list events")
		return
	}
	if events == nil {
		events = []*async.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleParts returns the per-site stage progress of a run
func (s *Server) HandleParts(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	parts, err := s.engine.Parts(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err, "failed to list parts")
		return
	}
	if parts == nil {
		parts = []*async.Part{}
	}
	writeJSON(w, http.StatusOK, parts)
}
