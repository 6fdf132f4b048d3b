package server

import (
	"context"
	"net/http"
	"time"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// HandleHealth reports that the process is serving
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  stateString(s.getState()),
	})
}

// HandleDBHealth pings the database
func (s *Server) HandleDBHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var one int
	err := s.db.PingContext(ctx)
	if err == nil {
		err = s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	}
	if err != nil {
		s.logger.Warnw("Database health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"driver": string(s.db.Dialect),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"driver": string(s.db.Dialect),
	})
}

// HandleRunNow starts a scheduler pass immediately: POST /scheduler/run-now.
// Answers 202 with the execution, 409 while a pass is running.
func (s *Server) HandleRunNow(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		handleError(w, s.logger, errors.Wrap(errors.ErrServiceUnavailable, "scheduler is not enabled"), "scheduler is not enabled")
		return
	}
	// the pass belongs to the server, not the request
	exec, err := s.scheduler.RunNow(s.ctx)
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":     err.Error(),
				"execution": exec,
			})
			return
		}
		handleError(w, s.logger, err, "failed to start scheduler pass")
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}
