package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"

	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.HandleHealth)
	r.Get("/db/health", s.HandleDBHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/start", s.HandleStart)
		r.Post("/start/run", s.HandleStart) // alias
		r.Post("/scrape", s.HandleStart)    // legacy alias
		r.Get("/status/{id}", s.HandleStatus)
		r.Get("/stream/{id}", s.HandleStream)
		r.Get("/ws/{id}", s.HandleStreamWS)
		r.Post("/cancel/{id}", s.HandleCancel)
		r.Post("/cancel-all", s.HandleCancelAll)
		r.Get("/runs", s.HandleRuns)
		r.Get("/runs/{id}/events", s.HandleEvents)
		r.Get("/runs/{id}/parts", s.HandleParts)
	})

	r.Get("/exports/products.csv", s.HandleExportProducts)
	r.Post("/scheduler/run-now", s.HandleRunNow)

	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(r)
}

// statusWriter records the status and size of a response
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush lets streams flush through the wrapper
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// requestLogger logs one line per request after it completes. Health
// checks log at debug.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		next.ServeHTTP(sw, r.WithContext(logger.WithRequestID(r.Context(), reqID)))

		fields := []interface{}{
			logger.FieldRequestID, reqID,
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldHTTP, sw.status,
			"bytes", sw.bytes,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/health"):
			s.logger.Debugw("HTTP request", fields...)
		case sw.status >= 500:
			s.logger.Warnw("HTTP request", fields...)
		default:
			s.logger.Infow("HTTP request", fields...)
		}
	})
}
