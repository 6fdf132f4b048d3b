package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
)

// websocket timing
const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// streamSource reads a subscription in keep-alive sized slots
type streamSource struct {
	sub       *async.Subscription
	keepAlive time.Duration
}

// next returns the next message, or ok=false for a keep-alive slot
func (src streamSource) next(ctx context.Context) (msg async.Message, ok bool, err error) {
	wait, cancel := context.WithTimeout(ctx, src.keepAlive)
	defer cancel()
	msg, err = src.sub.Next(wait)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return async.Message{}, false, nil
	}
	return msg, err == nil, err
}

// subscribe attaches to a run and answers 404 for unknown runs
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*async.Subscription, int64, bool) {
	id, ok := runIDParam(w, r)
	if !ok {
		return nil, 0, false
	}
	sub, err := s.engine.Subscribe(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err, "failed to subscribe")
		return nil, 0, false
	}
	return sub, id, true
}

// streamContext ends with the request or the server
func (s *Server) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// HandleStream streams run progress as server-sent events:
// GET /jobs/stream/{id}. Each message is an "event: <type>" line and a
// "data: <run JSON>" line. The stream ends after the terminal message.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub, runID, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	ctx, cancel := s.streamContext(r)
	defer cancel()
	log := logger.FromContext(ctx, s.logger).With(logger.FieldRunID, runID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	src := streamSource{sub: sub, keepAlive: s.keepAlive}
	for {
		msg, ok, err := src.next(ctx)
		if err != nil {
			if !errors.Is(err, async.ErrStreamClosed) && ctx.Err() == nil {
				log.Warnw("Stream ended unexpectedly", logger.FieldError, err)
			}
			return
		}
		if !ok {
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		if msg.Type == async.MessageEnd {
			return
		}
		if err := writeEvent(w, msg); err != nil {
			log.Debugw("Stream consumer gone", logger.FieldError, err)
			return
		}
		flusher.Flush()
		if msg.Type.IsTerminal() {
			return
		}
	}
}

// writeEvent writes one SSE frame
func writeEvent(w http.ResponseWriter, msg async.Message) error {
	data, err := json.Marshal(msg.Run)
	if err != nil {
		return err
	}
	// JSON has no raw newlines, one data line is enough
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, strings.TrimSpace(string(data)))
	return err
}

// HandleStreamWS streams the same messages over a websocket:
// GET /jobs/ws/{id}. Each frame is a JSON {type, run} message. The server
// closes the socket after the terminal message.
func (s *Server) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	sub, runID, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		s.logger.Debugw("Websocket upgrade failed", logger.FieldRunID, runID, logger.FieldError, err)
		return
	}
	defer conn.Close()

	ctx, cancel := s.streamContext(r)
	defer cancel()
	log := logger.FromContext(ctx, s.logger).With(logger.FieldRunID, runID)

	// read pump: detects the client going away and answers pings
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	src := streamSource{sub: sub, keepAlive: s.keepAlive}
	for {
		msg, ok, err := src.next(ctx)
		if err != nil {
			if !errors.Is(err, async.ErrStreamClosed) && ctx.Err() == nil {
				log.Warnw("Stream ended unexpectedly", logger.FieldError, err)
			}
			break
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if !ok {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if msg.Type == async.MessageEnd {
			break
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Debugw("Websocket consumer gone", logger.FieldError, err)
			return
		}
		if msg.Type.IsTerminal() {
			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
		time.Now().Add(writeWait))
}

// checkOrigin accepts requests without an Origin header and those whose
// origin starts with a configured allowed origin
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
