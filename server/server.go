// Package server exposes the run engine over HTTP: starting, polling,
// streaming and cancelling runs, plus the product CSV export and the
// scheduler's run-now hook.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/am"
	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/db"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
	"github.com/4liaghaie/scraper-dashboard/pulse/async"
	"github.com/4liaghaie/scraper-dashboard/pulse/schedule"
)

// Stream timing
const (
	DefaultKeepAlive = 15 * time.Second
	ShutdownTimeout  = 30 * time.Second
)

// RunNower starts a scheduler pass on demand
type RunNower interface {
	RunNow(ctx context.Context) (*schedule.Execution, error)
}

// Deps are the collaborators a Server serves
type Deps struct {
	Engine    *async.Engine
	Catalog   *catalog.Store
	DB        *db.DB
	Scheduler RunNower // nil disables /scheduler/run-now
	Config    am.ServerConfig
	Logger    *zap.SugaredLogger
}

// ServerState tracks the serving lifecycle
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// Server is the run API
type Server struct {
	engine    *async.Engine
	catalog   *catalog.Store
	db        *db.DB
	scheduler RunNower
	cfg       am.ServerConfig
	logger    *zap.SugaredLogger

	keepAlive time.Duration
	handler   http.Handler

	httpServer *http.Server

	// ctx outlives requests; passes started by run-now and open streams
	// stop with it
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New builds the server and its routes
func New(deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:    deps.Engine,
		catalog:   deps.Catalog,
		db:        deps.DB,
		scheduler: deps.Scheduler,
		cfg:       deps.Config,
		logger:    logger.Nop(deps.Logger).With(logger.FieldComponent, "server"),
		keepAlive: DefaultKeepAlive,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(st ServerState) {
	s.state.Store(int32(st))
	s.logger.Infow("Server state changed", "new_state", stateString(st))
}

func stateString(st ServerState) string {
	switch st {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// no WriteTimeout: streams stay open for the life of a run
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}
	s.setState(ServerStateRunning)
	s.logger.Infow("HTTP server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to serve on %s", addr)
	}
	return nil
}

// Shutdown stops accepting requests, ends open streams and waits for
// in-flight requests up to ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	// streams watch the base context, cancel first so they return
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Shutdown timed out waiting for background work")
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return err
}
