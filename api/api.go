// Package api serves the coordinator status over HTTP: the polls known to
// the store, their checkpoints and results, operator recovery and the
// execution of scenario suites.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/scenario"
)

// APIConfig type represents the configuration for the API HTTP server.
// It includes the host, port and the orchestrator whose polls are served.
type APIConfig struct {
	Host         string
	Port         int
	Orchestrator *orchestrator.Orchestrator
	// SuiteParallel limits the suites of a request run at once.
	SuiteParallel int
}

// API type represents the API HTTP server.
type API struct {
	router *chi.Mux
	o      *orchestrator.Orchestrator
	engine *scenario.Engine
	server *http.Server
	addr   net.Addr
}

// New creates a new API instance with the given configuration and starts
// the HTTP server. Port 0 picks a free port, see Addr.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Orchestrator == nil {
		return nil, fmt.Errorf("missing orchestrator instance")
	}
	a := NewHandler(conf.Orchestrator)
	a.engine.Parallel = conf.SuiteParallel

	ln, err := net.Listen("tcp", net.JoinHostPort(conf.Host, fmt.Sprint(conf.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	a.addr = ln.Addr()
	a.server = &http.Server{Handler: a.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("starting API server", "address", a.addr.String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// NewHandler returns an API with its router but no listening server.
func NewHandler(o *orchestrator.Orchestrator) *API {
	a := &API{
		o:      o,
		engine: scenario.NewEngine(o),
	}
	a.initRouter()
	return a
}

// Addr returns the address the server listens on, or nil if it was built
// with NewHandler.
func (a *API) Addr() net.Addr {
	return a.addr
}

// Close stops the HTTP server, waiting for the running requests until ctx
// is done.
func (a *API) Close(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the API handlers.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", PollsEndpoint, "method", "GET")
	a.router.Get(PollsEndpoint, a.listPolls)
	log.Infow("register handler", "endpoint", PollEndpoint, "method", "GET")
	a.router.Get(PollEndpoint, a.pollStatus)
	log.Infow("register handler", "endpoint", PollCheckpointsEndpoint, "method", "GET")
	a.router.Get(PollCheckpointsEndpoint, a.pollCheckpoints)
	log.Infow("register handler", "endpoint", PollResultsEndpoint, "method", "GET")
	a.router.Get(PollResultsEndpoint, a.pollResults)
	log.Infow("register handler", "endpoint", PollResetEndpoint, "method", "POST")
	a.router.Post(PollResetEndpoint, a.resetPoll)
	log.Infow("register handler", "endpoint", SuitesEndpoint, "method", "POST")
	a.router.Post(SuitesEndpoint, a.runSuites)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	// Create the router with a basic middleware stack
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}).Handler)
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(suiteTimeout))

	// Register the API handlers
	a.registerHandlers()
}
