package service

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vocdoni/maci-coordinator/api"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
)

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	o        *orchestrator.Orchestrator
	api      *api.API
	done     chan struct{}
	watchers sync.WaitGroup
	mu       sync.Mutex
	host     string
	port     int
	parallel int
}

// NewAPI creates a new APIService serving the polls of o.
func NewAPI(o *orchestrator.Orchestrator, host string, port, suiteParallel int) *APIService {
	return &APIService{
		o:        o,
		host:     host,
		port:     port,
		parallel: suiteParallel,
	}
}

// Start begins the API server. It returns an error if the service
// is already running or if it fails to start. The server stops when ctx is
// done.
func (as *APIService) Start(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.api != nil {
		return fmt.Errorf("service already running")
	}
	a, err := api.New(&api.APIConfig{
		Host:          as.host,
		Port:          as.port,
		Orchestrator:  as.o,
		SuiteParallel: as.parallel,
	})
	if err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	as.api = a
	done := make(chan struct{})
	as.done = done
	as.watchers.Add(1)
	go func() {
		defer as.watchers.Done()
		select {
		case <-ctx.Done():
			as.stop(a)
		case <-done:
		}
	}()
	return nil
}

// Stop halts the API server, waiting a few seconds for running requests.
func (as *APIService) Stop() {
	as.mu.Lock()
	a := as.api
	as.mu.Unlock()
	if a != nil {
		as.stop(a)
	}
}

func (as *APIService) stop(a *api.API) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.api != a {
		return
	}
	as.api = nil
	close(as.done)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.Warnw("API server stopped", "error", err)
	}
}

// HostPort returns the host and port of the API server. While running, the
// port is the one actually bound.
func (as *APIService) HostPort() (string, int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.api != nil {
		if addr, ok := as.api.Addr().(*net.TCPAddr); ok {
			return as.host, addr.Port
		}
	}
	return as.host, as.port
}
