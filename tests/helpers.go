package tests

import (
	"context"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/api/client"
	"github.com/vocdoni/maci-coordinator/config"
	"github.com/vocdoni/maci-coordinator/service"
	"github.com/vocdoni/maci-coordinator/util"
)

// testService is a coordinator on disk served over HTTP.
type testService struct {
	cfg *config.Config
	co  *service.Coordinator
	api *service.APIService
	cli *client.HTTPclient
}

// newTestConfig returns a configuration rooted at a temporary directory,
// listening on a random port.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	qt.Assert(t, err, qt.IsNil)
	cfg.DataDir = t.TempDir()
	cfg.APIHost = "127.0.0.1"
	cfg.APIPort = util.RandomInt(40000, 60000)
	cfg.SuiteParallel = 2
	return cfg
}

// startService opens the coordinator of cfg and starts its API.
func startService(t *testing.T, ctx context.Context, cfg *config.Config) *testService {
	t.Helper()
	c := qt.New(t)
	co, err := service.NewCoordinator(ctx, cfg)
	c.Assert(err, qt.IsNil)
	apiSrv := service.NewAPI(co.Orchestrator, cfg.APIHost, cfg.APIPort, cfg.SuiteParallel)
	c.Assert(apiSrv.Start(ctx), qt.IsNil)

	host, port := apiSrv.HostPort()
	cli, err := client.New(fmt.Sprintf("http://%s:%d", host, port))
	c.Assert(err, qt.IsNil)
	// real proofs take longer than the default client timeout
	cli.SetTimeout(0)
	return &testService{cfg: cfg, co: co, api: apiSrv, cli: cli}
}

// stop stops the API and closes the databases.
func (s *testService) stop() {
	s.api.Stop()
	s.co.Close()
}
