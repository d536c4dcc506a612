package service

import (
	"context"
	"time"

	"github.com/vocdoni/maci-coordinator/artifacts"
	"github.com/vocdoni/maci-coordinator/config"
)

// DownloadArtifacts downloads the circom circuit artifacts into the cache,
// concurrently.
func DownloadArtifacts(cfg *config.CircuitConfig, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	circuit, err := cfg.Artifacts()
	if err != nil {
		return err
	}
	cache, err := artifacts.NewCache(cfg.ArtifactsDir, cfg.CheckHashes)
	if err != nil {
		return err
	}
	return circuit.Fetch(ctx, cache)
}
