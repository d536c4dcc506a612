package service

import (
	"context"
	"fmt"

	"github.com/vocdoni/maci-coordinator/artifacts"
	"github.com/vocdoni/maci-coordinator/config"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/provider/circom"
	"github.com/vocdoni/maci-coordinator/provider/local"
	"github.com/vocdoni/maci-coordinator/storage"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"
)

// Coordinator owns the databases, providers and orchestrator of a
// coordinator data directory.
type Coordinator struct {
	Orchestrator *orchestrator.Orchestrator
	storage      *storage.Storage
	chainDB      db.Database
}

// NewCoordinator opens the pebble databases under cfg.DataDir and builds
// the orchestrator with the local providers and the configured prover.
func NewCoordinator(ctx context.Context, cfg *config.Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := local.Options{KeysDir: cfg.KeysDir, AccountPrivKey: cfg.AccountPrivKey}
	if cfg.Prover == config.ProverCircom {
		cc, err := newCircom(ctx, &cfg.Circuit)
		if err != nil {
			return nil, err
		}
		opts.Proofs = cc
	}

	storeDB, err := metadb.New(db.TypePebble, cfg.StorageDir())
	if err != nil {
		return nil, fmt.Errorf("open coordinator database: %w", err)
	}
	stg := storage.New(storeDB)
	chainDB, err := metadb.New(db.TypePebble, cfg.ChainDir())
	if err != nil {
		stg.Close()
		return nil, fmt.Errorf("open chain database: %w", err)
	}
	co := &Coordinator{storage: stg, chainDB: chainDB}

	set, err := local.New(chainDB, opts)
	if err != nil {
		co.Close()
		return nil, err
	}
	if co.Orchestrator, err = orchestrator.New(stg, set); err != nil {
		co.Close()
		return nil, err
	}
	log.Debugw("coordinator ready", "datadir", cfg.DataDir, "prover", cfg.Prover)
	return co, nil
}

func newCircom(ctx context.Context, cfg *config.CircuitConfig) (*circom.Circom, error) {
	circuit, err := cfg.Artifacts()
	if err != nil {
		return nil, err
	}
	cache, err := artifacts.NewCache(cfg.ArtifactsDir, cfg.CheckHashes)
	if err != nil {
		return nil, err
	}
	return circom.New(ctx, cache, circuit)
}

// Close closes both databases.
func (co *Coordinator) Close() {
	co.storage.Close()
	if err := co.chainDB.Close(); err != nil {
		log.Warnw("failed to close chain database", "error", err.Error())
	}
}
