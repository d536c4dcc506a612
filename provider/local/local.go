// Package local implements every provider on the coordinator machine: MACI
// keys from an entropy source, an in-process chain backed by per poll arbo
// state trees, message processing and tallying, and Groth16 proofs of the
// processed roots.
package local

import (
	"fmt"

	"github.com/vocdoni/maci-coordinator/provider"
	"go.vocdoni.io/dvote/db"
)

// Options configures the local providers.
type Options struct {
	// KeysDir stores the proving and verification keys. Empty keeps them in
	// memory, so proofs only verify within the same process.
	KeysDir string
	// AccountPrivKey is the hex private key of the chain account. Empty
	// generates a new one.
	AccountPrivKey string
	// Proofs overrides the proof system. Nil uses Groth16.
	Proofs interface {
		ProofSystem
		provider.Verifier
	}
}

// New returns a provider set whose chain state lives in database.
func New(database db.Database, opts Options) (*provider.Set, error) {
	chain, err := NewChain(NewStateDB(database), opts.AccountPrivKey)
	if err != nil {
		return nil, err
	}
	proofs := opts.Proofs
	if proofs == nil {
		g, err := NewGroth16(opts.KeysDir)
		if err != nil {
			return nil, fmt.Errorf("init groth16: %w", err)
		}
		proofs = g
	}
	return &provider.Set{
		Keys:     NewKeyGenerator(nil),
		Chain:    chain,
		State:    chain,
		Prover:   NewProver(proofs),
		Verifier: proofs,
	}, nil
}
