package local

import (
	"context"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/util"
)

// ProofSystem proves statements about a subject field element. The proof
// public inputs start with the subject.
type ProofSystem interface {
	Prove(ctx context.Context, subject *big.Int) (*provider.Proof, error)
}

// Prover processes message batches and tallies polls on the coordinator
// machine, delegating proof generation to a ProofSystem.
type Prover struct {
	proofs ProofSystem
}

// NewProver returns a Prover that generates proofs with ps.
func NewProver(ps ProofSystem) *Prover {
	return &Prover{proofs: ps}
}

// ProcessBatch applies the batch messages, in the given order, to a copy of
// the request state and returns the resulting state and roots.
func (p *Prover) ProcessBatch(ctx context.Context, req *provider.ProcessBatchRequest) (*provider.ProcessBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.State == nil || req.Poll == nil {
		return nil, fmt.Errorf("process batch %d: missing poll or state", req.BatchIndex)
	}
	st := cloneState(req.State)
	applied := 0
	for _, msg := range req.Messages {
		if ApplyMessage(st, msg) {
			applied++
		}
	}
	stateRoot, ballotRoot, processRoot, err := Roots(st, req.Poll.StateTreeDepth, req.Poll.VoteOptionTreeDepth)
	if err != nil {
		return nil, fmt.Errorf("process batch %d: %w", req.BatchIndex, err)
	}
	res := &provider.ProcessBatchResult{
		BatchIndex:  req.BatchIndex,
		State:       st,
		StateRoot:   stateRoot.String(),
		BallotRoot:  ballotRoot.String(),
		ProcessRoot: processRoot.String(),
	}
	if !req.SkipProofs {
		if res.Proof, err = p.proofs.Prove(ctx, processRoot); err != nil {
			return nil, fmt.Errorf("prove batch %d: %w", req.BatchIndex, err)
		}
	}
	log.Debugw("batch processed",
		"pollID", req.Poll.ID.String(),
		"batch", req.BatchIndex,
		"messages", len(req.Messages),
		"applied", applied,
		"proved", !req.SkipProofs)
	return res, nil
}

// Tally sums the ballots of the processed state.
func (p *Prover) Tally(ctx context.Context, req *provider.TallyRequest) (*provider.TallyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.State == nil || req.Poll == nil {
		return nil, fmt.Errorf("tally: missing poll or state")
	}
	results := TallyVotes(req.State, req.Poll.MaxVoteOptions)
	root, err := ResultsRoot(results, req.Poll.VoteOptionTreeDepth)
	if err != nil {
		return nil, fmt.Errorf("tally: %w", err)
	}
	salt := randomFieldElement()
	commitment, err := poseidon.Hash([]*big.Int{root, salt})
	if err != nil {
		return nil, fmt.Errorf("tally commitment: %w", err)
	}
	res := &provider.TallyResult{
		Results:     results,
		ResultsRoot: root.String(),
		Commitment:  commitment.String(),
		Salt:        salt.String(),
	}
	if !req.SkipProofs {
		if res.Proof, err = p.proofs.Prove(ctx, root); err != nil {
			return nil, fmt.Errorf("prove tally: %w", err)
		}
	}
	return res, nil
}

// randomFieldElement returns a random BN254 scalar.
func randomFieldElement() *big.Int {
	return util.BigToFF(new(big.Int).SetBytes(util.RandomBytes(32)))
}
