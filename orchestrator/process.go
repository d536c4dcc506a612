package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/storage"
	"github.com/vocdoni/maci-coordinator/types"
)

// BatchProof is the proof of one processed batch, stored in the Processed
// checkpoint. Proof is nil for unproven batches.
type BatchProof struct {
	BatchIndex  int             `json:"batchIndex"  cbor:"0,keyasint"`
	ProcessRoot string          `json:"processRoot" cbor:"1,keyasint"`
	Proof       *provider.Proof `json:"proof,omitempty" cbor:"2,keyasint,omitempty"`
}

// TallyCommitment commits to the tally results, stored in the Tallied
// checkpoint.
type TallyCommitment struct {
	ResultsRoot string `json:"resultsRoot" cbor:"0,keyasint"`
	Commitment  string `json:"commitment"  cbor:"1,keyasint"`
	Salt        string `json:"salt"        cbor:"2,keyasint"`
}

// stagedBatch is a processed batch waiting for the Processed checkpoint.
// Messages is the journal size it was processed for.
type stagedBatch struct {
	Messages uint64                       `cbor:"0,keyasint"`
	Result   *provider.ProcessBatchResult `cbor:"1,keyasint"`
}

// batches splits messages into batches of size, in processing order: the
// last batch first and, within each batch, the newest message first. A poll
// without messages is processed as a single empty batch.
func batches(messages []*types.Message, size int) [][]*types.Message {
	if len(messages) == 0 {
		return [][]*types.Message{{}}
	}
	n := (len(messages) + size - 1) / size
	out := make([][]*types.Message, 0, n)
	for i := n - 1; i >= 0; i-- {
		batch := slices.Clone(messages[i*size : min((i+1)*size, len(messages))])
		slices.Reverse(batch)
		out = append(out, batch)
	}
	return out
}

// Process processes the published messages in batches, generating a proof
// for each one, and commits the Processed checkpoint. Nothing is committed
// unless every batch succeeds.
func (o *Orchestrator) Process(ctx context.Context, pid types.PollID) (*types.Checkpoint, error) {
	defer o.writeLock(pid)()

	if cp, err := o.begin(pid, OpProcess, types.PhaseProcessed); err != nil || cp != nil {
		return cp, err
	}
	return o.process(ctx, pid, OpProcess, false)
}

// Tally tallies the processed ballots, generating the tally proof, and
// commits the Tallied checkpoint. Ballots processed without proofs are
// tallied without proof as well.
func (o *Orchestrator) Tally(ctx context.Context, pid types.PollID) (*types.Checkpoint, error) {
	defer o.writeLock(pid)()

	if cp, err := o.begin(pid, OpTally, types.PhaseTallied); err != nil || cp != nil {
		return cp, err
	}
	return o.tally(ctx, pid, OpTally, false)
}

// ProcessAndTallyWithoutProofs processes and tallies the poll without
// generating proofs. Both checkpoints are marked as unproven, so Verify
// fails on them with ErrNoProofAvailable. The deadline of ctx bounds the
// whole run. If a previous run committed the unproven Processed checkpoint
// but not the tally, only the tally runs.
func (o *Orchestrator) ProcessAndTallyWithoutProofs(ctx context.Context, pid types.PollID) (processed, tallied *types.Checkpoint, err error) {
	defer o.writeLock(pid)()

	if tallied, err = o.begin(pid, OpFastPath, types.PhaseTallied); err != nil {
		return nil, nil, err
	}
	if tallied != nil {
		processed, err = o.stg.Checkpoint(pid, types.PhaseProcessed)
		return processed, tallied, err
	}
	if processed, err = o.committed(pid, types.PhaseProcessed); err != nil {
		return nil, nil, err
	}
	switch {
	case processed == nil:
		if processed, err = o.process(ctx, pid, OpFastPath, true); err != nil {
			return nil, nil, err
		}
	case !processed.Unproven:
		// proven ballots are tallied with a proof
		return nil, nil, &IllegalTransitionError{
			Op:       OpFastPath,
			Required: []types.Phase{types.PhaseMessagesPublished},
			Actual:   types.PhaseProcessed,
		}
	default:
		log.Debugw("resuming fast path from unproven processed checkpoint", "pollID", pid.String())
	}
	if tallied, err = o.tally(ctx, pid, OpFastPath, true); err != nil {
		return processed, nil, err
	}
	return processed, tallied, nil
}

// process runs the Processed transition. The caller holds the write lock.
func (o *Orchestrator) process(ctx context.Context, pid types.PollID, op string, skipProofs bool) (*types.Checkpoint, error) {
	poll, err := o.Poll(pid)
	if err != nil {
		return nil, err
	}
	signups, err := o.stg.Signups(pid)
	if err != nil {
		return nil, err
	}
	messages, err := o.stg.Messages(pid)
	if err != nil {
		return nil, err
	}

	state := provider.NewProcessState(signups, poll.MaxVoteOptions)
	var (
		last   *provider.ProcessBatchResult
		proofs []*BatchProof
	)
	for i, batch := range batches(messages, poll.MessageBatchSize) {
		res, err := o.stagedBatch(pid, i, len(messages), skipProofs)
		if err != nil {
			return nil, err
		}
		if res == nil {
			res, err = o.providers.Prover.ProcessBatch(ctx, &provider.ProcessBatchRequest{
				Poll:       poll,
				BatchIndex: i,
				Messages:   batch,
				State:      state,
				SkipProofs: skipProofs,
			})
			if err == nil && !skipProofs && res.Proof == nil {
				err = fmt.Errorf("batch %d: prover returned no proof", i)
			}
			if err != nil {
				return nil, o.fail(ctx, pid, op, types.PhaseProcessed, err)
			}
			staged := &stagedBatch{Messages: uint64(len(messages)), Result: res}
			if err := o.stg.Stage(pid, types.PhaseProcessed, uint32(i), staged); err != nil {
				return nil, err
			}
		}
		state, last = res.State, res
		proofs = append(proofs, &BatchProof{BatchIndex: i, ProcessRoot: res.ProcessRoot, Proof: res.Proof})
	}

	cp := types.NewCheckpoint(pid, types.PhaseProcessed)
	cp.Unproven = skipProofs
	for name, v := range map[string]any{
		types.ArtifactStateRoot:     last.StateRoot,
		types.ArtifactBallotRoot:    last.BallotRoot,
		types.ArtifactStateLeaves:   state.Leaves,
		types.ArtifactBallots:       state.Ballots,
		types.ArtifactProcessProofs: proofs,
		types.ArtifactSignups:       len(signups),
		types.ArtifactMessages:      len(messages),
	} {
		if err := cp.SetArtifact(name, v); err != nil {
			return nil, err
		}
	}
	if err := o.commit(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// stagedBatch returns the result of batch i staged by an interrupted run, or
// nil if there is none usable for a journal of the given size.
func (o *Orchestrator) stagedBatch(pid types.PollID, i, messages int, skipProofs bool) (*provider.ProcessBatchResult, error) {
	sb := &stagedBatch{}
	err := o.stg.Staged(pid, types.PhaseProcessed, uint32(i), sb)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if sb.Result == nil || sb.Messages != uint64(messages) || (!skipProofs && sb.Result.Proof == nil) {
		return nil, nil
	}
	log.Debugw("resuming staged batch", "pollID", pid.String(), "batch", i)
	return sb.Result, nil
}

// processedState rebuilds the final process state from the Processed
// checkpoint.
func processedState(cp *types.Checkpoint) (*provider.ProcessState, error) {
	st := &provider.ProcessState{}
	if err := cp.Artifact(types.ArtifactStateLeaves, &st.Leaves); err != nil {
		return nil, err
	}
	if err := cp.Artifact(types.ArtifactBallots, &st.Ballots); err != nil {
		return nil, err
	}
	return st, nil
}

// tally runs the Tallied transition. The caller holds the write lock.
func (o *Orchestrator) tally(ctx context.Context, pid types.PollID, op string, skipProofs bool) (*types.Checkpoint, error) {
	poll, err := o.Poll(pid)
	if err != nil {
		return nil, err
	}
	processedCp, err := o.stg.Checkpoint(pid, types.PhaseProcessed)
	if err != nil {
		return nil, err
	}
	state, err := processedState(processedCp)
	if err != nil {
		return nil, err
	}
	skipProofs = skipProofs || processedCp.Unproven
	res, err := o.providers.Prover.Tally(ctx, &provider.TallyRequest{
		Poll:       poll,
		State:      state,
		SkipProofs: skipProofs,
	})
	if err == nil && !skipProofs && res.Proof == nil {
		err = errors.New("prover returned no tally proof")
	}
	if err != nil {
		return nil, o.fail(ctx, pid, op, types.PhaseTallied, err)
	}

	cp := types.NewCheckpoint(pid, types.PhaseTallied)
	cp.Unproven = skipProofs
	if err := cp.SetArtifact(types.ArtifactTallyResults, res.Results); err != nil {
		return nil, err
	}
	if err := cp.SetArtifact(types.ArtifactTallyCommitment, &TallyCommitment{
		ResultsRoot: res.ResultsRoot,
		Commitment:  res.Commitment,
		Salt:        res.Salt,
	}); err != nil {
		return nil, err
	}
	if res.Proof != nil {
		if err := cp.SetArtifact(types.ArtifactTallyProof, res.Proof); err != nil {
			return nil, err
		}
	}
	if err := o.commit(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Verify checks every batch proof and the tally proof, each against the
// root it must attest to, and commits the Verified checkpoint. An invalid
// proof returns ErrVerificationFailed and leaves the poll tallied.
func (o *Orchestrator) Verify(ctx context.Context, pid types.PollID) (*types.Checkpoint, error) {
	defer o.writeLock(pid)()

	if cp, err := o.begin(pid, OpVerify, types.PhaseVerified); err != nil || cp != nil {
		return cp, err
	}
	talliedCp, err := o.stg.Checkpoint(pid, types.PhaseTallied)
	if err != nil {
		return nil, err
	}
	if talliedCp.Unproven {
		return nil, fmt.Errorf("%w: poll %s was tallied without proofs", ErrNoProofAvailable, pid)
	}
	processedCp, err := o.stg.Checkpoint(pid, types.PhaseProcessed)
	if err != nil {
		return nil, err
	}
	var proofs []*BatchProof
	if err := processedCp.Artifact(types.ArtifactProcessProofs, &proofs); err != nil {
		return nil, err
	}
	for _, bp := range proofs {
		if err := o.verifyProof(ctx, pid, fmt.Sprintf("batch %d", bp.BatchIndex), bp.Proof, bp.ProcessRoot); err != nil {
			return nil, err
		}
	}
	commitment := &TallyCommitment{}
	if err := talliedCp.Artifact(types.ArtifactTallyCommitment, commitment); err != nil {
		return nil, err
	}
	var tallyProof *provider.Proof
	if _, ok := talliedCp.Artifacts[types.ArtifactTallyProof]; ok {
		tallyProof = &provider.Proof{}
		if err := talliedCp.Artifact(types.ArtifactTallyProof, tallyProof); err != nil {
			return nil, err
		}
	}
	if err := o.verifyProof(ctx, pid, "tally", tallyProof, commitment.ResultsRoot); err != nil {
		return nil, err
	}

	cp := types.NewCheckpoint(pid, types.PhaseVerified)
	if err := o.commit(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// verifyProof checks that proof attests to subject and verifies it.
func (o *Orchestrator) verifyProof(ctx context.Context, pid types.PollID, what string, proof *provider.Proof, subject string) error {
	if proof == nil {
		return fmt.Errorf("%w: %s has no proof", ErrNoProofAvailable, what)
	}
	if !EqualRoots(proof.Subject(), subject) {
		return fmt.Errorf("%w: %s proof attests %q, expected %s", ErrVerificationFailed, what, proof.Subject(), subject)
	}
	err := o.providers.Verifier.Verify(ctx, proof)
	switch {
	case err == nil:
		log.Debugw("proof verified", "pollID", pid.String(), "proof", what)
		return nil
	case errors.Is(err, provider.ErrInvalidProof):
		log.Warnw("invalid proof", "pollID", pid.String(), "proof", what, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrVerificationFailed, what, err)
	default:
		return o.fail(ctx, pid, OpVerify, types.PhaseVerified, err)
	}
}

// Results returns the tally of the poll.
func (o *Orchestrator) Results(pid types.PollID) (*Results, error) {
	cp, err := o.stg.Checkpoint(pid, types.PhaseTallied)
	if err != nil {
		return nil, fmt.Errorf("poll %s not tallied: %w", pid, err)
	}
	res := &Results{Unproven: cp.Unproven}
	if err := cp.Artifact(types.ArtifactTallyResults, &res.Tally); err != nil {
		return nil, err
	}
	if err := cp.Artifact(types.ArtifactTallyCommitment, &res.TallyCommitment); err != nil {
		return nil, err
	}
	return res, nil
}

// Results is the outcome of a tallied poll.
type Results struct {
	Tally []*types.BigInt `json:"tally"`
	TallyCommitment
	Unproven bool `json:"unproven"`
}

// ProcessedRoots returns the state and ballot roots after processing.
func (o *Orchestrator) ProcessedRoots(pid types.PollID) (stateRoot, ballotRoot string, err error) {
	cp, err := o.stg.Checkpoint(pid, types.PhaseProcessed)
	if err != nil {
		return "", "", fmt.Errorf("poll %s not processed: %w", pid, err)
	}
	if err := cp.Artifact(types.ArtifactStateRoot, &stateRoot); err != nil {
		return "", "", err
	}
	if err := cp.Artifact(types.ArtifactBallotRoot, &ballotRoot); err != nil {
		return "", "", err
	}
	return stateRoot, ballotRoot, nil
}
