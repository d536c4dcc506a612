package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/vocdoni/maci-coordinator/keys"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

// begin runs the checks shared by the transitions to target. If target is
// already committed its checkpoint is returned, even on a failed poll, and
// the caller must return it as is. Otherwise a failed poll is rejected and
// the committed phase must match the preconditions of op. The caller holds
// the poll write lock.
func (o *Orchestrator) begin(pid types.PollID, op string, target types.Phase) (*types.Checkpoint, error) {
	phase, fm, err := o.state(pid)
	if err != nil {
		return nil, err
	}
	if phase >= target {
		cp, err := o.committed(pid, target)
		if err != nil || cp != nil {
			return cp, err
		}
	}
	return nil, o.illegal(op, phase, fm)
}

// illegal returns the error of op on a poll in phase, nil if op is allowed.
func (o *Orchestrator) illegal(op string, phase types.Phase, fm *types.FailureMarker) error {
	allowed := preconditions[op]
	if fm != nil {
		return &IllegalTransitionError{Op: op, Required: allowed, Actual: fm.Phase, Failed: true}
	}
	if !slices.Contains(allowed, phase) {
		return &IllegalTransitionError{Op: op, Required: allowed, Actual: phase}
	}
	return nil
}

// GenerateKeypair generates the coordinator keypair of the poll and commits
// the KeysGenerated checkpoint.
func (o *Orchestrator) GenerateKeypair(ctx context.Context, pid types.PollID) (*types.Checkpoint, error) {
	defer o.writeLock(pid)()

	if cp, err := o.begin(pid, OpGenerateKeypair, types.PhaseKeysGenerated); err != nil || cp != nil {
		return cp, err
	}
	kp, err := o.providers.Keys.GenerateKeypair(ctx)
	if err == nil {
		if _, perr := keys.ParsePubKey(kp.PubKey); perr != nil {
			err = fmt.Errorf("%w: %v", provider.ErrKeyGeneration, perr)
		}
	}
	if err != nil {
		return nil, o.fail(ctx, pid, OpGenerateKeypair, types.PhaseKeysGenerated, err)
	}
	cp := types.NewCheckpoint(pid, types.PhaseKeysGenerated)
	if err := cp.SetArtifact(types.ArtifactCoordinatorPubKey, kp.PubKey); err != nil {
		return nil, err
	}
	if err := cp.SetArtifact(types.ArtifactCoordinatorPrivKey, kp.PrivKey); err != nil {
		return nil, err
	}
	if err := o.commit(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// normalizePollParams fills the defaults of p: a binary state tree, a
// quinary vote option tree and the default message batch size.
func normalizePollParams(p types.PollParams) (types.PollParams, error) {
	if p.StateTree.Base == 0 {
		p.StateTree.Base = types.BinaryTree
	}
	if p.VoteOptionTree.Base == 0 {
		p.VoteOptionTree.Base = types.QuinaryTree
	}
	if p.MessageBatchSize == 0 {
		p.MessageBatchSize = types.DefaultMessageBatchSize
	}
	if p.MessageBatchSize < 0 {
		return p, fmt.Errorf("%w: message batch size must be positive, got %d", ErrInvalidArgument, p.MessageBatchSize)
	}
	if p.Duration < 0 {
		return p, fmt.Errorf("%w: negative poll duration", ErrInvalidArgument)
	}
	return p, nil
}

// CreatePoll derives the tree depths from params, deploys the poll and
// commits the PollCreated checkpoint. Calling it again with the same
// params returns the committed checkpoint; different params are illegal.
func (o *Orchestrator) CreatePoll(ctx context.Context, pid types.PollID, params types.PollParams) (*types.Checkpoint, error) {
	params, err := normalizePollParams(params)
	if err != nil {
		return nil, err
	}
	stateDepth, err := tree.Depth(params.StateTree)
	if err != nil {
		return nil, fmt.Errorf("state tree: %w", err)
	}
	voDepth, err := tree.Depth(params.VoteOptionTree)
	if err != nil {
		return nil, fmt.Errorf("vote option tree: %w", err)
	}
	hash, err := argsHash(params)
	if err != nil {
		return nil, err
	}

	defer o.writeLock(pid)()

	cp, err := o.begin(pid, OpCreatePoll, types.PhasePollCreated)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		if !bytes.Equal(cp.ArgsHash, hash) {
			phase, fm, err := o.state(pid)
			if err != nil {
				return nil, err
			}
			log.Debugw("poll already created with other params", "pollID", pid.String())
			if fm != nil {
				return nil, &IllegalTransitionError{Op: OpCreatePoll, Required: preconditions[OpCreatePoll], Actual: fm.Phase, Failed: true}
			}
			return nil, &IllegalTransitionError{Op: OpCreatePoll, Required: preconditions[OpCreatePoll], Actual: phase}
		}
		return cp, nil
	}

	keysCp, err := o.stg.Checkpoint(pid, types.PhaseKeysGenerated)
	if err != nil {
		return nil, err
	}
	var pubKey string
	if err := keysCp.Artifact(types.ArtifactCoordinatorPubKey, &pubKey); err != nil {
		return nil, err
	}
	deployment, err := o.providers.Chain.DeployPoll(ctx, &provider.DeployRequest{
		PollID:              pid,
		CoordinatorPubKey:   pubKey,
		StateTreeDepth:      stateDepth,
		VoteOptionTreeDepth: voDepth,
		MessageBatchSize:    params.MessageBatchSize,
		Params:              params,
	})
	if err != nil {
		return nil, o.fail(ctx, pid, OpCreatePoll, types.PhasePollCreated, err)
	}

	cp = types.NewCheckpoint(pid, types.PhasePollCreated)
	cp.ArgsHash = hash
	for name, v := range map[string]any{
		types.ArtifactStateTreeDepth:   stateDepth,
		types.ArtifactVoteOptionDepth:  voDepth,
		types.ArtifactMessageBatchSize: params.MessageBatchSize,
		types.ArtifactMaxSignups:       params.StateTree.MaxLeaves,
		types.ArtifactMaxVoteOptions:   params.VoteOptionTree.MaxLeaves,
		types.ArtifactPollAddress:      deployment.PollAddress,
		types.ArtifactDeployTx:         deployment.TxHash,
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

// enter read locks the poll for op, which is legal in the phase before open
// and in open itself. The first call in the phase before commits open. The
// returned function releases the lock.
func (o *Orchestrator) enter(pid types.PollID, op string, open types.Phase) (func(), error) {
	l := o.acquire(pid)
	unlock := func() {
		l.RUnlock()
		o.release(pid, l)
	}
	l.RLock()
	phase, err := o.require(pid, op)
	if err != nil {
		unlock()
		return nil, err
	}
	if phase == open {
		return unlock, nil
	}
	l.RUnlock()

	l.Lock()
	if phase, err = o.require(pid, op); err == nil && phase != open {
		err = o.commit(types.NewCheckpoint(pid, open))
	}
	l.Unlock()
	if err != nil {
		o.release(pid, l)
		return nil, err
	}

	l.RLock()
	if _, err := o.require(pid, op); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

// Signup registers a voter. The chain assigns the state index, returned as
// the Seq of the recorded signup. Signups are accepted concurrently until the
// first message is published.
func (o *Orchestrator) Signup(ctx context.Context, pid types.PollID, su *types.Signup) (*types.Signup, error) {
	if su == nil {
		return nil, fmt.Errorf("%w: missing signup", ErrInvalidArgument)
	}
	if _, err := keys.ParsePubKey(su.PubKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	rec := *su
	if rec.VoiceCredits == nil {
		rec.VoiceCredits = types.NewInt(types.DefaultVoiceCredits)
	} else if rec.VoiceCredits.MathBigInt().Sign() < 0 {
		return nil, fmt.Errorf("%w: negative voice credits", ErrInvalidArgument)
	}

	unlock, err := o.enter(pid, OpSignup, types.PhaseSignupOpen)
	if err != nil {
		return nil, err
	}
	defer unlock()

	poll, err := o.Poll(pid)
	if err != nil {
		return nil, err
	}
	index, tx, err := o.providers.Chain.SubmitSignup(ctx, poll, &rec)
	if err != nil {
		return nil, o.fail(ctx, pid, OpSignup, types.PhaseSignupOpen, err)
	}
	rec.Seq, rec.TxHash = index, tx
	if err := o.stg.RecordSignup(pid, &rec); err != nil {
		return nil, err
	}
	log.Debugw("voter signed up", "pollID", pid.String(), "stateIndex", index)
	return &rec, nil
}

// Publish submits a vote message. The first message closes the signups.
// Messages are accepted concurrently until the poll is processed.
func (o *Orchestrator) Publish(ctx context.Context, pid types.PollID, msg *types.Message) (*types.Message, error) {
	if msg == nil || msg.NewVoteWeight == nil {
		return nil, fmt.Errorf("%w: missing message or vote weight", ErrInvalidArgument)
	}
	if msg.NewPubKey != "" {
		if _, err := keys.ParsePubKey(msg.NewPubKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	rec := *msg

	unlock, err := o.enter(pid, OpPublish, types.PhaseMessagesPublished)
	if err != nil {
		return nil, err
	}
	defer unlock()

	poll, err := o.Poll(pid)
	if err != nil {
		return nil, err
	}
	if rec.TxHash, err = o.providers.Chain.SubmitMessage(ctx, poll, &rec); err != nil {
		return nil, o.fail(ctx, pid, OpPublish, types.PhaseMessagesPublished, err)
	}
	if rec.Seq, err = o.stg.AppendMessage(pid, &rec); err != nil {
		return nil, err
	}
	log.Debugw("message published", "pollID", pid.String(), "seq", rec.Seq)
	return &rec, nil
}

// CheckStateRoot returns the state root the chain holds for the poll. If
// expected is not empty and differs, a *StateMismatchError is returned. It
// never changes the phase. It holds the write lock so that no signup is
// between the chain and the journal while the root is read.
func (o *Orchestrator) CheckStateRoot(ctx context.Context, pid types.PollID, expected string) (string, error) {
	defer o.writeLock(pid)()

	phase, err := o.require(pid, OpCheckStateRoot)
	if err != nil {
		return "", err
	}
	poll, err := o.Poll(pid)
	if err != nil {
		return "", err
	}
	signups, err := o.stg.Signups(pid)
	if err != nil {
		return "", err
	}
	root, err := o.providers.State.StateRoot(ctx, poll, signups)
	if err != nil {
		return "", o.fail(ctx, pid, OpCheckStateRoot, phase, err)
	}
	if expected != "" && !EqualRoots(expected, root) {
		return root, &StateMismatchError{Expected: expected, Actual: root}
	}
	return root, nil
}

// EqualRoots compares two field elements given in decimal or 0x prefixed
// hex. Values that do not parse are compared as strings.
func EqualRoots(a, b string) bool {
	x, okA := parseRoot(a)
	y, okB := parseRoot(b)
	if okA && okB {
		return x.Cmp(y) == 0
	}
	return strings.EqualFold(a, b)
}

// parseRoot parses a decimal root, leading zeros included, or a 0x prefixed
// hex one.
func parseRoot(s string) (*big.Int, bool) {
	if len(s) > 2 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}
