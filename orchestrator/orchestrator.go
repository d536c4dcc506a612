// Package orchestrator drives the lifecycle of MACI polls. Every transition
// is checked against the committed phase of the poll, delegated to the
// providers and recorded as a checkpoint. Transitions of the same poll are
// mutually exclusive, while signups and messages are accepted concurrently.
// Different polls share nothing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/storage"
	"github.com/vocdoni/maci-coordinator/types"
)

// Operation names, used in errors and logs.
const (
	OpGenerateKeypair = "generateKeypair"
	OpCreatePoll      = "createPoll"
	OpSignup          = "signup"
	OpPublish         = "publish"
	OpCheckStateRoot  = "checkStateRoot"
	OpProcess         = "process"
	OpTally           = "tally"
	OpVerify          = "verify"
	OpFastPath        = "processAndTallyWithoutProofs"
	OpReset           = "coordinatorReset"
)

// preconditions lists the committed phases each operation accepts.
var preconditions = map[string][]types.Phase{
	OpGenerateKeypair: {types.PhaseUninitialized},
	OpCreatePoll:      {types.PhaseKeysGenerated},
	OpSignup:          {types.PhasePollCreated, types.PhaseSignupOpen},
	OpPublish:         {types.PhaseSignupOpen, types.PhaseMessagesPublished},
	OpCheckStateRoot: {
		types.PhasePollCreated, types.PhaseSignupOpen, types.PhaseMessagesPublished,
		types.PhaseProcessed, types.PhaseTallied, types.PhaseVerified,
	},
	OpProcess:  {types.PhaseMessagesPublished},
	OpTally:    {types.PhaseProcessed},
	OpVerify:   {types.PhaseTallied},
	// a fast path interrupted after processing resumes from an unproven
	// Processed checkpoint
	OpFastPath: {types.PhaseMessagesPublished, types.PhaseProcessed},
}

var argsEncMode cbor.EncMode

func init() {
	var err error
	if argsEncMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
}

// Orchestrator runs poll transitions against a checkpoint store and a set
// of providers.
type Orchestrator struct {
	stg       *storage.Storage
	providers *provider.Set

	locksMu sync.Mutex
	locks   map[types.PollID]*pollLock
}

// pollLock is the lock of a poll. It is dropped from the lock table once no
// caller holds or waits for it.
type pollLock struct {
	sync.RWMutex
	refs int
}

// New returns an orchestrator. Every provider of the set must be present.
func New(stg *storage.Storage, providers *provider.Set) (*Orchestrator, error) {
	if stg == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if err := providers.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		stg:       stg,
		providers: providers,
		locks:     make(map[types.PollID]*pollLock),
	}, nil
}

// Storage returns the checkpoint store.
func (o *Orchestrator) Storage() *storage.Storage {
	return o.stg
}

// Open allocates the identifier of a new poll. Nothing is stored until its
// first transition commits.
func (o *Orchestrator) Open() types.PollID {
	pid := types.NewPollID()
	log.Debugw("poll opened", "pollID", pid.String())
	return pid
}

func (o *Orchestrator) acquire(pid types.PollID) *pollLock {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[pid]
	if !ok {
		l = new(pollLock)
		o.locks[pid] = l
	}
	l.refs++
	return l
}

func (o *Orchestrator) release(pid types.PollID, l *pollLock) {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(o.locks, pid)
	}
}

// writeLock locks the poll for a transition and returns the unlock function.
func (o *Orchestrator) writeLock(pid types.PollID) func() {
	l := o.acquire(pid)
	l.Lock()
	return func() {
		l.Unlock()
		o.release(pid, l)
	}
}

// readLock locks the poll for reading and returns the unlock function.
func (o *Orchestrator) readLock(pid types.PollID) func() {
	l := o.acquire(pid)
	l.RLock()
	return func() {
		l.RUnlock()
		o.release(pid, l)
	}
}

// state returns the last committed phase of the poll and its failure marker,
// nil if the poll is not failed.
func (o *Orchestrator) state(pid types.PollID) (types.Phase, *types.FailureMarker, error) {
	phase := types.PhaseUninitialized
	cp, err := o.stg.LastCheckpoint(pid)
	switch {
	case err == nil:
		phase = cp.Phase
	case !errors.Is(err, storage.ErrNotFound):
		return 0, nil, err
	}
	fm, err := o.stg.Failure(pid)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, nil, err
	}
	return phase, fm, nil
}

// require checks the committed phase against the preconditions of op and
// returns it. A failed poll accepts no operation until it is reset.
func (o *Orchestrator) require(pid types.PollID, op string) (types.Phase, error) {
	phase, fm, err := o.state(pid)
	if err != nil {
		return 0, err
	}
	if err := o.illegal(op, phase, fm); err != nil {
		return 0, err
	}
	return phase, nil
}

// committed returns the checkpoint of phase, or nil if it is not committed.
func (o *Orchestrator) committed(pid types.PollID, phase types.Phase) (*types.Checkpoint, error) {
	cp, err := o.stg.Checkpoint(pid, phase)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

// unmarked operations never mark the poll as failed: a rejected signup or
// message can be submitted again and a state root check changes nothing.
var unmarked = map[string]bool{OpSignup: true, OpPublish: true, OpCheckStateRoot: true}

// fail turns an error raised by a provider during op into the error returned
// to the caller. Cancellation leaves the poll as it was, discarding staged
// artifacts. Any other failure of a transition marks the poll as failed in
// phase, provided it was created and can therefore be reset.
func (o *Orchestrator) fail(ctx context.Context, pid types.PollID, op string, phase types.Phase, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !unmarked[op] {
			if n, derr := o.stg.DiscardStaged(pid); derr != nil {
				log.Warnw("could not discard staged artifacts", "pollID", pid.String(), "error", derr)
			} else if n > 0 {
				log.Debugw("staged artifacts discarded", "pollID", pid.String(), "count", n)
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		log.Infow("transition interrupted", "pollID", pid.String(), "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	perr := &ProviderError{Op: op, Phase: phase, PollID: pid, Err: err}
	if phase > types.PhasePollCreated && !unmarked[op] {
		if ferr := o.stg.SetFailure(pid, phase, err.Error()); ferr != nil {
			return errors.Join(perr, ferr)
		}
	}
	log.Warnw("provider failure", "pollID", pid.String(), "op", op, "phase", phase.String(), "error", err)
	return perr
}

// commit stamps cp with the current time, stores it and logs it.
func (o *Orchestrator) commit(cp *types.Checkpoint) error {
	if cp.CommittedAt.IsZero() {
		cp.CommittedAt = time.Now().Truncate(time.Second)
	}
	if err := o.stg.Commit(cp); err != nil {
		return fmt.Errorf("commit %s: %w", cp.Phase, err)
	}
	log.Infow("phase committed",
		"pollID", cp.PollID.String(),
		"phase", cp.Phase.String(),
		"artifacts", len(cp.Artifacts),
		"unproven", cp.Unproven)
	return nil
}

// argsHash fingerprints the arguments of a transition.
func argsHash(v any) (types.HexBytes, error) {
	data, err := argsEncMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(data), nil
}

// Phase returns the last committed phase of the poll.
func (o *Orchestrator) Phase(pid types.PollID) (types.Phase, error) {
	phase, _, err := o.state(pid)
	return phase, err
}

// Checkpoints returns the committed checkpoints of the poll in phase order.
func (o *Orchestrator) Checkpoints(pid types.PollID) ([]*types.Checkpoint, error) {
	return o.stg.Checkpoints(pid)
}

// Status summarizes a poll.
type Status struct {
	PollID   types.PollID         `json:"pollId"`
	Phase    types.Phase          `json:"phase"`
	Failure  *types.FailureMarker `json:"failure,omitempty"`
	Unproven bool                 `json:"unproven"`
	Signups  uint64               `json:"signups"`
	Messages uint64               `json:"messages"`
	Staged   int                  `json:"staged"`
}

// Failed reports whether the poll holds a failure marker.
func (s *Status) Failed() bool {
	return s.Failure != nil
}

// String returns the phase, or failed(phase) for failed polls.
func (s *Status) String() string {
	if s.Failure != nil {
		return fmt.Sprintf("failed(%s)", s.Failure.Phase)
	}
	return s.Phase.String()
}

// Status returns the current status of the poll.
func (o *Orchestrator) Status(pid types.PollID) (*Status, error) {
	defer o.readLock(pid)()

	phase, fm, err := o.state(pid)
	if err != nil {
		return nil, err
	}
	st := &Status{PollID: pid, Phase: phase, Failure: fm}
	if cp, err := o.committed(pid, phase); err != nil {
		return nil, err
	} else if cp != nil {
		st.Unproven = cp.Unproven
	}
	if st.Signups, err = o.stg.CountSignups(pid); err != nil {
		return nil, err
	}
	if st.Messages, err = o.stg.CountMessages(pid); err != nil {
		return nil, err
	}
	for _, p := range []types.Phase{types.PhaseProcessed, types.PhaseTallied} {
		idx, err := o.stg.StagedIndexes(pid, p)
		if err != nil {
			return nil, err
		}
		st.Staged += len(idx)
	}
	return st, nil
}

// Poll returns the poll description built from its KeysGenerated and
// PollCreated checkpoints.
func (o *Orchestrator) Poll(pid types.PollID) (*provider.Poll, error) {
	keysCp, err := o.stg.Checkpoint(pid, types.PhaseKeysGenerated)
	if err != nil {
		return nil, fmt.Errorf("poll %s has no keys: %w", pid, err)
	}
	createdCp, err := o.stg.Checkpoint(pid, types.PhasePollCreated)
	if err != nil {
		return nil, fmt.Errorf("poll %s not created: %w", pid, err)
	}
	poll := &provider.Poll{ID: pid}
	for _, a := range []struct {
		cp   *types.Checkpoint
		name string
		out  any
	}{
		{keysCp, types.ArtifactCoordinatorPubKey, &poll.CoordinatorPubKey},
		{keysCp, types.ArtifactCoordinatorPrivKey, &poll.CoordinatorPrivKey},
		{createdCp, types.ArtifactPollAddress, &poll.Address},
		{createdCp, types.ArtifactStateTreeDepth, &poll.StateTreeDepth},
		{createdCp, types.ArtifactVoteOptionDepth, &poll.VoteOptionTreeDepth},
		{createdCp, types.ArtifactMaxSignups, &poll.MaxSignups},
		{createdCp, types.ArtifactMaxVoteOptions, &poll.MaxVoteOptions},
		{createdCp, types.ArtifactMessageBatchSize, &poll.MessageBatchSize},
	} {
		if err := a.cp.Artifact(a.name, a.out); err != nil {
			return nil, err
		}
	}
	return poll, nil
}
