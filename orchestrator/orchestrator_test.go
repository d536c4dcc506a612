package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
	"golang.org/x/sync/errgroup"
)

func TestLifecycle(t *testing.T) {
	c := qt.New(t)
	o, fp := newTestOrchestrator(t)
	pid := o.Open()

	phase, err := o.Phase(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(phase, qt.Equals, types.PhaseUninitialized)

	advance(c, o, pid, types.PhaseVerified)
	c.Assert(phases(c, o, pid), qt.DeepEquals, []types.Phase{
		types.PhaseKeysGenerated,
		types.PhasePollCreated,
		types.PhaseSignupOpen,
		types.PhaseMessagesPublished,
		types.PhaseProcessed,
		types.PhaseTallied,
		types.PhaseVerified,
	})

	poll, err := o.Poll(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(poll.StateTreeDepth, qt.Equals, 2)
	c.Assert(poll.VoteOptionTreeDepth, qt.Equals, 2)
	c.Assert(poll.MaxVoteOptions, qt.Equals, 25)
	c.Assert(poll.MessageBatchSize, qt.Equals, 1)
	c.Assert(poll.CoordinatorPubKey, qt.Not(qt.Equals), "")

	res, err := o.Results(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Unproven, qt.IsFalse)
	c.Assert(res.Tally, qt.HasLen, 25)
	c.Assert(res.Tally[1].String(), qt.Equals, "3")
	c.Assert(res.Tally[2].String(), qt.Equals, "5")
	c.Assert(res.Tally[0].String(), qt.Equals, "0")

	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Phase, qt.Equals, types.PhaseVerified)
	c.Assert(st.Failed(), qt.IsFalse)
	c.Assert(st.Signups, qt.Equals, uint64(3))
	c.Assert(st.Messages, qt.Equals, uint64(2))
	c.Assert(st.Staged, qt.Equals, 0)

	// two messages, one per batch, plus one tally proof
	c.Assert(fp.count("processBatch"), qt.Equals, 2)
	c.Assert(fp.count("verify"), qt.Equals, 3)
	c.Assert(fp.skipped, qt.DeepEquals, []bool{false, false, false})
}

type testOp struct {
	name string
	// target is the phase committed by the operation, 0 if it commits none
	target types.Phase
	run    func(ctx context.Context, o *Orchestrator, pid types.PollID) error
}

var testOps = []testOp{
	{OpGenerateKeypair, types.PhaseKeysGenerated, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, err := o.GenerateKeypair(ctx, pid)
		return err
	}},
	{OpCreatePoll, types.PhasePollCreated, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, err := o.CreatePoll(ctx, pid, testParams())
		return err
	}},
	{OpSignup, 0, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, err := o.Signup(ctx, pid, newSignup())
		return err
	}},
	{OpPublish, 0, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, err := o.Publish(ctx, pid, vote(0, 0, 1))
		return err
	}},
	{OpCheckStateRoot, 0, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, err := o.CheckStateRoot(ctx, pid, "")
		return err
	}},
	{OpProcess, types.PhaseProcessed, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, err := o.Process(ctx, pid)
		return err
	}},
	{OpTally, types.PhaseTallied, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, err := o.Tally(ctx, pid)
		return err
	}},
	{OpVerify, types.PhaseVerified, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, err := o.Verify(ctx, pid)
		return err
	}},
	{OpFastPath, types.PhaseTallied, func(ctx context.Context, o *Orchestrator, pid types.PollID) error {
		_, _, err := o.ProcessAndTallyWithoutProofs(ctx, pid)
		return err
	}},
}

func TestIllegalTransitions(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	for phase := types.PhaseUninitialized; phase <= types.LastPhase; phase++ {
		for _, op := range testOps {
			legal := slices.Contains(preconditions[op.name], phase)
			idempotent := op.target != 0 && phase >= op.target
			if legal || idempotent {
				continue
			}
			o, fp := newTestOrchestrator(t)
			pid := o.Open()
			advance(c, o, pid, phase)
			before := phases(c, o, pid)
			calls := fp.total()

			err := op.run(ctx, o, pid)
			var illegal *IllegalTransitionError
			c.Assert(errors.As(err, &illegal), qt.IsTrue, qt.Commentf("%s in %s: %v", op.name, phase, err))
			c.Assert(illegal.Op, qt.Equals, op.name)
			c.Assert(illegal.Actual, qt.Equals, phase)
			c.Assert(illegal.Required, qt.DeepEquals, preconditions[op.name])
			c.Assert(illegal.Failed, qt.IsFalse)
			c.Assert(Kind(err), qt.Equals, "IllegalTransition")
			c.Assert(phases(c, o, pid), qt.DeepEquals, before)
			c.Assert(fp.total(), qt.Equals, calls, qt.Commentf("%s in %s called a provider", op.name, phase))
		}
	}
}

func TestIdempotentTransitions(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()

	kp1, err := o.GenerateKeypair(ctx, pid)
	c.Assert(err, qt.IsNil)
	kp2, err := o.GenerateKeypair(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(kp2.Artifacts, qt.DeepEquals, kp1.Artifacts)
	c.Assert(fp.count("keys"), qt.Equals, 1)

	cp1, err := o.CreatePoll(ctx, pid, testParams())
	c.Assert(err, qt.IsNil)
	cp2, err := o.CreatePoll(ctx, pid, testParams())
	c.Assert(err, qt.IsNil)
	c.Assert(cp2.ArgsHash, qt.DeepEquals, cp1.ArgsHash)
	c.Assert(cp2.Artifacts, qt.DeepEquals, cp1.Artifacts)
	c.Assert(cp2.CommittedAt.Equal(cp1.CommittedAt), qt.IsTrue)
	c.Assert(fp.count("deploy"), qt.Equals, 1)

	// other params do not match the committed poll
	other := testParams()
	other.StateTree.MaxLeaves = 8
	_, err = o.CreatePoll(ctx, pid, other)
	c.Assert(Kind(err), qt.Equals, "IllegalTransition")
	c.Assert(fp.count("deploy"), qt.Equals, 1)

	advance(c, o, pid, types.PhaseVerified)
	batches := fp.count("processBatch")
	for _, op := range testOps {
		if op.target == 0 {
			continue
		}
		c.Assert(op.run(ctx, o, pid), qt.IsNil, qt.Commentf("%s", op.name))
	}
	c.Assert(fp.count("processBatch"), qt.Equals, batches)
	c.Assert(fp.count("tally"), qt.Equals, 1)
	c.Assert(fp.count("verify"), qt.Equals, 3)
	c.Assert(phases(c, o, pid), qt.HasLen, 7)
}

func TestCreatePollInvalidCapacity(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseKeysGenerated)

	params := testParams()
	params.StateTree.MaxLeaves = 0
	_, err := o.CreatePoll(ctx, pid, params)
	c.Assert(err, qt.ErrorIs, tree.ErrInvalidCapacity)
	c.Assert(Kind(err), qt.Equals, "InvalidCapacity")

	params = testParams()
	params.VoteOptionTree.Base = 3
	_, err = o.CreatePoll(ctx, pid, params)
	c.Assert(err, qt.ErrorIs, tree.ErrInvalidCapacity)

	params = testParams()
	params.MessageBatchSize = -1
	_, err = o.CreatePoll(ctx, pid, params)
	c.Assert(Kind(err), qt.Equals, "InvalidArgument")

	c.Assert(fp.count("deploy"), qt.Equals, 0)
	phase, err := o.Phase(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(phase, qt.Equals, types.PhaseKeysGenerated)
}

func TestCreatePollDepths(t *testing.T) {
	c := qt.New(t)
	o, _ := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseKeysGenerated)

	cp, err := o.CreatePoll(context.Background(), pid, types.PollParams{
		StateTree:      types.TreeSizing{MaxLeaves: 5},
		VoteOptionTree: types.TreeSizing{MaxLeaves: 26},
	})
	c.Assert(err, qt.IsNil)
	var stateDepth, voDepth, batchSize int
	c.Assert(cp.Artifact(types.ArtifactStateTreeDepth, &stateDepth), qt.IsNil)
	c.Assert(cp.Artifact(types.ArtifactVoteOptionDepth, &voDepth), qt.IsNil)
	c.Assert(cp.Artifact(types.ArtifactMessageBatchSize, &batchSize), qt.IsNil)
	c.Assert(stateDepth, qt.Equals, 3)
	c.Assert(voDepth, qt.Equals, 3)
	c.Assert(batchSize, qt.Equals, types.DefaultMessageBatchSize)
}

func TestKeyGenerationFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()

	fp.fail("keys", fmt.Errorf("%w: entropy exhausted", provider.ErrKeyGeneration))
	_, err := o.GenerateKeypair(ctx, pid)
	c.Assert(err, qt.ErrorIs, provider.ErrKeyGeneration)
	c.Assert(Kind(err), qt.Equals, "KeyGeneration")
	var perr *ProviderError
	c.Assert(errors.As(err, &perr), qt.IsTrue)
	c.Assert(perr.PollID, qt.Equals, pid)
	c.Assert(perr.Phase, qt.Equals, types.PhaseKeysGenerated)

	// nothing to reset: the poll is left untouched and the call can be retried
	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Failed(), qt.IsFalse)
	c.Assert(st.Phase, qt.Equals, types.PhaseUninitialized)

	fp.fail("keys", nil)
	_, err = o.GenerateKeypair(ctx, pid)
	c.Assert(err, qt.IsNil)
}

func TestRecoveryAfterProcessFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseMessagesPublished)

	// the second batch fails, after the first one was staged
	fp.onBatch = func(_ context.Context, index int) error {
		if index == 1 {
			return errProvider
		}
		return nil
	}
	_, err := o.Process(ctx, pid)
	c.Assert(err, qt.ErrorIs, errProvider)
	c.Assert(Kind(err), qt.Equals, "Provider")

	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Failed(), qt.IsTrue)
	c.Assert(st.String(), qt.Equals, "failed(processed)")
	c.Assert(st.Staged, qt.Equals, 1)
	c.Assert(phases(c, o, pid), qt.HasLen, 4)

	// a failed poll accepts nothing until it is reset
	fp.onBatch = nil
	_, err = o.Process(ctx, pid)
	var illegal *IllegalTransitionError
	c.Assert(errors.As(err, &illegal), qt.IsTrue)
	c.Assert(illegal.Failed, qt.IsTrue)
	c.Assert(illegal.Actual, qt.Equals, types.PhaseProcessed)

	phase, err := o.Reset(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(phase, qt.Equals, types.PhaseMessagesPublished)
	st, err = o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Failed(), qt.IsFalse)
	c.Assert(st.Staged, qt.Equals, 0)
	c.Assert(st.Signups, qt.Equals, uint64(3))
	c.Assert(st.Messages, qt.Equals, uint64(2))

	cp, err := o.Process(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(cp.Phase, qt.Equals, types.PhaseProcessed)
	c.Assert(fp.count("keys"), qt.Equals, 1)
	c.Assert(fp.count("deploy"), qt.Equals, 1)
	c.Assert(fp.count("signup"), qt.Equals, 3)
	c.Assert(fp.count("message"), qt.Equals, 2)

	advance(c, o, pid, types.PhaseVerified)
	res, err := o.Results(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Tally[1].String(), qt.Equals, "3")
}

func TestResetWithoutCheckpoint(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)
	pid := o.Open()

	_, err := o.Reset(ctx, pid)
	c.Assert(err, qt.ErrorIs, ErrNoCheckpoint)
	c.Assert(Kind(err), qt.Equals, "NoCheckpoint")

	advance(c, o, pid, types.PhaseKeysGenerated)
	_, err = o.Reset(ctx, pid)
	c.Assert(err, qt.ErrorIs, ErrNoCheckpoint)

	// a healthy poll resets to its last phase
	advance(c, o, pid, types.PhaseSignupOpen)
	phase, err := o.Reset(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(phase, qt.Equals, types.PhaseSignupOpen)
}

func TestResumeStagedBatches(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseMessagesPublished)

	// an interrupted run left the first batch staged
	poll, err := o.Poll(pid)
	c.Assert(err, qt.IsNil)
	signups, err := o.Storage().Signups(pid)
	c.Assert(err, qt.IsNil)
	messages, err := o.Storage().Messages(pid)
	c.Assert(err, qt.IsNil)
	res, err := fp.ProcessBatch(ctx, &provider.ProcessBatchRequest{
		Poll:     poll,
		Messages: batches(messages, poll.MessageBatchSize)[0],
		State:    provider.NewProcessState(signups, poll.MaxVoteOptions),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(o.Storage().Stage(pid, types.PhaseProcessed, 0,
		&stagedBatch{Messages: uint64(len(messages)), Result: res}), qt.IsNil)
	calls := fp.count("processBatch")

	_, err = o.Process(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(fp.count("processBatch"), qt.Equals, calls+1)
	staged, err := o.Storage().StagedIndexes(pid, types.PhaseProcessed)
	c.Assert(err, qt.IsNil)
	c.Assert(staged, qt.HasLen, 0)
}

func TestCancelLeavesStateUnchanged(t *testing.T) {
	c := qt.New(t)
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseMessagesPublished)

	fp.onBatch = func(ctx context.Context, index int) error {
		if index == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Process(ctx, pid)
	c.Assert(err, qt.ErrorIs, context.DeadlineExceeded)
	c.Assert(Kind(err), qt.Equals, "Timeout")

	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Phase, qt.Equals, types.PhaseMessagesPublished)
	c.Assert(st.Failed(), qt.IsFalse)
	c.Assert(st.Staged, qt.Equals, 0)

	fp.onBatch = nil
	_, err = o.Process(context.Background(), pid)
	c.Assert(err, qt.IsNil)
}

func TestFastPath(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)

	proven := o.Open()
	advance(c, o, proven, types.PhaseTallied)
	fp.skipped = nil

	pid := o.Open()
	advance(c, o, pid, types.PhaseMessagesPublished)
	processed, tallied, err := o.ProcessAndTallyWithoutProofs(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(processed.Unproven, qt.IsTrue)
	c.Assert(tallied.Unproven, qt.IsTrue)
	c.Assert(fp.skipped, qt.DeepEquals, []bool{true, true, true})
	_, ok := tallied.Artifacts[types.ArtifactTallyProof]
	c.Assert(ok, qt.IsFalse)

	// same tally as the proven run
	want, err := o.Results(proven)
	c.Assert(err, qt.IsNil)
	got, err := o.Results(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Unproven, qt.IsTrue)
	c.Assert(got.Tally, qt.DeepEquals, want.Tally)
	c.Assert(got.ResultsRoot, qt.Equals, want.ResultsRoot)

	_, err = o.Verify(ctx, pid)
	c.Assert(err, qt.ErrorIs, ErrNoProofAvailable)
	c.Assert(Kind(err), qt.Equals, "NoProofAvailable")
	c.Assert(fp.count("verify"), qt.Equals, 0)
	phase, err := o.Phase(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(phase, qt.Equals, types.PhaseTallied)

	calls := fp.total()
	p2, t2, err := o.ProcessAndTallyWithoutProofs(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(p2.Artifacts, qt.DeepEquals, processed.Artifacts)
	c.Assert(t2.Artifacts, qt.DeepEquals, tallied.Artifacts)
	c.Assert(fp.total(), qt.Equals, calls)
}

func TestFastPathTimeout(t *testing.T) {
	c := qt.New(t)
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseMessagesPublished)

	fp.onBatch = func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := o.ProcessAndTallyWithoutProofs(ctx, pid)
	c.Assert(Kind(err), qt.Equals, "Timeout")
	c.Assert(phases(c, o, pid), qt.HasLen, 4)

	fp.onBatch = nil
	_, tallied, err := o.ProcessAndTallyWithoutProofs(context.Background(), pid)
	c.Assert(err, qt.IsNil)
	c.Assert(tallied.Unproven, qt.IsTrue)
}

func TestVerifyInvalidProof(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseTallied)

	fp.fail("verify", fmt.Errorf("%w: pairing check", provider.ErrInvalidProof))
	_, err := o.Verify(ctx, pid)
	c.Assert(err, qt.ErrorIs, ErrVerificationFailed)
	c.Assert(Kind(err), qt.Equals, "VerificationFailed")

	// the proof is wrong, not the poll: it stays tallied and unmarked
	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Phase, qt.Equals, types.PhaseTallied)
	c.Assert(st.Failed(), qt.IsFalse)
}

func TestVerifyProofOfAnotherRoot(t *testing.T) {
	c := qt.New(t)
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	fp.proofs.subject = "12345"
	advance(c, o, pid, types.PhaseTallied)

	_, err := o.Verify(context.Background(), pid)
	c.Assert(err, qt.ErrorIs, ErrVerificationFailed)
	c.Assert(err, qt.ErrorMatches, `.*batch 0 proof attests "12345".*`)
	c.Assert(fp.count("verify"), qt.Equals, 0)
}

func TestVerifyProviderFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseTallied)

	fp.fail("verify", errProvider)
	_, err := o.Verify(ctx, pid)
	c.Assert(Kind(err), qt.Equals, "Provider")
	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.String(), qt.Equals, "failed(verified)")

	phase, err := o.Reset(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(phase, qt.Equals, types.PhaseTallied)
	fp.fail("verify", nil)
	cp, err := o.Verify(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(cp.Phase, qt.Equals, types.PhaseVerified)
}

func TestTallyFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseProcessed)

	fp.fail("tally", errProvider)
	_, err := o.Tally(ctx, pid)
	var perr *ProviderError
	c.Assert(errors.As(err, &perr), qt.IsTrue)
	c.Assert(perr.Op, qt.Equals, OpTally)
	c.Assert(perr.Phase, qt.Equals, types.PhaseTallied)

	fp.fail("tally", nil)
	_, err = o.Reset(ctx, pid)
	c.Assert(err, qt.IsNil)
	advance(c, o, pid, types.PhaseVerified)
	c.Assert(phases(c, o, pid), qt.HasLen, 7)
}

func TestCheckStateRoot(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseSignupOpen)

	root, err := o.CheckStateRoot(ctx, pid, "")
	c.Assert(err, qt.IsNil)
	c.Assert(root, qt.Equals, "1003")

	_, err = o.CheckStateRoot(ctx, pid, "0x3eb")
	c.Assert(err, qt.IsNil)

	_, err = o.CheckStateRoot(ctx, pid, "1002")
	var mismatch *StateMismatchError
	c.Assert(errors.As(err, &mismatch), qt.IsTrue)
	c.Assert(mismatch.Expected, qt.Equals, "1002")
	c.Assert(mismatch.Actual, qt.Equals, "1003")
	c.Assert(Kind(err), qt.Equals, "StateMismatch")

	phase, err := o.Phase(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(phase, qt.Equals, types.PhaseSignupOpen)
}

func TestJournalProviderFailureDoesNotMarkPoll(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseSignupOpen)

	fp.fail("signup", errProvider)
	_, err := o.Signup(ctx, pid, newSignup())
	c.Assert(Kind(err), qt.Equals, "Provider")
	fp.fail("signup", nil)

	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Failed(), qt.IsFalse)
	c.Assert(st.Signups, qt.Equals, uint64(3))

	_, err = o.Signup(ctx, pid, &types.Signup{PubKey: "nope"})
	c.Assert(Kind(err), qt.Equals, "InvalidArgument")
	_, err = o.Publish(ctx, pid, &types.Message{})
	c.Assert(Kind(err), qt.Equals, "InvalidArgument")
}

func TestConcurrentSignupsAndPublishes(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhasePollCreated)

	const n = 20
	indexes := make([]uint64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			su, err := o.Signup(ctx, pid, newSignup())
			c.Check(err, qt.IsNil)
			if err == nil {
				indexes[i] = su.Seq
			}
		}()
	}
	wg.Wait()
	slices.Sort(indexes)
	for i, idx := range indexes {
		c.Assert(idx, qt.Equals, uint64(i))
	}

	seqs := make([]uint64, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := o.Publish(ctx, pid, vote(uint64(i), 0, 1))
			c.Check(err, qt.IsNil)
			if err == nil {
				seqs[i] = msg.Seq
			}
		}()
	}
	wg.Wait()
	slices.Sort(seqs)
	c.Assert(slices.Compact(seqs), qt.HasLen, n)

	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Signups, qt.Equals, uint64(n))
	c.Assert(st.Messages, qt.Equals, uint64(n))
	c.Assert(phases(c, o, pid), qt.HasLen, 4)

	// signups are closed once messages are published
	_, err = o.Signup(ctx, pid, newSignup())
	c.Assert(Kind(err), qt.Equals, "IllegalTransition")
}

func TestConcurrentProcessRuns(t *testing.T) {
	c := qt.New(t)
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseMessagesPublished)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp, err := o.Process(context.Background(), pid)
			c.Check(err, qt.IsNil)
			c.Check(cp.Phase, qt.Equals, types.PhaseProcessed)
		}()
	}
	wg.Wait()
	c.Assert(fp.count("processBatch"), qt.Equals, 2)
}

func TestPollsAreIndependent(t *testing.T) {
	c := qt.New(t)
	o, fp := newTestOrchestrator(t)

	pids := make([]types.PollID, 4)
	g := new(errgroup.Group)
	for i := range pids {
		pids[i] = o.Open()
		g.Go(func() error {
			return advanceTo(o, pids[i], types.PhaseVerified)
		})
	}
	c.Assert(g.Wait(), qt.IsNil)
	for _, pid := range pids {
		c.Assert(phases(c, o, pid), qt.HasLen, 7)
	}
	c.Assert(fp.count("deploy"), qt.Equals, len(pids))
	polls, err := o.Storage().ListPolls()
	c.Assert(err, qt.IsNil)
	c.Assert(polls, qt.HasLen, len(pids))
}

func TestBatches(t *testing.T) {
	c := qt.New(t)
	msgs := make([]*types.Message, 7)
	for i := range msgs {
		msgs[i] = &types.Message{Seq: uint64(i)}
	}
	seqs := func(batch []*types.Message) []uint64 {
		out := make([]uint64, len(batch))
		for i, m := range batch {
			out[i] = m.Seq
		}
		return out
	}
	got := batches(msgs, 3)
	c.Assert(got, qt.HasLen, 3)
	c.Assert(seqs(got[0]), qt.DeepEquals, []uint64{6})
	c.Assert(seqs(got[1]), qt.DeepEquals, []uint64{5, 4, 3})
	c.Assert(seqs(got[2]), qt.DeepEquals, []uint64{2, 1, 0})
	// the input is not reordered
	c.Assert(seqs(msgs), qt.DeepEquals, []uint64{0, 1, 2, 3, 4, 5, 6})

	c.Assert(batches(nil, 3), qt.HasLen, 1)
	c.Assert(batches(nil, 3)[0], qt.HasLen, 0)
}

func TestKind(t *testing.T) {
	c := qt.New(t)
	pid := types.NewPollID()
	for _, tc := range []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{fmt.Errorf("wrapped: %w", tree.ErrInvalidCapacity), "InvalidCapacity"},
		{&IllegalTransitionError{Op: OpTally}, "IllegalTransition"},
		{&StateMismatchError{Expected: "1", Actual: "2"}, "StateMismatch"},
		{ErrVerificationFailed, "VerificationFailed"},
		{ErrNoProofAvailable, "NoProofAvailable"},
		{ErrNoCheckpoint, "NoCheckpoint"},
		{&ProviderError{Op: OpGenerateKeypair, PollID: pid, Err: provider.ErrKeyGeneration}, "KeyGeneration"},
		{&ProviderError{Op: OpProcess, PollID: pid, Err: errProvider}, "Provider"},
		{fmt.Errorf("process: %w", context.Canceled), "Canceled"},
		{errors.New("boom"), "Internal"},
	} {
		c.Assert(Kind(tc.err), qt.Equals, tc.kind, qt.Commentf("%v", tc.err))
	}

	err := &IllegalTransitionError{
		Op:       OpPublish,
		Required: []types.Phase{types.PhaseSignupOpen, types.PhaseMessagesPublished},
		Actual:   types.PhaseProcessed,
	}
	c.Assert(err.Error(), qt.Equals,
		"illegal transition: publish requires signupOpen or messagesPublished, poll is processed")
	err.Failed = true
	c.Assert(err.Error(), qt.Matches, ".*poll is failed\\(processed\\)")
}

func TestFastPathResumesUnprovenProcessing(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("tally timeout", func(c *qt.C) {
		o, fp := newTestOrchestrator(t)
		pid := o.Open()
		advance(c, o, pid, types.PhaseMessagesPublished)

		fp.fail("tally", context.DeadlineExceeded)
		_, _, err := o.ProcessAndTallyWithoutProofs(ctx, pid)
		c.Assert(Kind(err), qt.Equals, "Timeout")
		c.Assert(phases(c, o, pid), qt.HasLen, 5)
		st, err := o.Status(pid)
		c.Assert(err, qt.IsNil)
		c.Assert(st.Failed(), qt.IsFalse)
		c.Assert(st.Unproven, qt.IsTrue)

		fp.fail("tally", nil)
		batches := fp.count("processBatch")
		fp.skipped = nil
		processed, tallied, err := o.ProcessAndTallyWithoutProofs(ctx, pid)
		c.Assert(err, qt.IsNil)
		c.Assert(processed.Unproven, qt.IsTrue)
		c.Assert(tallied.Unproven, qt.IsTrue)
		c.Assert(fp.count("processBatch"), qt.Equals, batches)
		c.Assert(fp.skipped, qt.DeepEquals, []bool{true})

		res, err := o.Results(pid)
		c.Assert(err, qt.IsNil)
		c.Assert(res.Tally[1].String(), qt.Equals, "3")
		c.Assert(res.Tally[2].String(), qt.Equals, "5")
	})

	c.Run("tally after reset skips proofs", func(c *qt.C) {
		o, fp := newTestOrchestrator(t)
		pid := o.Open()
		advance(c, o, pid, types.PhaseMessagesPublished)

		fp.fail("tally", errProvider)
		_, _, err := o.ProcessAndTallyWithoutProofs(ctx, pid)
		c.Assert(Kind(err), qt.Equals, "Provider")
		fp.fail("tally", nil)
		phase, err := o.Reset(ctx, pid)
		c.Assert(err, qt.IsNil)
		c.Assert(phase, qt.Equals, types.PhaseProcessed)

		fp.skipped = nil
		tallied, err := o.Tally(ctx, pid)
		c.Assert(err, qt.IsNil)
		c.Assert(tallied.Unproven, qt.IsTrue)
		c.Assert(fp.skipped, qt.DeepEquals, []bool{true})
		_, err = o.Verify(ctx, pid)
		c.Assert(Kind(err), qt.Equals, "NoProofAvailable")
	})

	c.Run("proven processing", func(c *qt.C) {
		o, fp := newTestOrchestrator(t)
		pid := o.Open()
		advance(c, o, pid, types.PhaseProcessed)
		calls := fp.total()

		_, _, err := o.ProcessAndTallyWithoutProofs(ctx, pid)
		var illegal *IllegalTransitionError
		c.Assert(errors.As(err, &illegal), qt.IsTrue)
		c.Assert(illegal.Actual, qt.Equals, types.PhaseProcessed)
		c.Assert(fp.total(), qt.Equals, calls)
		c.Assert(phases(c, o, pid), qt.HasLen, 5)
	})
}

func TestReplayOnFailedPoll(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseProcessed)

	fp.fail("tally", errProvider)
	_, err := o.Tally(ctx, pid)
	c.Assert(Kind(err), qt.Equals, "Provider")
	fp.fail("tally", nil)
	st, err := o.Status(pid)
	c.Assert(err, qt.IsNil)
	c.Assert(st.String(), qt.Equals, "failed(tallied)")
	calls := fp.total()

	// committed transitions return their checkpoint
	kp, err := o.GenerateKeypair(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(kp.Phase, qt.Equals, types.PhaseKeysGenerated)
	created, err := o.CreatePoll(ctx, pid, testParams())
	c.Assert(err, qt.IsNil)
	c.Assert(created.Phase, qt.Equals, types.PhasePollCreated)
	processed, err := o.Process(ctx, pid)
	c.Assert(err, qt.IsNil)
	c.Assert(processed.Phase, qt.Equals, types.PhaseProcessed)
	c.Assert(fp.total(), qt.Equals, calls)

	// anything else waits for the reset
	other := testParams()
	other.StateTree.MaxLeaves = 8
	var illegal *IllegalTransitionError
	_, err = o.CreatePoll(ctx, pid, other)
	c.Assert(errors.As(err, &illegal), qt.IsTrue)
	c.Assert(illegal.Failed, qt.IsTrue)
	_, err = o.Tally(ctx, pid)
	c.Assert(errors.As(err, &illegal), qt.IsTrue)
	c.Assert(illegal.Failed, qt.IsTrue)
	c.Assert(illegal.Actual, qt.Equals, types.PhaseTallied)
	c.Assert(fp.total(), qt.Equals, calls)
}

func TestLocksAreReleased(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	for range 10 {
		_, err := o.Status(types.NewPollID())
		c.Assert(err, qt.IsNil)
	}
	pid := o.Open()
	advance(c, o, pid, types.PhaseVerified)
	_, err := o.CheckStateRoot(ctx, pid, "")
	c.Assert(err, qt.IsNil)
	_, err = o.Signup(ctx, pid, newSignup())
	c.Assert(Kind(err), qt.Equals, "IllegalTransition")

	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	c.Assert(o.locks, qt.HasLen, 0)
}

func TestCheckStateRootWaitsForSignups(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	o, fp := newTestOrchestrator(t)
	pid := o.Open()
	advance(c, o, pid, types.PhaseSignupOpen)

	onChain, release := make(chan struct{}), make(chan struct{})
	fp.mu.Lock()
	fp.onSignup = func() {
		close(onChain)
		<-release
	}
	fp.mu.Unlock()

	signupErr := make(chan error, 1)
	go func() {
		_, err := o.Signup(ctx, pid, newSignup())
		signupErr <- err
	}()
	<-onChain

	roots := make(chan string, 1)
	go func() {
		root, err := o.CheckStateRoot(ctx, pid, "")
		if err != nil {
			root = err.Error()
		}
		roots <- root
	}()
	select {
	case root := <-roots:
		c.Fatalf("state root read while a signup was in flight: %s", root)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	c.Assert(<-signupErr, qt.IsNil)
	c.Assert(<-roots, qt.Equals, "1004")
}

func TestEqualRoots(t *testing.T) {
	c := qt.New(t)
	for _, tc := range []struct {
		a, b  string
		equal bool
	}{
		{"123", "123", true},
		{"0123", "123", true},
		{"0123", "83", false},
		{"0x7b", "123", true},
		{"0X7B", "0123", true},
		{"0x7b", "0x7c", false},
		{"root", "ROOT", true},
		{"0x", "0", false},
	} {
		c.Assert(EqualRoots(tc.a, tc.b), qt.Equals, tc.equal, qt.Commentf("%s %s", tc.a, tc.b))
	}
}
