package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/keys"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/provider/local"
	"github.com/vocdoni/maci-coordinator/storage"
	"github.com/vocdoni/maci-coordinator/types"
	"go.vocdoni.io/dvote/db/metadb"
)

const fakeBackend = "fake"

// fakeProofs attests to the subject it is given, unless subject is set.
type fakeProofs struct {
	subject string
}

func (f *fakeProofs) Prove(_ context.Context, subject *big.Int) (*provider.Proof, error) {
	s := subject.String()
	if f.subject != "" {
		s = f.subject
	}
	return &provider.Proof{Backend: fakeBackend, Data: []byte("ok"), PublicInputs: []string{s}}, nil
}

// fakeProviders implements every provider, counting calls. Processing and
// tallying run the local prover over fakeProofs.
type fakeProviders struct {
	mu      sync.Mutex
	calls   map[string]int
	errs    map[string]error
	indexes map[types.PollID]uint64
	proofs  *fakeProofs
	prover  *local.Prover

	// onBatch runs before each processed batch.
	onBatch func(ctx context.Context, index int) error
	// onSignup runs once the signup is on chain, before it is returned.
	onSignup func()
	// skipped records the SkipProofs flag of every prover call.
	skipped []bool
}

func newFakeProviders() *fakeProviders {
	proofs := &fakeProofs{}
	return &fakeProviders{
		calls:   make(map[string]int),
		errs:    make(map[string]error),
		indexes: make(map[types.PollID]uint64),
		proofs:  proofs,
		prover:  local.NewProver(proofs),
	}
}

func (f *fakeProviders) set() *provider.Set {
	return &provider.Set{Keys: f, Chain: f, State: f, Prover: f, Verifier: f}
}

// call counts a call to op and returns the error configured for it.
func (f *fakeProviders) call(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.errs[op]
}

func (f *fakeProviders) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

func (f *fakeProviders) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProviders) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeProviders) GenerateKeypair(context.Context) (*provider.Keypair, error) {
	if err := f.call("keys"); err != nil {
		return nil, err
	}
	priv, pub := keys.GenerateKeypair().Serialize()
	return &provider.Keypair{PrivKey: priv, PubKey: pub}, nil
}

func (f *fakeProviders) DeployPoll(_ context.Context, req *provider.DeployRequest) (*provider.Deployment, error) {
	if err := f.call("deploy"); err != nil {
		return nil, err
	}
	return &provider.Deployment{PollAddress: fmt.Sprintf("0x%x", req.PollID[:4]), TxHash: []byte{1}}, nil
}

func (f *fakeProviders) SubmitSignup(_ context.Context, poll *provider.Poll, _ *types.Signup) (uint64, types.HexBytes, error) {
	if err := f.call("signup"); err != nil {
		return 0, nil, err
	}
	f.mu.Lock()
	index := f.indexes[poll.ID]
	f.indexes[poll.ID]++
	hook := f.onSignup
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return index, []byte{2}, nil
}

func (f *fakeProviders) SubmitMessage(context.Context, *provider.Poll, *types.Message) (types.HexBytes, error) {
	if err := f.call("message"); err != nil {
		return nil, err
	}
	return []byte{3}, nil
}

// StateRoot returns 1000 plus the number of signups.
func (f *fakeProviders) StateRoot(_ context.Context, _ *provider.Poll, signups []*types.Signup) (string, error) {
	if err := f.call("stateRoot"); err != nil {
		return "", err
	}
	return fmt.Sprint(1000 + len(signups)), nil
}

func (f *fakeProviders) ProcessBatch(ctx context.Context, req *provider.ProcessBatchRequest) (*provider.ProcessBatchResult, error) {
	if err := f.call("processBatch"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.skipped = append(f.skipped, req.SkipProofs)
	hook := f.onBatch
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, req.BatchIndex); err != nil {
			return nil, err
		}
	}
	return f.prover.ProcessBatch(ctx, req)
}

func (f *fakeProviders) Tally(ctx context.Context, req *provider.TallyRequest) (*provider.TallyResult, error) {
	if err := f.call("tally"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.skipped = append(f.skipped, req.SkipProofs)
	f.mu.Unlock()
	return f.prover.Tally(ctx, req)
}

func (f *fakeProviders) Verify(_ context.Context, p *provider.Proof) error {
	if err := f.call("verify"); err != nil {
		return err
	}
	if p.Backend != fakeBackend || string(p.Data) != "ok" {
		return provider.ErrInvalidProof
	}
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeProviders) {
	t.Helper()
	stg := storage.New(metadb.NewTest(t))
	fp := newFakeProviders()
	o, err := New(stg, fp.set())
	qt.Assert(t, err, qt.IsNil)
	return o, fp
}

// testParams sizes a poll for 4 signups and 25 vote options, processing
// messages one by one.
func testParams() types.PollParams {
	return types.PollParams{
		StateTree:        types.TreeSizing{Base: types.BinaryTree, MaxLeaves: 4},
		VoteOptionTree:   types.TreeSizing{Base: types.QuinaryTree, MaxLeaves: 25},
		MessageBatchSize: 1,
	}
}

func newSignup() *types.Signup {
	_, pub := keys.GenerateKeypair().Serialize()
	return &types.Signup{PubKey: pub}
}

func vote(index, option uint64, weight int64) *types.Message {
	return &types.Message{
		StateIndex:      index,
		VoteOptionIndex: option,
		NewVoteWeight:   types.NewInt(weight),
		Nonce:           1,
	}
}

// testVotes are published by advance: voter 0 puts 3 on option 1 and
// voter 1 puts 5 on option 2.
var testVotes = []*types.Message{vote(0, 1, 3), vote(1, 2, 5)}

// advance runs the transitions of a regular poll, from its current phase
// until target is committed: three signups and the two test votes.
func advance(c *qt.C, o *Orchestrator, pid types.PollID, target types.Phase) {
	c.Helper()
	c.Assert(advanceTo(o, pid, target), qt.IsNil)
}

func advanceTo(o *Orchestrator, pid types.PollID, target types.Phase) error {
	ctx := context.Background()
	current, err := o.Phase(pid)
	if err != nil {
		return err
	}
	steps := []struct {
		phase types.Phase
		run   func() error
	}{
		{types.PhaseKeysGenerated, func() error {
			_, err := o.GenerateKeypair(ctx, pid)
			return err
		}},
		{types.PhasePollCreated, func() error {
			_, err := o.CreatePoll(ctx, pid, testParams())
			return err
		}},
		{types.PhaseSignupOpen, func() error {
			for range 3 {
				if _, err := o.Signup(ctx, pid, newSignup()); err != nil {
					return err
				}
			}
			return nil
		}},
		{types.PhaseMessagesPublished, func() error {
			for _, m := range testVotes {
				if _, err := o.Publish(ctx, pid, m); err != nil {
					return err
				}
			}
			return nil
		}},
		{types.PhaseProcessed, func() error {
			_, err := o.Process(ctx, pid)
			return err
		}},
		{types.PhaseTallied, func() error {
			_, err := o.Tally(ctx, pid)
			return err
		}},
		{types.PhaseVerified, func() error {
			_, err := o.Verify(ctx, pid)
			return err
		}},
	}
	for _, s := range steps {
		if s.phase > target {
			break
		}
		if s.phase <= current {
			continue
		}
		if err := s.run(); err != nil {
			return fmt.Errorf("advancing to %s: %w", s.phase, err)
		}
	}
	return nil
}

func phases(c *qt.C, o *Orchestrator, pid types.PollID) []types.Phase {
	cps, err := o.Checkpoints(pid)
	c.Assert(err, qt.IsNil)
	out := make([]types.Phase, len(cps))
	for i, cp := range cps {
		out[i] = cp.Phase
	}
	return out
}

var errProvider = errors.New("provider down")
