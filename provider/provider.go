// Package provider defines the external services the orchestrator drives:
// key generation, chain submission, state reading, proving and proof
// verification. Implementations live in sub-packages.
package provider

import (
	"context"
	"errors"

	"github.com/vocdoni/maci-coordinator/types"
)

var (
	// ErrKeyGeneration is returned when a keypair cannot be generated.
	ErrKeyGeneration = errors.New("key generation failed")
	// ErrInvalidProof is returned by verifiers when a proof does not verify.
	// It is not transient: the proof itself is wrong.
	ErrInvalidProof = errors.New("invalid proof")
	// ErrSignupCapacity is returned when the state tree is full.
	ErrSignupCapacity = errors.New("state tree is full")
)

// Keypair is a serialized MACI keypair.
type Keypair struct {
	PrivKey string `json:"privKey" cbor:"0,keyasint"`
	PubKey  string `json:"pubKey"  cbor:"1,keyasint"`
}

// Poll gathers what providers need to know about a created poll.
type Poll struct {
	ID                  types.PollID `json:"id"`
	Address             string       `json:"address"`
	CoordinatorPubKey   string       `json:"coordinatorPubKey"`
	CoordinatorPrivKey  string       `json:"-"`
	StateTreeDepth      int          `json:"stateTreeDepth"`
	VoteOptionTreeDepth int          `json:"voteOptionTreeDepth"`
	MaxSignups          int          `json:"maxSignups"`
	MaxVoteOptions      int          `json:"maxVoteOptions"`
	MessageBatchSize    int          `json:"messageBatchSize"`
}

// DeployRequest describes a poll to instantiate on chain.
type DeployRequest struct {
	PollID              types.PollID
	CoordinatorPubKey   string
	StateTreeDepth      int
	VoteOptionTreeDepth int
	MessageBatchSize    int
	Params              types.PollParams
}

// Deployment is the result of a poll deployment.
type Deployment struct {
	PollAddress string         `json:"pollAddress"`
	TxHash      types.HexBytes `json:"txHash"`
}

// ProcessState is the state and ballot trees content while messages are
// processed. Leaf i of both slices belongs to state index i.
type ProcessState struct {
	Leaves  []*types.StateLeaf `json:"leaves"  cbor:"0,keyasint"`
	Ballots []*types.Ballot    `json:"ballots" cbor:"1,keyasint"`
}

// Proof is a serialized zero-knowledge proof together with the public inputs
// it was generated for. Backend names the proving system that produced it.
// The first public input is always the subject the proof attests to.
type Proof struct {
	Backend      string   `json:"backend"      cbor:"0,keyasint"`
	Data         []byte   `json:"data"         cbor:"1,keyasint"`
	PublicInputs []string `json:"publicInputs" cbor:"2,keyasint"`
}

// ProcessBatchRequest asks a prover to apply one batch of messages. Messages
// are given in processing order (newest first).
type ProcessBatchRequest struct {
	Poll       *Poll
	BatchIndex int
	Messages   []*types.Message
	State      *ProcessState
	SkipProofs bool
}

// ProcessBatchResult is the outcome of one processed batch.
type ProcessBatchResult struct {
	BatchIndex int           `json:"batchIndex" cbor:"0,keyasint"`
	State      *ProcessState `json:"state"      cbor:"1,keyasint"`
	// StateRoot and BallotRoot are decimal field elements.
	StateRoot  string `json:"stateRoot"  cbor:"2,keyasint"`
	BallotRoot string `json:"ballotRoot" cbor:"3,keyasint"`
	// ProcessRoot commits to both roots and is the subject of the proof.
	ProcessRoot string `json:"processRoot" cbor:"4,keyasint"`
	// Proof is nil when proofs are skipped.
	Proof *Proof `json:"proof,omitempty" cbor:"5,keyasint,omitempty"`
}

// TallyRequest asks a prover to tally the processed state.
type TallyRequest struct {
	Poll       *Poll
	State      *ProcessState
	SkipProofs bool
}

// TallyResult holds the per-option results and their commitment.
type TallyResult struct {
	Results []*types.BigInt `json:"results" cbor:"0,keyasint"`
	// ResultsRoot is the quinary root of the results and the subject of the
	// proof.
	ResultsRoot string `json:"resultsRoot" cbor:"1,keyasint"`
	// Commitment is poseidon(ResultsRoot, Salt).
	Commitment string `json:"commitment" cbor:"2,keyasint"`
	Salt       string `json:"salt"       cbor:"3,keyasint"`
	Proof      *Proof `json:"proof,omitempty" cbor:"4,keyasint,omitempty"`
}

// KeyGenerator creates coordinator keypairs.
type KeyGenerator interface {
	GenerateKeypair(ctx context.Context) (*Keypair, error)
}

// Chain submits poll transactions. SubmitSignup returns the state index the
// chain assigned to the voter.
type Chain interface {
	DeployPoll(ctx context.Context, req *DeployRequest) (*Deployment, error)
	SubmitSignup(ctx context.Context, poll *Poll, signup *types.Signup) (uint64, types.HexBytes, error)
	SubmitMessage(ctx context.Context, poll *Poll, msg *types.Message) (types.HexBytes, error)
}

// StateReader computes the state root the chain holds for a poll.
type StateReader interface {
	StateRoot(ctx context.Context, poll *Poll, signups []*types.Signup) (string, error)
}

// Prover processes messages and tallies votes, optionally generating proofs.
type Prover interface {
	ProcessBatch(ctx context.Context, req *ProcessBatchRequest) (*ProcessBatchResult, error)
	Tally(ctx context.Context, req *TallyRequest) (*TallyResult, error)
}

// Subject returns the first public input of the proof.
func (p *Proof) Subject() string {
	if p == nil || len(p.PublicInputs) == 0 {
		return ""
	}
	return p.PublicInputs[0]
}

// Verifier checks a proof. It returns ErrInvalidProof (wrapped) if the proof
// does not verify for the given public inputs.
type Verifier interface {
	Verify(ctx context.Context, proof *Proof) error
}

// Set bundles the providers used by an orchestrator.
type Set struct {
	Keys     KeyGenerator
	Chain    Chain
	State    StateReader
	Prover   Prover
	Verifier Verifier
}

// Validate checks that every provider is set.
func (s *Set) Validate() error {
	if s == nil || s.Keys == nil || s.Chain == nil || s.State == nil || s.Prover == nil || s.Verifier == nil {
		return errors.New("incomplete provider set")
	}
	return nil
}
