package types

import (
	"fmt"
	"sort"
	"time"
)

// Artifact names stored in checkpoints.
const (
	ArtifactCoordinatorPubKey  = "coordinatorPubKey"
	ArtifactCoordinatorPrivKey = "coordinatorPrivKey"
	ArtifactStateTreeDepth     = "stateTreeDepth"
	ArtifactVoteOptionDepth    = "voteOptionTreeDepth"
	ArtifactMessageBatchSize   = "messageBatchSize"
	ArtifactMaxSignups         = "maxSignups"
	ArtifactMaxVoteOptions     = "maxVoteOptions"
	ArtifactPollAddress        = "pollAddress"
	ArtifactDeployTx           = "deployTx"
	ArtifactStateRoot          = "stateRoot"
	ArtifactBallotRoot         = "ballotRoot"
	ArtifactStateLeaves        = "stateLeaves"
	ArtifactBallots            = "ballots"
	ArtifactProcessProofs      = "processProofs"
	ArtifactTallyResults       = "tallyResults"
	ArtifactTallyCommitment    = "tallyCommitment"
	ArtifactTallyProof         = "tallyProof"
	ArtifactSignups            = "signups"
	ArtifactMessages           = "messages"
)

// Checkpoint is the durable record that a phase has completed for a poll.
// Artifacts hold opaque, CBOR encoded references produced by the transition.
type Checkpoint struct {
	PollID      PollID            `json:"pollId"      cbor:"0,keyasint"`
	Phase       Phase             `json:"phase"       cbor:"1,keyasint"`
	CommittedAt time.Time         `json:"committedAt" cbor:"2,keyasint"`
	Artifacts   map[string][]byte `json:"artifacts"   cbor:"3,keyasint,omitempty"`
	// Unproven marks checkpoints produced without proof generation.
	Unproven bool `json:"unproven" cbor:"4,keyasint,omitempty"`
	// ArgsHash fingerprints the arguments of the transition, so repeated
	// invocations can be recognised as the same call.
	ArgsHash HexBytes `json:"argsHash,omitempty" cbor:"5,keyasint,omitempty"`
}

// NewCheckpoint returns an empty checkpoint for the given poll and phase.
func NewCheckpoint(pid PollID, phase Phase) *Checkpoint {
	return &Checkpoint{
		PollID:    pid,
		Phase:     phase,
		Artifacts: make(map[string][]byte),
	}
}

// SetArtifact encodes v and stores it under name.
func (c *Checkpoint) SetArtifact(name string, v any) error {
	data, err := cborEncMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", name, err)
	}
	if c.Artifacts == nil {
		c.Artifacts = make(map[string][]byte)
	}
	c.Artifacts[name] = data
	return nil
}

// Artifact decodes the artifact stored under name into out. It returns an
// error if the artifact does not exist.
func (c *Checkpoint) Artifact(name string, out any) error {
	data, ok := c.Artifacts[name]
	if !ok {
		return fmt.Errorf("artifact %s not found in %s checkpoint", name, c.Phase)
	}
	if err := cborDecMode.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode artifact %s: %w", name, err)
	}
	return nil
}

// ArtifactNames returns the sorted artifact names of the checkpoint.
func (c *Checkpoint) ArtifactNames() []string {
	names := make([]string, 0, len(c.Artifacts))
	for n := range c.Artifacts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FailureMarker records a transition that failed in a provider. A poll with a
// failure marker reports Failed(Phase) until it is reset.
type FailureMarker struct {
	Phase  Phase     `json:"phase"  cbor:"0,keyasint"`
	Reason string    `json:"reason" cbor:"1,keyasint,omitempty"`
	At     time.Time `json:"at"     cbor:"2,keyasint"`
}
