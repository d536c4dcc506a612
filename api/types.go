package api

import (
	"time"

	"github.com/vocdoni/maci-coordinator/scenario"
	"github.com/vocdoni/maci-coordinator/types"
)

// PollList is the response of the polls endpoint.
type PollList struct {
	Polls []types.PollID `json:"polls"`
}

// CheckpointInfo describes a committed checkpoint. Artifacts are listed by
// name only, so the coordinator private key never leaves the store.
type CheckpointInfo struct {
	Phase       types.Phase `json:"phase"`
	CommittedAt time.Time   `json:"committedAt"`
	Unproven    bool        `json:"unproven"`
	Artifacts   []string    `json:"artifacts"`
}

// CheckpointList is the response of the checkpoints endpoint.
type CheckpointList struct {
	PollID      types.PollID      `json:"pollId"`
	Checkpoints []*CheckpointInfo `json:"checkpoints"`
}

// ResetResponse holds the phase a poll was recovered to.
type ResetResponse struct {
	PollID types.PollID `json:"pollId"`
	Phase  types.Phase  `json:"phase"`
}

// SuiteResults is the response of the suites endpoint.
type SuiteResults struct {
	Passed  bool                        `json:"passed"`
	Results []*scenario.ExecutionResult `json:"results"`
}
