package api

import (
	"errors"
	"net/http"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/storage"
	"github.com/vocdoni/maci-coordinator/types"
)

// listPolls returns the polls with at least one committed checkpoint.
// GET /polls
func (a *API) listPolls(w http.ResponseWriter, r *http.Request) {
	pids, err := a.o.Storage().ListPolls()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, &PollList{Polls: pids})
}

// pollStatus returns the status of a poll.
// GET /polls/{pollId}
func (a *API) pollStatus(w http.ResponseWriter, r *http.Request) {
	pid, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	st, err := a.o.Status(pid)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	if st.Phase == types.PhaseUninitialized && !st.Failed() {
		ErrPollNotFound.With(pid.String()).Write(w)
		return
	}
	httpWriteJSON(w, st)
}

// pollCheckpoints lists the checkpoints of a poll in phase order.
// GET /polls/{pollId}/checkpoints
func (a *API) pollCheckpoints(w http.ResponseWriter, r *http.Request) {
	pid, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	cps, err := a.o.Checkpoints(pid)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	if len(cps) == 0 {
		ErrPollNotFound.With(pid.String()).Write(w)
		return
	}
	list := &CheckpointList{PollID: pid, Checkpoints: make([]*CheckpointInfo, len(cps))}
	for i, cp := range cps {
		list.Checkpoints[i] = &CheckpointInfo{
			Phase:       cp.Phase,
			CommittedAt: cp.CommittedAt,
			Unproven:    cp.Unproven,
			Artifacts:   cp.ArtifactNames(),
		}
	}
	httpWriteJSON(w, list)
}

// pollResults returns the tally of a poll.
// GET /polls/{pollId}/results
func (a *API) pollResults(w http.ResponseWriter, r *http.Request) {
	pid, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	res, err := a.o.Results(pid)
	if errors.Is(err, storage.ErrNotFound) {
		ErrPollNotTallied.With(pid.String()).Write(w)
		return
	}
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, res)
}

// resetPoll recovers a poll to its last committed checkpoint.
// POST /polls/{pollId}/reset
func (a *API) resetPoll(w http.ResponseWriter, r *http.Request) {
	pid, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	phase, err := a.o.Reset(r.Context(), pid)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	log.Infow("poll reset over API", "pollID", pid.String(), "phase", phase.String())
	httpWriteJSON(w, &ResetResponse{PollID: pid, Phase: phase})
}
