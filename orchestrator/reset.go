package orchestrator

import (
	"context"
	"fmt"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/types"
)

// Reset recovers a poll after a failed or interrupted transition. It clears
// the failure marker and every staged artifact, so the next transition
// targets the phase that follows the last checkpoint, and returns that last
// committed phase. Checkpoints and the signup and message journal are never
// touched. It returns ErrNoCheckpoint if the poll was never created.
func (o *Orchestrator) Reset(ctx context.Context, pid types.PollID) (types.Phase, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer o.writeLock(pid)()

	created, err := o.committed(pid, types.PhasePollCreated)
	if err != nil {
		return 0, err
	}
	if created == nil {
		return 0, fmt.Errorf("%w: poll %s", ErrNoCheckpoint, pid)
	}
	phase, fm, err := o.state(pid)
	if err != nil {
		return 0, err
	}
	discarded, err := o.stg.ClearTransient(pid)
	if err != nil {
		return 0, fmt.Errorf("reset poll %s: %w", pid, err)
	}
	failed := ""
	if fm != nil {
		failed = fm.Phase.String()
	}
	log.Infow("poll reset",
		"pollID", pid.String(),
		"phase", phase.String(),
		"failedPhase", failed,
		"discardedStaged", discarded)
	return phase, nil
}
