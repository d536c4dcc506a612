package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/types"
)

// FailureMonitor periodically scans the polls of the store and reports the
// ones holding a failure marker, which wait for an operator reset. It never
// resets a poll itself.
type FailureMonitor struct {
	o        *orchestrator.Orchestrator
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	pending  map[types.PollID]*orchestrator.Status
}

// NewFailureMonitor creates a new FailureMonitor service.
func NewFailureMonitor(o *orchestrator.Orchestrator, interval time.Duration) *FailureMonitor {
	return &FailureMonitor{
		o:        o,
		interval: interval,
		pending:  make(map[types.PollID]*orchestrator.Status),
	}
}

// Start begins monitoring. It returns an error if the service is already
// running.
func (fm *FailureMonitor) Start(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.cancel != nil {
		return fmt.Errorf("service already running")
	}
	ctx, fm.cancel = context.WithCancel(ctx)
	go fm.monitor(ctx)
	return nil
}

// Stop halts the monitoring service.
func (fm *FailureMonitor) Stop() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.cancel != nil {
		fm.cancel()
		fm.cancel = nil
	}
}

// Pending returns the status of the polls waiting for a reset, as of the
// last scan.
func (fm *FailureMonitor) Pending() []*orchestrator.Status {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	out := make([]*orchestrator.Status, 0, len(fm.pending))
	for _, st := range fm.pending {
		out = append(out, st)
	}
	return out
}

func (fm *FailureMonitor) monitor(ctx context.Context) {
	ticker := time.NewTicker(fm.interval)
	defer ticker.Stop()
	for {
		if err := fm.scan(); err != nil {
			log.Warnw("failed to scan polls", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan refreshes the pending polls, logging the new ones.
func (fm *FailureMonitor) scan() error {
	pids, err := fm.o.Storage().ListPolls()
	if err != nil {
		return err
	}
	pending := make(map[types.PollID]*orchestrator.Status)
	for _, pid := range pids {
		st, err := fm.o.Status(pid)
		if err != nil {
			log.Warnw("failed to read poll status", "pollID", pid.String(), "error", err.Error())
			continue
		}
		if !st.Failed() {
			continue
		}
		pending[pid] = st
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	for pid, st := range pending {
		if _, ok := fm.pending[pid]; ok {
			continue
		}
		reason := ""
		if st.Failure != nil {
			reason = st.Failure.Reason
		}
		log.Warnw("poll waiting for reset",
			"pollID", pid.String(),
			"status", st.String(),
			"reason", reason,
			"staged", st.Staged)
	}
	fm.pending = pending
	return nil
}
