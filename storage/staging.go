package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/types"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

func stagedKey(pid types.PollID, phase types.Phase, index uint32) []byte {
	key := append(pid.Marshal(), byte(phase))
	return binary.BigEndian.AppendUint32(key, index)
}

// stagedKeys returns the staged keys (relative to the staged prefix) of a
// poll. If phase is PhaseUninitialized, the keys of every phase are returned.
func (s *Storage) stagedKeys(pid types.PollID, phase types.Phase) ([][]byte, error) {
	prefix := pid.Marshal()
	if phase != types.PhaseUninitialized {
		prefix = append(prefix, byte(phase))
	}
	rd := prefixeddb.NewPrefixedReader(s.db, stagedPrefix)
	var keys [][]byte
	if err := rd.Iterate(prefix, func(k, _ []byte) bool {
		key := make([]byte, 0, len(prefix)+len(k))
		key = append(key, prefix...)
		keys = append(keys, append(key, k...))
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate staged artifacts: %w", err)
	}
	return keys, nil
}

// Stage stores the intermediate artifact produced by batch index of an
// in-flight transition to phase. Staged artifacts never count as a
// checkpoint; they are discarded when the phase is committed or the poll is
// reset.
func (s *Storage) Stage(pid types.PollID, phase types.Phase, index uint32, v any) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	if err := s.setArtifact(stagedPrefix, stagedKey(pid, phase, index), v); err != nil {
		return fmt.Errorf("stage artifact: %w", err)
	}
	return nil
}

// StagedIndexes returns the batch indexes staged for phase in ascending order.
func (s *Storage) StagedIndexes(pid types.PollID, phase types.Phase) ([]uint32, error) {
	keys, err := s.stagedKeys(pid, phase)
	if err != nil {
		return nil, err
	}
	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, binary.BigEndian.Uint32(k[len(k)-4:]))
	}
	return idx, nil
}

// Staged decodes the artifact staged at index for phase into out. It returns
// ErrNotFound if there is none.
func (s *Storage) Staged(pid types.PollID, phase types.Phase, index uint32, out any) error {
	return s.getArtifact(stagedPrefix, stagedKey(pid, phase, index), out)
}

// DiscardStaged deletes every staged artifact of the poll and returns how
// many were removed.
func (s *Storage) DiscardStaged(pid types.PollID) (int, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.discardStaged(pid)
}

func (s *Storage) discardStaged(pid types.PollID) (int, error) {
	keys, err := s.stagedKeys(pid, types.PhaseUninitialized)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), stagedPrefix)
	defer wTx.Discard()
	for _, k := range keys {
		if err := wTx.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wTx.Commit(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// SetFailure persists a failure marker for the poll, recording the phase
// whose transition failed.
func (s *Storage) SetFailure(pid types.PollID, phase types.Phase, reason string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	fm := &types.FailureMarker{Phase: phase, Reason: reason, At: time.Now()}
	if err := s.setArtifact(failurePrefix, pid.Marshal(), fm); err != nil {
		return fmt.Errorf("set failure marker: %w", err)
	}
	log.Warnw("poll marked as failed", "pollID", pid.String(), "phase", phase.String(), "reason", reason)
	return nil
}

// Failure returns the failure marker of the poll or ErrNotFound.
func (s *Storage) Failure(pid types.PollID) (*types.FailureMarker, error) {
	fm := &types.FailureMarker{}
	if err := s.getArtifact(failurePrefix, pid.Marshal(), fm); err != nil {
		return nil, err
	}
	return fm, nil
}

// ClearTransient removes the failure marker and every staged artifact of the
// poll in a single transaction. Checkpoints and the journal are untouched.
// It returns the number of staged artifacts discarded.
func (s *Storage) ClearTransient(pid types.PollID) (int, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	keys, err := s.stagedKeys(pid, types.PhaseUninitialized)
	if err != nil {
		return 0, err
	}
	tx := s.db.WriteTx()
	defer tx.Discard()
	stTx := prefixeddb.NewPrefixedWriteTx(tx, stagedPrefix)
	for _, k := range keys {
		if err := stTx.Delete(k); err != nil {
			return 0, err
		}
	}
	fTx := prefixeddb.NewPrefixedWriteTx(tx, failurePrefix)
	if err := fTx.Delete(pid.Marshal()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("clear transient state: %w", err)
	}
	return len(keys), nil
}
