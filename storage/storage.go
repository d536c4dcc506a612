// storage package is the durable checkpoint store of the coordinator. It keeps,
// per poll, the append-only sequence of phase checkpoints, the journal of
// signups and published messages, the artifacts staged by in-flight
// transitions and the failure markers. It is built on a prefixed key-value
// store; the following prefixes are used:
//   - 'cp/' for checkpoints, keyed by poll and phase
//   - 'j/' for journal entries (signups and messages), keyed by poll, kind and sequence
//   - 'st/' for staged artifacts of in-flight transitions
//   - 'f/' for failure markers
//   - 'pl/' for the index of known polls
//
// Checkpoint commits are a single write transaction that also discards the
// staged artifacts of the committed phase, so a commit is either fully
// visible or not at all.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/types"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

var (
	// Prefixes for the keys in the database.
	checkpointPrefix = []byte("cp/")
	journalPrefix    = []byte("j/")
	stagedPrefix     = []byte("st/")
	failurePrefix    = []byte("f/")
	pollIndexPrefix  = []byte("pl/")
)

// journal entry kinds
const (
	kindSignup  byte = 0x01
	kindMessage byte = 0x02
)

var (
	// ErrNotFound is returned when the requested element does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCheckpointExists is returned when committing a phase twice.
	ErrCheckpointExists = errors.New("checkpoint already committed")
	// ErrPhaseGap is returned when committing a phase whose predecessor has
	// not been committed.
	ErrPhaseGap = errors.New("previous phase not committed")
)

// Storage is the checkpoint store. It is safe for concurrent use.
type Storage struct {
	db db.Database
	// globalLock serialises commits, staging and journal sequence allocation.
	globalLock sync.Mutex
	// seqs caches the next journal sequence per poll and kind.
	seqs map[string]uint64
}

// New creates a new Storage instance.
func New(db db.Database) *Storage {
	return &Storage{
		db:   db,
		seqs: make(map[string]uint64),
	}
}

// Close closes the storage.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err.Error())
	}
}

func checkpointKey(pid types.PollID, phase types.Phase) []byte {
	return append(pid.Marshal(), byte(phase))
}

// Checkpoints returns the committed checkpoints of a poll ordered by phase.
// An unknown poll has no checkpoints and no error.
func (s *Storage) Checkpoints(pid types.PollID) ([]*types.Checkpoint, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, checkpointPrefix)
	var cps []*types.Checkpoint
	var decodeErr error
	if err := rd.Iterate(pid.Marshal(), func(_, v []byte) bool {
		cp := &types.Checkpoint{}
		if err := decodeArtifact(v, cp); err != nil {
			decodeErr = fmt.Errorf("decode checkpoint: %w", err)
			return false
		}
		cps = append(cps, cp)
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	// keys are pollID|phase, so iteration order is phase order
	return cps, nil
}

// Checkpoint returns the checkpoint of the given phase or ErrNotFound.
func (s *Storage) Checkpoint(pid types.PollID, phase types.Phase) (*types.Checkpoint, error) {
	cp := &types.Checkpoint{}
	if err := s.getArtifact(checkpointPrefix, checkpointKey(pid, phase), cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// LastCheckpoint returns the highest committed checkpoint or ErrNotFound.
func (s *Storage) LastCheckpoint(pid types.PollID) (*types.Checkpoint, error) {
	cps, err := s.Checkpoints(pid)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	return cps[len(cps)-1], nil
}

// Commit appends a checkpoint to the poll sequence. The previous phase must be
// committed (Uninitialized is implicit) and the phase itself must not. The
// staged artifacts of the phase are discarded in the same transaction.
func (s *Storage) Commit(cp *types.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("nil checkpoint")
	}
	if cp.Phase == types.PhaseUninitialized || !cp.Phase.Valid() {
		return fmt.Errorf("cannot commit phase %s", cp.Phase)
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	pid := cp.PollID
	exists, err := s.has(checkpointPrefix, checkpointKey(pid, cp.Phase))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrCheckpointExists, cp.Phase)
	}
	if prev := cp.Phase - 1; prev != types.PhaseUninitialized {
		ok, err := s.has(checkpointPrefix, checkpointKey(pid, prev))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s before %s", ErrPhaseGap, prev, cp.Phase)
		}
	}
	val, err := encodeArtifact(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	staged, err := s.stagedKeys(pid, cp.Phase)
	if err != nil {
		return err
	}

	tx := s.db.WriteTx()
	defer tx.Discard()
	cpTx := prefixeddb.NewPrefixedWriteTx(tx, checkpointPrefix)
	if err := cpTx.Set(checkpointKey(pid, cp.Phase), val); err != nil {
		return err
	}
	stTx := prefixeddb.NewPrefixedWriteTx(tx, stagedPrefix)
	for _, k := range staged {
		if err := stTx.Delete(k); err != nil {
			return fmt.Errorf("discard staged artifact: %w", err)
		}
	}
	plTx := prefixeddb.NewPrefixedWriteTx(tx, pollIndexPrefix)
	if err := plTx.Set(pid.Marshal(), []byte{byte(cp.Phase)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	log.Debugw("checkpoint committed",
		"pollID", pid.String(),
		"phase", cp.Phase.String(),
		"unproven", cp.Unproven,
		"discardedStaged", len(staged))
	return nil
}

// ListPolls returns the identifiers of the polls with at least one checkpoint.
func (s *Storage) ListPolls() ([]types.PollID, error) {
	keys, err := s.listArtifacts(pollIndexPrefix)
	if err != nil {
		return nil, err
	}
	pids := make([]types.PollID, 0, len(keys))
	for _, k := range keys {
		var pid types.PollID
		if err := pid.Unmarshal(k); err != nil {
			return nil, err
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (s *Storage) has(prefix, key []byte) (bool, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, prefix)
	if _, err := rd.Get(key); err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
