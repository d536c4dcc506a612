package local

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vocdoni/arbo"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/types"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

const (
	stateDBprefix          = "sd_"
	stateDBreferencePrefix = "sr_"
)

var (
	// ErrStateTreeNotFound is returned when a poll has no state tree.
	ErrStateTreeNotFound = errors.New("state tree not found in the local database")
	// ErrStateTreeAlreadyExists is returned by New() if the tree already exists.
	ErrStateTreeAlreadyExists = errors.New("state tree already exists in the local database")

	stateHashFunction = arbo.HashFunctionPoseidon
)

// StateDB is a persistent database of per poll state trees, the local
// mirror of the signups registered on chain. Each tree is an arbo binary
// Merkle tree hashed with Poseidon, keyed by state index.
type StateDB struct {
	mu     sync.RWMutex
	db     db.Database
	loaded map[types.PollID]*StateTree
}

// StateTree is a reference to the state tree of a poll. All accesses to the
// underlying tree are protected by treeMu.
type StateTree struct {
	PollID    types.PollID `cbor:"0,keyasint"`
	MaxLevels int          `cbor:"1,keyasint"`
	Depth     int          `cbor:"2,keyasint"`
	CreatedAt time.Time    `cbor:"3,keyasint"`

	tree   *arbo.Tree
	treeMu sync.Mutex
}

// NewStateDB creates a new StateDB object.
func NewStateDB(database db.Database) *StateDB {
	return &StateDB{
		db:     database,
		loaded: make(map[types.PollID]*StateTree),
	}
}

func referenceKey(pid types.PollID) []byte {
	return append([]byte(stateDBreferencePrefix), pid.Marshal()...)
}

func treePrefix(pid types.PollID) []byte {
	return append([]byte(stateDBprefix), pid.Marshal()...)
}

// levelsFor returns the arbo levels of a tree of the given depth. Arbo trees
// need at least one level.
func levelsFor(depth int) int {
	return max(depth, 1)
}

// New creates the state tree of a poll. It returns ErrStateTreeAlreadyExists
// if the poll already has one.
func (s *StateDB) New(pid types.PollID, depth int) (*StateTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loaded[pid]; exists {
		return nil, ErrStateTreeAlreadyExists
	}
	if _, err := s.db.Get(referenceKey(pid)); err == nil {
		return nil, ErrStateTreeAlreadyExists
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return nil, err
	}

	ref := &StateTree{
		PollID:    pid,
		MaxLevels: levelsFor(depth),
		Depth:     depth,
		CreatedAt: time.Now(),
	}
	if err := s.openTree(ref); err != nil {
		return nil, err
	}
	if err := s.writeReference(ref); err != nil {
		return nil, err
	}
	s.loaded[pid] = ref
	return ref, nil
}

// Load returns the state tree of a poll from memory or from the database.
func (s *StateDB) Load(pid types.PollID) (*StateTree, error) {
	s.mu.RLock()
	if ref, exists := s.loaded[pid]; exists {
		s.mu.RUnlock()
		return ref, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, exists := s.loaded[pid]; exists {
		return ref, nil
	}
	b, err := s.db.Get(referenceKey(pid))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStateTreeNotFound, pid)
		}
		return nil, err
	}
	ref := &StateTree{}
	if err := cbor.Unmarshal(b, ref); err != nil {
		return nil, fmt.Errorf("decode state tree reference: %w", err)
	}
	if err := s.openTree(ref); err != nil {
		return nil, err
	}
	s.loaded[pid] = ref
	return ref, nil
}

// Exists returns true if the poll has a state tree.
func (s *StateDB) Exists(pid types.PollID) bool {
	s.mu.RLock()
	_, exists := s.loaded[pid]
	s.mu.RUnlock()
	if exists {
		return true
	}
	_, err := s.db.Get(referenceKey(pid))
	return err == nil
}

func (s *StateDB) openTree(ref *StateTree) error {
	tree, err := arbo.NewTree(arbo.Config{
		Database:     prefixeddb.NewPrefixedDatabase(s.db, treePrefix(ref.PollID)),
		MaxLevels:    ref.MaxLevels,
		HashFunction: stateHashFunction,
	})
	if err != nil {
		return fmt.Errorf("open state tree: %w", err)
	}
	ref.tree = tree
	return nil
}

func (s *StateDB) writeReference(ref *StateTree) error {
	b, err := cbor.Marshal(ref)
	if err != nil {
		return err
	}
	wtx := s.db.WriteTx()
	defer wtx.Discard()
	if err := wtx.Set(referenceKey(ref.PollID), b); err != nil {
		return err
	}
	return wtx.Commit()
}

// Capacity returns the number of leaves the tree can hold.
func (st *StateTree) Capacity() uint64 {
	if st.Depth >= 64 {
		return ^uint64(0)
	}
	return uint64(1) << st.Depth
}

func (st *StateTree) indexKey(index uint64) []byte {
	return arbo.BigIntToBytes((st.MaxLevels+7)/8, new(big.Int).SetUint64(index))
}

// Append adds leaf at the next free index and returns it. It fails with
// provider.ErrSignupCapacity when the tree is full.
func (st *StateTree) Append(leaf *big.Int) (uint64, error) {
	st.treeMu.Lock()
	defer st.treeMu.Unlock()
	n, err := st.tree.GetNLeafs()
	if err != nil {
		return 0, err
	}
	index := uint64(n)
	if index >= st.Capacity() {
		return 0, fmt.Errorf("%w: capacity %d", provider.ErrSignupCapacity, st.Capacity())
	}
	if err := st.tree.Add(st.indexKey(index), arbo.BigIntToBytes(stateHashFunction.Len(), leaf)); err != nil {
		return 0, fmt.Errorf("add state leaf %d: %w", index, err)
	}
	log.Debugw("state leaf appended", "pollID", st.PollID.String(), "index", index)
	return index, nil
}

// Root returns the current root as a field element.
func (st *StateTree) Root() (*big.Int, error) {
	st.treeMu.Lock()
	defer st.treeMu.Unlock()
	root, err := st.tree.Root()
	if err != nil {
		return nil, err
	}
	return arbo.BytesToBigInt(root), nil
}

// Size returns the number of leaves in the tree.
func (st *StateTree) Size() (uint64, error) {
	st.treeMu.Lock()
	defer st.treeMu.Unlock()
	n, err := st.tree.GetNLeafs()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}
