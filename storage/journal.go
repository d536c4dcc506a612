package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/types"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

func journalKey(pid types.PollID, kind byte, seq uint64) []byte {
	key := append(pid.Marshal(), kind)
	return binary.BigEndian.AppendUint64(key, seq)
}

// nextSeq returns the next free sequence of the journal for the given poll
// and kind. The caller must hold the global lock. The counter is loaded from
// the database the first time and cached afterwards.
func (s *Storage) nextSeq(pid types.PollID, kind byte) (uint64, error) {
	ck := string(append(pid.Marshal(), kind))
	if seq, ok := s.seqs[ck]; ok {
		return seq, nil
	}
	count := uint64(0)
	rd := prefixeddb.NewPrefixedReader(s.db, journalPrefix)
	if err := rd.Iterate(append(pid.Marshal(), kind), func(_, _ []byte) bool {
		count++
		return true
	}); err != nil {
		return 0, fmt.Errorf("iterate journal: %w", err)
	}
	s.seqs[ck] = count
	return count, nil
}

// AppendMessage appends a published message to the poll journal and returns
// its sequence number.
func (s *Storage) AppendMessage(pid types.PollID, msg *types.Message) (uint64, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	seq, err := s.nextSeq(pid, kindMessage)
	if err != nil {
		return 0, err
	}
	msg.Seq = seq
	if err := s.setArtifact(journalPrefix, journalKey(pid, kindMessage, seq), msg); err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	s.seqs[string(append(pid.Marshal(), kindMessage))] = seq + 1
	log.Debugw("message appended", "pollID", pid.String(), "seq", seq)
	return seq, nil
}

// RecordSignup stores a signup in the poll journal under its state index
// (su.Seq), which is assigned by the chain when the signup is submitted.
// Recording the same state index twice fails.
func (s *Storage) RecordSignup(pid types.PollID, su *types.Signup) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	key := journalKey(pid, kindSignup, su.Seq)
	exists, err := s.has(journalPrefix, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("signup %d already recorded", su.Seq)
	}
	if err := s.setArtifact(journalPrefix, key, su); err != nil {
		return fmt.Errorf("record signup: %w", err)
	}
	log.Debugw("signup recorded", "pollID", pid.String(), "stateIndex", su.Seq)
	return nil
}

func iterateJournal[T any](s *Storage, pid types.PollID, kind byte) ([]*T, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, journalPrefix)
	var res []*T
	var decodeErr error
	if err := rd.Iterate(append(pid.Marshal(), kind), func(_, v []byte) bool {
		e := new(T)
		if err := decodeArtifact(v, e); err != nil {
			decodeErr = fmt.Errorf("decode journal entry: %w", err)
			return false
		}
		res = append(res, e)
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return res, decodeErr
}

// Signups returns the signups of the poll in journal order.
func (s *Storage) Signups(pid types.PollID) ([]*types.Signup, error) {
	return iterateJournal[types.Signup](s, pid, kindSignup)
}

// Messages returns the published messages of the poll in journal order.
func (s *Storage) Messages(pid types.PollID) ([]*types.Message, error) {
	return iterateJournal[types.Message](s, pid, kindMessage)
}

// CountSignups returns the number of signups in the poll journal.
func (s *Storage) CountSignups(pid types.PollID) (uint64, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, journalPrefix)
	count := uint64(0)
	if err := rd.Iterate(append(pid.Marshal(), kindSignup), func(_, _ []byte) bool {
		count++
		return true
	}); err != nil {
		return 0, fmt.Errorf("iterate journal: %w", err)
	}
	return count, nil
}

// CountMessages returns the number of messages in the poll journal.
func (s *Storage) CountMessages(pid types.PollID) (uint64, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.nextSeq(pid, kindMessage)
}
