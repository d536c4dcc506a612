package types

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// PollID identifies one run of the protocol. It is allocated when a poll
// session is opened and becomes bound to the chain poll address once the
// PollCreated checkpoint commits.
type PollID [16]byte

// NewPollID returns a fresh random poll identifier.
func NewPollID() PollID {
	return PollID(uuid.New())
}

// ParsePollID decodes a poll identifier from its canonical UUID text form or
// from a plain hex string.
func ParsePollID(s string) (PollID, error) {
	if u, err := uuid.Parse(s); err == nil {
		return PollID(u), nil
	}
	b, err := hex.DecodeString(TrimHex(s))
	if err != nil {
		return PollID{}, fmt.Errorf("invalid poll id %q: %w", s, err)
	}
	var pid PollID
	if err := pid.Unmarshal(b); err != nil {
		return PollID{}, err
	}
	return pid, nil
}

// Marshal encodes the PollID to bytes.
func (p PollID) Marshal() []byte {
	b := make([]byte, len(p))
	copy(b, p[:])
	return b
}

// Unmarshal decodes bytes to PollID.
func (p *PollID) Unmarshal(data []byte) error {
	if len(data) != len(p) {
		return fmt.Errorf("invalid PollID length: %d", len(data))
	}
	copy(p[:], data)
	return nil
}

// IsZero reports whether the PollID was never set.
func (p PollID) IsZero() bool {
	return p == PollID{}
}

// MarshalText implements encoding.TextMarshaler.
func (p PollID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PollID) UnmarshalText(data []byte) error {
	pid, err := ParsePollID(string(data))
	if err != nil {
		return err
	}
	*p = pid
	return nil
}

// String returns the canonical UUID representation of the poll id.
func (p PollID) String() string {
	return uuid.UUID(p).String()
}
