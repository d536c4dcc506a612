package types

import (
	"fmt"
	"strings"
)

// Phase is a named stage of the poll lifecycle. Phases are totally ordered
// and each one is committed at most once, in order, as a Checkpoint.
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseKeysGenerated
	PhasePollCreated
	PhaseSignupOpen
	PhaseMessagesPublished
	PhaseProcessed
	PhaseTallied
	PhaseVerified
)

// LastPhase is the terminal successful phase.
const LastPhase = PhaseVerified

var phaseNames = [...]string{
	PhaseUninitialized:     "uninitialized",
	PhaseKeysGenerated:     "keysGenerated",
	PhasePollCreated:       "pollCreated",
	PhaseSignupOpen:        "signupOpen",
	PhaseMessagesPublished: "messagesPublished",
	PhaseProcessed:         "processed",
	PhaseTallied:           "tallied",
	PhaseVerified:          "verified",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p <= LastPhase
}

// Next returns the phase that follows p. It returns p itself for the last one.
func (p Phase) Next() Phase {
	if p >= LastPhase {
		return p
	}
	return p + 1
}

// ParsePhase returns the phase matching name, case insensitive.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if strings.EqualFold(n, name) {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(data []byte) error {
	ph, err := ParsePhase(string(data))
	if err != nil {
		return err
	}
	*p = ph
	return nil
}
