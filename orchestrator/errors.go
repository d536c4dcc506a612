package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

var (
	// ErrVerificationFailed is returned by Verify when a proof does not
	// verify. It is not retryable.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrNoProofAvailable is returned by Verify on a poll tallied without
	// proofs.
	ErrNoProofAvailable = errors.New("no proof available")
	// ErrNoCheckpoint is returned by Reset when the poll was never created.
	ErrNoCheckpoint = errors.New("no checkpoint to recover")
	// ErrInvalidArgument is returned for malformed operation arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IllegalTransitionError is returned when an operation is invoked on a poll
// whose phase is not one of the operation preconditions. The store is never
// modified when it is returned.
type IllegalTransitionError struct {
	Op       string
	Required []types.Phase
	Actual   types.Phase
	// Failed is set when the poll holds a failure marker for phase Actual.
	Failed bool
}

func (e *IllegalTransitionError) Error() string {
	required := make([]string, len(e.Required))
	for i, p := range e.Required {
		required[i] = p.String()
	}
	actual := e.Actual.String()
	if e.Failed {
		actual = fmt.Sprintf("failed(%s)", e.Actual)
	}
	return fmt.Sprintf("illegal transition: %s requires %s, poll is %s",
		e.Op, strings.Join(required, " or "), actual)
}

// StateMismatchError is returned when the state root computed by the state
// provider differs from the expected one.
type StateMismatchError struct {
	Expected string
	Actual   string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("state root mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// ProviderError wraps a failure of an external provider with the context
// needed to decide whether to retry.
type ProviderError struct {
	Op     string
	Phase  types.Phase
	PollID types.PollID
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (poll %s, phase %s): %v", e.Op, e.PollID, e.Phase, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Kinds lists every name returned by Kind for a non-nil error.
var Kinds = []string{
	"InvalidCapacity", "IllegalTransition", "StateMismatch", "VerificationFailed",
	"NoProofAvailable", "NoCheckpoint", "InvalidArgument", "KeyGeneration",
	"Timeout", "Canceled", "Provider", "Internal",
}

// Kind returns the name of the error category of err, as printed by the CLI
// and recorded by the scenario engine. It returns an empty string for nil.
func Kind(err error) string {
	var (
		illegal  *IllegalTransitionError
		mismatch *StateMismatchError
		perr     *ProviderError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tree.ErrInvalidCapacity):
		return "InvalidCapacity"
	case errors.As(err, &illegal):
		return "IllegalTransition"
	case errors.As(err, &mismatch):
		return "StateMismatch"
	case errors.Is(err, ErrVerificationFailed):
		return "VerificationFailed"
	case errors.Is(err, ErrNoProofAvailable):
		return "NoProofAvailable"
	case errors.Is(err, ErrNoCheckpoint):
		return "NoCheckpoint"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, provider.ErrKeyGeneration):
		return "KeyGeneration"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.As(err, &perr):
		return "Provider"
	default:
		return "Internal"
	}
}
