package scenario

import (
	"fmt"
	"math/big"
	"slices"
	"sort"
	"strings"

	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/types"
	"gopkg.in/yaml.v3"
)

// Assertion checks the result of a step. Check returns an error describing
// the mismatch.
type Assertion interface {
	Name() string
	check(x *execution, out Outputs) error
}

// assertionDecoders maps every assertion name to its decoder.
var assertionDecoders = map[string]func(node *yaml.Node) (Assertion, error){
	"phase": func(node *yaml.Node) (Assertion, error) {
		a := &phaseAssertion{}
		if err := node.Decode(&a.want); err != nil {
			return nil, err
		}
		name := a.want
		if inner, ok := strings.CutPrefix(name, "failed("); ok {
			name = strings.TrimSuffix(inner, ")")
		}
		if _, err := types.ParsePhase(name); err != nil {
			return nil, err
		}
		return a, nil
	},
	"stateRoot": func(node *yaml.Node) (Assertion, error) {
		a := &stateRootAssertion{}
		if err := node.Decode(&a.want); err != nil {
			return nil, err
		}
		_, _, err := a.want.ref()
		return a, err
	},
	OutStateTreeDepth:      depthDecoder(OutStateTreeDepth),
	OutVoteOptionTreeDepth: depthDecoder(OutVoteOptionTreeDepth),
	"tally": func(node *yaml.Node) (Assertion, error) {
		a := &tallyAssertion{}
		if err := node.Decode(&a.want); err != nil {
			return nil, err
		}
		for i, v := range a.want {
			if err := parseInt(v); err != nil {
				return nil, fmt.Errorf("option %d: %w", i, err)
			}
		}
		return a, nil
	},
	"unproven": func(node *yaml.Node) (Assertion, error) {
		a := &unprovenAssertion{}
		return a, node.Decode(&a.want)
	},
	"signups":  countDecoder("signups"),
	"messages": countDecoder("messages"),
	"error": func(node *yaml.Node) (Assertion, error) {
		a := &errorAssertion{}
		if err := node.Decode(&a.kind); err != nil {
			return nil, err
		}
		if !slices.Contains(orchestrator.Kinds, a.kind) {
			return nil, fmt.Errorf("unknown error kind %q", a.kind)
		}
		return a, nil
	},
}

func decodeAssertions(expect map[string]yaml.Node) ([]Assertion, error) {
	names := make([]string, 0, len(expect))
	for name := range expect {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Assertion, 0, len(names))
	for _, name := range names {
		decode, ok := assertionDecoders[name]
		if !ok {
			return nil, fmt.Errorf("unknown assertion %q", name)
		}
		node := expect[name]
		a, err := decode(&node)
		if err != nil {
			return nil, fmt.Errorf("assertion %s: %w", name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// assertionValues returns the expected values that may hold references.
func assertionValues(as []Assertion) []Value {
	var out []Value
	for _, a := range as {
		if r, ok := a.(*stateRootAssertion); ok {
			out = append(out, r.want)
		}
	}
	return out
}

// expectedError returns the error kind a step expects, if any.
func expectedError(as []Assertion) (string, bool) {
	for _, a := range as {
		if e, ok := a.(*errorAssertion); ok {
			return e.kind, true
		}
	}
	return "", false
}

type phaseAssertion struct {
	want string
}

func (*phaseAssertion) Name() string { return "phase" }

func (a *phaseAssertion) check(x *execution, _ Outputs) error {
	st, err := x.o.Status(x.pid)
	if err != nil {
		return err
	}
	if !strings.EqualFold(st.String(), a.want) {
		return fmt.Errorf("phase is %s, want %s", st, a.want)
	}
	return nil
}

// stateRootAssertion compares the state root output by the step or, for
// steps without one, the processed state root.
type stateRootAssertion struct {
	want Value
}

func (*stateRootAssertion) Name() string { return "stateRoot" }

func (a *stateRootAssertion) check(x *execution, out Outputs) error {
	want, err := x.resolve(a.want)
	if err != nil {
		return err
	}
	got, ok := out[OutStateRoot]
	if !ok {
		if got, _, err = x.o.ProcessedRoots(x.pid); err != nil {
			return err
		}
	}
	if !orchestrator.EqualRoots(got, want) {
		return fmt.Errorf("state root is %s, want %s", got, want)
	}
	return nil
}

type depthAssertion struct {
	name string
	want int
}

func depthDecoder(name string) func(*yaml.Node) (Assertion, error) {
	return func(node *yaml.Node) (Assertion, error) {
		a := &depthAssertion{name: name}
		if err := node.Decode(&a.want); err != nil {
			return nil, err
		}
		if a.want < 0 {
			return nil, fmt.Errorf("negative depth %d", a.want)
		}
		return a, nil
	}
}

func (a *depthAssertion) Name() string { return a.name }

func (a *depthAssertion) check(x *execution, _ Outputs) error {
	poll, err := x.o.Poll(x.pid)
	if err != nil {
		return err
	}
	got := poll.StateTreeDepth
	if a.name == OutVoteOptionTreeDepth {
		got = poll.VoteOptionTreeDepth
	}
	if got != a.want {
		return fmt.Errorf("%s is %d, want %d", a.name, got, a.want)
	}
	return nil
}

// tallyAssertion compares the tally of the first options. Options not
// listed must have no votes.
type tallyAssertion struct {
	want []string
}

func (*tallyAssertion) Name() string { return "tally" }

func (a *tallyAssertion) check(x *execution, _ Outputs) error {
	res, err := x.o.Results(x.pid)
	if err != nil {
		return err
	}
	if len(a.want) > len(res.Tally) {
		return fmt.Errorf("tally has %d options, want at least %d", len(res.Tally), len(a.want))
	}
	for i, got := range res.Tally {
		want := big.NewInt(0)
		if i < len(a.want) {
			want.SetString(a.want[i], 0)
		}
		if got.MathBigInt().Cmp(want) != 0 {
			return fmt.Errorf("option %d has %s votes, want %s", i, got, want)
		}
	}
	return nil
}

type unprovenAssertion struct {
	want bool
}

func (*unprovenAssertion) Name() string { return "unproven" }

func (a *unprovenAssertion) check(x *execution, _ Outputs) error {
	st, err := x.o.Status(x.pid)
	if err != nil {
		return err
	}
	if st.Unproven != a.want {
		return fmt.Errorf("unproven is %t, want %t", st.Unproven, a.want)
	}
	return nil
}

type countAssertion struct {
	name string
	want uint64
}

func countDecoder(name string) func(*yaml.Node) (Assertion, error) {
	return func(node *yaml.Node) (Assertion, error) {
		a := &countAssertion{name: name}
		return a, node.Decode(&a.want)
	}
}

func (a *countAssertion) Name() string { return a.name }

func (a *countAssertion) check(x *execution, _ Outputs) error {
	st, err := x.o.Status(x.pid)
	if err != nil {
		return err
	}
	got := st.Signups
	if a.name == "messages" {
		got = st.Messages
	}
	if got != a.want {
		return fmt.Errorf("%s is %d, want %d", a.name, got, a.want)
	}
	return nil
}

// errorAssertion expects the operation to fail with an error of kind. The
// engine matches it against the operation error.
type errorAssertion struct {
	kind string
}

func (*errorAssertion) Name() string { return "error" }

func (*errorAssertion) check(*execution, Outputs) error { return nil }
