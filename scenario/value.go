package scenario

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Value is an argument or expected value of a step. A value of the form
// $step.field refers to an output of an earlier step and is resolved when
// the step runs.
type Value string

type reference struct {
	step, field string
}

// ref parses v as a reference. It reports false for literal values.
func (v Value) ref() (reference, bool, error) {
	s := string(v)
	if !strings.HasPrefix(s, "$") {
		return reference{}, false, nil
	}
	step, field, ok := strings.Cut(s[1:], ".")
	if !ok || step == "" || field == "" {
		return reference{}, false, fmt.Errorf("malformed reference %q, want $step.field", s)
	}
	return reference{step: step, field: field}, true, nil
}

func (v Value) String() string {
	return string(v)
}

// Outputs are the named results of a step, referenced by later steps.
type Outputs map[string]string

// resolve returns the literal value of v, looking references up in outputs.
func resolve(v Value, outputs map[string]Outputs) (string, error) {
	ref, ok, err := v.ref()
	if err != nil {
		return "", err
	}
	if !ok {
		return string(v), nil
	}
	out, ok := outputs[ref.step][ref.field]
	if !ok {
		return "", fmt.Errorf("unresolved reference %s", v)
	}
	return out, nil
}

func resolveUint(v Value, outputs map[string]Outputs) (uint64, error) {
	s, err := resolve(v, outputs)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not an unsigned integer: %w", v, err)
	}
	return n, nil
}

func resolveInt(v Value, outputs map[string]Outputs) (*big.Int, error) {
	s, err := resolve(v, outputs)
	if err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("%s is not an integer", v)
	}
	return n, nil
}

// checkLiteral parses the literal values with parse, so malformed arguments
// fail when the suite is loaded. References are checked when resolved.
func checkLiteral(name string, v Value, parse func(string) error) error {
	if v == "" {
		return nil
	}
	if _, isRef, err := v.ref(); err != nil || isRef {
		return err
	}
	if err := parse(string(v)); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func parseUint(s string) error {
	_, err := strconv.ParseUint(s, 0, 64)
	return err
}

func parseInt(s string) error {
	if _, ok := new(big.Int).SetString(s, 0); !ok {
		return fmt.Errorf("%q is not an integer", s)
	}
	return nil
}
