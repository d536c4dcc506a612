// Package scenario runs declarative suites against the orchestrator. A suite
// is an ordered list of named steps, each one calling an orchestrator
// operation and asserting on its outputs and on the poll status. Suites are
// decoded and validated completely before any step runs.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSuite is returned when a suite cannot be decoded or validated.
var ErrInvalidSuite = errors.New("invalid suite")

// Suite is an ordered list of steps run against a single poll.
type Suite struct {
	Description string  `yaml:"description"`
	Steps       []*Step `yaml:"steps"`
}

// Step is one operation of a suite, with its decoded arguments and
// assertions.
type Step struct {
	Name    string
	Command Command
	// Prerequisite steps must pass, otherwise every later step is skipped.
	Prerequisite bool
	// DependsOn names earlier steps that must pass for this one to run.
	// Steps referenced by the arguments are added to it.
	DependsOn []string
	// Timeout bounds the operation. Zero means no timeout.
	Timeout time.Duration
	Expect  []Assertion

	// commandName is the name used in the suite, which may be an alias.
	commandName string
}

// CommandName returns the command of the step as written in the suite.
func (s *Step) CommandName() string {
	return s.commandName
}

type rawStep struct {
	Name         string               `yaml:"name"`
	Command      string               `yaml:"command"`
	Args         yaml.Node            `yaml:"args"`
	Expect       map[string]yaml.Node `yaml:"expect"`
	Prerequisite bool                 `yaml:"prerequisite"`
	DependsOn    []string             `yaml:"dependsOn"`
	Timeout      time.Duration        `yaml:"timeout"`
}

// decodeStrict decodes node into out rejecting unknown fields.
func decodeStrict(node *yaml.Node, out any) error {
	if node.Kind == 0 {
		return nil
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// UnmarshalYAML decodes the step into the variant of its command.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var raw rawStep
	if err := decodeStrict(node, &raw); err != nil {
		return err
	}
	newCommand, ok := commands[raw.Command]
	if !ok {
		return fmt.Errorf("line %d: unknown command %q", node.Line, raw.Command)
	}
	cmd := newCommand()
	if err := decodeStrict(&raw.Args, cmd); err != nil {
		return fmt.Errorf("line %d: %s arguments: %w", node.Line, raw.Command, err)
	}
	if err := cmd.validate(); err != nil {
		return fmt.Errorf("line %d: %s arguments: %w", node.Line, raw.Command, err)
	}
	expect, err := decodeAssertions(raw.Expect)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if raw.Timeout < 0 {
		return fmt.Errorf("line %d: negative timeout", node.Line)
	}
	*s = Step{
		Name:         raw.Name,
		Command:      cmd,
		Prerequisite: raw.Prerequisite,
		DependsOn:    raw.DependsOn,
		Timeout:      raw.Timeout,
		Expect:       expect,
		commandName:  raw.Command,
	}
	return nil
}

var stepNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validate names the unnamed steps and checks that names are unique and that
// dependencies and references point to earlier steps producing the
// referenced output.
func (s *Suite) validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("suite %q has no steps", s.Description)
	}
	seen := make(map[string]*Step, len(s.Steps))
	for i, step := range s.Steps {
		if step == nil {
			return fmt.Errorf("step %d is empty", i)
		}
		if step.Name == "" {
			step.Name = fmt.Sprintf("%d-%s", i, step.commandName)
		}
		if !stepNameRe.MatchString(step.Name) {
			return fmt.Errorf("step %d: invalid name %q", i, step.Name)
		}
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("step %d: duplicated name %q", i, step.Name)
		}
		for _, dep := range step.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("step %q depends on %q, which is not an earlier step", step.Name, dep)
			}
		}
		for _, v := range append(step.Command.values(), assertionValues(step.Expect)...) {
			ref, ok, err := v.ref()
			if err != nil {
				return fmt.Errorf("step %q: %w", step.Name, err)
			}
			if !ok {
				continue
			}
			target, ok := seen[ref.step]
			if !ok {
				return fmt.Errorf("step %q references %q, which is not an earlier step", step.Name, ref.step)
			}
			if !produces(target.Command, ref.field) {
				return fmt.Errorf("step %q references %s, but %s does not output %q",
					step.Name, v, target.commandName, ref.field)
			}
			step.addDependency(ref.step)
		}
		seen[step.Name] = step
	}
	return nil
}

func (s *Step) addDependency(name string) {
	for _, dep := range s.DependsOn {
		if dep == name {
			return
		}
	}
	s.DependsOn = append(s.DependsOn, name)
}

// Load decodes the suites of r, YAML or JSON, holding either a single suite
// or a list of them under the suites key.
func Load(r io.Reader) ([]*Suite, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuite, err)
	}
	if doc.Kind == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSuite)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var suites []*Suite
	if isSuiteList(&doc) {
		var file struct {
			Suites []*Suite `yaml:"suites"`
		}
		err = dec.Decode(&file)
		suites = file.Suites
	} else {
		suite := &Suite{}
		err = dec.Decode(suite)
		suites = []*Suite{suite}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSuite, err)
	}
	if len(suites) == 0 {
		return nil, fmt.Errorf("%w: no suites", ErrInvalidSuite)
	}
	for i, suite := range suites {
		if suite == nil {
			return nil, fmt.Errorf("%w: suite %d is empty", ErrInvalidSuite, i)
		}
		if err := suite.validate(); err != nil {
			return nil, fmt.Errorf("%w: suite %d: %v", ErrInvalidSuite, i, err)
		}
	}
	return suites, nil
}

// LoadFile loads the suites of the file at path.
func LoadFile(path string) ([]*Suite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	suites, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return suites, nil
}

func isSuiteList(doc *yaml.Node) bool {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "suites" {
			return true
		}
	}
	return false
}
