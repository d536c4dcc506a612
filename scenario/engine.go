package scenario

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/types"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of a step.
type Outcome string

const (
	// Pass means the operation behaved as expected and every assertion held.
	Pass Outcome = "pass"
	// Fail means an assertion did not hold.
	Fail Outcome = "fail"
	// Error means the operation failed unexpectedly.
	Error Outcome = "error"
	// Skipped steps were not attempted.
	Skipped Outcome = "skipped"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Step     string        `json:"step"`
	Command  string        `json:"command"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Outputs  Outputs       `json:"outputs,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionResult holds the outcome of every step of a suite, in order.
type ExecutionResult struct {
	Suite  string        `json:"suite"`
	PollID types.PollID  `json:"pollId"`
	Steps  []*StepResult `json:"steps"`
}

// Passed reports whether every step passed.
func (r *ExecutionResult) Passed() bool {
	return r.Count(Pass) == len(r.Steps)
}

// Count returns the number of steps with outcome o.
func (r *ExecutionResult) Count(o Outcome) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == o {
			n++
		}
	}
	return n
}

// Step returns the result of the named step, or nil.
func (r *ExecutionResult) Step(name string) *StepResult {
	for _, s := range r.Steps {
		if s.Step == name {
			return s
		}
	}
	return nil
}

func (r *ExecutionResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d passed, %d failed, %d errors, %d skipped\n",
		r.Suite, r.Count(Pass), r.Count(Fail), r.Count(Error), r.Count(Skipped))
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  %-8s %s (%s)", s.Outcome, s.Step, s.Command)
		if s.Detail != "" {
			fmt.Fprintf(&b, ": %s", s.Detail)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Engine runs suites against an orchestrator.
type Engine struct {
	o *orchestrator.Orchestrator
	// Parallel limits the suites run at once by ExecuteAll. Zero or less
	// means no limit.
	Parallel int
}

// NewEngine returns an engine driving o.
func NewEngine(o *orchestrator.Orchestrator) *Engine {
	return &Engine{o: o}
}

// Execute runs suite against a new poll.
func (e *Engine) Execute(ctx context.Context, suite *Suite) *ExecutionResult {
	return e.ExecuteFor(ctx, e.o.Open(), suite)
}

// ExecuteFor runs the steps of suite in order against the poll pid. Step
// failures are recorded and the next steps still run, except those
// depending on a failed step, every step after a failed prerequisite and
// every step after a state mismatch, which are skipped.
func (e *Engine) ExecuteFor(ctx context.Context, pid types.PollID, suite *Suite) *ExecutionResult {
	x := &execution{o: e.o, pid: pid, outputs: make(map[string]Outputs)}
	res := &ExecutionResult{Suite: suite.Description, PollID: pid}
	passed := make(map[string]bool, len(suite.Steps))
	halted := ""

	log.Infow("running suite", "suite", suite.Description, "pollID", pid.String(), "steps", len(suite.Steps))
	for _, step := range suite.Steps {
		sr := &StepResult{Step: step.Name, Command: step.commandName}
		res.Steps = append(res.Steps, sr)
		if reason := skipReason(ctx, step, passed, halted); reason != "" {
			sr.Outcome, sr.Detail = Skipped, reason
			log.Debugw("step skipped", "suite", suite.Description, "step", step.Name, "reason", reason)
			continue
		}

		start := time.Now()
		e.runStep(ctx, x, step, sr)
		sr.Duration = time.Since(start)
		x.outputs[step.Name] = sr.Outputs
		passed[step.Name] = sr.Outcome == Pass

		switch {
		case sr.Outcome != Pass && sr.Kind == "StateMismatch":
			halted = fmt.Sprintf("halted after state mismatch in %s", step.Name)
		case sr.Outcome != Pass && step.Prerequisite:
			halted = fmt.Sprintf("prerequisite %s did not pass", step.Name)
		}
		log.Infow("step done",
			"suite", suite.Description,
			"step", step.Name,
			"command", step.commandName,
			"outcome", string(sr.Outcome),
			"detail", sr.Detail,
			"duration", sr.Duration.String())
	}
	return res
}

func skipReason(ctx context.Context, step *Step, passed map[string]bool, halted string) string {
	if halted != "" {
		return halted
	}
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	for _, dep := range step.DependsOn {
		if !passed[dep] {
			return fmt.Sprintf("depends on %s, which did not pass", dep)
		}
	}
	return ""
}

// runStep runs the command of step and evaluates its assertions into sr.
func (e *Engine) runStep(ctx context.Context, x *execution, step *Step, sr *StepResult) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	out, err := step.Command.run(ctx, x)
	sr.Outputs = out
	wantKind, expectsError := expectedError(step.Expect)
	if err != nil {
		sr.Kind = orchestrator.Kind(err)
		switch {
		case !expectsError:
			sr.Outcome, sr.Detail = Error, fmt.Sprintf("%s: %v", sr.Kind, err)
			return
		case sr.Kind != wantKind:
			sr.Outcome, sr.Detail = Error, fmt.Sprintf("expected %s error, got %s: %v", wantKind, sr.Kind, err)
			return
		}
	} else if expectsError {
		sr.Outcome, sr.Detail = Fail, fmt.Sprintf("expected %s error, operation succeeded", wantKind)
		return
	}

	var failures []string
	for _, a := range step.Expect {
		if err := a.check(x, out); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", a.Name(), err))
			if _, ok := a.(*stateRootAssertion); ok {
				sr.Kind = "StateMismatch"
			}
		}
	}
	if len(failures) > 0 {
		sr.Outcome, sr.Detail = Fail, strings.Join(failures, "; ")
		return
	}
	sr.Outcome = Pass
}

// ExecuteAll runs every suite against its own new poll, concurrently. The
// results follow the order of suites. It only fails if ctx is done.
func (e *Engine) ExecuteAll(ctx context.Context, suites []*Suite) ([]*ExecutionResult, error) {
	results := make([]*ExecutionResult, len(suites))
	g, gctx := errgroup.WithContext(ctx)
	if e.Parallel > 0 {
		g.SetLimit(e.Parallel)
	}
	for i, suite := range suites {
		g.Go(func() error {
			results[i] = e.Execute(gctx, suite)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, ctx.Err()
}
