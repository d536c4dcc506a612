package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/vocdoni/maci-coordinator/keys"
	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/types"
)

// Command is the decoded operation of a step. Each command only carries the
// arguments it needs.
type Command interface {
	run(ctx context.Context, x *execution) (Outputs, error)
	// validate checks the literal arguments.
	validate() error
	// values returns the arguments that may hold references.
	values() []Value
	// outputs names the outputs of a successful run.
	outputs() []string
}

func produces(c Command, field string) bool {
	return slices.Contains(c.outputs(), field)
}

// Output names.
const (
	OutPubKey              = "pubKey"
	OutPrivKey             = "privKey"
	OutPollID              = "pollId"
	OutPollAddress         = "pollAddress"
	OutStateTreeDepth      = "stateTreeDepth"
	OutVoteOptionTreeDepth = "voteOptionTreeDepth"
	OutStateIndex          = "stateIndex"
	OutSeq                 = "seq"
	OutStateRoot           = "stateRoot"
	OutBallotRoot          = "ballotRoot"
	OutResultsRoot         = "resultsRoot"
	OutCommitment          = "commitment"
	OutPhase               = "phase"
)

// commands maps every command name and alias to its variant.
var commands = map[string]func() Command{
	"generateKeypair":              func() Command { return &generateKeypair{} },
	"genMaciKeypair":               func() Command { return &generateKeypair{} },
	"genMaciPubkey":                func() Command { return &genMaciPubkey{} },
	"createPoll":                   func() Command { return &createPoll{} },
	"create":                       func() Command { return &createPoll{} },
	"signup":                       func() Command { return &signup{} },
	"publish":                      func() Command { return &publish{} },
	"checkStateRoot":               func() Command { return &checkStateRoot{} },
	"process":                      func() Command { return &process{} },
	"tally":                        func() Command { return &tally{} },
	"verify":                       func() Command { return &verify{} },
	"processAndTallyWithoutProofs": func() Command { return &fastPath{} },
	"coordinatorReset":             func() Command { return &coordinatorReset{} },
}

// execution is the state of a suite run.
type execution struct {
	o       *orchestrator.Orchestrator
	pid     types.PollID
	outputs map[string]Outputs
}

func (x *execution) resolve(v Value) (string, error) {
	s, err := resolve(v, x.outputs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrInvalidArgument, err)
	}
	return s, nil
}

// argError marks err as an invalid argument.
func argError(err error) error {
	if err == nil || errors.Is(err, orchestrator.ErrInvalidArgument) {
		return err
	}
	return fmt.Errorf("%w: %v", orchestrator.ErrInvalidArgument, err)
}

type generateKeypair struct{}

func (*generateKeypair) validate() error   { return nil }
func (*generateKeypair) values() []Value   { return nil }
func (*generateKeypair) outputs() []string { return []string{OutPubKey} }

func (*generateKeypair) run(ctx context.Context, x *execution) (Outputs, error) {
	cp, err := x.o.GenerateKeypair(ctx, x.pid)
	if err != nil {
		return nil, err
	}
	var pub string
	if err := cp.Artifact(types.ArtifactCoordinatorPubKey, &pub); err != nil {
		return nil, err
	}
	return Outputs{OutPubKey: pub}, nil
}

// genMaciPubkey derives a public key, without touching the poll.
type genMaciPubkey struct {
	PrivKey Value `yaml:"privKey"`
}

func (c *genMaciPubkey) validate() error {
	if c.PrivKey == "" {
		return errors.New("privKey is required")
	}
	return checkLiteral("privKey", c.PrivKey, func(s string) error {
		_, err := keys.ParsePrivKey(s)
		return err
	})
}

func (c *genMaciPubkey) values() []Value   { return []Value{c.PrivKey} }
func (*genMaciPubkey) outputs() []string { return []string{OutPubKey} }

func (c *genMaciPubkey) run(_ context.Context, x *execution) (Outputs, error) {
	priv, err := x.resolve(c.PrivKey)
	if err != nil {
		return nil, err
	}
	pub, err := keys.PubKeyFromPrivKey(priv)
	if err != nil {
		return nil, argError(err)
	}
	return Outputs{OutPubKey: pub}, nil
}

type createPoll struct {
	StateTree        types.TreeSizing `yaml:"stateTree"`
	VoteOptionTree   types.TreeSizing `yaml:"voteOptionTree"`
	MessageBatchSize int              `yaml:"messageBatchSize"`
	Duration         time.Duration    `yaml:"duration"`
}

// validate leaves the sizing to the orchestrator, so suites can expect
// InvalidCapacity errors.
func (*createPoll) validate() error { return nil }
func (*createPoll) values() []Value { return nil }

func (*createPoll) outputs() []string {
	return []string{OutPollID, OutPollAddress, OutStateTreeDepth, OutVoteOptionTreeDepth}
}

func (c *createPoll) run(ctx context.Context, x *execution) (Outputs, error) {
	cp, err := x.o.CreatePoll(ctx, x.pid, types.PollParams{
		StateTree:        c.StateTree,
		VoteOptionTree:   c.VoteOptionTree,
		MessageBatchSize: c.MessageBatchSize,
		Duration:         c.Duration,
	})
	if err != nil {
		return nil, err
	}
	var (
		address           string
		stateDepth, depth int
	)
	if err := cp.Artifact(types.ArtifactPollAddress, &address); err != nil {
		return nil, err
	}
	if err := cp.Artifact(types.ArtifactStateTreeDepth, &stateDepth); err != nil {
		return nil, err
	}
	if err := cp.Artifact(types.ArtifactVoteOptionDepth, &depth); err != nil {
		return nil, err
	}
	return Outputs{
		OutPollID:              x.pid.String(),
		OutPollAddress:         address,
		OutStateTreeDepth:      strconv.Itoa(stateDepth),
		OutVoteOptionTreeDepth: strconv.Itoa(depth),
	}, nil
}

// signup registers a voter. Without keys a new keypair is generated, and
// its private key is an output of the step.
type signup struct {
	PubKey       Value `yaml:"pubKey"`
	PrivKey      Value `yaml:"privKey"`
	VoiceCredits Value `yaml:"voiceCredits"`
}

func (c *signup) validate() error {
	if c.PubKey != "" && c.PrivKey != "" {
		return errors.New("pubKey and privKey are exclusive")
	}
	return errors.Join(
		checkLiteral("pubKey", c.PubKey, func(s string) error {
			_, err := keys.ParsePubKey(s)
			return err
		}),
		checkLiteral("privKey", c.PrivKey, func(s string) error {
			_, err := keys.ParsePrivKey(s)
			return err
		}),
		checkLiteral("voiceCredits", c.VoiceCredits, parseInt),
	)
}

func (c *signup) values() []Value   { return []Value{c.PubKey, c.PrivKey, c.VoiceCredits} }
func (*signup) outputs() []string { return []string{OutStateIndex, OutPubKey, OutPrivKey} }

func (c *signup) run(ctx context.Context, x *execution) (Outputs, error) {
	out := Outputs{}
	switch {
	case c.PubKey != "":
		pub, err := x.resolve(c.PubKey)
		if err != nil {
			return nil, err
		}
		out[OutPubKey] = pub
	case c.PrivKey != "":
		priv, err := x.resolve(c.PrivKey)
		if err != nil {
			return nil, err
		}
		pub, err := keys.PubKeyFromPrivKey(priv)
		if err != nil {
			return nil, argError(err)
		}
		out[OutPrivKey], out[OutPubKey] = priv, pub
	default:
		out[OutPrivKey], out[OutPubKey] = keys.GenerateKeypair().Serialize()
	}
	su := &types.Signup{PubKey: out[OutPubKey]}
	if c.VoiceCredits != "" {
		credits, err := resolveInt(c.VoiceCredits, x.outputs)
		if err != nil {
			return nil, argError(err)
		}
		su.VoiceCredits = new(types.BigInt).SetBigInt(credits)
	}
	rec, err := x.o.Signup(ctx, x.pid, su)
	if err != nil {
		return nil, err
	}
	out[OutStateIndex] = strconv.FormatUint(rec.Seq, 10)
	return out, nil
}

// publish submits a vote. The nonce defaults to 1.
type publish struct {
	StateIndex      Value `yaml:"stateIndex"`
	VoteOptionIndex Value `yaml:"voteOptionIndex"`
	NewVoteWeight   Value `yaml:"newVoteWeight"`
	Nonce           Value `yaml:"nonce"`
	NewPubKey       Value `yaml:"newPubKey"`
}

func (c *publish) validate() error {
	var missing []error
	for name, v := range map[string]Value{
		"stateIndex":      c.StateIndex,
		"voteOptionIndex": c.VoteOptionIndex,
		"newVoteWeight":   c.NewVoteWeight,
	} {
		if v == "" {
			missing = append(missing, fmt.Errorf("%s is required", name))
		}
	}
	if len(missing) > 0 {
		return errors.Join(missing...)
	}
	return errors.Join(
		checkLiteral("stateIndex", c.StateIndex, parseUint),
		checkLiteral("voteOptionIndex", c.VoteOptionIndex, parseUint),
		checkLiteral("newVoteWeight", c.NewVoteWeight, parseInt),
		checkLiteral("nonce", c.Nonce, parseUint),
		checkLiteral("newPubKey", c.NewPubKey, func(s string) error {
			_, err := keys.ParsePubKey(s)
			return err
		}),
	)
}

func (c *publish) values() []Value {
	return []Value{c.StateIndex, c.VoteOptionIndex, c.NewVoteWeight, c.Nonce, c.NewPubKey}
}

func (*publish) outputs() []string { return []string{OutSeq} }

func (c *publish) run(ctx context.Context, x *execution) (Outputs, error) {
	msg := &types.Message{Nonce: 1}
	var err error
	if msg.StateIndex, err = resolveUint(c.StateIndex, x.outputs); err != nil {
		return nil, argError(err)
	}
	if msg.VoteOptionIndex, err = resolveUint(c.VoteOptionIndex, x.outputs); err != nil {
		return nil, argError(err)
	}
	weight, err := resolveInt(c.NewVoteWeight, x.outputs)
	if err != nil {
		return nil, argError(err)
	}
	msg.NewVoteWeight = new(types.BigInt).SetBigInt(weight)
	if c.Nonce != "" {
		if msg.Nonce, err = resolveUint(c.Nonce, x.outputs); err != nil {
			return nil, argError(err)
		}
	}
	if c.NewPubKey != "" {
		if msg.NewPubKey, err = x.resolve(c.NewPubKey); err != nil {
			return nil, err
		}
	}
	rec, err := x.o.Publish(ctx, x.pid, msg)
	if err != nil {
		return nil, err
	}
	return Outputs{OutSeq: strconv.FormatUint(rec.Seq, 10)}, nil
}

// checkStateRoot reads the state root, comparing it with Expected if set.
type checkStateRoot struct {
	Expected Value `yaml:"expected"`
}

func (*checkStateRoot) validate() error     { return nil }
func (c *checkStateRoot) values() []Value   { return []Value{c.Expected} }
func (*checkStateRoot) outputs() []string { return []string{OutStateRoot} }

func (c *checkStateRoot) run(ctx context.Context, x *execution) (Outputs, error) {
	expected, err := x.resolve(c.Expected)
	if err != nil {
		return nil, err
	}
	root, err := x.o.CheckStateRoot(ctx, x.pid, expected)
	if root == "" {
		return nil, err
	}
	return Outputs{OutStateRoot: root}, err
}

type process struct{}

func (*process) validate() error   { return nil }
func (*process) values() []Value   { return nil }
func (*process) outputs() []string { return []string{OutStateRoot, OutBallotRoot} }

func (*process) run(ctx context.Context, x *execution) (Outputs, error) {
	if _, err := x.o.Process(ctx, x.pid); err != nil {
		return nil, err
	}
	return processedOutputs(x, Outputs{})
}

func processedOutputs(x *execution, out Outputs) (Outputs, error) {
	stateRoot, ballotRoot, err := x.o.ProcessedRoots(x.pid)
	if err != nil {
		return nil, err
	}
	out[OutStateRoot], out[OutBallotRoot] = stateRoot, ballotRoot
	return out, nil
}

type tally struct{}

func (*tally) validate() error   { return nil }
func (*tally) values() []Value   { return nil }
func (*tally) outputs() []string { return []string{OutResultsRoot, OutCommitment} }

func (*tally) run(ctx context.Context, x *execution) (Outputs, error) {
	if _, err := x.o.Tally(ctx, x.pid); err != nil {
		return nil, err
	}
	return talliedOutputs(x, Outputs{})
}

func talliedOutputs(x *execution, out Outputs) (Outputs, error) {
	res, err := x.o.Results(x.pid)
	if err != nil {
		return nil, err
	}
	out[OutResultsRoot], out[OutCommitment] = res.ResultsRoot, res.Commitment
	return out, nil
}

type verify struct{}

func (*verify) validate() error   { return nil }
func (*verify) values() []Value   { return nil }
func (*verify) outputs() []string { return nil }

func (*verify) run(ctx context.Context, x *execution) (Outputs, error) {
	_, err := x.o.Verify(ctx, x.pid)
	return nil, err
}

type fastPath struct{}

func (*fastPath) validate() error { return nil }
func (*fastPath) values() []Value { return nil }

func (*fastPath) outputs() []string {
	return []string{OutStateRoot, OutBallotRoot, OutResultsRoot, OutCommitment}
}

func (*fastPath) run(ctx context.Context, x *execution) (Outputs, error) {
	if _, _, err := x.o.ProcessAndTallyWithoutProofs(ctx, x.pid); err != nil {
		return nil, err
	}
	out, err := processedOutputs(x, Outputs{})
	if err != nil {
		return nil, err
	}
	return talliedOutputs(x, out)
}

type coordinatorReset struct{}

func (*coordinatorReset) validate() error   { return nil }
func (*coordinatorReset) values() []Value   { return nil }
func (*coordinatorReset) outputs() []string { return []string{OutPhase} }

func (*coordinatorReset) run(ctx context.Context, x *execution) (Outputs, error) {
	phase, err := x.o.Reset(ctx, x.pid)
	if err != nil {
		return nil, err
	}
	return Outputs{OutPhase: phase.String()}, nil
}
