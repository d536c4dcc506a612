package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/vocdoni/maci-coordinator/config"
	"github.com/vocdoni/maci-coordinator/keys"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/scenario"
	"github.com/vocdoni/maci-coordinator/service"
	"github.com/vocdoni/maci-coordinator/types"
)

// command is one entry of the handler table.
type command struct {
	usage string
	// standalone commands do not open the data directory.
	standalone bool
	run        func(ctx context.Context, e *env) (any, error)
}

// env is passed to every handler.
type env struct {
	cfg        *config.Config
	args       *args
	o          *orchestrator.Orchestrator
	positional []string
	stdout     io.Writer
}

// args is the argument bag shared by every subcommand.
type args struct {
	poll           string
	privKey        string
	pubKey         string
	voiceCredits   string
	stateIndex     uint64
	voteOption     uint64
	weight         string
	nonce          uint64
	newPubKey      string
	stateTree      types.TreeSizing
	voteOptionTree types.TreeSizing
	batchSize      int
	duration       time.Duration
	root           string
	monitor        time.Duration
}

func (a *args) bind(fs *flag.FlagSet) {
	fs.StringVarP(&a.poll, "poll", "p", "", "poll identifier")
	fs.StringVar(&a.privKey, "userPrivKey", "", "MACI private key of the voter")
	fs.StringVar(&a.pubKey, "userPubKey", "", "MACI public key of the voter")
	fs.StringVar(&a.voiceCredits, "voiceCredits", "", "voice credits of the voter")
	fs.Uint64Var(&a.stateIndex, "stateIndex", 0, "state index of the voter")
	fs.Uint64Var(&a.voteOption, "voteOption", 0, "vote option index")
	fs.StringVar(&a.weight, "weight", "", "new vote weight")
	fs.Uint64Var(&a.nonce, "nonce", 1, "message nonce")
	fs.StringVar(&a.newPubKey, "newPubKey", "", "new public key of the voter")
	fs.IntVar(&a.stateTree.MaxLeaves, "stateTree.maxLeaves", 0, "maximum number of signups")
	fs.IntVar((*int)(&a.stateTree.Base), "stateTree.base", int(types.BinaryTree), "state tree arity")
	fs.IntVar(&a.voteOptionTree.MaxLeaves, "voteOptionTree.maxLeaves", 0, "number of vote options")
	fs.IntVar((*int)(&a.voteOptionTree.Base), "voteOptionTree.base", int(types.QuinaryTree), "vote option tree arity")
	fs.IntVar(&a.batchSize, "batchSize", 0, "messages per processing batch")
	fs.DurationVar(&a.duration, "duration", 0, "voting period")
	fs.StringVar(&a.root, "root", "", "expected state root")
	fs.DurationVar(&a.monitor, "monitor", time.Minute, "interval of the failed polls scan")
}

// pollID returns the poll of the --poll flag.
func (e *env) pollID() (types.PollID, error) {
	if e.args.poll == "" {
		return types.PollID{}, fmt.Errorf("%w: missing --poll", orchestrator.ErrInvalidArgument)
	}
	pid, err := types.ParsePollID(e.args.poll)
	if err != nil {
		return types.PollID{}, fmt.Errorf("%w: %v", orchestrator.ErrInvalidArgument, err)
	}
	return pid, nil
}

func parseInt(name, s string) (*types.BigInt, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("%w: invalid --%s %q", orchestrator.ErrInvalidArgument, name, s)
	}
	return new(types.BigInt).SetBigInt(v), nil
}

// pollOp adapts an operation on the --poll poll into a handler.
func pollOp(op func(ctx context.Context, e *env, pid types.PollID) (any, error)) func(context.Context, *env) (any, error) {
	return func(ctx context.Context, e *env) (any, error) {
		pid, err := e.pollID()
		if err != nil {
			return nil, err
		}
		return op(ctx, e, pid)
	}
}

var commands = map[string]*command{
	"genMaciKeypair": {
		usage: "generate the coordinator keypair of a poll, a new one without --poll",
		run: func(ctx context.Context, e *env) (any, error) {
			pid := e.o.Open()
			if e.args.poll != "" {
				var err error
				if pid, err = e.pollID(); err != nil {
					return nil, err
				}
			}
			cp, err := e.o.GenerateKeypair(ctx, pid)
			if err != nil {
				return nil, err
			}
			var pub string
			if err := cp.Artifact(types.ArtifactCoordinatorPubKey, &pub); err != nil {
				return nil, err
			}
			return map[string]string{"pollId": pid.String(), "pubKey": pub}, nil
		},
	},
	"genMaciPubkey": {
		usage:      "derive the public key of --userPrivKey",
		standalone: true,
		run: func(_ context.Context, e *env) (any, error) {
			if e.args.privKey == "" {
				return nil, fmt.Errorf("%w: missing --userPrivKey", orchestrator.ErrInvalidArgument)
			}
			pub, err := keys.PubKeyFromPrivKey(e.args.privKey)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", orchestrator.ErrInvalidArgument, err)
			}
			return map[string]string{"pubKey": pub}, nil
		},
	},
	"create": {
		usage: "create the poll, sizing its trees",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			cp, err := e.o.CreatePoll(ctx, pid, types.PollParams{
				StateTree:        e.args.stateTree,
				VoteOptionTree:   e.args.voteOptionTree,
				MessageBatchSize: e.args.batchSize,
				Duration:         e.args.duration,
			})
			if err != nil {
				return nil, err
			}
			out := struct {
				PollID              types.PollID `json:"pollId"`
				Address             string       `json:"pollAddress"`
				StateTreeDepth      int          `json:"stateTreeDepth"`
				VoteOptionTreeDepth int          `json:"voteOptionTreeDepth"`
			}{PollID: pid}
			for name, dst := range map[string]any{
				types.ArtifactPollAddress:     &out.Address,
				types.ArtifactStateTreeDepth:  &out.StateTreeDepth,
				types.ArtifactVoteOptionDepth: &out.VoteOptionTreeDepth,
			} {
				if err := cp.Artifact(name, dst); err != nil {
					return nil, err
				}
			}
			return out, nil
		}),
	},
	"signup": {
		usage: "sign up --userPubKey, or a new voter keypair",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			out := struct {
				*types.Signup
				PrivKey string `json:"privKey,omitempty"`
			}{Signup: &types.Signup{PubKey: e.args.pubKey}}
			if out.PubKey == "" {
				out.PrivKey, out.PubKey = keys.GenerateKeypair().Serialize()
			}
			if e.args.voiceCredits != "" {
				credits, err := parseInt("voiceCredits", e.args.voiceCredits)
				if err != nil {
					return nil, err
				}
				out.VoiceCredits = credits
			}
			rec, err := e.o.Signup(ctx, pid, out.Signup)
			if err != nil {
				return nil, err
			}
			out.Signup = rec
			return out, nil
		}),
	},
	"publish": {
		usage: "publish a vote of --stateIndex for --voteOption with --weight",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			if e.args.weight == "" {
				return nil, fmt.Errorf("%w: missing --weight", orchestrator.ErrInvalidArgument)
			}
			weight, err := parseInt("weight", e.args.weight)
			if err != nil {
				return nil, err
			}
			return e.o.Publish(ctx, pid, &types.Message{
				StateIndex:      e.args.stateIndex,
				VoteOptionIndex: e.args.voteOption,
				NewVoteWeight:   weight,
				Nonce:           e.args.nonce,
				NewPubKey:       e.args.newPubKey,
			})
		}),
	},
	"checkStateRoot": {
		usage: "read the on-chain state root, comparing it with --root if set",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			root, err := e.o.CheckStateRoot(ctx, pid, e.args.root)
			if err != nil {
				return nil, err
			}
			return map[string]string{"stateRoot": root}, nil
		}),
	},
	"process": {
		usage: "process the published messages, proving every batch",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			if _, err := e.o.Process(ctx, pid); err != nil {
				return nil, err
			}
			return processedRoots(e.o, pid)
		}),
	},
	"tally": {
		usage: "tally the processed ballots, proving the results",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			if _, err := e.o.Tally(ctx, pid); err != nil {
				return nil, err
			}
			return e.o.Results(pid)
		}),
	},
	"verify": {
		usage: "verify the processing and tally proofs",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			if _, err := e.o.Verify(ctx, pid); err != nil {
				return nil, err
			}
			return e.o.Status(pid)
		}),
	},
	"processAndTallyWithoutProofs": {
		usage: "process and tally without generating proofs",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			if _, _, err := e.o.ProcessAndTallyWithoutProofs(ctx, pid); err != nil {
				return nil, err
			}
			return e.o.Results(pid)
		}),
	},
	"coordinatorReset": {
		usage: "recover the poll to its last checkpoint",
		run: pollOp(func(ctx context.Context, e *env, pid types.PollID) (any, error) {
			phase, err := e.o.Reset(ctx, pid)
			if err != nil {
				return nil, err
			}
			return map[string]types.Phase{"phase": phase}, nil
		}),
	},
	"status": {
		usage: "print the status of the poll",
		run: pollOp(func(_ context.Context, e *env, pid types.PollID) (any, error) {
			return e.o.Status(pid)
		}),
	},
	"polls": {
		usage: "list the polls of the data directory",
		run: func(_ context.Context, e *env) (any, error) {
			return e.o.Storage().ListPolls()
		},
	},
	"suite": {
		usage: "run the suite files given as arguments, each suite on a new poll",
		run:   runSuites,
	},
	"serve": {
		usage: "serve the HTTP API until interrupted",
		run:   serve,
	},
	"fetchArtifacts": {
		usage:      "download the circom circuit artifacts",
		standalone: true,
		run: func(_ context.Context, e *env) (any, error) {
			timeout := e.cfg.Timeout
			if timeout == 0 {
				timeout = 10 * time.Minute
			}
			return nil, service.DownloadArtifacts(&e.cfg.Circuit, timeout)
		},
	},
}

func processedRoots(o *orchestrator.Orchestrator, pid types.PollID) (any, error) {
	stateRoot, ballotRoot, err := o.ProcessedRoots(pid)
	if err != nil {
		return nil, err
	}
	return map[string]string{"stateRoot": stateRoot, "ballotRoot": ballotRoot}, nil
}

// runSuites prints a report of every suite and fails if any step did not
// pass.
func runSuites(ctx context.Context, e *env) (any, error) {
	if len(e.positional) == 0 {
		return nil, fmt.Errorf("%w: no suite files", orchestrator.ErrInvalidArgument)
	}
	var suites []*scenario.Suite
	for _, path := range e.positional {
		s, err := scenario.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", orchestrator.ErrInvalidArgument, err)
		}
		suites = append(suites, s...)
	}
	engine := scenario.NewEngine(e.o)
	engine.Parallel = e.cfg.SuiteParallel
	results, err := engine.ExecuteAll(ctx, suites)
	if err != nil {
		return nil, err
	}
	passed := true
	for _, res := range results {
		fmt.Fprint(e.stdout, res)
		passed = passed && res.Passed()
	}
	if !passed {
		return nil, errFailed
	}
	return nil, nil
}

// serve runs the API and the failed polls monitor until SIGINT or SIGTERM.
func serve(ctx context.Context, e *env) (any, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiService := service.NewAPI(e.o, e.cfg.APIHost, e.cfg.APIPort, e.cfg.SuiteParallel)
	if err := apiService.Start(ctx); err != nil {
		return nil, err
	}
	defer apiService.Stop()
	monitor := service.NewFailureMonitor(e.o, e.args.monitor)
	if err := monitor.Start(ctx); err != nil {
		return nil, err
	}
	defer monitor.Stop()

	host, port := apiService.HostPort()
	log.Infow("coordinator running", "host", host, "port", port, "datadir", e.cfg.DataDir)
	<-ctx.Done()
	log.Infow("coordinator stopping")
	return nil, nil
}
