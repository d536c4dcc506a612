package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

// maci runs a subcommand against datadir and returns its exit status and
// outputs.
func maci(c *qt.C, datadir string, argv ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	argv = append(argv, "--datadir", datadir, "--log.level", "error")
	code := run(context.Background(), argv, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func maciJSON(c *qt.C, datadir string, out any, argv ...string) {
	code, stdout, stderr := maci(c, datadir, argv...)
	c.Assert(code, qt.Equals, 0, qt.Commentf("%s", stderr))
	c.Assert(json.Unmarshal([]byte(stdout), out), qt.IsNil, qt.Commentf("%s", stdout))
}

func TestPollLifecycle(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	var keys map[string]string
	maciJSON(c, dir, &keys, "genMaciKeypair")
	pid := keys["pollId"]
	c.Assert(pid, qt.Not(qt.Equals), "")
	c.Assert(keys["pubKey"], qt.Not(qt.Equals), "")

	var created struct {
		StateTreeDepth      int `json:"stateTreeDepth"`
		VoteOptionTreeDepth int `json:"voteOptionTreeDepth"`
	}
	maciJSON(c, dir, &created, "create", "--poll", pid, "--stateTree.maxLeaves", "4", "--voteOptionTree.maxLeaves", "3")
	c.Assert(created.StateTreeDepth, qt.Equals, 2)
	c.Assert(created.VoteOptionTreeDepth, qt.Equals, 1)

	var voter struct {
		Seq     uint64 `json:"seq"`
		PubKey  string `json:"pubKey"`
		PrivKey string `json:"privKey"`
	}
	maciJSON(c, dir, &voter, "signup", "--poll", pid)
	c.Assert(voter.Seq, qt.Equals, uint64(0))
	c.Assert(voter.PrivKey, qt.Not(qt.Equals), "")

	var derived map[string]string
	maciJSON(c, dir, &derived, "genMaciPubkey", "--userPrivKey", voter.PrivKey)
	c.Assert(derived["pubKey"], qt.Equals, voter.PubKey)

	var msg struct {
		Seq uint64 `json:"seq"`
	}
	maciJSON(c, dir, &msg, "publish", "--poll", pid, "--stateIndex", "0", "--voteOption", "2", "--weight", "6")
	c.Assert(msg.Seq, qt.Equals, uint64(0))

	code, _, stderr := maci(c, dir, "tally", "--poll", pid)
	c.Assert(code, qt.Equals, 1)
	c.Assert(stderr, qt.Contains, "error (IllegalTransition)")

	var results struct {
		Tally    []string `json:"tally"`
		Unproven bool     `json:"unproven"`
	}
	maciJSON(c, dir, &results, "processAndTallyWithoutProofs", "--poll", pid)
	c.Assert(results.Tally, qt.DeepEquals, []string{"0", "0", "6"})
	c.Assert(results.Unproven, qt.IsTrue)

	code, _, stderr = maci(c, dir, "verify", "--poll", pid)
	c.Assert(code, qt.Equals, 1)
	c.Assert(stderr, qt.Contains, "error (NoProofAvailable)")

	var status struct {
		Phase string `json:"phase"`
	}
	maciJSON(c, dir, &status, "status", "--poll", pid)
	c.Assert(status.Phase, qt.Equals, "tallied")

	var reset map[string]string
	maciJSON(c, dir, &reset, "coordinatorReset", "--poll", pid)
	c.Assert(reset["phase"], qt.Equals, "tallied")

	var polls []string
	maciJSON(c, dir, &polls, "polls")
	c.Assert(polls, qt.DeepEquals, []string{pid})
}

func TestArgumentErrors(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	code, _, stderr := maci(c, dir, "process")
	c.Assert(code, qt.Equals, 1)
	c.Assert(stderr, qt.Contains, "error (InvalidArgument): invalid argument: missing --poll")

	code, _, stderr = maci(c, dir, "status", "--poll", "nope")
	c.Assert(code, qt.Equals, 1)
	c.Assert(stderr, qt.Contains, "error (InvalidArgument)")

	code, _, stderr = maci(c, dir, "vote")
	c.Assert(code, qt.Equals, 2)
	c.Assert(stderr, qt.Contains, `unknown command "vote"`)

	code, _, _ = maci(c, dir, "status", "--unknown")
	c.Assert(code, qt.Equals, 2)

	code, _, stderr = maci(c, dir, "genMaciPubkey")
	c.Assert(code, qt.Equals, 1)
	c.Assert(stderr, qt.Contains, "missing --userPrivKey")
}

func TestSuiteCommand(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	suite := filepath.Join(t.TempDir(), "suite.yaml")
	c.Assert(os.WriteFile(suite, []byte(`
description: cli suite
steps:
  - command: genMaciKeypair
  - command: create
    args:
      stateTree: {maxLeaves: 2}
      voteOptionTree: {maxLeaves: 2}
  - name: voter
    command: signup
  - command: publish
    args: {stateIndex: $voter.stateIndex, voteOptionIndex: 1, newVoteWeight: 2}
  - command: processAndTallyWithoutProofs
    expect:
      phase: tallied
      tally: [0, 2]
`), 0o644), qt.IsNil)

	code, stdout, stderr := maci(c, dir, "suite", suite)
	c.Assert(code, qt.Equals, 0, qt.Commentf("%s%s", stdout, stderr))
	c.Assert(stdout, qt.Contains, "cli suite: 5 passed, 0 failed, 0 errors, 0 skipped")

	c.Assert(os.WriteFile(suite, []byte(`
description: failing suite
steps:
  - command: tally
`), 0o644), qt.IsNil)
	code, stdout, _ = maci(c, dir, "suite", suite)
	c.Assert(code, qt.Equals, 1)
	c.Assert(strings.HasPrefix(stdout, "failing suite: 0 passed, 0 failed, 1 errors"), qt.IsTrue, qt.Commentf("%s", stdout))

	code, _, stderr = maci(c, dir, "suite")
	c.Assert(code, qt.Equals, 1)
	c.Assert(stderr, qt.Contains, "no suite files")
}
