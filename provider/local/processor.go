package local

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/vocdoni/maci-coordinator/keys"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

// cloneState deep copies a process state so batches never mutate their input.
func cloneState(st *provider.ProcessState) *provider.ProcessState {
	out := &provider.ProcessState{
		Leaves:  make([]*types.StateLeaf, len(st.Leaves)),
		Ballots: make([]*types.Ballot, len(st.Ballots)),
	}
	for i, l := range st.Leaves {
		out.Leaves[i] = &types.StateLeaf{
			PubKey:             l.PubKey,
			VoiceCreditBalance: new(types.BigInt).SetBigInt(l.VoiceCreditBalance.MathBigInt()),
		}
	}
	for i, b := range st.Ballots {
		votes := make([]*types.BigInt, len(b.Votes))
		for j, v := range b.Votes {
			votes[j] = new(types.BigInt).SetBigInt(v.MathBigInt())
		}
		out.Ballots[i] = &types.Ballot{Nonce: b.Nonce, Votes: votes}
	}
	return out
}

// ApplyMessage applies a vote command to the state. Invalid commands leave
// the state untouched and return false, as MACI ignores them:
//   - the state index must belong to a signup
//   - the vote option must exist
//   - the nonce must follow the ballot nonce
//   - the voter must afford the quadratic cost of the new weight
func ApplyMessage(st *provider.ProcessState, msg *types.Message) bool {
	if msg.StateIndex >= uint64(len(st.Leaves)) {
		return false
	}
	leaf, ballot := st.Leaves[msg.StateIndex], st.Ballots[msg.StateIndex]
	if msg.VoteOptionIndex >= uint64(len(ballot.Votes)) {
		return false
	}
	if msg.Nonce != ballot.Nonce+1 || msg.NewVoteWeight == nil {
		return false
	}
	weight := msg.NewVoteWeight.MathBigInt()
	if weight.Sign() < 0 {
		return false
	}
	prev := ballot.Votes[msg.VoteOptionIndex].MathBigInt()
	// balance + prev^2 - weight^2
	balance := new(big.Int).Add(leaf.VoiceCreditBalance.MathBigInt(), new(big.Int).Mul(prev, prev))
	balance.Sub(balance, new(big.Int).Mul(weight, weight))
	if balance.Sign() < 0 {
		return false
	}
	leaf.VoiceCreditBalance = new(types.BigInt).SetBigInt(balance)
	if msg.NewPubKey != "" {
		leaf.PubKey = msg.NewPubKey
	}
	ballot.Votes[msg.VoteOptionIndex] = new(types.BigInt).SetBigInt(weight)
	ballot.Nonce++
	return true
}

// LeafHash returns poseidon(pubKey.x, pubKey.y, balance).
func LeafHash(leaf *types.StateLeaf) (*big.Int, error) {
	x, y, err := keys.Coordinates(leaf.PubKey)
	if err != nil {
		return nil, err
	}
	return poseidon.Hash([]*big.Int{x, y, leaf.VoiceCreditBalance.MathBigInt()})
}

// BallotHash returns poseidon(nonce, voteOptionRoot).
func BallotHash(b *types.Ballot, voteOptionDepth int) (*big.Int, error) {
	votes := make([]*big.Int, len(b.Votes))
	for i, v := range b.Votes {
		votes[i] = v.MathBigInt()
	}
	root, err := tree.QuinRoot(voteOptionDepth, votes)
	if err != nil {
		return nil, err
	}
	return poseidon.Hash([]*big.Int{new(big.Int).SetUint64(b.Nonce), root})
}

// Roots returns the state root, the ballot root and poseidon(stateRoot,
// ballotRoot) of the process state.
func Roots(st *provider.ProcessState, stateDepth, voteOptionDepth int) (stateRoot, ballotRoot, processRoot *big.Int, err error) {
	leaves := make([]*big.Int, len(st.Leaves))
	for i, l := range st.Leaves {
		if leaves[i], err = LeafHash(l); err != nil {
			return nil, nil, nil, fmt.Errorf("hash state leaf %d: %w", i, err)
		}
	}
	ballots := make([]*big.Int, len(st.Ballots))
	for i, b := range st.Ballots {
		if ballots[i], err = BallotHash(b, voteOptionDepth); err != nil {
			return nil, nil, nil, fmt.Errorf("hash ballot %d: %w", i, err)
		}
	}
	if stateRoot, err = tree.BinaryRoot(stateDepth, leaves); err != nil {
		return nil, nil, nil, err
	}
	if ballotRoot, err = tree.BinaryRoot(stateDepth, ballots); err != nil {
		return nil, nil, nil, err
	}
	if processRoot, err = poseidon.Hash([]*big.Int{stateRoot, ballotRoot}); err != nil {
		return nil, nil, nil, err
	}
	return stateRoot, ballotRoot, processRoot, nil
}

// TallyVotes sums the ballots per vote option.
func TallyVotes(st *provider.ProcessState, maxVoteOptions int) []*types.BigInt {
	sums := make([]*big.Int, maxVoteOptions)
	for i := range sums {
		sums[i] = new(big.Int)
	}
	for _, b := range st.Ballots {
		for i, v := range b.Votes {
			if i < len(sums) {
				sums[i].Add(sums[i], v.MathBigInt())
			}
		}
	}
	res := make([]*types.BigInt, len(sums))
	for i, s := range sums {
		res[i] = new(types.BigInt).SetBigInt(s)
	}
	return res
}

// ResultsRoot returns the quinary root of the tally results.
func ResultsRoot(results []*types.BigInt, voteOptionDepth int) (*big.Int, error) {
	leaves := make([]*big.Int, len(results))
	for i, r := range results {
		leaves[i] = r.MathBigInt()
	}
	return tree.QuinRoot(voteOptionDepth, leaves)
}
