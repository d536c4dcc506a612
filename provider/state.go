package provider

import "github.com/vocdoni/maci-coordinator/types"

// NewProcessState builds the state a poll starts processing from: one state
// leaf per signup and an empty ballot with maxVoteOptions votes.
func NewProcessState(signups []*types.Signup, maxVoteOptions int) *ProcessState {
	st := &ProcessState{
		Leaves:  make([]*types.StateLeaf, len(signups)),
		Ballots: make([]*types.Ballot, len(signups)),
	}
	for i, su := range signups {
		credits := su.VoiceCredits
		if credits == nil {
			credits = new(types.BigInt).SetUint64(types.DefaultVoiceCredits)
		}
		st.Leaves[i] = &types.StateLeaf{
			PubKey:             su.PubKey,
			VoiceCreditBalance: new(types.BigInt).SetBigInt(credits.MathBigInt()),
		}
		votes := make([]*types.BigInt, maxVoteOptions)
		for j := range votes {
			votes[j] = types.NewInt(0)
		}
		st.Ballots[i] = &types.Ballot{Votes: votes}
	}
	return st
}
