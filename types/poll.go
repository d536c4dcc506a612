package types

import "time"

// TreeBase is the branching factor of a fixed-arity Merkle tree.
type TreeBase int

const (
	// BinaryTree is used by the state tree.
	BinaryTree TreeBase = 2
	// QuinaryTree is used by the vote option and tally trees.
	QuinaryTree TreeBase = 5
)

// TreeSizing declares the capacity of a tree. The depth is derived from it.
type TreeSizing struct {
	Base      TreeBase `json:"base"      yaml:"base"      cbor:"0,keyasint"`
	MaxLeaves int      `json:"maxLeaves" yaml:"maxLeaves" cbor:"1,keyasint"`
}

// PollParams are the arguments of the poll creation transition.
type PollParams struct {
	// StateTree sizes the binary state tree (maximum number of signups).
	StateTree TreeSizing `json:"stateTree" cbor:"0,keyasint"`
	// VoteOptionTree sizes the quinary vote option tree.
	VoteOptionTree TreeSizing `json:"voteOptionTree" cbor:"1,keyasint"`
	// MessageBatchSize is the number of messages processed per batch.
	MessageBatchSize int `json:"messageBatchSize" cbor:"2,keyasint"`
	// Duration of the voting period, informative for the chain provider.
	Duration time.Duration `json:"duration" cbor:"3,keyasint,omitempty"`
}

// Signup is a journal entry registering a voter public key in the poll.
type Signup struct {
	PubKey       string   `json:"pubKey"       cbor:"0,keyasint"`
	VoiceCredits *BigInt  `json:"voiceCredits" cbor:"1,keyasint"`
	TxHash       HexBytes `json:"txHash"       cbor:"2,keyasint,omitempty"`
	// Seq is the position of the signup in the journal, which is also the
	// state index of the voter.
	Seq uint64 `json:"seq" cbor:"3,keyasint"`
}

// Message is a journal entry holding a vote command published by a voter.
// Encryption of the command is handled by the providers.
type Message struct {
	StateIndex      uint64   `json:"stateIndex"      cbor:"0,keyasint"`
	VoteOptionIndex uint64   `json:"voteOptionIndex" cbor:"1,keyasint"`
	NewVoteWeight   *BigInt  `json:"newVoteWeight"   cbor:"2,keyasint"`
	Nonce           uint64   `json:"nonce"           cbor:"3,keyasint"`
	NewPubKey       string   `json:"newPubKey,omitempty" cbor:"4,keyasint,omitempty"`
	TxHash          HexBytes `json:"txHash"          cbor:"5,keyasint,omitempty"`
	Seq             uint64   `json:"seq"             cbor:"6,keyasint"`
}

// StateLeaf is one leaf of the state tree.
type StateLeaf struct {
	PubKey             string  `json:"pubKey"             cbor:"0,keyasint"`
	VoiceCreditBalance *BigInt `json:"voiceCreditBalance" cbor:"1,keyasint"`
}

// Ballot holds the votes cast by one voter, one weight per vote option.
type Ballot struct {
	Nonce uint64    `json:"nonce" cbor:"0,keyasint"`
	Votes []*BigInt `json:"votes" cbor:"1,keyasint"`
}
