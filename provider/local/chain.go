package local

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/provider"
	"github.com/vocdoni/maci-coordinator/types"
)

// Chain is an in-process chain. Poll deployments get contract style
// addresses derived from the coordinator account and its nonce, signups are
// inserted into the poll state tree and every submission returns a
// transaction hash. It implements provider.Chain and provider.StateReader.
type Chain struct {
	state   *StateDB
	privKey *ecdsa.PrivateKey
	address common.Address

	mu    sync.Mutex
	nonce uint64
}

// NewChain creates a local chain whose transactions are sent from the
// account of hexPrivKey. An empty key generates a fresh account.
func NewChain(state *StateDB, hexPrivKey string) (*Chain, error) {
	var (
		pk  *ecdsa.PrivateKey
		err error
	)
	if hexPrivKey == "" {
		pk, err = crypto.GenerateKey()
	} else {
		pk, err = crypto.HexToECDSA(types.TrimHex(hexPrivKey))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account private key: %w", err)
	}
	return &Chain{
		state:   state,
		privKey: pk,
		address: crypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the account that sends the transactions.
func (c *Chain) Address() common.Address {
	return c.address
}

// sendTx hashes the payload together with the sender and its nonce and bumps
// the nonce. It returns the nonce used and the transaction hash.
func (c *Chain) sendTx(payload ...[]byte) (uint64, common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := c.nonce
	c.nonce++
	data := [][]byte{c.address.Bytes(), binary.BigEndian.AppendUint64(nil, nonce)}
	return nonce, crypto.Keccak256Hash(append(data, payload...)...)
}

// DeployPoll creates the poll state tree and returns the poll address.
func (c *Chain) DeployPoll(ctx context.Context, req *provider.DeployRequest) (*provider.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := c.state.New(req.PollID, req.StateTreeDepth)
	if errors.Is(err, ErrStateTreeAlreadyExists) {
		// a deployment interrupted before its checkpoint was committed
		if st, err = c.state.Load(req.PollID); err == nil && st.Depth != req.StateTreeDepth {
			return nil, fmt.Errorf("state tree of poll %s exists with depth %d", req.PollID, st.Depth)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create state tree: %w", err)
	}
	nonce, tx := c.sendTx(req.PollID.Marshal(), []byte(req.CoordinatorPubKey))
	addr := crypto.CreateAddress(c.address, nonce)
	log.Infow("poll deployed",
		"pollID", req.PollID.String(),
		"address", addr.Hex(),
		"stateTreeDepth", req.StateTreeDepth,
		"voteOptionTreeDepth", req.VoteOptionTreeDepth)
	return &provider.Deployment{
		PollAddress: addr.Hex(),
		TxHash:      tx.Bytes(),
	}, nil
}

// SubmitSignup appends the signup to the poll state tree and returns the
// state index assigned to it.
func (c *Chain) SubmitSignup(ctx context.Context, poll *provider.Poll, su *types.Signup) (uint64, types.HexBytes, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	st, err := c.state.Load(poll.ID)
	if err != nil {
		return 0, nil, err
	}
	leaf, err := LeafHash(&types.StateLeaf{PubKey: su.PubKey, VoiceCreditBalance: su.VoiceCredits})
	if err != nil {
		return 0, nil, fmt.Errorf("hash signup: %w", err)
	}
	index, err := st.Append(leaf)
	if err != nil {
		return 0, nil, err
	}
	_, tx := c.sendTx(poll.ID.Marshal(), []byte(su.PubKey), leaf.Bytes())
	return index, tx.Bytes(), nil
}

// SubmitMessage publishes a message to the poll.
func (c *Chain) SubmitMessage(ctx context.Context, poll *provider.Poll, msg *types.Message) (types.HexBytes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.state.Exists(poll.ID) {
		return nil, fmt.Errorf("%w: %s", ErrStateTreeNotFound, poll.ID)
	}
	payload := fmt.Sprintf("%d:%d:%s:%d:%s", msg.StateIndex, msg.VoteOptionIndex,
		msg.NewVoteWeight.String(), msg.Nonce, msg.NewPubKey)
	_, tx := c.sendTx(poll.ID.Marshal(), []byte(payload))
	return tx.Bytes(), nil
}

// StateRoot returns the decimal root of the poll state tree. The tree must
// hold exactly the given signups, otherwise the chain and the journal have
// diverged and an error is returned.
func (c *Chain) StateRoot(ctx context.Context, poll *provider.Poll, signups []*types.Signup) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	st, err := c.state.Load(poll.ID)
	if err != nil {
		return "", err
	}
	size, err := st.Size()
	if err != nil {
		return "", err
	}
	if size != uint64(len(signups)) {
		return "", fmt.Errorf("state tree holds %d leaves, journal has %d signups", size, len(signups))
	}
	root, err := st.Root()
	if err != nil {
		return "", err
	}
	return root.String(), nil
}
