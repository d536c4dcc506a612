package local

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/vocdoni/maci-coordinator/keys"
	"github.com/vocdoni/maci-coordinator/provider"
)

// KeyGenerator generates MACI keypairs from an entropy source.
type KeyGenerator struct {
	entropy io.Reader
}

// NewKeyGenerator returns a KeyGenerator reading from entropy, or from
// crypto/rand if entropy is nil.
func NewKeyGenerator(entropy io.Reader) *KeyGenerator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &KeyGenerator{entropy: entropy}
}

// GenerateKeypair returns a new serialized keypair.
func (k *KeyGenerator) GenerateKeypair(ctx context.Context) (*provider.Keypair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sk babyjub.PrivateKey
	if _, err := io.ReadFull(k.entropy, sk[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrKeyGeneration, err)
	}
	priv, pub := (&keys.Keypair{PrivKey: sk, PubKey: sk.Public()}).Serialize()
	return &provider.Keypair{PrivKey: priv, PubKey: pub}, nil
}
