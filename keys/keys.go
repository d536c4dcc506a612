// Package keys handles MACI keypairs: BabyJubJub keys serialized as
// "macisk.<hex>" (private) and "macipk.<hex>" (compressed public point).
package keys

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/iden3/go-iden3-crypto/babyjub"
)

const (
	// PrivKeyPrefix prefixes serialized private keys.
	PrivKeyPrefix = "macisk."
	// PubKeyPrefix prefixes serialized public keys.
	PubKeyPrefix = "macipk."
)

// Keypair is a MACI keypair.
type Keypair struct {
	PrivKey babyjub.PrivateKey
	PubKey  *babyjub.PublicKey
}

// GenerateKeypair creates a new random keypair.
func GenerateKeypair() *Keypair {
	privkey := babyjub.NewRandPrivKey()
	return &Keypair{PrivKey: privkey, PubKey: privkey.Public()}
}

// SerializePrivKey returns the "macisk." representation of the private key.
func SerializePrivKey(sk babyjub.PrivateKey) string {
	return PrivKeyPrefix + hex.EncodeToString(sk[:])
}

// SerializePubKey returns the "macipk." representation of the public key.
func SerializePubKey(pk *babyjub.PublicKey) string {
	comp := pk.Compress()
	return PubKeyPrefix + hex.EncodeToString(comp[:])
}

// Serialize returns the serialized private and public keys.
func (k *Keypair) Serialize() (priv, pub string) {
	return SerializePrivKey(k.PrivKey), SerializePubKey(k.PubKey)
}

// ParsePrivKey decodes a "macisk." private key.
func ParsePrivKey(s string) (babyjub.PrivateKey, error) {
	var sk babyjub.PrivateKey
	raw, ok := strings.CutPrefix(s, PrivKeyPrefix)
	if !ok {
		return sk, fmt.Errorf("private key must start with %q", PrivKeyPrefix)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return sk, fmt.Errorf("invalid private key: %w", err)
	}
	if len(b) != len(sk) {
		return sk, fmt.Errorf("invalid private key length: %d", len(b))
	}
	copy(sk[:], b)
	return sk, nil
}

// ParsePubKey decodes a "macipk." public key and checks it is on the curve.
func ParsePubKey(s string) (*babyjub.PublicKey, error) {
	raw, ok := strings.CutPrefix(s, PubKeyPrefix)
	if !ok {
		return nil, fmt.Errorf("public key must start with %q", PubKeyPrefix)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	var comp babyjub.PublicKeyComp
	if len(b) != len(comp) {
		return nil, fmt.Errorf("invalid public key length: %d", len(b))
	}
	copy(comp[:], b)
	pk, err := comp.Decompress()
	if err != nil {
		return nil, fmt.Errorf("invalid public key point: %w", err)
	}
	return pk, nil
}

// PubKeyFromPrivKey derives the serialized public key of a serialized
// private key.
func PubKeyFromPrivKey(s string) (string, error) {
	sk, err := ParsePrivKey(s)
	if err != nil {
		return "", err
	}
	return SerializePubKey(sk.Public()), nil
}

// Coordinates returns the affine coordinates of a serialized public key.
func Coordinates(s string) (x, y *big.Int, err error) {
	pk, err := ParsePubKey(s)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(pk.X), new(big.Int).Set(pk.Y), nil
}
