// Package util holds small helpers shared by the providers and tests.
package util

import (
	"crypto/rand"
	"math/big"
)

// RandomBytes generates a random byte slice of length n.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// RandomInt generates a random integer in [min, max).
func RandomInt(min, max int) int {
	num, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	if err != nil {
		panic(err)
	}
	return int(num.Int64()) + min
}

// bn254ScalarField is the order of the BN254 scalar field, the field of the
// circuit signals and of Poseidon.
var bn254ScalarField, _ = new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

// BigToFF returns iv reduced into the BN254 scalar field.
func BigToFF(iv *big.Int) *big.Int {
	if iv.Sign() >= 0 && iv.Cmp(bn254ScalarField) < 0 {
		return iv
	}
	return new(big.Int).Mod(iv, bn254ScalarField)
}
