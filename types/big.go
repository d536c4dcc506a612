package types

import (
	"fmt"
	"math/big"
)

// BigInt is a big.Int wrapper which marshals JSON and CBOR to a decimal
// string, so values above 2^53 survive javascript clients.
type BigInt big.Int

// NewInt returns a BigInt set to x.
func NewInt(x int64) *BigInt {
	return (*BigInt)(big.NewInt(x))
}

func (i *BigInt) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *BigInt) UnmarshalText(data []byte) error {
	if _, ok := i.MathBigInt().SetString(string(data), 0); !ok {
		return fmt.Errorf("invalid big int %q", data)
	}
	return nil
}

func (i *BigInt) MarshalCBOR() ([]byte, error) {
	return cborEncMode.Marshal(i.String())
}

func (i *BigInt) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cborDecMode.Unmarshal(data, &s); err != nil {
		return err
	}
	return i.UnmarshalText([]byte(s))
}

// String returns the decimal representation.
func (i *BigInt) String() string {
	if i == nil {
		return "0"
	}
	return i.MathBigInt().String()
}

// SetUint64 sets the value of x to the big number.
func (i *BigInt) SetUint64(x uint64) *BigInt {
	i.MathBigInt().SetUint64(x)
	return i
}

// SetBigInt sets the value of x to the big number.
func (i *BigInt) SetBigInt(x *big.Int) *BigInt {
	i.MathBigInt().Set(x)
	return i
}

// Add sets i to x + y and returns i.
func (i *BigInt) Add(x, y *BigInt) *BigInt {
	i.MathBigInt().Add(x.MathBigInt(), y.MathBigInt())
	return i
}

// Equal reports whether i and j hold the same value.
func (i *BigInt) Equal(j *BigInt) bool {
	return i.MathBigInt().Cmp(j.MathBigInt()) == 0
}

// MathBigInt converts i to a *big.Int, sharing its memory.
func (i *BigInt) MathBigInt() *big.Int {
	return (*big.Int)(i)
}
