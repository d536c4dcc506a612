package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// HexBytes is a []byte which encodes as hexadecimal in json, as opposed to the
// base64 default.
type HexBytes []byte

// HexStringToHexBytes converts a hex string (with or without 0x) to HexBytes.
// It panics if the string is not valid hex.
func HexStringToHexBytes(s string) HexBytes {
	b, err := hex.DecodeString(TrimHex(s))
	if err != nil {
		panic(err)
	}
	return b
}

func (b HexBytes) String() string {
	return "0x" + hex.EncodeToString(b)
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid hex bytes: %w", err)
	}
	decoded, err := hex.DecodeString(TrimHex(s))
	if err != nil {
		return fmt.Errorf("invalid hex bytes %q: %w", s, err)
	}
	*b = decoded
	return nil
}

// TrimHex trims the '0x' prefix from a hex string.
func TrimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// EqualHex compares two hex strings ignoring the 0x prefix and letter case.
func EqualHex(a, b string) bool {
	return strings.EqualFold(TrimHex(a), TrimHex(b))
}
