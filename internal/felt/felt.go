// Package felt implements fixed-width encoding for Starknet field elements
// and 256-bit values, and arbitrary-precision decimal parsing for token
// amounts. All conversions use math/big — never float64 — since a rounding
// error here is a spend-limit bypass, not a cosmetic bug.
package felt

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Felt is a 252-bit Starknet field element, canonicalized as lowercase hex
// with a "0x" prefix and no leading zeros. Equality is numeric, not
// string: use Felt.Cmp, not ==, when comparing values derived from
// different sources.
type Felt struct {
	v *big.Int
}

// Zero is the canonical zero felt.
var Zero = Felt{v: big.NewInt(0)}

// maxFelt is 2^252 - 1, the largest value a felt can hold.
var maxFelt = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 252), big.NewInt(1))

// FromBigInt constructs a Felt from a non-negative big.Int, rejecting
// values outside [0, 2^252).
func FromBigInt(v *big.Int) (Felt, error) {
	if v.Sign() < 0 {
		return Felt{}, fmt.Errorf("felt: negative value %s", v.String())
	}
	if v.Cmp(maxFelt) > 0 {
		return Felt{}, fmt.Errorf("felt: value %s exceeds 2^252-1", v.String())
	}
	return Felt{v: new(big.Int).Set(v)}, nil
}

// FromUint64 constructs a Felt from a uint64.
func FromUint64(v uint64) Felt {
	return Felt{v: new(big.Int).SetUint64(v)}
}

// MustFromHex parses hex and panics on error. Intended for constants.
func MustFromHex(s string) Felt {
	f, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromHex parses a "0x"-prefixed (or bare) hex string into a Felt.
// Parsing accepts any valid hex, with or without leading zeros.
func FromHex(s string) (Felt, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if trimmed == "" {
		return Felt{}, fmt.Errorf("felt: empty hex string")
	}
	v, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return Felt{}, fmt.Errorf("felt: invalid hex string %q", s)
	}
	return FromBigInt(v)
}

// Hex returns the canonical lowercase "0x"-prefixed hex encoding, with no
// leading zeros (other than the single digit needed to represent zero).
func (f Felt) Hex() string {
	if f.v == nil {
		return "0x0"
	}
	return "0x" + f.v.Text(16)
}

// String implements fmt.Stringer as the canonical hex form.
func (f Felt) String() string { return f.Hex() }

// BigInt returns the underlying value. The returned pointer must not be
// mutated by callers.
func (f Felt) BigInt() *big.Int {
	if f.v == nil {
		return big.NewInt(0)
	}
	return f.v
}

// Cmp compares two felts numerically.
func (f Felt) Cmp(other Felt) int {
	return f.BigInt().Cmp(other.BigInt())
}

// IsZero reports whether the felt is the canonical zero value.
func (f Felt) IsZero() bool {
	return f.BigInt().Sign() == 0
}

// MarshalJSON encodes the felt as its canonical hex string, so structs
// that persist a Felt (session credentials, activity records, policy
// config) round-trip through JSON without a separate string field.
func (f Felt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.Hex() + `"`), nil
}

// UnmarshalJSON accepts the canonical hex string form produced by
// MarshalJSON.
func (f *Felt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := FromHex(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// U256 is a 256-bit unsigned value split into (low, high) 128-bit felts,
// per Starknet's Uint256 calldata convention: low = v mod 2^128,
// high = v >> 128.
type U256 struct {
	Low  Felt
	High Felt
}

var twoPow128 = new(big.Int).Lsh(big.NewInt(1), 128)

// U256FromBigInt splits a non-negative big.Int into a U256 pair. Fails for
// negative values or values >= 2^256.
func U256FromBigInt(v *big.Int) (U256, error) {
	if v.Sign() < 0 {
		return U256{}, fmt.Errorf("felt: u256 from negative value %s", v.String())
	}
	maxU256 := new(big.Int).Lsh(big.NewInt(1), 256)
	if v.Cmp(maxU256) >= 0 {
		return U256{}, fmt.Errorf("felt: value %s exceeds 2^256-1", v.String())
	}

	low := new(big.Int).Mod(v, twoPow128)
	high := new(big.Int).Rsh(v, 128)

	lowFelt, err := FromBigInt(low)
	if err != nil {
		return U256{}, err
	}
	highFelt, err := FromBigInt(high)
	if err != nil {
		return U256{}, err
	}
	return U256{Low: lowFelt, High: highFelt}, nil
}

// BigInt reconstitutes the 256-bit value from its (low, high) pair: the
// inverse of U256FromBigInt.
func (u U256) BigInt() *big.Int {
	result := new(big.Int).Lsh(u.High.BigInt(), 128)
	result.Add(result, u.Low.BigInt())
	return result
}

// ParseUnits and FormatUnits take the fractional precision as an argument:
// callers pass the token's own decimals.

// ParseUnits converts a decimal string (e.g. "1.50") into its smallest-unit
// representation at the given decimal precision, using arbitrary-precision
// integer arithmetic. Rejects scientific notation, more fractional digits
// than `decimals`, empty input, and a bare ".".
func ParseUnits(text string, decimals int) (*big.Int, error) {
	if text == "" {
		return nil, fmt.Errorf("felt: empty amount")
	}
	if strings.ContainsAny(text, "eE") {
		return nil, fmt.Errorf("felt: scientific notation not allowed: %q", text)
	}
	if text == "." {
		return nil, fmt.Errorf("felt: %q is not a valid amount", text)
	}
	neg := strings.HasPrefix(text, "-")
	if neg {
		return nil, fmt.Errorf("felt: negative amount not allowed: %q", text)
	}

	parts := strings.Split(text, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("felt: multiple decimal points in %q", text)
	}

	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("felt: %q has more than %d fractional digits", text, decimals)
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("felt: %q is not a valid decimal number", text)
		}
	}
	for len(frac) < decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("felt: failed to parse %q", text)
	}
	return result, nil
}

// FormatUnits converts a smallest-unit amount back to a decimal string
// with at most `decimals` fractional digits: trailing zeros are trimmed and
// the point is dropped when no fractional digit remains (at least one digit
// is kept before the point).
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	cut := len(s) - decimals
	whole, frac := s[:cut], s[cut:]
	frac = strings.TrimRight(frac, "0")

	result := whole
	if frac != "" {
		result += "." + frac
	}
	if neg && (whole != "0" || frac != "") {
		result = "-" + result
	}
	return result
}
