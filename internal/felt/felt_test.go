package felt

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestU256RoundTrip(t *testing.T) {
	cases := []string{
		"0",
		"1",
		"340282366920938463463374607431768211455",   // 2^128 - 1
		"340282366920938463463374607431768211456",   // 2^128
		"115792089237316195423570985008687907853269984665640564039457584007913129639935", // 2^256 - 1
	}
	for _, c := range cases {
		v, ok := new(big.Int).SetString(c, 10)
		require.True(t, ok)
		u, err := U256FromBigInt(v)
		require.NoError(t, err)
		require.True(t, u.Low.BigInt().Cmp(twoPow128) < 0)
		require.True(t, u.High.BigInt().Cmp(twoPow128) < 0)
		require.Equal(t, 0, v.Cmp(u.BigInt()))
	}
}

func TestU256RejectsOutOfRange(t *testing.T) {
	_, err := U256FromBigInt(big.NewInt(-1))
	require.Error(t, err)

	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = U256FromBigInt(tooBig)
	require.Error(t, err)
}

func TestParseUnitsLaw(t *testing.T) {
	cases := []struct {
		text     string
		decimals int
		want     int64
	}{
		{"0", 6, 0},
		{"1", 6, 1_000_000},
		{"1.5", 6, 1_500_000},
		{"0.000001", 6, 1},
		{"100", 6, 100_000_000},
	}
	for _, c := range cases {
		got, err := ParseUnits(c.text, c.decimals)
		require.NoError(t, err)
		require.Equal(t, c.want, got.Int64())
	}
}

func TestParseUnitsRejectsInvalid(t *testing.T) {
	bad := []string{"", ".", "1.2.3", "-1", "1e10", "1.0000001", "abc"}
	for _, s := range bad {
		_, err := ParseUnits(s, 6)
		require.Error(t, err, s)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	v, err := ParseUnits("1.234567", 6)
	require.NoError(t, err)
	require.Equal(t, "1.234567", FormatUnits(v, 6))

	zero, err := ParseUnits("0", 6)
	require.NoError(t, err)
	require.Equal(t, int64(0), zero.Int64())
}

func TestFeltHexCanonical(t *testing.T) {
	f, err := FromHex("0x00A")
	require.NoError(t, err)
	require.Equal(t, "0xa", f.Hex())

	f2, err := FromHex("0xA")
	require.NoError(t, err)
	require.Equal(t, 0, f.Cmp(f2))
}

func TestFeltRejectsNegativeAndOverflow(t *testing.T) {
	_, err := FromBigInt(big.NewInt(-1))
	require.Error(t, err)

	over := new(big.Int).Lsh(big.NewInt(1), 252)
	_, err = FromBigInt(over)
	require.Error(t, err)
}

func TestFeltJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		F Felt `json:"f"`
	}
	original := wrapper{F: FromUint64(0xdeadbeef)}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	require.Equal(t, `{"f":"0xdeadbeef"}`, string(data))

	var decoded wrapper
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, 0, original.F.Cmp(decoded.F))
}

func TestFeltJSONRejectsInvalidHex(t *testing.T) {
	var f Felt
	err := json.Unmarshal([]byte(`"not-hex"`), &f)
	require.Error(t, err)
}
