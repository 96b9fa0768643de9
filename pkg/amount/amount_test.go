package amount

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		human    string
		decimals uint8
		expected string
		wantErr  error
	}{
		{name: "one usdc", human: "1", decimals: 6, expected: "1000000"},
		{name: "fractional", human: "1.5", decimals: 6, expected: "1500000"},
		{name: "trailing zeros", human: "2.500000", decimals: 6, expected: "2500000"},
		{name: "smallest unit", human: "0.000001", decimals: 6, expected: "1"},
		{name: "too precise", human: "0.0000001", decimals: 6, wantErr: ErrTooPrecise},
		{name: "negative", human: "-1", decimals: 6, wantErr: ErrNegative},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := Parse(tc.human, tc.decimals)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, a.String())
		})
	}
}

func TestNewRejectsOverflow(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err := New(tooBig, 18)
	assert.ErrorIs(t, err, ErrOverflow)

	maxUint := new(big.Int).Sub(tooBig, big.NewInt(1))
	a, err := New(maxUint, 18)
	require.NoError(t, err)
	assert.Equal(t, 0, a.Int().Cmp(maxUint))
}

func TestApplyBps(t *testing.T) {
	a := MustNew(1_000_000, 6)

	assert.Equal(t, "995000", a.ApplyBps(50).String())
	assert.Equal(t, "1000000", a.ApplyBps(0).String())
	assert.Equal(t, "0", a.ApplyBps(10000).String())

	// rounds down
	assert.Equal(t, "996", MustNew(999, 6).ApplyBps(30).String())
}

func TestSub(t *testing.T) {
	a := MustNew(100, 6)
	b := MustNew(40, 6)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "60", diff.String())

	_, err = b.Sub(a)
	assert.ErrorIs(t, err, ErrNegative)

	_, err = a.Sub(MustNew(1, 18))
	assert.ErrorIs(t, err, ErrDecimalsMismatch)
}

func TestRescale(t *testing.T) {
	up, err := MustNew(1_500_000, 6).Rescale(18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", up.String())
	assert.Equal(t, uint8(18), up.Decimals())

	down, err := up.Rescale(6)
	require.NoError(t, err)
	assert.Equal(t, "1500000", down.String())

	// rounds down
	truncated, err := MustNew(1_999_999, 6).Rescale(2)
	require.NoError(t, err)
	assert.Equal(t, "199", truncated.String())
}

func TestHuman(t *testing.T) {
	assert.Equal(t, "1.000000", MustNew(1_000_000, 6).Human())
	assert.Equal(t, "0.000001", MustNew(1, 6).Human())
}

func TestJSONSchema(t *testing.T) {
	a := MustNew(1_000_000, 6)
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"1000000","decimals":6}`, string(data))

	var decoded Amount
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 0, a.Cmp(decoded))
	assert.Equal(t, uint8(6), decoded.Decimals())

	t.Run("rejects non integer strings", func(t *testing.T) {
		for _, raw := range []string{
			`{"value":"1e6","decimals":6}`,
			`{"value":"-5","decimals":6}`,
			`{"value":"0x10","decimals":6}`,
			`{"value":1000000,"decimals":6}`,
		} {
			var out Amount
			assert.Error(t, json.Unmarshal([]byte(raw), &out), raw)
		}
	})
}

func TestTokenIdentity(t *testing.T) {
	a := Token{Chain: 8453, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6}
	b := Token{Chain: 8453, Address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"}
	c := Token{Chain: 1, Address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"}

	assert.True(t, a.Same(b))
	assert.False(t, a.Same(c))
	assert.Equal(t, "USDC@8453", a.String())
}
