package contracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxUint256(t *testing.T) {
	expected := new(big.Int).Sub(
		new(big.Int).Exp(big.NewInt(2), big.NewInt(256), nil),
		big.NewInt(1),
	)
	assert.Equal(t, 0, expected.Cmp(MaxUint256))
}

func TestApproveCalldata(t *testing.T) {
	spender := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	data, err := PackApprove(spender, big.NewInt(1_000_000))
	require.NoError(t, err)
	// approve(address,uint256) selector
	assert.Equal(t, []byte{0x09, 0x5e, 0xa7, 0xb3}, data[:4])

	gotSpender, gotValue, err := UnpackApprove(data)
	require.NoError(t, err)
	assert.Equal(t, spender, gotSpender)
	assert.Equal(t, int64(1_000_000), gotValue.Int64())

	_, _, err = UnpackTransfer(data)
	assert.Error(t, err, "approve calldata must not decode as transfer")
}

func TestTransferCalldata(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	data, err := PackTransfer(to, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, data[:4])

	gotTo, gotValue, err := UnpackTransfer(data)
	require.NoError(t, err)
	assert.Equal(t, to, gotTo)
	assert.Equal(t, int64(42), gotValue.Int64())
}
