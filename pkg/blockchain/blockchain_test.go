package blockchain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/blockchain/testutil"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/contracts"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simChain = amount.ChainID(testutil.SimulatedChainID)

var nativeETH = amount.Token{Chain: simChain, Symbol: "ETH", Decimals: 18}

func setup(t *testing.T) (*testutil.Simulation, *Pool, *KeyedSigner) {
	sim := testutil.SetupSimulation(t)
	l := &logger.EmptyLogger{}
	pool := NewPool(l, NewClient(simChain, sim.Backend.Client(), 1.1))
	signer, err := NewKeyedSigner("0x"+sim.KeyHex(), pool, NewNonceManager(l), l)
	require.NoError(t, err)
	return sim, pool, signer
}

func oneEther() amount.Amount {
	v, _ := new(big.Int).SetString("1000000000000000000", 10)
	a, _ := amount.New(v, 18)
	return a
}

func TestSignerSendsAndPoolReadsReceipt(t *testing.T) {
	sim, pool, signer := setup(t)
	ctx := testutil.Context(t)
	recipient := testutil.GenerateAddress()

	assert.Equal(t, sim.Address.Hex(), signer.Address(simChain))

	tx, err := bridge.TokenTransferTx(nativeETH, signer.Address(simChain), recipient.Hex(), oneEther())
	require.NoError(t, err)

	hash, err := signer.SignAndSend(ctx, tx)
	require.NoError(t, err)

	receipt, err := pool.GetTransactionReceipt(ctx, simChain, hash)
	require.NoError(t, err)
	assert.Nil(t, receipt, "unmined transaction has no receipt")

	sim.Backend.Commit()

	receipt, err = pool.GetTransactionReceipt(ctx, simChain, hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, uint64(21000), receipt.GasUsed)

	balance, err := pool.GetBalance(ctx, nativeETH, recipient.Hex())
	require.NoError(t, err)
	assert.Equal(t, oneEther().String(), balance.String())

	code, err := pool.GetBytecode(ctx, simChain, recipient.Hex())
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestSignerAllocatesSequentialNonces(t *testing.T) {
	sim, pool, signer := setup(t)
	ctx := testutil.Context(t)

	var hashes []string
	for i := 0; i < 3; i++ {
		tx, err := bridge.TokenTransferTx(nativeETH, "", testutil.GenerateAddress().Hex(), oneEther())
		require.NoError(t, err)
		hash, err := signer.SignAndSend(ctx, tx)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	assert.Equal(t, 3, signer.nonces.GetPendingTransactionsCount(simChain))

	sim.Backend.Commit()
	for _, h := range hashes {
		r, err := pool.GetTransactionReceipt(ctx, simChain, h)
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.True(t, r.Succeeded())
	}
}

func TestSignerRejectsForeignSender(t *testing.T) {
	_, _, signer := setup(t)

	_, err := signer.SignAndSend(context.Background(), models.TxRequest{
		Kind:    models.TxKindPrimary,
		ChainID: simChain,
		From:    testutil.GenerateAddress().Hex(),
		To:      testutil.GenerateAddress().Hex(),
	})
	assert.ErrorIs(t, err, bridge.ErrSignerRejected)
}

func TestSubmitSequenceOnSimulatedChain(t *testing.T) {
	sim, pool, signer := setup(t)
	ctx := testutil.Context(t)

	spender := testutil.GenerateAddress()
	token := testutil.GenerateAddress()
	data, err := contracts.PackApprove(spender, big.NewInt(1_000_000))
	require.NoError(t, err)

	primary, err := bridge.TokenTransferTx(nativeETH, "", testutil.GenerateAddress().Hex(), oneEther())
	require.NoError(t, err)

	quote := &models.Quote{
		ID: "sim",
		RequiredPreTransactions: []models.TxRequest{{
			Kind:    models.TxKindApproval,
			ChainID: simChain,
			To:      token.Hex(),
			Data:    hexutil.Bytes(data),
		}},
		PrimaryTransaction: primary,
		VendorRef:          "sim-ref",
	}

	// mine blocks in the background until the sequence completes
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sim.Backend.Commit()
			}
		}
	}()

	handles, err := bridge.SubmitSequence(ctx, pool, signer, quote, bridge.WaitOptions{PollInterval: 5 * time.Millisecond, Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, models.TxKindApproval, handles[0].Kind)
	assert.Equal(t, models.TxKindPrimary, handles[1].Kind)

	approval, err := pool.GetTransactionReceipt(ctx, simChain, handles[0].TransactionHash)
	require.NoError(t, err)
	require.NotNil(t, approval)
	assert.True(t, approval.Succeeded())
}

func TestPoolUnknownChain(t *testing.T) {
	_, pool, _ := setup(t)
	_, err := pool.EstimateGas(context.Background(), models.TxRequest{ChainID: 1, To: common.Address{}.Hex()})
	assert.Error(t, err)
	assert.Equal(t, []amount.ChainID{simChain}, pool.ChainIDs())
}

type fakeNonceSource struct {
	nonce uint64
	calls int
}

func (f *fakeNonceSource) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.calls++
	return f.nonce, nil
}

func TestNonceManager(t *testing.T) {
	nm := NewNonceManager(&logger.EmptyLogger{})
	src := &fakeNonceSource{nonce: 7}
	addr := testutil.GenerateAddress()
	ctx := context.Background()

	n0, err := nm.GetNonce(ctx, 1, src, addr)
	require.NoError(t, err)
	nm.TrackTransaction(1, common.Hash{1}, n0)
	n1, err := nm.GetNonce(ctx, 1, src, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n0)
	assert.Equal(t, uint64(8), n1)
	assert.Equal(t, 1, src.calls, "no resync while transactions are pending")

	nm.ReleaseNonce(1, n1)
	n1again, err := nm.GetNonce(ctx, 1, src, addr)
	require.NoError(t, err)
	assert.Equal(t, n1, n1again)

	// other chains are independent
	other, err := nm.GetNonce(ctx, 8453, &fakeNonceSource{nonce: 0}, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), other)

	src.nonce = 20
	require.NoError(t, nm.SyncWithBlockchain(ctx, 1, src, addr))
	assert.Equal(t, 0, nm.GetPendingTransactionsCount(1))
	n, err := nm.GetNonce(ctx, 1, src, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)
}
