package bridge_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge/mocks"
	"github.com/speedrun-hq/bridgerunner/pkg/contracts"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdcEth  = amount.Token{Chain: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6}
	usdcBase = amount.Token{Chain: 8453, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6}
	usdtEth  = amount.Token{Chain: 1, Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Symbol: "USDT", Decimals: 6}
)

var fastWait = bridge.WaitOptions{PollInterval: time.Millisecond, Timeout: time.Second}

func quoteFor(t *testing.T, chain *mocks.Chain, from amount.Token) *models.Quote {
	adapter := mocks.NewAdapter("test", chain, bridge.Route{From: from, To: usdcBase})
	q, err := adapter.GetQuote(context.Background(), bridge.QuoteRequest{
		InputToken: from, OutputToken: usdcBase, InputAmount: amount.MustNew(1_000_000, 6),
		Depositor: mocks.DepositorAddress, Recipient: mocks.DepositorAddress, SlippageBps: 50,
	})
	require.NoError(t, err)
	return q
}

func TestSubmitSequenceApprovalBeforePrimary(t *testing.T) {
	chain := mocks.NewChain()
	chain.PendingPolls = 2
	q := quoteFor(t, chain, usdcEth)
	require.Len(t, q.RequiredPreTransactions, 1)

	handles, err := bridge.SubmitSequence(context.Background(), chain, chain, q, fastWait)
	require.NoError(t, err)

	require.Len(t, handles, 2)
	assert.Equal(t, models.TxKindApproval, handles[0].Kind)
	assert.Equal(t, models.TxKindPrimary, handles[1].Kind)
	assert.Equal(t, q.VendorRef, handles[1].VendorRef)
	assert.Equal(t, []models.TxKind{models.TxKindApproval, models.TxKindPrimary}, chain.SentKinds())
	assert.NotZero(t, chain.Sent[1].GasLimit)
}

func TestSubmitSequenceSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	chain := mocks.NewChain()
	chain.Allowances[usdcEth.Key()] = big.NewInt(5_000_000)
	q := quoteFor(t, chain, usdcEth)

	assert.Empty(t, q.RequiredPreTransactions)

	handles, err := bridge.SubmitSequence(context.Background(), chain, chain, q, fastWait)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, models.TxKindPrimary, handles[0].Kind)
}

func TestSubmitSequenceResetsNonCompliantAllowance(t *testing.T) {
	chain := mocks.NewChain()
	chain.Allowances[usdtEth.Key()] = big.NewInt(10)
	q := quoteFor(t, chain, usdtEth)

	require.Len(t, q.RequiredPreTransactions, 2)
	_, value, err := contracts.UnpackApprove(q.RequiredPreTransactions[0].Data)
	require.NoError(t, err)
	assert.Equal(t, int64(0), value.Int64())
	_, value, err = contracts.UnpackApprove(q.RequiredPreTransactions[1].Data)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), value.Int64())
}

func TestSubmitSequenceApprovalFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(c *mocks.Chain)
		wantErr   error
		wantSends int
	}{
		{
			name: "approval simulation reverts",
			setup: func(c *mocks.Chain) {
				c.EstimateErrs[models.TxKindApproval] = errors.New("execution reverted")
			},
			wantErr:   bridge.ErrSimulationReverted,
			wantSends: 0,
		},
		{
			name: "approval reverts on-chain",
			setup: func(c *mocks.Chain) {
				c.RevertOnChain[models.TxKindApproval] = true
			},
			wantErr:   bridge.ErrSimulationReverted,
			wantSends: 1,
		},
		{
			name: "signer rejects approval",
			setup: func(c *mocks.Chain) {
				c.SendErrs[models.TxKindApproval] = errors.New("user rejected the request")
			},
			wantErr:   bridge.ErrSignerRejected,
			wantSends: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chain := mocks.NewChain()
			tc.setup(chain)
			q := quoteFor(t, chain, usdcEth)

			_, err := bridge.SubmitSequence(context.Background(), chain, chain, q, fastWait)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)

			assert.Len(t, chain.Sent, tc.wantSends)
			for _, kind := range chain.SentKinds() {
				assert.NotEqual(t, models.TxKindPrimary, kind, "primary must never be sent after a failed approval")
			}
		})
	}
}

func TestWaitMinedHonoursContext(t *testing.T) {
	chain := mocks.NewChain()
	chain.PendingPolls = 1 << 30
	hash, err := chain.SignAndSend(context.Background(), models.TxRequest{Kind: models.TxKindApproval, ChainID: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bridge.WaitMined(ctx, chain, models.TxRequest{ChainID: 1}, hash, fastWait)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = bridge.WaitMined(context.Background(), chain, models.TxRequest{ChainID: 1}, hash,
		bridge.WaitOptions{PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, bridge.ErrRPCUnavailable)
}
