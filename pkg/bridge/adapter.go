package bridge

import (
	"context"
	"math/big"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// Route is a direct hop between two assets
type Route struct {
	From amount.Token
	To   amount.Token
}

// QuoteRequest asks an adapter to price one leg
type QuoteRequest struct {
	LegIndex    int
	InputToken  amount.Token
	OutputToken amount.Token
	InputAmount amount.Amount
	Depositor   string
	Recipient   string
	// SlippageBps derives MinOutputAmount from the expected output
	SlippageBps uint32
}

// Route returns the hop this request prices
func (r QuoteRequest) Route() Route {
	return Route{From: r.InputToken, To: r.OutputToken}
}

// StatusReport is an adapter's normalized view of a leg
type StatusReport struct {
	Status         models.LegStatus
	RealizedOutput *amount.Amount
	DestinationTx  string
	// Reason is set when Status is failed
	Reason string
	// Raw is the vendor status string before normalization
	Raw string
}

// Adapter is implemented once per bridge vendor
type Adapter interface {
	// Name identifies the adapter in logs, metrics and persisted legs
	Name() string
	// Supports reports whether the adapter can route From -> To directly
	Supports(route Route) bool
	// GetQuote prices a leg. It must not have side effects.
	GetQuote(ctx context.Context, req QuoteRequest) (*models.Quote, error)
	// Execute submits pre-transactions then the primary transaction
	Execute(ctx context.Context, quote *models.Quote, signer Signer) ([]models.ExecutionHandle, error)
	// PollStatus performs one bounded status check and never sleeps
	PollStatus(ctx context.Context, handle models.ExecutionHandle) (StatusReport, error)
}

// Signer signs and broadcasts transactions on behalf of the depositor
type Signer interface {
	Address(chainID amount.ChainID) string
	SignAndSend(ctx context.Context, tx models.TxRequest) (string, error)
}

// Receipt is the subset of a mined transaction receipt the engine needs
type Receipt struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Succeeded reports whether the transaction executed without reverting
func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}

// ChainRPC is the read-mostly view of a chain
type ChainRPC interface {
	EstimateGas(ctx context.Context, tx models.TxRequest) (uint64, error)
	// GetTransactionReceipt returns nil, nil while the transaction is unmined
	GetTransactionReceipt(ctx context.Context, chainID amount.ChainID, txHash string) (*Receipt, error)
	// GetBalance returns the native balance when token.Address is empty, the ERC-20 balance otherwise
	GetBalance(ctx context.Context, token amount.Token, owner string) (amount.Amount, error)
	GetBytecode(ctx context.Context, chainID amount.ChainID, address string) ([]byte, error)
	GetAllowance(ctx context.Context, token amount.Token, owner, spender string) (*big.Int, error)
}
