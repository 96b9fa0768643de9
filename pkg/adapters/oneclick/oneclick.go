// Package oneclick implements a bridge adapter over the 1Click intent network.
// 1Click issues a deposit address per quote, the leg is executed by transferring
// the input token to that address.
package oneclick

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// Name identifies the adapter in quotes, legs and metrics
const Name = "oneclick"

// DefaultQuoteValidity is how long a deposit address accepts funds
const DefaultQuoteValidity = 10 * time.Minute

// blockchains maps chain ids to 1Click blockchain identifiers
var blockchains = map[amount.ChainID]string{
	1:                    "eth",
	10:                   "op",
	56:                   "bsc",
	137:                  "pol",
	8453:                 "base",
	42161:                "arb",
	43114:                "avax",
	chains.SolanaChainID: "sol",
}

// QuoteParams is an EXACT_INPUT quote request
type QuoteParams struct {
	OriginAsset      string
	DestinationAsset string
	Amount           string
	SlippageBps      uint32
	RefundTo         string
	Recipient        string
	Deadline         time.Time
}

// QuoteResult is the priced answer with its deposit address
type QuoteResult struct {
	DepositAddress string
	DepositMemo    string
	AmountOut      string
	MinAmountOut   string
	TimeEstimate   float64
}

// StatusResult is the execution status of a deposit address
type StatusResult struct {
	Status         string
	AmountOut      string
	DestinationTxs []string
}

// API is the part of the 1Click service the adapter uses
type API interface {
	Tokens(ctx context.Context) ([]TokenInfo, error)
	Quote(ctx context.Context, params QuoteParams) (*QuoteResult, error)
	Status(ctx context.Context, depositAddress string) (*StatusResult, error)
	SubmitDeposit(ctx context.Context, depositAddress, txHash string) error
}

// Options configures the adapter
type Options struct {
	TokenCacheTTL time.Duration
	QuoteValidity time.Duration
	Wait          bridge.WaitOptions
}

// Adapter routes legs through 1Click
type Adapter struct {
	api      API
	rpc      bridge.ChainRPC
	tokens   *TokenCache
	validity time.Duration
	wait     bridge.WaitOptions
	logger   logger.Logger
}

var _ bridge.Adapter = (*Adapter)(nil)

// New creates a 1Click adapter
func New(api API, rpc bridge.ChainRPC, opts Options, l logger.Logger) *Adapter {
	if opts.TokenCacheTTL <= 0 {
		opts.TokenCacheTTL = 10 * time.Minute
	}
	if opts.QuoteValidity <= 0 {
		opts.QuoteValidity = DefaultQuoteValidity
	}
	return &Adapter{
		api:      api,
		rpc:      rpc,
		tokens:   NewTokenCache(opts.TokenCacheTTL),
		validity: opts.QuoteValidity,
		wait:     opts.Wait,
		logger:   l,
	}
}

func (a *Adapter) Name() string {
	return Name
}

// Supports accepts routes between catalogued stablecoins on chains 1Click serves,
// as long as the deposit can be signed on an EVM chain
func (a *Adapter) Supports(route bridge.Route) bool {
	if route.From.Same(route.To) || !chains.IsEVM(route.From.Chain) {
		return false
	}
	if _, ok := blockchains[route.From.Chain]; !ok {
		return false
	}
	if _, ok := blockchains[route.To.Chain]; !ok {
		return false
	}
	if _, ok := chains.LookupToken(route.From.Chain, route.From.Address); !ok {
		return false
	}
	_, ok := chains.LookupToken(route.To.Chain, route.To.Address)
	return ok
}

// supportedTokens returns the cached token list, fetching it when stale
func (a *Adapter) supportedTokens(ctx context.Context) ([]TokenInfo, error) {
	if tokens, ok := a.tokens.Get(); ok {
		return tokens, nil
	}
	tokens, err := a.api.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	a.tokens.Set(tokens)
	a.logger.Debug("Cached %d 1Click tokens", len(tokens))
	return tokens, nil
}

func (a *Adapter) assetID(ctx context.Context, token amount.Token) (string, error) {
	tokens, err := a.supportedTokens(ctx)
	if err != nil {
		return "", err
	}
	info, ok := findAsset(tokens, blockchains[token.Chain], token.Address)
	if !ok {
		return "", bridge.Wrap(bridge.ErrQuoteUnavailable, "1click does not list %s", token)
	}
	if info.Decimals != 0 && info.Decimals != token.Decimals {
		return "", bridge.Wrap(bridge.ErrQuoteUnavailable, "1click lists %s with %d decimals", token, info.Decimals)
	}
	return info.AssetID, nil
}

// GetQuote requests a live quote, which reserves a deposit address but touches no chain
func (a *Adapter) GetQuote(ctx context.Context, req bridge.QuoteRequest) (*models.Quote, error) {
	if !a.Supports(req.Route()) {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "1click does not route %s -> %s", req.InputToken, req.OutputToken)
	}
	if err := chains.ValidateAddress(req.OutputToken.Chain, req.Recipient); err != nil {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "%v", err)
	}

	origin, err := a.assetID(ctx, req.InputToken)
	if err != nil {
		return nil, err
	}
	destination, err := a.assetID(ctx, req.OutputToken)
	if err != nil {
		return nil, err
	}

	issued := time.Now().UTC()
	deadline := issued.Add(a.validity)
	res, err := a.api.Quote(ctx, QuoteParams{
		OriginAsset:      origin,
		DestinationAsset: destination,
		Amount:           req.InputAmount.String(),
		SlippageBps:      req.SlippageBps,
		RefundTo:         req.Depositor,
		Recipient:        req.Recipient,
		Deadline:         deadline,
	})
	if err != nil {
		return nil, err
	}
	if res.DepositAddress == "" {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "1click quote has no deposit address")
	}
	if res.DepositMemo != "" {
		// a memo cannot be attached to an EVM token transfer
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "1click deposit requires memo %q", res.DepositMemo)
	}

	expected, err := req.OutputToken.Amount(res.AmountOut)
	if err != nil {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "invalid output amount %q", res.AmountOut)
	}
	minOut := expected.ApplyBps(req.SlippageBps)
	if res.MinAmountOut != "" {
		vendorMin, err := req.OutputToken.Amount(res.MinAmountOut)
		if err == nil && vendorMin.Cmp(minOut) > 0 && vendorMin.Cmp(expected) <= 0 {
			minOut = vendorMin
		}
	}

	primary, err := bridge.TokenTransferTx(req.InputToken, req.Depositor, res.DepositAddress, req.InputAmount)
	if err != nil {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "%v", err)
	}

	return &models.Quote{
		ID:                      res.DepositAddress,
		Adapter:                 Name,
		LegIndex:                req.LegIndex,
		InputToken:              req.InputToken,
		OutputToken:             req.OutputToken,
		InputAmount:             req.InputAmount,
		ExpectedOutputAmount:    expected,
		MinOutputAmount:         minOut,
		ExpectedFillTimeSeconds: int64(res.TimeEstimate),
		PrimaryTransaction:      primary,
		VendorRef:               res.DepositAddress,
		IssuedAt:                issued,
		ExpiresAt:               deadline,
	}, nil
}

// Execute transfers the input token to the deposit address and notifies 1Click of the deposit
func (a *Adapter) Execute(ctx context.Context, quote *models.Quote, signer bridge.Signer) ([]models.ExecutionHandle, error) {
	if a.rpc == nil {
		return nil, fmt.Errorf("1click adapter has no chain rpc configured")
	}
	handles, err := bridge.SubmitSequence(ctx, a.rpc, signer, quote, a.wait)
	if err != nil {
		return handles, err
	}

	primary := handles[len(handles)-1]
	// 1Click also detects deposits on its own, a failed notification only slows it down
	if err := a.api.SubmitDeposit(ctx, quote.VendorRef, primary.TransactionHash); err != nil {
		a.logger.ErrorWithChain(int(primary.ChainID), "Failed to notify 1click of deposit %s: %v", primary.TransactionHash, err)
	}
	return handles, nil
}

// statusMap normalizes 1Click execution statuses
var statusMap = map[string]models.LegStatus{
	"PENDING_DEPOSIT":    models.LegSubmitted,
	"KNOWN_DEPOSIT_TX":   models.LegConfirming,
	"PROCESSING":         models.LegRelaying,
	"SUCCESS":            models.LegFilled,
	"INCOMPLETE_DEPOSIT": models.LegFailed,
	"REFUNDED":           models.LegFailed,
	"FAILED":             models.LegFailed,
}

// PollStatus checks the deposit address once
func (a *Adapter) PollStatus(ctx context.Context, handle models.ExecutionHandle) (bridge.StatusReport, error) {
	if handle.VendorRef == "" {
		return bridge.StatusReport{}, bridge.Wrap(bridge.ErrUnknownAdapter, "handle %s has no deposit address", handle.TransactionHash)
	}

	res, err := a.api.Status(ctx, handle.VendorRef)
	if err != nil {
		return bridge.StatusReport{}, err
	}

	raw := strings.ToUpper(res.Status)
	status, ok := statusMap[raw]
	if !ok {
		a.logger.DebugWithChain(int(handle.ChainID), "Unknown 1click status %q for %s", res.Status, handle.VendorRef)
		status = models.LegSubmitted
	}

	report := bridge.StatusReport{Status: status, Raw: raw}
	if len(res.DestinationTxs) > 0 {
		report.DestinationTx = res.DestinationTxs[0]
	}

	switch status {
	case models.LegFailed:
		report.Reason = "1click reported " + raw
	case models.LegFilled:
		if res.AmountOut != "" {
			realized, err := amount.FromString(res.AmountOut, handle.OutputDecimals)
			if err != nil {
				return bridge.StatusReport{}, bridge.Wrap(bridge.ErrUnknownAdapter, "invalid realized amount %q", res.AmountOut)
			}
			report.RealizedOutput = &realized
		}
	}
	return report, nil
}
