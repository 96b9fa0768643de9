// Package simulated provides a degraded-mode adapter for demo environments.
// Its quotes are priced from a fixed fee, are marked degraded and can never be executed.
package simulated

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// Name identifies the adapter in quotes and metrics
const Name = "simulated"

const (
	feeBps           = 30
	fillTimeSeconds  = 60
	quoteValidity    = 30 * time.Second
	primaryNotSigned = "0x0000000000000000000000000000000000000000"
)

// Adapter prices any route between catalogued stablecoins
type Adapter struct{}

var _ bridge.Adapter = (*Adapter)(nil)

// New creates the simulated adapter
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string {
	return Name
}

func (a *Adapter) Supports(route bridge.Route) bool {
	if route.From.Same(route.To) {
		return false
	}
	if _, ok := chains.LookupToken(route.From.Chain, route.From.Address); !ok {
		return false
	}
	_, ok := chains.LookupToken(route.To.Chain, route.To.Address)
	return ok
}

// GetQuote returns a degraded quote: the input rescaled to the output token minus a flat fee
func (a *Adapter) GetQuote(_ context.Context, req bridge.QuoteRequest) (*models.Quote, error) {
	if !a.Supports(req.Route()) {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "simulated adapter does not route %s -> %s", req.InputToken, req.OutputToken)
	}
	out, err := req.InputAmount.Rescale(req.OutputToken.Decimals)
	if err != nil {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "%v", err)
	}
	expected := out.ApplyBps(feeBps)
	now := time.Now().UTC()
	id := "sim-" + uuid.NewString()

	return &models.Quote{
		ID:                      id,
		Adapter:                 Name,
		LegIndex:                req.LegIndex,
		InputToken:              req.InputToken,
		OutputToken:             req.OutputToken,
		InputAmount:             req.InputAmount,
		ExpectedOutputAmount:    expected,
		MinOutputAmount:         expected.ApplyBps(req.SlippageBps),
		ExpectedFillTimeSeconds: fillTimeSeconds,
		PrimaryTransaction: models.TxRequest{
			Kind:    models.TxKindPrimary,
			ChainID: req.InputToken.Chain,
			From:    req.Depositor,
			To:      primaryNotSigned,
		},
		VendorRef: id,
		IssuedAt:  now,
		ExpiresAt: now.Add(quoteValidity),
		Degraded:  true,
	}, nil
}

// Execute always refuses
func (a *Adapter) Execute(_ context.Context, quote *models.Quote, _ bridge.Signer) ([]models.ExecutionHandle, error) {
	return nil, bridge.Wrap(bridge.ErrDegradedQuote, "quote %s", quote.ID)
}

// PollStatus always refuses, simulated legs are never submitted
func (a *Adapter) PollStatus(_ context.Context, handle models.ExecutionHandle) (bridge.StatusReport, error) {
	return bridge.StatusReport{}, bridge.Wrap(bridge.ErrUnknownAdapter, "simulated adapter cannot track %s", handle.TransactionHash)
}
