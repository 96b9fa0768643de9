package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
)

// DefaultMaxLegs is used when an intent does not bound the number of legs
const DefaultMaxLegs = 3

// MaxSlippageBps caps the slippage tolerance of an intent (50%)
const MaxSlippageBps = 5000

// TransferIntent is the caller's request to move value between chains
type TransferIntent struct {
	SourceChain          amount.ChainID `json:"source_chain"`
	DestinationChain     amount.ChainID `json:"destination_chain"`
	SourceToken          amount.Token   `json:"source_token"`
	DestinationToken     amount.Token   `json:"destination_token"`
	Amount               amount.Amount  `json:"amount"`
	Depositor            string         `json:"depositor"`
	Recipient            string         `json:"recipient"`
	SlippageToleranceBps uint32         `json:"slippage_tolerance_bps"`
	MaxLegs              int            `json:"max_legs"`
}

// Validate checks the intent is internally consistent
func (i TransferIntent) Validate() error {
	if i.SourceChain == 0 || i.DestinationChain == 0 {
		return errors.New("source and destination chains are required")
	}
	if i.SourceToken.Chain != i.SourceChain {
		return fmt.Errorf("source token chain %d does not match source chain %d", i.SourceToken.Chain, i.SourceChain)
	}
	if i.DestinationToken.Chain != i.DestinationChain {
		return fmt.Errorf("destination token chain %d does not match destination chain %d", i.DestinationToken.Chain, i.DestinationChain)
	}
	if i.SourceToken.Same(i.DestinationToken) {
		return errors.New("source and destination assets are identical")
	}
	if i.Amount.IsZero() {
		return errors.New("amount must be greater than zero")
	}
	if i.Amount.Decimals() != i.SourceToken.Decimals {
		return fmt.Errorf("amount decimals %d do not match source token decimals %d", i.Amount.Decimals(), i.SourceToken.Decimals)
	}
	if strings.TrimSpace(i.Depositor) == "" || strings.TrimSpace(i.Recipient) == "" {
		return errors.New("depositor and recipient are required")
	}
	if i.SlippageToleranceBps > MaxSlippageBps {
		return fmt.Errorf("slippage tolerance %d bps above maximum %d", i.SlippageToleranceBps, MaxSlippageBps)
	}
	if i.MaxLegs < 0 {
		return errors.New("max legs cannot be negative")
	}
	return nil
}

// LegLimit returns the effective maximum number of legs
func (i TransferIntent) LegLimit() int {
	if i.MaxLegs == 0 {
		return DefaultMaxLegs
	}
	return i.MaxLegs
}
