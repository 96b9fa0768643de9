package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// Kind is the classification of a bridge error
type Kind string

const (
	KindQuoteUnavailable      Kind = "quote_unavailable"
	KindNoRouteAvailable      Kind = "no_route_available"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindInsufficientAllowance Kind = "insufficient_allowance"
	KindInsufficientGas       Kind = "insufficient_gas"
	KindSimulationReverted    Kind = "simulation_reverted"
	KindSignerRejected        Kind = "signer_rejected"
	KindRPCUnavailable        Kind = "rpc_unavailable"
	KindRateLimited           Kind = "rate_limited"
	KindLegTimedOut           Kind = "leg_timed_out"
	KindQuoteExpired          Kind = "quote_expired"
	KindDegradedQuote         Kind = "degraded_quote"
	KindCancelled             Kind = "cancelled"
	KindUnknown               Kind = "unknown_adapter_error"
)

var (
	ErrQuoteUnavailable      = errors.New("quote unavailable")
	ErrNoRouteAvailable      = errors.New("no route available")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientGas       = errors.New("insufficient gas")
	ErrSimulationReverted    = errors.New("simulation reverted")
	ErrSignerRejected        = errors.New("signer rejected")
	ErrRPCUnavailable        = errors.New("rpc unavailable")
	ErrRateLimited           = errors.New("rate limited")
	ErrLegTimedOut           = errors.New("leg timed out")
	ErrQuoteExpired          = errors.New("quote expired")
	ErrDegradedQuote         = errors.New("degraded quote cannot be executed")
	ErrUnknownAdapter        = errors.New("unknown adapter error")
)

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrQuoteUnavailable, KindQuoteUnavailable},
	{ErrNoRouteAvailable, KindNoRouteAvailable},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInsufficientAllowance, KindInsufficientAllowance},
	{ErrInsufficientGas, KindInsufficientGas},
	{ErrSimulationReverted, KindSimulationReverted},
	{ErrSignerRejected, KindSignerRejected},
	{ErrRPCUnavailable, KindRPCUnavailable},
	{ErrRateLimited, KindRateLimited},
	{ErrLegTimedOut, KindLegTimedOut},
	{ErrQuoteExpired, KindQuoteExpired},
	{ErrDegradedQuote, KindDegradedQuote},
	{ErrUnknownAdapter, KindUnknown},
}

// LegError is a classified failure attached to a specific leg
type LegError struct {
	LegIndex  int
	Kind      Kind
	Adapter   string
	Shortfall *amount.Amount
	Err       error
}

func (e *LegError) Error() string {
	msg := fmt.Sprintf("leg %d", e.LegIndex)
	if e.Adapter != "" {
		msg += " (" + e.Adapter + ")"
	}
	msg += fmt.Sprintf(": %s: %v", e.Kind, e.Err)
	if e.Shortfall != nil {
		msg += fmt.Sprintf(" (shortfall %s)", e.Shortfall.String())
	}
	return msg
}

func (e *LegError) Unwrap() error {
	return e.Err
}

// NewLegError classifies err and binds it to a leg
func NewLegError(legIndex int, adapter string, err error) *LegError {
	var existing *LegError
	if errors.As(err, &existing) {
		c := *existing
		c.LegIndex = legIndex
		if c.Adapter == "" {
			c.Adapter = adapter
		}
		return &c
	}
	le := &LegError{LegIndex: legIndex, Kind: Classify(err), Adapter: adapter, Err: err}
	var fe *FundsError
	if errors.As(err, &fe) {
		s := fe.Shortfall
		le.Shortfall = &s
	}
	return le
}

// Failure converts the error into the persisted leg failure record
func (e *LegError) Failure() models.Failure {
	return models.Failure{Kind: string(e.Kind), Message: e.Err.Error(), Shortfall: e.Shortfall}
}

// FundsError carries the shortfall of an InsufficientFunds failure
type FundsError struct {
	Token     amount.Token
	Required  amount.Amount
	Available amount.Amount
	Shortfall amount.Amount
}

// NewFundsError computes the shortfall between required and available
func NewFundsError(token amount.Token, required, available amount.Amount) *FundsError {
	shortfall, err := required.Sub(available)
	if err != nil {
		shortfall = amount.Zero(required.Decimals())
	}
	return &FundsError{Token: token, Required: required, Available: available, Shortfall: shortfall}
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("%v: need %s %s, have %s", ErrInsufficientFunds, e.Required.Human(), e.Token, e.Available.Human())
}

func (e *FundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// Classify maps an error into the taxonomy. Sentinels win, then known RPC and wallet messages.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var le *LegError
	if errors.As(err, &le) {
		return le.Kind
	}
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429"):
		return KindRateLimited
	case strings.Contains(errStr, "user denied") ||
		strings.Contains(errStr, "user rejected") ||
		strings.Contains(errStr, "rejected by signer"):
		return KindSignerRejected
	case strings.Contains(errStr, "insufficient funds for gas") ||
		strings.Contains(errStr, "gas required exceeds allowance"):
		return KindInsufficientGas
	case strings.Contains(errStr, "transfer amount exceeds allowance") ||
		strings.Contains(errStr, "insufficient allowance"):
		return KindInsufficientAllowance
	case strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "transfer amount exceeds balance") ||
		strings.Contains(errStr, "insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas"):
		return KindSimulationReverted
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "header not found"):
		return KindRPCUnavailable
	}
	return KindUnknown
}

// SentinelFor returns the sentinel error of a kind, nil for kinds without one
func SentinelFor(kind Kind) error {
	for _, s := range sentinelKinds {
		if s.kind == kind {
			return s.err
		}
	}
	return nil
}

// IsTransient reports whether err is worth retrying with backoff
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindRPCUnavailable, KindRateLimited:
		return true
	}
	return false
}

// Wrap attaches a sentinel to a vendor error so classification survives
func Wrap(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
