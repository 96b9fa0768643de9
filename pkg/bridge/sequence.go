package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

const (
	// DefaultMinedPollInterval is how often a pre-transaction receipt is checked
	DefaultMinedPollInterval = 2 * time.Second
	// DefaultMinedTimeout bounds the wait for a pre-transaction to be mined
	DefaultMinedTimeout = 3 * time.Minute
	// gasBufferPercent is added on top of estimated gas
	gasBufferPercent = 20
)

// WaitOptions controls how long SubmitSequence waits for pre-transactions
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultMinedPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultMinedTimeout
	}
	return o
}

// SubmitSequence simulates, signs and sends the quote's transactions in order.
// Every pre-transaction must be mined successfully before the next one is sent,
// the primary transaction is sent last and not waited for.
// Handles of everything already submitted are returned even on error.
func SubmitSequence(ctx context.Context, rpc ChainRPC, signer Signer, quote *models.Quote, opts WaitOptions) ([]models.ExecutionHandle, error) {
	opts = opts.withDefaults()
	txs := quote.Transactions()
	handles := make([]models.ExecutionHandle, 0, len(txs))

	for i, tx := range txs {
		if tx.From == "" {
			tx.From = signer.Address(tx.ChainID)
		}

		gas, err := rpc.EstimateGas(ctx, tx)
		if err != nil {
			return handles, simulationError(tx, err)
		}
		if tx.GasLimit == 0 {
			tx.GasLimit = gas + gas*gasBufferPercent/100
		}

		hash, err := signer.SignAndSend(ctx, tx)
		if err != nil {
			return handles, sendError(tx, err)
		}
		handles = append(handles, models.ExecutionHandle{
			ChainID:         tx.ChainID,
			TransactionHash: hash,
			SubmittedAt:     time.Now().UTC(),
			Kind:            tx.Kind,
			VendorRef:       quote.VendorRef,
			OutputDecimals:  quote.OutputToken.Decimals,
		})

		if i == len(txs)-1 {
			break
		}

		receipt, err := WaitMined(ctx, rpc, tx, hash, opts)
		if err != nil {
			return handles, err
		}
		if !receipt.Succeeded() {
			return handles, fmt.Errorf("%w: %s transaction %s reverted on-chain", ErrSimulationReverted, tx.Kind, hash)
		}
	}

	return handles, nil
}

// WaitMined polls for a receipt until it is available, the timeout passes or ctx is done.
// Transient RPC errors are treated as not yet mined.
func WaitMined(ctx context.Context, rpc ChainRPC, tx models.TxRequest, hash string, opts WaitOptions) (*Receipt, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := rpc.GetTransactionReceipt(ctx, tx.ChainID, hash)
		if err != nil && !IsTransient(err) {
			return nil, fmt.Errorf("failed to get receipt for %s: %w", hash, err)
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s transaction %s not mined within %s", ErrRPCUnavailable, tx.Kind, hash, opts.Timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func simulationError(tx models.TxRequest, err error) error {
	switch Classify(err) {
	case KindRPCUnavailable, KindRateLimited, KindInsufficientFunds, KindInsufficientGas, KindInsufficientAllowance, KindCancelled:
		return classified(err, "failed to simulate %s transaction", tx.Kind)
	}
	if errors.Is(err, ErrSimulationReverted) {
		return fmt.Errorf("failed to simulate %s transaction: %w", tx.Kind, err)
	}
	return fmt.Errorf("%w: %s transaction: %v", ErrSimulationReverted, tx.Kind, err)
}

func sendError(tx models.TxRequest, err error) error {
	return classified(err, "failed to send %s transaction", tx.Kind)
}

// classified wraps err so that errors.Is matches the sentinel of its kind
func classified(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	sentinel := SentinelFor(Classify(err))
	if sentinel == nil || errors.Is(err, sentinel) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %v", sentinel, msg, err)
}
