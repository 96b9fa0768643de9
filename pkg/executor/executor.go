// Package executor turns a fresh quote into submitted on-chain transactions for one leg.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/events"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/metrics"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/registry"
)

// AdapterSource resolves the adapter that issued a quote
type AdapterSource interface {
	Adapter(name string) (bridge.Adapter, bool)
}

// Engine executes legs. It never polls for completion.
type Engine struct {
	registry *registry.Registry
	adapters AdapterSource
	rpc      bridge.ChainRPC
	notifier events.Notifier
	logger   logger.Logger
	now      func() time.Time
}

// New creates an execution engine
func New(reg *registry.Registry, adapters AdapterSource, rpc bridge.ChainRPC, notifier events.Notifier, l logger.Logger) *Engine {
	return &Engine{
		registry: reg,
		adapters: adapters,
		rpc:      rpc,
		notifier: notifier,
		logger:   l,
		now:      time.Now,
	}
}

// Execute runs quote for leg legIndex of transfer transferID and returns the leg in Submitted state.
//
// A stale quote returns ErrQuoteExpired and leaves the leg untouched so the caller can re-quote.
// Cancellation leaves the leg pending with whatever was already sent on record.
// Every other failure marks the leg Failed and is returned as a *bridge.LegError.
// Each transaction is recorded on the leg as soon as the signer has broadcast it.
func (e *Engine) Execute(ctx context.Context, transferID string, legIndex int, quote *models.Quote, signer bridge.Signer) (*models.Leg, error) {
	if !quote.Fresh(e.now()) {
		return nil, bridge.NewLegError(legIndex, quote.Adapter, bridge.Wrap(bridge.ErrQuoteExpired, "quote %s expired at %s", quote.ID, quote.ExpiresAt.Format(time.RFC3339)))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, err := e.registry.Update(ctx, transferID, func(t *models.Transfer) error {
		leg, err := legOf(t, legIndex)
		if err != nil {
			return err
		}
		if leg.Status != models.LegPending {
			return fmt.Errorf("%w: leg %d is %s, not pending", models.ErrIllegalTransition, legIndex, leg.Status)
		}
		q := *quote
		in := quote.InputAmount
		leg.Quote = &q
		leg.Adapter = quote.Adapter
		leg.InputAmount = &in
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach quote to leg %d: %w", legIndex, err)
	}

	handles, err := e.execute(ctx, transferID, legIndex, quote, signer)
	if err != nil {
		return nil, e.fail(ctx, transferID, legIndex, quote.Adapter, handles, err)
	}

	t, err := e.registry.Update(ctx, transferID, func(t *models.Transfer) error {
		leg, err := legOf(t, legIndex)
		if err != nil {
			return err
		}
		for _, h := range handles {
			if err := leg.AddHandle(h); err != nil {
				return err
			}
		}
		return markSubmitted(leg, e.now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record submission of leg %d: %w", legIndex, err)
	}

	leg := t.Legs[legIndex]
	primary, _ := leg.PrimaryHandle()
	e.logger.InfoWithChain(int(quote.InputToken.Chain), "Transfer %s leg %d submitted via %s: %s", transferID, legIndex, quote.Adapter, primary.TransactionHash)
	return &leg, nil
}

func (e *Engine) execute(ctx context.Context, transferID string, legIndex int, quote *models.Quote, signer bridge.Signer) ([]models.ExecutionHandle, error) {
	if quote.Degraded {
		return nil, bridge.Wrap(bridge.ErrDegradedQuote, "quote %s from %s is for display only", quote.ID, quote.Adapter)
	}
	adapter, ok := e.adapters.Adapter(quote.Adapter)
	if !ok {
		return nil, bridge.Wrap(bridge.ErrUnknownAdapter, "adapter %q is not registered", quote.Adapter)
	}

	if err := e.checkFunds(ctx, quote, signer); err != nil {
		return nil, err
	}

	rec := &recordingSigner{
		inner:      signer,
		engine:     e,
		ctx:        ctx,
		transferID: transferID,
		legIndex:   legIndex,
		quote:      quote,
	}
	return adapter.Execute(ctx, quote, rec)
}

// checkFunds compares the depositor's balance of the input token with the quoted input
func (e *Engine) checkFunds(ctx context.Context, quote *models.Quote, signer bridge.Signer) error {
	if e.rpc == nil {
		return nil
	}
	owner := signer.Address(quote.InputToken.Chain)
	balance, err := e.rpc.GetBalance(ctx, quote.InputToken, owner)
	if err != nil {
		return fmt.Errorf("failed to read %s balance of %s: %w", quote.InputToken, owner, err)
	}
	if balance.Cmp(quote.InputAmount) < 0 {
		return bridge.NewFundsError(quote.InputToken, quote.InputAmount, balance)
	}
	return nil
}

// fail records the handles that made it out, then marks the leg failed
func (e *Engine) fail(ctx context.Context, transferID string, legIndex int, adapter string, handles []models.ExecutionHandle, cause error) error {
	legErr := bridge.NewLegError(legIndex, adapter, cause)
	if bridge.Classify(cause) == bridge.KindCancelled {
		e.keepHandles(ctx, transferID, legIndex, handles)
		return legErr
	}

	t, err := e.registry.Update(context.WithoutCancel(ctx), transferID, func(t *models.Transfer) error {
		leg, err := legOf(t, legIndex)
		if err != nil {
			return err
		}
		for _, h := range handles {
			if err := leg.AddHandle(h); err != nil {
				return err
			}
		}
		return leg.Fail(models.LegFailed, legErr.Failure(), e.now().UTC())
	})
	if err != nil {
		e.logger.Error("Failed to record failure of transfer %s leg %d: %v (cause: %v)", transferID, legIndex, err, cause)
		return legErr
	}

	metrics.LegStatusTotal.WithLabelValues(adapter, string(models.LegFailed)).Inc()
	e.notifier.Publish(ctx, events.LegEvent(t, legIndex))
	e.logger.Error("Transfer %s leg %d failed to execute: %v", transferID, legIndex, legErr)
	return legErr
}

// keepHandles records what was sent before an interruption and leaves the leg pending.
// Execution starts over from the allowance check, so a landed approval is not sent again.
func (e *Engine) keepHandles(ctx context.Context, transferID string, legIndex int, handles []models.ExecutionHandle) {
	if len(handles) == 0 {
		return
	}
	_, err := e.registry.Update(context.WithoutCancel(ctx), transferID, func(t *models.Transfer) error {
		leg, err := legOf(t, legIndex)
		if err != nil {
			return err
		}
		for _, h := range handles {
			if err := leg.AddHandle(h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Failed to record interrupted transactions of transfer %s leg %d: %v", transferID, legIndex, err)
		return
	}
	e.logger.Notice("Transfer %s leg %d interrupted after %d transaction(s), it stays pending", transferID, legIndex, len(handles))
}

// record persists a broadcast transaction. The primary transaction moves the leg to Submitted.
func (e *Engine) record(ctx context.Context, transferID string, legIndex int, h models.ExecutionHandle) error {
	t, err := e.registry.Update(context.WithoutCancel(ctx), transferID, func(t *models.Transfer) error {
		leg, err := legOf(t, legIndex)
		if err != nil {
			return err
		}
		if err := leg.AddHandle(h); err != nil {
			return err
		}
		if h.Kind == models.TxKindPrimary {
			return markSubmitted(leg, h.SubmittedAt)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if h.Kind == models.TxKindPrimary {
		metrics.LegStatusTotal.WithLabelValues(t.Legs[legIndex].Adapter, string(models.LegSubmitted)).Inc()
		e.notifier.Publish(ctx, events.LegEvent(t, legIndex))
	}
	return nil
}

// markSubmitted starts the tracking budget on the first primary submission
func markSubmitted(leg *models.Leg, at time.Time) error {
	if leg.Status != models.LegPending {
		return nil
	}
	if err := leg.Transition(models.LegSubmitted, at); err != nil {
		return err
	}
	leg.TrackingStartedAt = at
	return nil
}

func legOf(t *models.Transfer, legIndex int) (*models.Leg, error) {
	if legIndex < 0 || legIndex >= len(t.Legs) {
		return nil, fmt.Errorf("transfer %s has no leg %d", t.ID, legIndex)
	}
	return &t.Legs[legIndex], nil
}

// recordingSigner persists every transaction the inner signer broadcasts before reporting it sent
type recordingSigner struct {
	inner      bridge.Signer
	engine     *Engine
	ctx        context.Context
	transferID string
	legIndex   int
	quote      *models.Quote
}

func (s *recordingSigner) Address(chainID amount.ChainID) string {
	return s.inner.Address(chainID)
}

func (s *recordingSigner) SignAndSend(ctx context.Context, tx models.TxRequest) (string, error) {
	chain := fmt.Sprintf("%d", tx.ChainID)
	hash, err := s.inner.SignAndSend(ctx, tx)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues(chain, string(tx.Kind), "error").Inc()
		return "", err
	}
	metrics.TransactionsTotal.WithLabelValues(chain, string(tx.Kind), "sent").Inc()

	h := models.ExecutionHandle{
		ChainID:         tx.ChainID,
		TransactionHash: hash,
		SubmittedAt:     s.engine.now().UTC(),
		Kind:            tx.Kind,
		VendorRef:       s.quote.VendorRef,
		OutputDecimals:  s.quote.OutputToken.Decimals,
	}
	if err := s.engine.record(s.ctx, s.transferID, s.legIndex, h); err != nil {
		// the transaction is out, the handle is merged again from the adapter's result
		s.engine.logger.Error("Failed to record %s transaction %s of transfer %s leg %d: %v", tx.Kind, hash, s.transferID, s.legIndex, err)
	}
	s.engine.logger.DebugWithChain(int(tx.ChainID), "Transfer %s leg %d sent %s transaction %s", s.transferID, s.legIndex, tx.Kind, hash)
	return hash, nil
}
