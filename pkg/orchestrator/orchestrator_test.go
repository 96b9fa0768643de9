package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge/mocks"
	"github.com/speedrun-hq/bridgerunner/pkg/events"
	"github.com/speedrun-hq/bridgerunner/pkg/executor"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/poller"
	"github.com/speedrun-hq/bridgerunner/pkg/quote"
	"github.com/speedrun-hq/bridgerunner/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ctx    context.Context
	stop   context.CancelFunc
	reg    *registry.Registry
	chain  *mocks.Chain
	relay  *mocks.Adapter
	bus    *events.Bus
	quotes *quote.Service
	engine *executor.Engine
	poller *poller.Poller
	orch   *Orchestrator

	ethUSDC, ethUSDT, baseUSDC, arbUSDC amount.Token
}

type options struct {
	poll      poller.Config
	orch      Config
	quoteTTL  time.Duration
	wrap      func(*mocks.Adapter) bridge.Adapter
	noStart   bool
	setScript mocks.StatusScript
}

func defaultOptions() options {
	return options{
		poll:     poller.Config{InitialInterval: time.Millisecond, Multiplier: 2, MaxInterval: 4 * time.Millisecond, LegTimeout: 5 * time.Second},
		orch:     Config{MaxLegs: 3, Workers: 4, QueueSize: 64},
		quoteTTL: time.Minute,
	}
}

// newHarness wires a relay mock routing eth USDC/USDT -> base USDC -> arbitrum USDC,
// with base USDC as the only hub
func newHarness(t *testing.T, opts ...func(*options)) *harness {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	h := &harness{
		ethUSDC:  token(t, 1, "USDC"),
		ethUSDT:  token(t, 1, "USDT"),
		baseUSDC: token(t, 8453, "USDC"),
		arbUSDC:  token(t, 42161, "USDC"),
	}
	h.chain = mocks.NewChain()
	h.relay = mocks.NewAdapter("relay", h.chain,
		bridge.Route{From: h.ethUSDC, To: h.baseUSDC},
		bridge.Route{From: h.ethUSDT, To: h.baseUSDC},
		bridge.Route{From: h.baseUSDC, To: h.arbUSDC},
	)
	h.relay.TTL = o.quoteTTL
	if o.setScript != nil {
		h.relay.Script = o.setScript
	}
	var adapter bridge.Adapter = h.relay
	if o.wrap != nil {
		adapter = o.wrap(h.relay)
	}

	l := &logger.EmptyLogger{}
	h.reg = registry.New(nil, l)
	h.bus = events.NewBus(nil, events.DefaultExchange, l)
	h.quotes = quote.NewService(quote.Config{TTL: time.Minute, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: 2}, nil, l, adapter)
	h.engine = executor.New(h.reg, h.quotes, h.chain, h.bus, l)
	h.poller = poller.New(h.reg, h.quotes, h.bus, o.poll, l)

	o.orch.Hubs = []amount.Token{h.baseUSDC}
	h.orch = New(o.orch, h.reg, h.quotes, h.engine, h.poller, h.bus, h.chain, l)

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.stop = cancel
	t.Cleanup(func() {
		cancel()
		h.orch.Wait()
	})
	if !o.noStart {
		h.orch.Start(ctx)
	}
	return h
}

func (h *harness) intent(from, to amount.Token, value int64) models.TransferIntent {
	return models.TransferIntent{
		SourceChain:          from.Chain,
		DestinationChain:     to.Chain,
		SourceToken:          from,
		DestinationToken:     to,
		Amount:               amount.MustNew(value, from.Decimals),
		Depositor:            mocks.DepositorAddress,
		Recipient:            mocks.DepositorAddress,
		SlippageToleranceBps: 50,
	}
}

func (h *harness) await(t *testing.T, id string, done func(*models.Transfer) bool) *models.Transfer {
	t.Helper()
	var last *models.Transfer
	require.Eventually(t, func() bool {
		tr, err := h.reg.Get(id)
		if err != nil {
			return false
		}
		last = tr
		return done(tr)
	}, 10*time.Second, 2*time.Millisecond, "transfer %s never reached the expected state", id)
	return last
}

func (h *harness) awaitTerminal(t *testing.T, id string) *models.Transfer {
	t.Helper()
	return h.await(t, id, func(tr *models.Transfer) bool { return tr.IsTerminal() })
}

func TestDirectTransferCompletes(t *testing.T) {
	h := newHarness(t)
	evs, unsub := h.bus.Subscribe("")
	defer unsub()

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)

	tr := h.awaitTerminal(t, id)
	assert.Equal(t, models.TransferCompleted, tr.State())
	require.Len(t, tr.Legs, 1)

	leg := tr.Legs[0]
	assert.Equal(t, models.LegFilled, leg.Status)
	require.NotNil(t, leg.RealizedOutput)
	require.NotNil(t, leg.Quote)
	assert.True(t, leg.RealizedOutput.Between(leg.Quote.MinOutputAmount, leg.Quote.ExpectedOutputAmount),
		"realized %s outside %s..%s", leg.RealizedOutput, leg.Quote.MinOutputAmount, leg.Quote.ExpectedOutputAmount)
	assert.Equal(t, []models.TxKind{models.TxKindApproval, models.TxKindPrimary}, h.chain.SentKinds())

	var statuses []models.LegStatus
	for ev := range evs {
		require.Equal(t, id, ev.TransferID)
		statuses = append(statuses, ev.Status)
		if ev.Status == models.LegFilled {
			assert.Equal(t, models.TransferCompleted, ev.TransferState)
			break
		}
	}
	assert.Equal(t, []models.LegStatus{
		models.LegPending, models.LegSubmitted, models.LegConfirming, models.LegRelaying, models.LegFilled,
	}, statuses)
}

func TestTwoLegTransferUsesRealizedOutput(t *testing.T) {
	h := newHarness(t)

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDT, h.arbUSDC, 1_000_000))
	require.NoError(t, err)

	tr := h.awaitTerminal(t, id)
	require.Equal(t, models.TransferCompleted, tr.State())
	require.Len(t, tr.Legs, 2)

	first, second := tr.Legs[0], tr.Legs[1]
	assert.True(t, first.OutputToken.Same(second.InputToken))
	assert.True(t, first.OutputToken.Same(h.baseUSDC))
	require.NotNil(t, first.RealizedOutput)
	require.NotNil(t, second.InputAmount)
	assert.Zero(t, second.InputAmount.Cmp(*first.RealizedOutput), "leg 1 spends what leg 0 delivered")
	assert.Zero(t, second.Quote.InputAmount.Cmp(*first.RealizedOutput), "leg 1 was quoted on the realized amount")
	assert.NotZero(t, second.InputAmount.Cmp(first.Quote.ExpectedOutputAmount), "not on the estimate")
	assert.Equal(t, int32(2), h.relay.ExecuteCalls.Load())
}

func TestSingleLegLimitWithoutDirectRoute(t *testing.T) {
	h := newHarness(t)
	intent := h.intent(h.ethUSDT, h.arbUSDC, 1_000_000)
	intent.MaxLegs = 1

	_, err := h.orch.Submit(context.Background(), intent)
	require.ErrorIs(t, err, bridge.ErrNoRouteAvailable)
	assert.Empty(t, h.reg.List(nil), "nothing is recorded for an unroutable intent")
	assert.Zero(t, h.relay.QuoteCalls.Load())
}

func TestSubmitRejectsInvalidIntent(t *testing.T) {
	h := newHarness(t)
	intent := h.intent(h.ethUSDC, h.baseUSDC, 1_000_000)
	intent.Recipient = ""

	_, err := h.orch.Submit(context.Background(), intent)
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestApprovalRevertFailsTransfer(t *testing.T) {
	h := newHarness(t)
	h.chain.EstimateErrs[models.TxKindApproval] = errors.New("execution reverted: ERC20: approve from the zero address")

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDT, h.arbUSDC, 1_000_000))
	require.NoError(t, err)

	tr := h.awaitTerminal(t, id)
	assert.Equal(t, models.TransferFailed, tr.State())
	assert.Empty(t, h.chain.SentKinds(), "the primary transaction is never sent")

	leg, failed := tr.FailedLeg()
	require.True(t, failed)
	assert.Equal(t, 0, leg.Index)
	require.NotNil(t, leg.Failure)
	assert.Equal(t, string(bridge.KindSimulationReverted), leg.Failure.Kind)
	assert.Equal(t, models.LegPending, tr.Legs[1].Status, "later legs never start")
}

func TestRelayingLegTimesOut(t *testing.T) {
	h := newHarness(t, func(o *options) {
		o.poll.LegTimeout = 60 * time.Millisecond
		o.setScript = mocks.StuckAt(models.LegRelaying)
	})

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)

	tr := h.awaitTerminal(t, id)
	assert.Equal(t, models.TransferFailed, tr.State())
	leg := tr.Legs[0]
	assert.Equal(t, models.LegTimedOut, leg.Status)
	primary, ok := leg.PrimaryHandle()
	require.True(t, ok, "the handle is kept for reconciliation")
	assert.NotEmpty(t, primary.TransactionHash)
	assert.Equal(t, string(bridge.KindLegTimedOut), leg.Failure.Kind)

	var to []models.LegStatus
	for _, c := range leg.History {
		to = append(to, c.To)
	}
	assert.Equal(t, []models.LegStatus{models.LegSubmitted, models.LegRelaying, models.LegTimedOut}, to)

	// the relayer delivers after all
	h.relay.Script = mocks.FillAfter()
	checks, err := h.orch.Reconcile(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, models.LegFilled, checks[0].ObservedStatus)
	assert.NotEmpty(t, checks[0].RealizedOutput)

	after, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.LegTimedOut, after.Legs[0].Status, "terminal legs never change")
	assert.Len(t, after.Reconciliations, 1)
	assert.Equal(t, 1, h.orch.ReconcileAll(context.Background()))
}

// staleFirst hands out one already expired quote, then behaves
type staleFirst struct {
	*mocks.Adapter
	served atomic.Bool
}

func (a *staleFirst) GetQuote(ctx context.Context, req bridge.QuoteRequest) (*models.Quote, error) {
	q, err := a.Adapter.GetQuote(ctx, req)
	if err == nil && a.served.CompareAndSwap(false, true) {
		q.ExpiresAt = q.IssuedAt.Add(-time.Second)
	}
	return q, err
}

func TestStaleQuoteIsReplacedOnce(t *testing.T) {
	h := newHarness(t, func(o *options) {
		o.wrap = func(a *mocks.Adapter) bridge.Adapter { return &staleFirst{Adapter: a} }
	})

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)

	tr := h.awaitTerminal(t, id)
	assert.Equal(t, models.TransferCompleted, tr.State())
	assert.Equal(t, int32(2), h.relay.QuoteCalls.Load())
	assert.Equal(t, int32(1), h.relay.ExecuteCalls.Load())
}

func TestPersistentlyStaleQuoteFailsLeg(t *testing.T) {
	h := newHarness(t, func(o *options) { o.quoteTTL = -time.Second })

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)

	tr := h.awaitTerminal(t, id)
	assert.Equal(t, models.TransferFailed, tr.State())
	assert.Equal(t, string(bridge.KindQuoteExpired), tr.Legs[0].Failure.Kind)
	assert.Zero(t, h.relay.ExecuteCalls.Load())
	assert.Empty(t, h.chain.Sent)
}

func TestQuoteFailureFailsLeg(t *testing.T) {
	h := newHarness(t)
	h.relay.QuoteErr = bridge.Wrap(bridge.ErrQuoteUnavailable, "pool paused")

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)

	tr := h.awaitTerminal(t, id)
	assert.Equal(t, models.TransferFailed, tr.State())
	assert.Equal(t, string(bridge.KindQuoteUnavailable), tr.Legs[0].Failure.Kind)
}

func TestCancelStopsTrackingOnly(t *testing.T) {
	h := newHarness(t, func(o *options) {
		o.poll.LegTimeout = time.Minute
		o.setScript = mocks.StuckAt(models.LegRelaying)
	})

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)
	h.await(t, id, func(tr *models.Transfer) bool { return tr.Legs[0].Status == models.LegRelaying })

	tr, err := h.orch.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, tr.Cancelled())
	assert.Equal(t, models.TransferPending, tr.State(), "state follows the legs")

	// tracking stops, the broadcast leg is left as it was
	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		return len(h.orch.running) == 0
	}, 5*time.Second, time.Millisecond)
	polls := h.relay.PollCalls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, h.relay.PollCalls.Load())

	after, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.True(t, after.Cancelled())
	assert.Equal(t, models.TransferPending, after.State())
	assert.Equal(t, models.LegRelaying, after.Legs[0].Status)
	assert.Len(t, after.Legs[0].Handles, 2)
	assert.True(t, NeedsReconcile(after))

	// cancelling twice is harmless
	_, err = h.orch.Cancel(context.Background(), id)
	assert.NoError(t, err)
}

func TestCancelFinishedTransfer(t *testing.T) {
	h := newHarness(t)
	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)
	h.awaitTerminal(t, id)

	_, err = h.orch.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	_, err = h.orch.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, registry.ErrTransferNotFound)

	_, err = h.orch.Reconcile(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotReconcilable)
}

func TestCancelBeforeWorkerPicksUp(t *testing.T) {
	h := newHarness(t, func(o *options) { o.noStart = true })

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)
	_, err = h.orch.Cancel(context.Background(), id)
	require.NoError(t, err)

	h.orch.Start(h.ctx)
	require.Eventually(t, func() bool { return len(h.orch.queue) == 0 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, h.relay.QuoteCalls.Load(), "a cancelled transfer is never quoted")
	assert.Empty(t, h.chain.Sent)
}

func TestResumeTracksFromPersistedHandle(t *testing.T) {
	h := newHarness(t, func(o *options) { o.noStart = true })

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)

	// the process dies right after broadcasting leg 0
	tr, err := h.reg.Get(id)
	require.NoError(t, err)
	q, err := h.quotes.Quote(context.Background(), bridge.QuoteRequest{
		InputToken: tr.Legs[0].InputToken, OutputToken: tr.Legs[0].OutputToken, InputAmount: tr.Intent.Amount,
		Depositor: mocks.DepositorAddress, Recipient: mocks.DepositorAddress, SlippageBps: 50,
	})
	require.NoError(t, err)
	_, err = h.engine.Execute(context.Background(), id, 0, q, h.chain)
	require.NoError(t, err)

	// a new orchestrator over the same registry picks it up
	restarted := New(Config{Workers: 2, QueueSize: 8, Hubs: []amount.Token{h.baseUSDC}}, h.reg, h.quotes, h.engine, h.poller, h.bus, h.chain, &logger.EmptyLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		restarted.Wait()
	}()
	restarted.Start(ctx)
	n, err := restarted.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := h.awaitTerminal(t, id)
	assert.Equal(t, models.TransferCompleted, done.State())
	assert.Equal(t, int32(1), h.relay.ExecuteCalls.Load(), "a submitted leg is never executed again")
	assert.Len(t, h.chain.Sent, 2)
}

func TestQueueFull(t *testing.T) {
	h := newHarness(t, func(o *options) {
		o.noStart = true
		o.orch.QueueSize = 1
	})

	_, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)
	_, err = h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, h.reg.List(nil), 1)
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	h := newHarness(t)

	quotes, err := h.orch.Preview(context.Background(), h.intent(h.ethUSDT, h.arbUSDC, 2_000_000))
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Zero(t, quotes[1].InputAmount.Cmp(quotes[0].ExpectedOutputAmount))
	assert.Equal(t, 1, quotes[1].LegIndex)

	assert.Empty(t, h.reg.List(nil))
	assert.Empty(t, h.chain.Sent)
	assert.Zero(t, h.relay.ExecuteCalls.Load())
}

func TestConcurrentTransfersSameDepositor(t *testing.T) {
	h := newHarness(t, func(o *options) { o.orch.Workers = 8 })

	const n = 24
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := h.ethUSDC
			to := h.baseUSDC
			if i%2 == 1 {
				from, to = h.ethUSDT, h.arbUSDC
			}
			id, err := h.orch.Submit(context.Background(), h.intent(from, to, int64(1_000_000+i)))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[string]string{}
	for i, id := range ids {
		require.NotEmpty(t, id)
		tr := h.awaitTerminal(t, id)
		require.Equal(t, models.TransferCompleted, tr.State(), "transfer %d", i)
		assert.Equal(t, int64(1_000_000+i), tr.Intent.Amount.Int().Int64())

		for _, leg := range tr.Legs {
			var to []models.LegStatus
			for _, c := range leg.History {
				to = append(to, c.To)
			}
			assert.Equal(t, []models.LegStatus{models.LegSubmitted, models.LegConfirming, models.LegRelaying, models.LegFilled}, to,
				"transfer %s leg %d history", id, leg.Index)

			require.Len(t, leg.Handles, 2)
			assert.Equal(t, models.TxKindApproval, leg.Handles[0].Kind)
			assert.Equal(t, models.TxKindPrimary, leg.Handles[1].Kind)
			for _, handle := range leg.Handles {
				owner, dup := seen[handle.TransactionHash]
				assert.False(t, dup, "handle %s recorded on %s and %s", handle.TransactionHash, owner, id)
				seen[handle.TransactionHash] = id
			}
		}
	}
	counts := h.reg.CountByState()
	assert.Equal(t, n, counts[string(models.TransferCompleted)])
}

func TestShutdownDuringApprovalWaitResumes(t *testing.T) {
	h := newHarness(t)
	h.chain.SetPendingPolls(1 << 30)
	approved := make(chan struct{})
	h.chain.OnSend(func(tx models.TxRequest, _ string) {
		if tx.Kind == models.TxKindApproval {
			close(approved)
		}
	})

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)
	<-approved

	// the service stops while the approval is still unmined
	h.stop()
	h.orch.Wait()

	tr, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TransferPending, tr.State())
	assert.False(t, tr.Cancelled())
	assert.Equal(t, models.LegPending, tr.Legs[0].Status)
	assert.Nil(t, tr.Legs[0].Failure)
	require.Len(t, tr.Legs[0].Handles, 1)
	assert.Equal(t, models.TxKindApproval, tr.Legs[0].Handles[0].Kind)

	// meanwhile the approval was mined
	h.chain.OnSend(nil)
	h.chain.SetPendingPolls(0)
	h.chain.SetAllowance(h.ethUSDC, tr.Intent.Amount.Int())

	restarted := New(Config{Workers: 2, QueueSize: 8, Hubs: []amount.Token{h.baseUSDC}}, h.reg, h.quotes, h.engine, h.poller, h.bus, h.chain, &logger.EmptyLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		restarted.Wait()
	}()
	restarted.Start(ctx)
	n, err := restarted.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := h.awaitTerminal(t, id)
	assert.Equal(t, models.TransferCompleted, done.State())
	assert.Equal(t, []models.TxKind{models.TxKindApproval, models.TxKindPrimary}, h.chain.SentKinds(), "the landed approval is not sent again")
	assert.Len(t, done.Legs[0].Handles, 2)
}

func TestCancelDuringApprovalWait(t *testing.T) {
	h := newHarness(t)
	h.chain.SetPendingPolls(1 << 30)
	approved := make(chan struct{})
	h.chain.OnSend(func(tx models.TxRequest, _ string) {
		if tx.Kind == models.TxKindApproval {
			close(approved)
		}
	})

	id, err := h.orch.Submit(context.Background(), h.intent(h.ethUSDC, h.baseUSDC, 1_000_000))
	require.NoError(t, err)
	<-approved

	_, err = h.orch.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		return len(h.orch.running) == 0
	}, 5*time.Second, time.Millisecond)

	tr, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.True(t, tr.Cancelled())
	assert.Equal(t, models.TransferPending, tr.State(), "cancelling stops the work, it does not fail the leg")
	assert.Equal(t, models.LegPending, tr.Legs[0].Status)
	assert.Nil(t, tr.Legs[0].Failure)
	require.Len(t, tr.Legs[0].Handles, 1)
	assert.Equal(t, []models.TxKind{models.TxKindApproval}, h.chain.SentKinds())
}
