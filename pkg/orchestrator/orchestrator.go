// Package orchestrator drives transfers leg by leg: it plans a path, then quotes,
// executes and tracks each leg in order on a fixed pool of workers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/events"
	"github.com/speedrun-hq/bridgerunner/pkg/executor"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/metrics"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/poller"
	"github.com/speedrun-hq/bridgerunner/pkg/quote"
	"github.com/speedrun-hq/bridgerunner/pkg/registry"
)

var (
	ErrInvalidIntent    = errors.New("invalid transfer intent")
	ErrQueueFull        = errors.New("transfer queue is full")
	ErrAlreadyFinished  = errors.New("transfer already finished")
	ErrNotReconcilable  = errors.New("transfer has no leg to reconcile")
	errAlreadyScheduled = errors.New("transfer is already running")
)

// Config sizes the worker pool and bounds path synthesis
type Config struct {
	// MaxLegs applies to intents that do not set one, and caps those that do
	MaxLegs   int
	Workers   int
	QueueSize int
	// Hubs are the assets an intermediate leg may land on
	Hubs []amount.Token
}

// Orchestrator owns the lifecycle of every transfer
type Orchestrator struct {
	registry *registry.Registry
	quotes   *quote.Service
	engine   *executor.Engine
	poller   *poller.Poller
	notifier events.Notifier
	signer   bridge.Signer
	cfg      Config
	logger   logger.Logger

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	base    context.Context
	running map[string]context.CancelFunc

	now func() time.Time
}

// New creates an orchestrator. Nothing runs until Start.
func New(
	cfg Config,
	reg *registry.Registry,
	quotes *quote.Service,
	engine *executor.Engine,
	p *poller.Poller,
	notifier events.Notifier,
	signer bridge.Signer,
	l logger.Logger,
) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 100
	}
	return &Orchestrator{
		registry: reg,
		quotes:   quotes,
		engine:   engine,
		poller:   p,
		notifier: notifier,
		signer:   signer,
		cfg:      cfg,
		logger:   l,
		queue:    make(chan string, cfg.QueueSize),
		base:     context.Background(),
		running:  make(map[string]context.CancelFunc),
		now:      time.Now,
	}
}

// Start launches the worker pool. Workers stop when ctx is done; in-flight legs
// stay as they are and are picked up again by ResumeAll on the next start.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.base = ctx
	o.mu.Unlock()

	o.logger.Notice("Starting worker pool with %d workers", o.cfg.Workers)
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
}

// Wait blocks until every worker has returned
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	o.logger.Debug("Starting worker %d", id)
	for {
		select {
		case <-ctx.Done():
			o.logger.Debug("Worker %d shutting down", id)
			return
		case transferID := <-o.queue:
			o.logger.Debug("Worker %d processing transfer %s", id, transferID)
			start := time.Now()
			err := o.process(transferID)
			metrics.TransfersActive.Dec()
			switch {
			case errors.Is(err, errAlreadyScheduled):
				o.logger.Debug("Worker %d skipped transfer %s: %v", id, transferID, err)
			case err != nil && ctx.Err() != nil:
				o.logger.Info("Worker %d left transfer %s for resumption: %v", id, transferID, err)
			case err != nil:
				o.logger.Error("Worker %d error processing transfer %s: %v", id, transferID, err)
			default:
				o.logger.Debug("Worker %d finished transfer %s in %s", id, transferID, time.Since(start).Round(time.Millisecond))
			}
		}
	}
}

// Submit validates intent, plans its legs and queues it. No leg is quoted before it runs.
func (o *Orchestrator) Submit(ctx context.Context, intent models.TransferIntent) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	routes, err := FindPath(o.quotes, intent.SourceToken, intent.DestinationToken, o.cfg.Hubs, o.legLimit(intent))
	if err != nil {
		return "", err
	}
	if len(o.queue) >= cap(o.queue) {
		metrics.QueueDropped.Inc()
		return "", ErrQueueFull
	}

	t := &models.Transfer{
		ID:     uuid.NewString(),
		Intent: intent,
		Legs:   make([]models.Leg, len(routes)),
	}
	for i, r := range routes {
		t.Legs[i] = models.Leg{Index: i, InputToken: r.From, OutputToken: r.To, Status: models.LegPending}
	}
	in := intent.Amount
	t.Legs[0].InputAmount = &in

	if err := o.registry.Create(ctx, t); err != nil {
		return "", err
	}
	o.logger.Info("Transfer %s planned %s -> %s in %d leg(s)", t.ID, intent.SourceToken, intent.DestinationToken, len(routes))
	if created, err := o.registry.Get(t.ID); err == nil {
		o.notifier.Publish(ctx, events.LegEvent(created, 0))
	}

	return t.ID, o.enqueue(ctx, t.ID)
}

func (o *Orchestrator) legLimit(intent models.TransferIntent) int {
	if intent.MaxLegs == 0 {
		if o.cfg.MaxLegs > 0 {
			return o.cfg.MaxLegs
		}
		return intent.LegLimit()
	}
	if o.cfg.MaxLegs > 0 && intent.MaxLegs > o.cfg.MaxLegs {
		return o.cfg.MaxLegs
	}
	return intent.MaxLegs
}

func (o *Orchestrator) enqueue(ctx context.Context, id string) error {
	o.mu.Lock()
	base := o.base
	o.mu.Unlock()

	metrics.TransfersActive.Inc()
	select {
	case o.queue <- id:
		return nil
	case <-ctx.Done():
	case <-base.Done():
	}
	metrics.TransfersActive.Dec()
	return fmt.Errorf("transfer %s saved but not scheduled, it resumes on restart", id)
}

// ResumeAll queues every transfer that is neither terminal nor cancelled. Legs with a
// recorded primary transaction are tracked again from their handle, never re-executed.
// Legs interrupted before their primary transaction run again from the allowance check.
func (o *Orchestrator) ResumeAll(ctx context.Context) (int, error) {
	pending := o.registry.List(registry.Unfinished)
	for _, t := range pending {
		if err := o.enqueue(ctx, t.ID); err != nil {
			return 0, err
		}
	}
	if len(pending) > 0 {
		o.logger.Notice("Resumed %d unfinished transfer(s)", len(pending))
	}
	return len(pending), nil
}

// Get returns the current state of a transfer
func (o *Orchestrator) Get(id string) (*models.Transfer, error) {
	return o.registry.Get(id)
}

// Cancel stops scheduling further work for a transfer and stops tracking its active leg.
// Transactions already broadcast are not affected and can be reconciled later.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*models.Transfer, error) {
	t, err := o.registry.Update(ctx, id, func(t *models.Transfer) error {
		if t.Cancelled() {
			return nil
		}
		if t.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, t.ID, t.State())
		}
		at := o.now().UTC()
		t.CancelledAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	stop, running := o.running[id]
	o.mu.Unlock()
	if running {
		stop()
	}

	leg := t.ActiveLeg()
	if leg < 0 {
		leg = len(t.Legs) - 1
	}
	o.notifier.Publish(ctx, events.LegEvent(t, leg))
	o.logger.Notice("Transfer %s cancelled at leg %d", id, leg)
	return t, nil
}

// process runs one transfer to completion unless it is cancelled or the pool stops
func (o *Orchestrator) process(id string) error {
	o.mu.Lock()
	if _, busy := o.running[id]; busy {
		o.mu.Unlock()
		return errAlreadyScheduled
	}
	ctx, cancel := context.WithCancel(o.base)
	o.running[id] = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}()
	return o.run(ctx, id)
}

func (o *Orchestrator) run(ctx context.Context, id string) error {
	progressed := false
	for {
		t, err := o.registry.Get(id)
		if err != nil {
			return err
		}
		if t.Stopped() {
			if progressed {
				o.finish(t)
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		i := t.ActiveLeg()
		if i < 0 {
			return fmt.Errorf("transfer %s is %s with no active leg", id, t.State())
		}
		progressed = true
		if err := o.advance(ctx, t, i); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var legErr *bridge.LegError
			if !errors.As(err, &legErr) {
				return err
			}
			// the leg is terminal now, the next pass reports the failed transfer
		}
	}
}

// advance takes leg i from wherever it is to a terminal status
func (o *Orchestrator) advance(ctx context.Context, t *models.Transfer, i int) error {
	leg := t.Legs[i]
	if _, submitted := leg.PrimaryHandle(); !submitted {
		if len(leg.Handles) > 0 {
			o.logger.Info("Transfer %s leg %d was interrupted after %d pre-transaction(s), executing again", t.ID, i, len(leg.Handles))
		}
		input, err := inputOf(t, i)
		if err != nil {
			return err
		}
		if err := o.execute(ctx, t, i, input); err != nil {
			return err
		}
	} else {
		o.logger.Info("Transfer %s resuming leg %d from its %s handle", t.ID, i, leg.Status)
	}
	_, err := o.poller.Track(ctx, t.ID, i)
	return err
}

// inputOf is the amount leg i may spend: the intent amount, or what the previous leg delivered
func inputOf(t *models.Transfer, i int) (amount.Amount, error) {
	if i == 0 {
		return t.Intent.Amount, nil
	}
	prev := t.Legs[i-1]
	if prev.Status != models.LegFilled || prev.RealizedOutput == nil {
		return amount.Amount{}, fmt.Errorf("transfer %s leg %d started before leg %d filled", t.ID, i, i-1)
	}
	return *prev.RealizedOutput, nil
}

// execute quotes leg i for input and submits it. A quote that goes stale before
// submission is replaced once.
func (o *Orchestrator) execute(ctx context.Context, t *models.Transfer, i int, input amount.Amount) error {
	leg := t.Legs[i]
	recipient := t.Intent.Depositor
	if i == len(t.Legs)-1 {
		recipient = t.Intent.Recipient
	}
	req := bridge.QuoteRequest{
		LegIndex:    i,
		InputToken:  leg.InputToken,
		OutputToken: leg.OutputToken,
		InputAmount: input,
		Depositor:   t.Intent.Depositor,
		Recipient:   recipient,
		SlippageBps: t.Intent.SlippageToleranceBps,
	}

	for attempt := 0; ; attempt++ {
		q, err := o.quotes.Quote(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.failLeg(ctx, t.ID, i, "", err)
		}
		o.logger.InfoWithChain(int(leg.InputToken.Chain), "Transfer %s leg %d quoted by %s: %s in, %s expected out", t.ID, i, q.Adapter, q.InputAmount.Human(), q.ExpectedOutputAmount.Human())

		_, err = o.engine.Execute(ctx, t.ID, i, q, o.signer)
		if err == nil {
			return nil
		}
		if errors.Is(err, bridge.ErrQuoteExpired) && attempt == 0 {
			o.logger.Info("Transfer %s leg %d quote %s went stale, quoting again", t.ID, i, q.ID)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.ensureFailed(ctx, t.ID, i, q.Adapter, err)
	}
}

// ensureFailed marks leg i failed unless the execution engine already did
func (o *Orchestrator) ensureFailed(ctx context.Context, id string, i int, adapter string, cause error) error {
	cur, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if cur.Legs[i].Status.IsTerminal() {
		return cause
	}
	if _, sent := cur.Legs[i].PrimaryHandle(); sent {
		// the engine could not record the outcome of a broadcast leg, tracking decides
		return nil
	}
	return o.failLeg(ctx, id, i, adapter, cause)
}

func (o *Orchestrator) failLeg(ctx context.Context, id string, i int, adapter string, cause error) error {
	legErr := bridge.NewLegError(i, adapter, cause)
	t, err := o.registry.Update(context.WithoutCancel(ctx), id, func(t *models.Transfer) error {
		if t.Legs[i].Status.IsTerminal() {
			return nil
		}
		return t.Legs[i].Fail(models.LegFailed, legErr.Failure(), o.now().UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to record failure of transfer %s leg %d (%v): %w", id, i, cause, err)
	}
	metrics.LegStatusTotal.WithLabelValues(adapter, string(models.LegFailed)).Inc()
	o.notifier.Publish(ctx, events.LegEvent(t, i))
	o.logger.Error("Transfer %s leg %d failed: %v", id, i, legErr)
	return legErr
}

func (o *Orchestrator) finish(t *models.Transfer) {
	state := t.State()
	if !t.IsTerminal() {
		metrics.TransfersTotal.WithLabelValues("cancelled").Inc()
		o.logger.Notice("Transfer %s stopped while %s at leg %d", t.ID, state, t.ActiveLeg())
		return
	}
	metrics.TransfersTotal.WithLabelValues(string(state)).Inc()
	if leg, failed := t.FailedLeg(); failed {
		kind := ""
		if leg.Failure != nil {
			kind = leg.Failure.Kind
		}
		o.logger.Error("Transfer %s %s at leg %d (%s)", t.ID, state, leg.Index, kind)
		return
	}
	last := t.Legs[len(t.Legs)-1]
	if last.RealizedOutput != nil {
		o.logger.Notice("Transfer %s %s: %s %s delivered", t.ID, state, last.RealizedOutput.Human(), last.OutputToken.Symbol)
		return
	}
	o.logger.Notice("Transfer %s %s", t.ID, state)
}

// Preview prices every leg of the planned path without persisting anything.
// Later legs are priced from the expected output of the leg before them.
func (o *Orchestrator) Preview(ctx context.Context, intent models.TransferIntent) ([]*models.Quote, error) {
	if err := intent.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	routes, err := FindPath(o.quotes, intent.SourceToken, intent.DestinationToken, o.cfg.Hubs, o.legLimit(intent))
	if err != nil {
		return nil, err
	}

	quotes := make([]*models.Quote, 0, len(routes))
	input := intent.Amount
	for i, r := range routes {
		recipient := intent.Depositor
		if i == len(routes)-1 {
			recipient = intent.Recipient
		}
		q, err := o.quotes.Quote(ctx, bridge.QuoteRequest{
			LegIndex:    i,
			InputToken:  r.From,
			OutputToken: r.To,
			InputAmount: input,
			Depositor:   intent.Depositor,
			Recipient:   recipient,
			SlippageBps: intent.SlippageToleranceBps,
		})
		if err != nil {
			return nil, bridge.NewLegError(i, "", err)
		}
		quotes = append(quotes, q)
		input = q.ExpectedOutputAmount
	}
	return quotes, nil
}
