// Package poller drives submitted legs to a terminal status by polling their bridge adapter.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/events"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/metrics"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/registry"
)

// ErrNoHandle is returned when a leg has not been submitted yet
var ErrNoHandle = errors.New("leg has no primary execution handle")

// Config controls the poll cadence and the per-leg budget
type Config struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	LegTimeout      time.Duration
}

// AdapterSource resolves the adapter a leg was executed with
type AdapterSource interface {
	Adapter(name string) (bridge.Adapter, bool)
}

// Poller tracks legs from their persisted handle only, so any instance can pick up any leg
type Poller struct {
	registry *registry.Registry
	adapters AdapterSource
	notifier events.Notifier
	cfg      Config
	logger   logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a poller
func New(reg *registry.Registry, adapters AdapterSource, notifier events.Notifier, cfg Config, l logger.Logger) *Poller {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &Poller{
		registry: reg,
		adapters: adapters,
		notifier: notifier,
		cfg:      cfg,
		logger:   l,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NextInterval returns the wait after current, grown geometrically up to the ceiling
func (p *Poller) NextInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.cfg.Multiplier)
	if next > p.cfg.MaxInterval {
		return p.cfg.MaxInterval
	}
	return next
}

// Deadline returns when tracking of leg gives up
func (p *Poller) Deadline(leg *models.Leg) time.Time {
	start := leg.TrackingStartedAt
	if start.IsZero() {
		if h, ok := leg.PrimaryHandle(); ok {
			start = h.SubmittedAt
		}
	}
	return start.Add(p.cfg.LegTimeout)
}

// Track polls leg legIndex of transfer transferID until it is terminal, its budget is spent or ctx is done.
// It works the same for a freshly submitted leg and one resumed after a restart.
// A cancelled ctx stops tracking and leaves the leg as it is.
func (p *Poller) Track(ctx context.Context, transferID string, legIndex int) (models.LegStatus, error) {
	t, err := p.registry.Get(transferID)
	if err != nil {
		return "", err
	}
	if legIndex < 0 || legIndex >= len(t.Legs) {
		return "", fmt.Errorf("transfer %s has no leg %d", transferID, legIndex)
	}
	leg := t.Legs[legIndex]
	if leg.Status.IsTerminal() {
		return leg.Status, nil
	}
	handle, ok := leg.PrimaryHandle()
	if !ok {
		return leg.Status, fmt.Errorf("%w: transfer %s leg %d", ErrNoHandle, transferID, legIndex)
	}
	adapter, ok := p.adapters.Adapter(leg.Adapter)
	if !ok {
		return leg.Status, bridge.NewLegError(legIndex, leg.Adapter, bridge.Wrap(bridge.ErrUnknownAdapter, "adapter %q is not registered", leg.Adapter))
	}

	deadline := p.Deadline(&leg)
	interval := p.cfg.InitialInterval
	status := leg.Status
	p.logger.DebugWithChain(int(handle.ChainID), "Tracking transfer %s leg %d (%s) via %s until %s", transferID, legIndex, status, adapter.Name(), deadline.Format(time.RFC3339))

	for {
		if !p.now().Before(deadline) {
			return p.timeOut(ctx, transferID, legIndex, adapter.Name())
		}

		report, err := p.poll(ctx, adapter, handle, deadline)
		switch {
		case err != nil && ctx.Err() != nil:
			return status, ctx.Err()
		case err != nil && (bridge.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)):
			p.logger.Debug("Transfer %s leg %d poll failed, will retry: %v", transferID, legIndex, err)
		case err != nil:
			return p.fail(ctx, transferID, legIndex, adapter.Name(), err)
		default:
			next, legErr, err := p.apply(ctx, transferID, legIndex, status, report)
			if err != nil {
				return status, err
			}
			status = next
			if legErr != nil {
				return status, legErr
			}
			if status.IsTerminal() {
				return status, nil
			}
		}

		wait := interval
		if remaining := deadline.Sub(p.now()); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return status, err
			}
		}
		interval = p.NextInterval(interval)
	}
}

// poll performs one status call, bounded by the leg deadline
func (p *Poller) poll(ctx context.Context, adapter bridge.Adapter, handle models.ExecutionHandle, deadline time.Time) (bridge.StatusReport, error) {
	metrics.PollTicks.WithLabelValues(adapter.Name()).Inc()
	pollCtx, cancel := context.WithTimeout(ctx, deadline.Sub(p.now()))
	defer cancel()
	return adapter.PollStatus(pollCtx, handle)
}

// apply moves the leg forward when the report allows it. Stale or backward reports are ignored.
// A failure reported by the bridge comes back as a *bridge.LegError.
func (p *Poller) apply(ctx context.Context, transferID string, legIndex int, current models.LegStatus, report bridge.StatusReport) (models.LegStatus, *bridge.LegError, error) {
	if !current.CanTransition(report.Status) {
		return current, nil, nil
	}
	if report.Status == models.LegFilled && report.RealizedOutput == nil {
		p.logger.Debug("Transfer %s leg %d filled but output not reported yet", transferID, legIndex)
		return current, nil, nil
	}

	var adapterName string
	var legErr *bridge.LegError
	t, err := p.registry.Update(ctx, transferID, func(t *models.Transfer) error {
		leg := &t.Legs[legIndex]
		adapterName = leg.Adapter
		if !leg.Status.CanTransition(report.Status) {
			return nil
		}
		at := p.now().UTC()
		switch report.Status {
		case models.LegFilled:
			return leg.Fill(*report.RealizedOutput, report.DestinationTx, at)
		case models.LegFailed:
			reason := report.Reason
			if reason == "" {
				reason = "bridge reported " + report.Raw
			}
			legErr = bridge.NewLegError(legIndex, leg.Adapter, bridge.Wrap(bridge.ErrUnknownAdapter, "%s", reason))
			return leg.Fail(models.LegFailed, legErr.Failure(), at)
		default:
			return leg.Transition(report.Status, at)
		}
	})
	if err != nil {
		return current, nil, fmt.Errorf("failed to record status of transfer %s leg %d: %w", transferID, legIndex, err)
	}

	leg := t.Legs[legIndex]
	p.observe(adapterName, &leg)
	p.notifier.Publish(ctx, events.LegEvent(t, legIndex))
	p.logger.Info("Transfer %s leg %d is %s", transferID, legIndex, leg.Status)
	if leg.Status != models.LegFailed {
		legErr = nil
	}
	return leg.Status, legErr, nil
}

func (p *Poller) observe(adapter string, leg *models.Leg) {
	metrics.LegStatusTotal.WithLabelValues(adapter, string(leg.Status)).Inc()
	if leg.Status.IsTerminal() && !leg.TrackingStartedAt.IsZero() {
		metrics.LegDuration.WithLabelValues(adapter, string(leg.Status)).Observe(p.now().Sub(leg.TrackingStartedAt).Seconds())
	}
}

func (p *Poller) timeOut(ctx context.Context, transferID string, legIndex int, adapter string) (models.LegStatus, error) {
	legErr := bridge.NewLegError(legIndex, adapter, bridge.Wrap(bridge.ErrLegTimedOut, "no terminal status within %s", p.cfg.LegTimeout))
	return p.terminate(ctx, transferID, legIndex, models.LegTimedOut, legErr)
}

func (p *Poller) fail(ctx context.Context, transferID string, legIndex int, adapter string, cause error) (models.LegStatus, error) {
	return p.terminate(ctx, transferID, legIndex, models.LegFailed, bridge.NewLegError(legIndex, adapter, cause))
}

func (p *Poller) terminate(ctx context.Context, transferID string, legIndex int, status models.LegStatus, legErr *bridge.LegError) (models.LegStatus, error) {
	t, err := p.registry.Update(context.WithoutCancel(ctx), transferID, func(t *models.Transfer) error {
		return t.Legs[legIndex].Fail(status, legErr.Failure(), p.now().UTC())
	})
	if err != nil {
		return "", fmt.Errorf("failed to mark transfer %s leg %d %s: %w", transferID, legIndex, status, err)
	}
	leg := t.Legs[legIndex]
	p.observe(legErr.Adapter, &leg)
	p.notifier.Publish(ctx, events.LegEvent(t, legIndex))
	p.logger.Error("Transfer %s leg %d %s: %v", transferID, legIndex, status, legErr)
	return status, legErr
}

// Observe asks the adapter for the current status of a leg once, without changing it.
// It is how timed out legs are reconciled.
func (p *Poller) Observe(ctx context.Context, leg *models.Leg) (bridge.StatusReport, error) {
	handle, ok := leg.PrimaryHandle()
	if !ok {
		return bridge.StatusReport{}, ErrNoHandle
	}
	adapter, ok := p.adapters.Adapter(leg.Adapter)
	if !ok {
		return bridge.StatusReport{}, bridge.Wrap(bridge.ErrUnknownAdapter, "adapter %q is not registered", leg.Adapter)
	}
	metrics.PollTicks.WithLabelValues(adapter.Name()).Inc()
	return adapter.PollStatus(ctx, handle)
}
