package orchestrator

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/registry"
)

// reconcilable reports whether leg may still settle even though nobody tracks it anymore:
// it timed out, or its transfer was cancelled after the leg was broadcast
func reconcilable(t *models.Transfer, leg *models.Leg) bool {
	if leg.Status == models.LegTimedOut {
		return true
	}
	if t.CancelledAt == nil || leg.Status.IsTerminal() {
		return false
	}
	_, sent := leg.PrimaryHandle()
	return sent
}

// NeedsReconcile selects transfers with at least one reconcilable leg
func NeedsReconcile(t *models.Transfer) bool {
	if registry.HasTimedOutLeg(t) {
		return true
	}
	for i := range t.Legs {
		if reconcilable(t, &t.Legs[i]) {
			return true
		}
	}
	return false
}

// Reconcile asks the bridge once more about every reconcilable leg of a transfer and
// records what it says. Leg statuses are never changed: a timed out leg stays timed out.
func (o *Orchestrator) Reconcile(ctx context.Context, id string) ([]models.Reconciliation, error) {
	t, err := o.registry.Get(id)
	if err != nil {
		return nil, err
	}

	var checks []models.Reconciliation
	for i := range t.Legs {
		leg := &t.Legs[i]
		if !reconcilable(t, leg) {
			continue
		}
		report, err := o.poller.Observe(ctx, leg)
		if err != nil {
			o.logger.Error("Failed to reconcile transfer %s leg %d: %v", id, i, err)
			continue
		}
		check := models.Reconciliation{
			LegIndex:       i,
			ObservedStatus: report.Status,
			CheckedAt:      o.now().UTC(),
		}
		if report.RealizedOutput != nil {
			check.RealizedOutput = report.RealizedOutput.String()
		}
		checks = append(checks, check)
		o.logger.Info("Transfer %s leg %d (%s) is now reported %s by %s", id, i, leg.Status, report.Status, leg.Adapter)
	}
	if len(checks) == 0 {
		if !NeedsReconcile(t) {
			return nil, fmt.Errorf("%w: %s", ErrNotReconcilable, id)
		}
		return nil, nil
	}

	if _, err := o.registry.Update(ctx, id, func(t *models.Transfer) error {
		t.Reconciliations = append(t.Reconciliations, checks...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to record reconciliation of transfer %s: %w", id, err)
	}
	return checks, nil
}

// ReconcileAll reconciles every transfer that needs it and returns how many legs were checked
func (o *Orchestrator) ReconcileAll(ctx context.Context) int {
	checked := 0
	for _, t := range o.registry.List(NeedsReconcile) {
		if ctx.Err() != nil {
			break
		}
		checks, err := o.Reconcile(ctx, t.ID)
		if err != nil {
			o.logger.Error("Reconciliation of transfer %s failed: %v", t.ID, err)
			continue
		}
		checked += len(checks)
	}
	return checked
}

// cronLogger routes cron's own messages to our logger
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Printf(format string, args ...interface{}) {
	c.l.Debug(format, args...)
}

// Reconciler runs ReconcileAll on a cron schedule
type Reconciler struct {
	cron *cron.Cron
}

// NewReconciler schedules reconciliation with a standard five-field cron spec
func NewReconciler(ctx context.Context, o *Orchestrator, schedule string) (*Reconciler, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(cronLogger{o.logger}))))
	if _, err := c.AddFunc(schedule, func() {
		if n := o.ReconcileAll(ctx); n > 0 {
			o.logger.Notice("Reconciled %d leg(s)", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return &Reconciler{cron: c}, nil
}

// Start starts the schedule in the background
func (r *Reconciler) Start() {
	r.cron.Start()
}

// Stop stops the schedule and returns a context done once a running reconciliation ends
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}
