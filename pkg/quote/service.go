// Package quote selects bridge adapters and obtains priced, time-bounded quotes.
package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/metrics"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Config controls staleness and transient retries
type Config struct {
	// TTL applies to quotes whose adapter declares no validity window
	TTL            time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	// AllowDegraded lets degraded quotes through for previews in demo environments
	AllowDegraded bool
}

// Service fans a leg out to every adapter supporting its route and keeps the best quote
type Service struct {
	adapters []bridge.Adapter
	breakers *circuitbreaker.Set
	cfg      Config
	logger   logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a quote service. Adapter order breaks ties between equal quotes.
func NewService(cfg Config, breakers *circuitbreaker.Set, l logger.Logger, adapters ...bridge.Adapter) *Service {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if breakers == nil {
		breakers = circuitbreaker.NewSet(false, 0, 0, 0, nil)
	}
	return &Service{
		adapters: adapters,
		breakers: breakers,
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

// Adapters returns the registered adapters in registration order
func (s *Service) Adapters() []bridge.Adapter {
	return append([]bridge.Adapter(nil), s.adapters...)
}

// Adapter returns the registered adapter with the given name
func (s *Service) Adapter(name string) (bridge.Adapter, bool) {
	for _, a := range s.adapters {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Candidates returns the adapters that route directly, in registration order
func (s *Service) Candidates(route bridge.Route) []bridge.Adapter {
	var out []bridge.Adapter
	for _, a := range s.adapters {
		if a.Supports(route) {
			out = append(out, a)
		}
	}
	return out
}

// Supports reports whether any adapter routes directly
func (s *Service) Supports(route bridge.Route) bool {
	return len(s.Candidates(route)) > 0
}

// Fresh reports whether a quote may still be executed
func (s *Service) Fresh(q *models.Quote) bool {
	return q.Fresh(s.now())
}

// Backoff returns the wait before retry attempt n (0-based), doubling from the initial backoff up to the cap
func (s *Service) Backoff(attempt int) time.Duration {
	d := s.cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if s.cfg.MaxBackoff > 0 && d > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return d
}

type result struct {
	quote *models.Quote
	err   error
}

// Quote asks every supporting adapter concurrently and returns the quote with the
// highest expected output. It never touches a chain.
func (s *Service) Quote(ctx context.Context, req bridge.QuoteRequest) (*models.Quote, error) {
	candidates := s.Candidates(req.Route())
	if len(candidates) == 0 {
		return nil, bridge.Wrap(bridge.ErrNoRouteAvailable, "no adapter routes %s -> %s", req.InputToken, req.OutputToken)
	}

	results := make([]result, len(candidates))
	var g errgroup.Group
	for i, a := range candidates {
		if s.breakers.Get(a.Name()).IsOpen() {
			results[i].err = bridge.Wrap(bridge.ErrQuoteUnavailable, "circuit open for adapter %s", a.Name())
			continue
		}
		g.Go(func() error {
			q, err := s.quoteWithRetry(ctx, a, req)
			results[i] = result{quote: q, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var best *models.Quote
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		if better(r.quote, best) {
			best = r.quote
		}
	}
	if best != nil {
		s.logger.Debug("Leg %d %s -> %s quoted by %s: %s out", req.LegIndex, req.InputToken, req.OutputToken, best.Adapter, best.ExpectedOutputAmount.Human())
		return best, nil
	}
	return nil, pickError(errs)
}

// better reports whether q should replace best. Real quotes always beat degraded ones.
func better(q, best *models.Quote) bool {
	if best == nil {
		return true
	}
	if q.Degraded != best.Degraded {
		return !q.Degraded
	}
	return q.ExpectedOutputAmount.Cmp(best.ExpectedOutputAmount) > 0
}

// pickError surfaces a transient error first so the caller can retry
func pickError(errs []error) error {
	for _, err := range errs {
		if bridge.IsTransient(err) {
			return err
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("%w: %w", errs[0], errors.Join(errs[1:]...))
}

func (s *Service) quoteWithRetry(ctx context.Context, a bridge.Adapter, req bridge.QuoteRequest) (*models.Quote, error) {
	cb := s.breakers.Get(a.Name())
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		start := s.now()
		q, err := a.GetQuote(ctx, req)
		metrics.QuoteLatency.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())

		if err == nil {
			cb.RecordSuccess()
			if q.Degraded && !s.cfg.AllowDegraded {
				metrics.QuotesTotal.WithLabelValues(a.Name(), "degraded").Inc()
				return nil, bridge.Wrap(bridge.ErrDegradedQuote, "adapter %s returned a degraded quote", a.Name())
			}
			metrics.QuotesTotal.WithLabelValues(a.Name(), "ok").Inc()
			return s.stamp(q, a, req), nil
		}

		lastErr = err
		if !bridge.IsTransient(err) {
			metrics.QuotesTotal.WithLabelValues(a.Name(), string(bridge.Classify(err))).Inc()
			return nil, err
		}

		metrics.QuotesTotal.WithLabelValues(a.Name(), "transient").Inc()
		if cb.RecordFailure() {
			s.logger.Notice("Circuit breaker for adapter %s opened: %v", a.Name(), err)
			return nil, err
		}
		if attempt == s.cfg.MaxRetries-1 {
			break
		}

		backoff := s.Backoff(attempt)
		s.logger.Debug("Adapter %s quote failed (%v), retrying in %s", a.Name(), err, backoff)
		if err := s.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("adapter %s gave up after %d attempts: %w", a.Name(), s.cfg.MaxRetries, lastErr)
}

// stamp fills in what the adapter left out. Adapters without a validity window get the TTL.
func (s *Service) stamp(q *models.Quote, a bridge.Adapter, req bridge.QuoteRequest) *models.Quote {
	if q.Adapter == "" {
		q.Adapter = a.Name()
	}
	q.LegIndex = req.LegIndex
	if q.IssuedAt.IsZero() {
		q.IssuedAt = s.now().UTC()
	}
	if q.ExpiresAt.IsZero() {
		q.ExpiresAt = q.IssuedAt.Add(s.cfg.TTL)
	}
	return q
}
