package quote

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/adapters/simulated"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge/mocks"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaky fails with err for the first n quotes, then delegates
type flaky struct {
	*mocks.Adapter
	failures atomic.Int32
	n        int32
	err      error
}

func (f *flaky) GetQuote(ctx context.Context, req bridge.QuoteRequest) (*models.Quote, error) {
	if f.failures.Add(1) <= f.n {
		return nil, f.err
	}
	return f.Adapter.GetQuote(ctx, req)
}

func testRoute(t *testing.T) bridge.Route {
	eth, err := chains.Stablecoin(1, "USDC")
	require.NoError(t, err)
	base, err := chains.Stablecoin(8453, "USDC")
	require.NoError(t, err)
	return bridge.Route{From: eth, To: base}
}

func testRequest(route bridge.Route) bridge.QuoteRequest {
	return bridge.QuoteRequest{
		LegIndex:    0,
		InputToken:  route.From,
		OutputToken: route.To,
		InputAmount: amount.MustNew(1_000_000, 6),
		Depositor:   mocks.DepositorAddress,
		Recipient:   mocks.DepositorAddress,
		SlippageBps: 50,
	}
}

func testConfig() Config {
	return Config{
		TTL:            30 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		MaxRetries:     3,
	}
}

// newTestService records backoff sleeps instead of sleeping
func newTestService(cfg Config, breakers *circuitbreaker.Set, adapters ...bridge.Adapter) (*Service, *[]time.Duration) {
	s := NewService(cfg, breakers, &logger.EmptyLogger{}, adapters...)
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, &slept
}

func TestQuotePicksHighestOutput(t *testing.T) {
	route := testRoute(t)
	cheap := mocks.NewAdapter("cheap", nil, route)
	cheap.FeeBps = 5
	pricey := mocks.NewAdapter("pricey", nil, route)
	pricey.FeeBps = 40

	s, _ := newTestService(testConfig(), nil, pricey, cheap)
	q, err := s.Quote(context.Background(), testRequest(route))
	require.NoError(t, err)

	assert.Equal(t, "cheap", q.Adapter)
	assert.Equal(t, "999500", q.ExpectedOutputAmount.String())
	assert.Equal(t, int32(1), pricey.QuoteCalls.Load())
	assert.Equal(t, int32(1), cheap.QuoteCalls.Load())
}

func TestQuoteTieGoesToRegistrationOrder(t *testing.T) {
	route := testRoute(t)
	first := mocks.NewAdapter("first", nil, route)
	second := mocks.NewAdapter("second", nil, route)

	s, _ := newTestService(testConfig(), nil, first, second)
	for i := 0; i < 10; i++ {
		q, err := s.Quote(context.Background(), testRequest(route))
		require.NoError(t, err)
		assert.Equal(t, "first", q.Adapter)
	}
}

func TestQuoteNoRoute(t *testing.T) {
	route := testRoute(t)
	other := mocks.NewAdapter("other", nil, bridge.Route{From: route.To, To: route.From})

	s, _ := newTestService(testConfig(), nil, other)
	_, err := s.Quote(context.Background(), testRequest(route))
	assert.ErrorIs(t, err, bridge.ErrNoRouteAvailable)
	assert.Zero(t, other.QuoteCalls.Load())
	assert.False(t, s.Supports(route))
}

func TestQuoteRetriesTransientErrors(t *testing.T) {
	route := testRoute(t)
	a := &flaky{Adapter: mocks.NewAdapter("relay", nil, route), n: 2, err: bridge.Wrap(bridge.ErrRateLimited, "slow down")}

	s, slept := newTestService(testConfig(), nil, a)
	q, err := s.Quote(context.Background(), testRequest(route))
	require.NoError(t, err)
	assert.Equal(t, "relay", q.Adapter)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
}

func TestQuoteGivesUpAfterMaxRetries(t *testing.T) {
	route := testRoute(t)
	a := &flaky{Adapter: mocks.NewAdapter("relay", nil, route), n: 10, err: bridge.Wrap(bridge.ErrRPCUnavailable, "502")}

	s, slept := newTestService(testConfig(), nil, a)
	_, err := s.Quote(context.Background(), testRequest(route))
	assert.ErrorIs(t, err, bridge.ErrRPCUnavailable)
	assert.Equal(t, int32(3), a.failures.Load())
	assert.Len(t, *slept, 2)
}

func TestQuoteDoesNotRetryPermanentErrors(t *testing.T) {
	route := testRoute(t)
	a := mocks.NewAdapter("relay", nil, route)
	a.QuoteErr = bridge.Wrap(bridge.ErrQuoteUnavailable, "amount too low")

	s, slept := newTestService(testConfig(), nil, a)
	_, err := s.Quote(context.Background(), testRequest(route))
	assert.ErrorIs(t, err, bridge.ErrQuoteUnavailable)
	assert.Equal(t, int32(1), a.QuoteCalls.Load())
	assert.Empty(t, *slept)
}

func TestQuotePrefersTransientErrorWhenAllFail(t *testing.T) {
	route := testRoute(t)
	permanent := mocks.NewAdapter("permanent", nil, route)
	permanent.QuoteErr = bridge.Wrap(bridge.ErrQuoteUnavailable, "pair not listed")
	limited := mocks.NewAdapter("limited", nil, route)
	limited.QuoteErr = bridge.Wrap(bridge.ErrRateLimited, "slow down")

	cfg := testConfig()
	cfg.MaxRetries = 1
	s, _ := newTestService(cfg, nil, permanent, limited)
	_, err := s.Quote(context.Background(), testRequest(route))
	assert.ErrorIs(t, err, bridge.ErrRateLimited)
}

func TestQuoteSkipsOpenCircuit(t *testing.T) {
	route := testRoute(t)
	down := &flaky{Adapter: mocks.NewAdapter("down", nil, route), n: 100, err: bridge.Wrap(bridge.ErrRPCUnavailable, "503")}
	up := mocks.NewAdapter("up", nil, route)
	up.FeeBps = 50

	breakers := circuitbreaker.NewSet(true, 2, time.Minute, time.Hour, nil)
	s, _ := newTestService(testConfig(), breakers, down, up)

	q, err := s.Quote(context.Background(), testRequest(route))
	require.NoError(t, err)
	assert.Equal(t, "up", q.Adapter)
	assert.Equal(t, int32(2), down.failures.Load(), "breaker opens on the second failure")
	assert.True(t, breakers.Get("down").IsOpen())

	_, err = s.Quote(context.Background(), testRequest(route))
	require.NoError(t, err)
	assert.Equal(t, int32(2), down.failures.Load(), "open breaker skips the adapter")

	up.QuoteErr = bridge.Wrap(bridge.ErrQuoteUnavailable, "paused")
	_, err = s.Quote(context.Background(), testRequest(route))
	assert.ErrorIs(t, err, bridge.ErrQuoteUnavailable)
}

func TestQuoteStampsTTL(t *testing.T) {
	route := testRoute(t)
	a := mocks.NewAdapter("relay", nil, route)

	s, _ := newTestService(testConfig(), nil, &noExpiry{a})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	req := testRequest(route)
	req.LegIndex = 2
	q, err := s.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, q.LegIndex)
	assert.Equal(t, now, q.IssuedAt)
	assert.Equal(t, now.Add(30*time.Second), q.ExpiresAt)
	assert.True(t, s.Fresh(q))

	now = now.Add(30 * time.Second)
	assert.False(t, s.Fresh(q))
}

// noExpiry strips the validity window the adapter declared
type noExpiry struct {
	*mocks.Adapter
}

func (n *noExpiry) GetQuote(ctx context.Context, req bridge.QuoteRequest) (*models.Quote, error) {
	q, err := n.Adapter.GetQuote(ctx, req)
	if err != nil {
		return nil, err
	}
	q.IssuedAt = time.Time{}
	q.ExpiresAt = time.Time{}
	return q, nil
}

func TestDegradedQuotesAreGated(t *testing.T) {
	route := testRoute(t)

	s, _ := newTestService(testConfig(), nil, simulated.New())
	_, err := s.Quote(context.Background(), testRequest(route))
	assert.ErrorIs(t, err, bridge.ErrDegradedQuote)

	cfg := testConfig()
	cfg.AllowDegraded = true
	s, _ = newTestService(cfg, nil, simulated.New())
	q, err := s.Quote(context.Background(), testRequest(route))
	require.NoError(t, err)
	assert.True(t, q.Degraded)

	// a real quote beats a better priced degraded one
	live := mocks.NewAdapter("relay", nil, route)
	live.FeeBps = 100
	s, _ = newTestService(cfg, nil, simulated.New(), live)
	q, err = s.Quote(context.Background(), testRequest(route))
	require.NoError(t, err)
	assert.Equal(t, "relay", q.Adapter)
}

func TestQuoteHasNoSideEffects(t *testing.T) {
	route := testRoute(t)
	chain := mocks.NewChain()
	a := mocks.NewAdapter("relay", chain, route)

	s, _ := newTestService(testConfig(), nil, a)
	q, err := s.Quote(context.Background(), testRequest(route))
	require.NoError(t, err)
	assert.NotEmpty(t, q.RequiredPreTransactions, "allowance is zero so an approval is planned")
	assert.Empty(t, chain.Sent)
}

func TestBackoff(t *testing.T) {
	s, _ := newTestService(testConfig(), nil)
	assert.Equal(t, 500*time.Millisecond, s.Backoff(0))
	assert.Equal(t, time.Second, s.Backoff(1))
	assert.Equal(t, 8*time.Second, s.Backoff(4))
	assert.Equal(t, 10*time.Second, s.Backoff(5))
	assert.Equal(t, 10*time.Second, s.Backoff(30))
}
