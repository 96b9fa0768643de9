package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge/mocks"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/events"
	"github.com/speedrun-hq/bridgerunner/pkg/executor"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adapterMap map[string]bridge.Adapter

func (m adapterMap) Adapter(name string) (bridge.Adapter, bool) {
	a, ok := m[name]
	return a, ok
}

// fakeClock only moves when the poller sleeps
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum time.Duration
	for _, d := range c.slept {
		sum += d
	}
	return sum
}

var testConfig = Config{
	InitialInterval: time.Second,
	Multiplier:      2,
	MaxInterval:     8 * time.Second,
	LegTimeout:      time.Minute,
}

type fixture struct {
	reg     *registry.Registry
	adapter *mocks.Adapter
	bus     *events.Bus
	clock   *fakeClock
	poller  *Poller
}

// newFixture returns a transfer "t1" whose only leg has been submitted through the relay mock
func newFixture(t *testing.T) *fixture {
	eth, err := chains.Stablecoin(1, "USDC")
	require.NoError(t, err)
	base, err := chains.Stablecoin(8453, "USDC")
	require.NoError(t, err)
	route := bridge.Route{From: eth, To: base}

	chain := mocks.NewChain()
	adapter := mocks.NewAdapter("relay", chain, route)
	adapters := adapterMap{"relay": adapter}
	reg := registry.New(nil, &logger.EmptyLogger{})
	bus := events.NewBus(nil, events.DefaultExchange, &logger.EmptyLogger{})

	in := amount.MustNew(1_000_000, 6)
	require.NoError(t, reg.Create(context.Background(), &models.Transfer{
		ID: "t1",
		Intent: models.TransferIntent{
			SourceChain: 1, DestinationChain: 8453, SourceToken: eth, DestinationToken: base,
			Amount: in, Depositor: mocks.DepositorAddress, Recipient: mocks.DepositorAddress,
		},
		Legs: []models.Leg{{Index: 0, InputToken: eth, OutputToken: base, InputAmount: &in, Status: models.LegPending}},
	}))

	q, err := adapter.GetQuote(context.Background(), bridge.QuoteRequest{
		InputToken: eth, OutputToken: base, InputAmount: in,
		Depositor: mocks.DepositorAddress, Recipient: mocks.DepositorAddress, SlippageBps: 50,
	})
	require.NoError(t, err)
	leg, err := executor.New(reg, adapters, chain, bus, &logger.EmptyLogger{}).Execute(context.Background(), "t1", 0, q, chain)
	require.NoError(t, err)

	clock := &fakeClock{now: leg.TrackingStartedAt}
	p := New(reg, adapters, bus, testConfig, &logger.EmptyLogger{})
	p.now = clock.Now
	p.sleep = clock.Sleep

	return &fixture{reg: reg, adapter: adapter, bus: bus, clock: clock, poller: p}
}

func (f *fixture) leg(t *testing.T) models.Leg {
	tr, err := f.reg.Get("t1")
	require.NoError(t, err)
	return tr.Legs[0]
}

func TestTrackFillsLeg(t *testing.T) {
	f := newFixture(t)
	evs, unsub := f.bus.Subscribe("t1")
	defer unsub()

	status, err := f.poller.Track(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.LegFilled, status)

	leg := f.leg(t)
	require.NotNil(t, leg.RealizedOutput)
	assert.True(t, leg.RealizedOutput.Cmp(leg.Quote.MinOutputAmount) >= 0)
	assert.True(t, leg.RealizedOutput.Cmp(leg.Quote.ExpectedOutputAmount) <= 0)
	assert.Equal(t, "0xfill", leg.DestinationTx)

	var seen []models.LegStatus
	for i := 0; i < 3; i++ {
		seen = append(seen, (<-evs).Status)
	}
	assert.Equal(t, []models.LegStatus{models.LegConfirming, models.LegRelaying, models.LegFilled}, seen)

	tr, err := f.reg.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TransferCompleted, tr.State())
}

func TestRelayingLegTimesOut(t *testing.T) {
	f := newFixture(t)
	f.adapter.Script = mocks.StuckAt(models.LegRelaying)
	submitted := f.leg(t).Handles

	status, err := f.poller.Track(context.Background(), "t1", 0)
	assert.Equal(t, models.LegTimedOut, status)
	require.ErrorIs(t, err, bridge.ErrLegTimedOut)
	var legErr *bridge.LegError
	require.ErrorAs(t, err, &legErr)
	assert.Equal(t, bridge.KindLegTimedOut, legErr.Kind)
	assert.Equal(t, "relay", legErr.Adapter)

	leg := f.leg(t)
	assert.Equal(t, models.LegTimedOut, leg.Status)
	assert.Equal(t, submitted, leg.Handles, "the handle is kept for later reconciliation")
	require.NotNil(t, leg.Failure)
	assert.Equal(t, string(bridge.KindLegTimedOut), leg.Failure.Kind)

	tr, err := f.reg.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TransferFailed, tr.State())
}

func TestBackoffIsBounded(t *testing.T) {
	f := newFixture(t)
	f.adapter.Script = mocks.StuckAt(models.LegRelaying)

	_, err := f.poller.Track(context.Background(), "t1", 0)
	require.ErrorIs(t, err, bridge.ErrLegTimedOut)

	slept := f.clock.slept
	require.NotEmpty(t, slept)
	for i, d := range slept {
		assert.LessOrEqual(t, d, testConfig.MaxInterval)
		if i > 0 && i < len(slept)-1 {
			assert.GreaterOrEqual(t, d, slept[i-1], "interval %d shrank", i)
		}
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, slept[:4])
	assert.Equal(t, testConfig.LegTimeout, f.clock.total(), "total wait never exceeds the leg budget")
	assert.Equal(t, int32(len(slept)), f.adapter.PollCalls.Load())
}

func TestNextInterval(t *testing.T) {
	p := New(nil, nil, nil, testConfig, &logger.EmptyLogger{})
	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{time.Second, 2 * time.Second},
		{3 * time.Second, 6 * time.Second},
		{5 * time.Second, 8 * time.Second},
		{8 * time.Second, 8 * time.Second},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, p.NextInterval(tc.current))
	}

	flat := New(nil, nil, nil, Config{InitialInterval: 4 * time.Second, Multiplier: 0.5, MaxInterval: time.Second}, &logger.EmptyLogger{})
	assert.Equal(t, 4*time.Second, flat.NextInterval(4*time.Second), "multiplier and ceiling are clamped")
}

func TestTransientPollErrorsAreEmptyTicks(t *testing.T) {
	f := newFixture(t)
	fill := mocks.FillAfter()
	f.adapter.Script = func(q *models.Quote, poll int) (bridge.StatusReport, error) {
		if poll <= 2 {
			return bridge.StatusReport{}, bridge.Wrap(bridge.ErrRPCUnavailable, "503 from status api")
		}
		return fill(q, 1)
	}

	status, err := f.poller.Track(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.LegFilled, status)
	assert.Equal(t, int32(3), f.adapter.PollCalls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.clock.slept)
}

func TestBackwardReportsAreIgnored(t *testing.T) {
	f := newFixture(t)
	fill := mocks.FillAfter()
	steps := []models.LegStatus{models.LegRelaying, models.LegConfirming, models.LegSubmitted}
	f.adapter.Script = func(q *models.Quote, poll int) (bridge.StatusReport, error) {
		if poll <= len(steps) {
			return bridge.StatusReport{Status: steps[poll-1]}, nil
		}
		return fill(q, 1)
	}

	status, err := f.poller.Track(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.LegFilled, status)

	var to []models.LegStatus
	for _, change := range f.leg(t).History {
		to = append(to, change.To)
	}
	assert.Equal(t, []models.LegStatus{models.LegSubmitted, models.LegRelaying, models.LegFilled}, to)
}

func TestFilledWithoutOutputWaits(t *testing.T) {
	f := newFixture(t)
	fill := mocks.FillAfter()
	f.adapter.Script = func(q *models.Quote, poll int) (bridge.StatusReport, error) {
		if poll == 1 {
			return bridge.StatusReport{Status: models.LegFilled}, nil
		}
		return fill(q, 1)
	}

	status, err := f.poller.Track(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.LegFilled, status)
	assert.NotNil(t, f.leg(t).RealizedOutput)
	assert.Equal(t, int32(2), f.adapter.PollCalls.Load())
}

func TestVendorReportedFailure(t *testing.T) {
	f := newFixture(t)
	f.adapter.Script = func(*models.Quote, int) (bridge.StatusReport, error) {
		return bridge.StatusReport{Status: models.LegFailed, Reason: "deposit refunded", Raw: "REFUNDED"}, nil
	}

	status, err := f.poller.Track(context.Background(), "t1", 0)
	assert.Equal(t, models.LegFailed, status)
	var legErr *bridge.LegError
	require.ErrorAs(t, err, &legErr)
	assert.Equal(t, bridge.KindUnknown, legErr.Kind)

	leg := f.leg(t)
	require.NotNil(t, leg.Failure)
	assert.Contains(t, leg.Failure.Message, "deposit refunded")
}

func TestPermanentPollErrorFailsLeg(t *testing.T) {
	f := newFixture(t)
	f.adapter.Script = func(*models.Quote, int) (bridge.StatusReport, error) {
		return bridge.StatusReport{}, bridge.Wrap(bridge.ErrUnknownAdapter, "request not found")
	}

	status, err := f.poller.Track(context.Background(), "t1", 0)
	assert.Equal(t, models.LegFailed, status)
	assert.ErrorIs(t, err, bridge.ErrUnknownAdapter)
	assert.Equal(t, int32(1), f.adapter.PollCalls.Load())
}

func TestResumeKeepsOriginalBudget(t *testing.T) {
	f := newFixture(t)
	f.adapter.Script = mocks.StuckAt(models.LegRelaying)

	// a restarted process picks the leg up 50s into its budget
	started := f.leg(t).TrackingStartedAt
	clock := &fakeClock{now: started.Add(50 * time.Second)}
	resumed := New(f.reg, adapterMap{"relay": f.adapter}, f.bus, testConfig, &logger.EmptyLogger{})
	resumed.now = clock.Now
	resumed.sleep = clock.Sleep

	status, err := resumed.Track(context.Background(), "t1", 0)
	assert.ErrorIs(t, err, bridge.ErrLegTimedOut)
	assert.Equal(t, models.LegTimedOut, status)
	assert.Equal(t, 10*time.Second, clock.total())
	assert.Equal(t, started.Add(testConfig.LegTimeout), resumed.Deadline(ptr(f.leg(t))))
}

func TestCancelledTrackingLeavesLegAlone(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.adapter.Script = func(_ *models.Quote, poll int) (bridge.StatusReport, error) {
		if poll == 2 {
			cancel()
		}
		return bridge.StatusReport{Status: models.LegConfirming}, nil
	}

	status, err := f.poller.Track(ctx, "t1", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.LegConfirming, status)

	leg := f.leg(t)
	assert.Equal(t, models.LegConfirming, leg.Status)
	assert.Nil(t, leg.Failure)

	// tracking resumes from the same handle
	f.adapter.Script = mocks.FillAfter()
	status, err = f.poller.Track(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.LegFilled, status)
}

func TestTrackWithoutHandle(t *testing.T) {
	reg := registry.New(nil, &logger.EmptyLogger{})
	eth, err := chains.Stablecoin(1, "USDC")
	require.NoError(t, err)
	require.NoError(t, reg.Create(context.Background(), &models.Transfer{
		ID:   "t2",
		Legs: []models.Leg{{Index: 0, InputToken: eth, Status: models.LegPending}},
	}))

	p := New(reg, adapterMap{}, events.NewBus(nil, "", &logger.EmptyLogger{}), testConfig, &logger.EmptyLogger{})
	_, err = p.Track(context.Background(), "t2", 0)
	assert.ErrorIs(t, err, ErrNoHandle)

	_, err = p.Track(context.Background(), "t2", 3)
	assert.Error(t, err)
}

func TestTrackTerminalLegIsNoop(t *testing.T) {
	f := newFixture(t)
	_, err := f.poller.Track(context.Background(), "t1", 0)
	require.NoError(t, err)
	calls := f.adapter.PollCalls.Load()

	status, err := f.poller.Track(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.LegFilled, status)
	assert.Equal(t, calls, f.adapter.PollCalls.Load())
}

func TestObserveDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	leg := f.leg(t)

	report, err := f.poller.Observe(context.Background(), &leg)
	require.NoError(t, err)
	assert.Equal(t, models.LegConfirming, report.Status)
	assert.Equal(t, models.LegSubmitted, f.leg(t).Status)
}

func ptr(l models.Leg) *models.Leg {
	return &l
}
