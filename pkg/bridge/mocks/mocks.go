package mocks

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// DepositorAddress is the address the mock signer signs for
const DepositorAddress = "0x1111111111111111111111111111111111111111"

// SpenderAddress is the bridge contract the mock adapter asks to approve
const SpenderAddress = "0x2222222222222222222222222222222222222222"

// Chain is an in-memory chain that implements both bridge.ChainRPC and bridge.Signer.
// Every sent transaction is mined on the next receipt lookup after PendingPolls lookups.
type Chain struct {
	mu sync.Mutex

	Balances   map[string]amount.Amount
	Allowances map[string]*big.Int

	EstimateErrs  map[models.TxKind]error
	SendErrs      map[models.TxKind]error
	RevertOnChain map[models.TxKind]bool
	PendingPolls  int

	Sent     []models.TxRequest
	hashes   map[string]models.TxRequest
	lookups  map[string]int
	sentHook func(models.TxRequest, string)
}

var (
	_ bridge.ChainRPC = (*Chain)(nil)
	_ bridge.Signer   = (*Chain)(nil)
)

// NewChain returns a chain with no configured balances (balances default to unlimited)
func NewChain() *Chain {
	return &Chain{
		Balances:      make(map[string]amount.Amount),
		Allowances:    make(map[string]*big.Int),
		EstimateErrs:  make(map[models.TxKind]error),
		SendErrs:      make(map[models.TxKind]error),
		RevertOnChain: make(map[models.TxKind]bool),
		hashes:        make(map[string]models.TxRequest),
		lookups:       make(map[string]int),
	}
}

// OnSend registers a hook invoked after every successful send
func (c *Chain) OnSend(hook func(models.TxRequest, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentHook = hook
}

// SetBalance sets the token balance of the depositor
func (c *Chain) SetBalance(token amount.Token, value amount.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[token.Key()] = value
}

// SetPendingPolls changes how many receipt lookups a transaction stays unmined for
func (c *Chain) SetPendingPolls(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PendingPolls = n
}

// SetAllowance sets the allowance the depositor granted the bridge for token
func (c *Chain) SetAllowance(token amount.Token, value *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Allowances[token.Key()] = new(big.Int).Set(value)
}

// SentKinds returns the kinds of all sent transactions in order
func (c *Chain) SentKinds() []models.TxKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]models.TxKind, 0, len(c.Sent))
	for _, tx := range c.Sent {
		kinds = append(kinds, tx.Kind)
	}
	return kinds
}

func (c *Chain) Address(_ amount.ChainID) string {
	return DepositorAddress
}

func (c *Chain) EstimateGas(_ context.Context, tx models.TxRequest) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.EstimateErrs[tx.Kind]; err != nil {
		return 0, err
	}
	return 21000, nil
}

func (c *Chain) SignAndSend(_ context.Context, tx models.TxRequest) (string, error) {
	c.mu.Lock()
	if err := c.SendErrs[tx.Kind]; err != nil {
		c.mu.Unlock()
		return "", err
	}
	hash := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	c.Sent = append(c.Sent, tx)
	c.hashes[hash] = tx
	hook := c.sentHook
	c.mu.Unlock()

	if hook != nil {
		hook(tx, hash)
	}
	return hash, nil
}

func (c *Chain) GetTransactionReceipt(_ context.Context, _ amount.ChainID, txHash string) (*bridge.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.hashes[txHash]
	if !ok {
		return nil, nil
	}
	c.lookups[txHash]++
	if c.lookups[txHash] <= c.PendingPolls {
		return nil, nil
	}
	status := uint64(1)
	if c.RevertOnChain[tx.Kind] {
		status = 0
	}
	return &bridge.Receipt{TxHash: txHash, Status: status, BlockNumber: 100, GasUsed: 21000}, nil
}

func (c *Chain) GetBalance(_ context.Context, token amount.Token, _ string) (amount.Amount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.Balances[token.Key()]; ok {
		return b, nil
	}
	return amount.New(new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil), token.Decimals)
}

func (c *Chain) GetBytecode(_ context.Context, _ amount.ChainID, _ string) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (c *Chain) GetAllowance(_ context.Context, token amount.Token, _, _ string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.Allowances[token.Key()]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

// StatusScript decides what PollStatus reports on the n-th poll (starting at 1) of a leg
type StatusScript func(q *models.Quote, poll int) (bridge.StatusReport, error)

// Adapter is a scripted bridge.Adapter for tests
type Adapter struct {
	AdapterName string
	Routes      []bridge.Route
	FeeBps      uint32
	TTL         time.Duration
	Chain       *Chain
	Script      StatusScript
	QuoteErr    error

	QuoteCalls   atomic.Int32
	ExecuteCalls atomic.Int32
	PollCalls    atomic.Int32

	mu     sync.Mutex
	quotes map[string]*models.Quote
	polls  map[string]int
}

var _ bridge.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter that fills every leg after Confirming and Relaying
func NewAdapter(name string, chain *Chain, routes ...bridge.Route) *Adapter {
	return &Adapter{
		AdapterName: name,
		Routes:      routes,
		FeeBps:      10,
		TTL:         time.Minute,
		Chain:       chain,
		Script:      FillAfter(models.LegConfirming, models.LegRelaying),
		quotes:      make(map[string]*models.Quote),
		polls:       make(map[string]int),
	}
}

// FillAfter reports the given statuses in order, then fills with a realized
// output halfway between min and expected output
func FillAfter(steps ...models.LegStatus) StatusScript {
	return func(q *models.Quote, poll int) (bridge.StatusReport, error) {
		if poll <= len(steps) {
			return bridge.StatusReport{Status: steps[poll-1]}, nil
		}
		realized := Midpoint(q.MinOutputAmount, q.ExpectedOutputAmount)
		return bridge.StatusReport{Status: models.LegFilled, RealizedOutput: &realized, DestinationTx: "0xfill"}, nil
	}
}

// StuckAt reports the same status forever
func StuckAt(status models.LegStatus) StatusScript {
	return func(_ *models.Quote, _ int) (bridge.StatusReport, error) {
		return bridge.StatusReport{Status: status}, nil
	}
}

// Midpoint returns (a+b)/2
func Midpoint(a, b amount.Amount) amount.Amount {
	sum := new(big.Int).Add(a.Int(), b.Int())
	m, _ := amount.New(sum.Quo(sum, big.NewInt(2)), a.Decimals())
	return m
}

func (a *Adapter) Name() string {
	return a.AdapterName
}

func (a *Adapter) Supports(route bridge.Route) bool {
	for _, r := range a.Routes {
		if r.From.Same(route.From) && r.To.Same(route.To) {
			return true
		}
	}
	return false
}

func (a *Adapter) GetQuote(ctx context.Context, req bridge.QuoteRequest) (*models.Quote, error) {
	a.QuoteCalls.Add(1)
	if a.QuoteErr != nil {
		return nil, a.QuoteErr
	}
	if !a.Supports(req.Route()) {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "%s does not route %s -> %s", a.AdapterName, req.InputToken, req.OutputToken)
	}

	expected, err := amount.New(req.InputAmount.ApplyBps(a.FeeBps).Int(), req.OutputToken.Decimals)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	id := uuid.NewString()

	var pre []models.TxRequest
	if a.Chain != nil {
		pre, err = bridge.ApprovalTransactions(ctx, a.Chain, req.InputToken, req.Depositor, SpenderAddress, req.InputAmount)
		if err != nil {
			return nil, err
		}
	}

	q := &models.Quote{
		ID:                      id,
		Adapter:                 a.AdapterName,
		LegIndex:                req.LegIndex,
		InputToken:              req.InputToken,
		OutputToken:             req.OutputToken,
		InputAmount:             req.InputAmount,
		ExpectedOutputAmount:    expected,
		MinOutputAmount:         expected.ApplyBps(req.SlippageBps),
		ExpectedFillTimeSeconds: 30,
		RequiredPreTransactions: pre,
		PrimaryTransaction: models.TxRequest{
			Kind:    models.TxKindPrimary,
			ChainID: req.InputToken.Chain,
			From:    req.Depositor,
			To:      SpenderAddress,
		},
		VendorRef: id,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.TTL),
	}
	a.mu.Lock()
	a.quotes[id] = q
	a.mu.Unlock()
	return q, nil
}

func (a *Adapter) Execute(ctx context.Context, quote *models.Quote, signer bridge.Signer) ([]models.ExecutionHandle, error) {
	a.ExecuteCalls.Add(1)
	return bridge.SubmitSequence(ctx, a.Chain, signer, quote, bridge.WaitOptions{PollInterval: time.Millisecond, Timeout: time.Second})
}

func (a *Adapter) PollStatus(_ context.Context, handle models.ExecutionHandle) (bridge.StatusReport, error) {
	a.PollCalls.Add(1)
	a.mu.Lock()
	q, ok := a.quotes[handle.VendorRef]
	a.polls[handle.VendorRef]++
	n := a.polls[handle.VendorRef]
	a.mu.Unlock()
	if !ok {
		return bridge.StatusReport{}, fmt.Errorf("%w: unknown request %s", bridge.ErrUnknownAdapter, handle.VendorRef)
	}
	return a.Script(q, n)
}

// Quote returns a previously issued quote by id
func (a *Adapter) Quote(id string) *models.Quote {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quotes[id]
}
