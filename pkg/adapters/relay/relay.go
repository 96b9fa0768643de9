// Package relay implements a bridge adapter over the Relay network HTTP API.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// Name identifies the adapter in quotes, legs and metrics
const Name = "relay"

const (
	stepApprove = "approve"
	stepDeposit = "deposit"
)

// Options configures the adapter
type Options struct {
	BaseURL string
	APIKey  string
	// Wait controls how long Execute waits for approvals to be mined
	Wait bridge.WaitOptions
}

// Adapter talks to the Relay quote and status endpoints
type Adapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	rpc        bridge.ChainRPC
	wait       bridge.WaitOptions
	logger     logger.Logger
}

var _ bridge.Adapter = (*Adapter)(nil)

// New creates a relay adapter. rpc is used to derive approvals from on-chain
// allowances and to wait for them; without it the vendor's approval steps are used.
func New(opts Options, rpc bridge.ChainRPC, l logger.Logger) *Adapter {
	return &Adapter{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: createHTTPClient(),
		rpc:        rpc,
		wait:       opts.Wait,
		logger:     l,
	}
}

func (a *Adapter) Name() string {
	return Name
}

// Supports accepts cross-chain routes between catalogued stablecoins with an EVM origin
func (a *Adapter) Supports(route bridge.Route) bool {
	if route.From.Chain == route.To.Chain || !chains.IsEVM(route.From.Chain) {
		return false
	}
	if _, ok := chains.LookupToken(route.From.Chain, route.From.Address); !ok {
		return false
	}
	_, ok := chains.LookupToken(route.To.Chain, route.To.Address)
	return ok
}

type quoteRequest struct {
	User                string `json:"user"`
	OriginChainID       int64  `json:"originChainId"`
	DestinationChainID  int64  `json:"destinationChainId"`
	OriginCurrency      string `json:"originCurrency"`
	DestinationCurrency string `json:"destinationCurrency"`
	Recipient           string `json:"recipient"`
	TradeType           string `json:"tradeType"`
	Amount              string `json:"amount"`
	SlippageTolerance   string `json:"slippageTolerance,omitempty"`
}

type currency struct {
	ChainID  int64  `json:"chainId"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type currencyAmount struct {
	Currency      currency `json:"currency"`
	Amount        string   `json:"amount"`
	MinimumAmount string   `json:"minimumAmount"`
}

type txData struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
	ChainID int64  `json:"chainId"`
	Gas     string `json:"gas,omitempty"`
}

type stepItem struct {
	Status string `json:"status"`
	Data   txData `json:"data"`
}

type step struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	RequestID string     `json:"requestId"`
	Items     []stepItem `json:"items"`
}

type quoteResponse struct {
	Steps   []step                    `json:"steps"`
	Fees    map[string]currencyAmount `json:"fees"`
	Details struct {
		CurrencyOut  currencyAmount `json:"currencyOut"`
		TimeEstimate float64        `json:"timeEstimate"`
	} `json:"details"`
}

// GetQuote prices a leg with POST /quote
func (a *Adapter) GetQuote(ctx context.Context, req bridge.QuoteRequest) (*models.Quote, error) {
	if !a.Supports(req.Route()) {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "relay does not route %s -> %s", req.InputToken, req.OutputToken)
	}

	body := quoteRequest{
		User:                req.Depositor,
		OriginChainID:       int64(req.InputToken.Chain),
		DestinationChainID:  int64(req.OutputToken.Chain),
		OriginCurrency:      req.InputToken.Address,
		DestinationCurrency: req.OutputToken.Address,
		Recipient:           req.Recipient,
		TradeType:           "EXACT_INPUT",
		Amount:              req.InputAmount.String(),
	}
	if req.SlippageBps > 0 {
		body.SlippageTolerance = strconv.FormatUint(uint64(req.SlippageBps), 10)
	}

	var resp quoteResponse
	if err := a.do(ctx, http.MethodPost, "/quote", body, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "%v", apiErr)
		}
		return nil, err
	}
	return a.buildQuote(ctx, req, &resp)
}

func (a *Adapter) buildQuote(ctx context.Context, req bridge.QuoteRequest, resp *quoteResponse) (*models.Quote, error) {
	var deposit *step
	var approvals []stepItem
	for i := range resp.Steps {
		switch resp.Steps[i].ID {
		case stepDeposit:
			deposit = &resp.Steps[i]
		case stepApprove:
			approvals = append(approvals, resp.Steps[i].Items...)
		}
	}
	if deposit == nil || len(deposit.Items) == 0 {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "relay quote has no deposit step")
	}
	if deposit.RequestID == "" {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "relay quote has no request id")
	}

	primary, err := toTxRequest(models.TxKindPrimary, deposit.Items[0].Data)
	if err != nil {
		return nil, err
	}
	if primary.ChainID != req.InputToken.Chain {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "deposit on chain %d, expected %d", primary.ChainID, req.InputToken.Chain)
	}

	var pre []models.TxRequest
	if a.rpc != nil {
		pre, err = bridge.ApprovalTransactions(ctx, a.rpc, req.InputToken, req.Depositor, primary.To, req.InputAmount)
		if err != nil {
			return nil, err
		}
	} else {
		for _, item := range approvals {
			tx, err := toTxRequest(models.TxKindApproval, item.Data)
			if err != nil {
				return nil, err
			}
			pre = append(pre, tx)
		}
	}

	out := resp.Details.CurrencyOut
	if out.Currency.Decimals != 0 && out.Currency.Decimals != req.OutputToken.Decimals {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "output decimals %d do not match %s", out.Currency.Decimals, req.OutputToken)
	}
	expected, err := req.OutputToken.Amount(out.Amount)
	if err != nil {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "invalid output amount %q", out.Amount)
	}
	minOut := expected.ApplyBps(req.SlippageBps)
	if out.MinimumAmount != "" {
		vendorMin, err := req.OutputToken.Amount(out.MinimumAmount)
		if err != nil {
			return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "invalid minimum amount %q", out.MinimumAmount)
		}
		// the tighter of the two bounds wins
		if vendorMin.Cmp(minOut) > 0 && vendorMin.Cmp(expected) <= 0 {
			minOut = vendorMin
		}
	}

	return &models.Quote{
		ID:                      deposit.RequestID,
		Adapter:                 Name,
		LegIndex:                req.LegIndex,
		InputToken:              req.InputToken,
		OutputToken:             req.OutputToken,
		InputAmount:             req.InputAmount,
		ExpectedOutputAmount:    expected,
		MinOutputAmount:         minOut,
		Fees:                    toFees(resp.Fees),
		ExpectedFillTimeSeconds: int64(resp.Details.TimeEstimate),
		RequiredPreTransactions: pre,
		PrimaryTransaction:      primary,
		VendorRef:               deposit.RequestID,
		IssuedAt:                time.Now().UTC(),
	}, nil
}

func toTxRequest(kind models.TxKind, d txData) (models.TxRequest, error) {
	tx := models.TxRequest{
		Kind:    kind,
		ChainID: amount.ChainID(d.ChainID),
		From:    d.From,
		To:      d.To,
	}
	if d.Data != "" && d.Data != "0x" {
		data, err := hexutil.Decode(d.Data)
		if err != nil {
			return tx, bridge.Wrap(bridge.ErrQuoteUnavailable, "invalid %s calldata: %v", kind, err)
		}
		tx.Data = data
	}
	if d.Value != "" && d.Value != "0" {
		v, ok := new(big.Int).SetString(d.Value, 0)
		if !ok {
			return tx, bridge.Wrap(bridge.ErrQuoteUnavailable, "invalid %s value %q", kind, d.Value)
		}
		tx.Value = (*hexutil.Big)(v)
	}
	if d.Gas != "" {
		if gas, err := strconv.ParseUint(d.Gas, 10, 64); err == nil {
			tx.GasLimit = gas
		}
	}
	return tx, nil
}

func toFees(fees map[string]currencyAmount) []models.Fee {
	names := make([]string, 0, len(fees))
	for name := range fees {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.Fee, 0, len(names))
	for _, name := range names {
		f := fees[name]
		token := amount.Token{
			Chain:    amount.ChainID(f.Currency.ChainID),
			Address:  f.Currency.Address,
			Symbol:   f.Currency.Symbol,
			Decimals: f.Currency.Decimals,
		}
		value, err := token.Amount(f.Amount)
		if err != nil || value.IsZero() {
			continue
		}
		out = append(out, models.Fee{Name: name, Token: token, Amount: value})
	}
	return out
}

// Execute sends the approvals then the deposit
func (a *Adapter) Execute(ctx context.Context, quote *models.Quote, signer bridge.Signer) ([]models.ExecutionHandle, error) {
	if a.rpc == nil {
		return nil, fmt.Errorf("relay adapter has no chain rpc configured")
	}
	return bridge.SubmitSequence(ctx, a.rpc, signer, quote, a.wait)
}

type statusResponse struct {
	Status     string   `json:"status"`
	Details    string   `json:"details"`
	InTxHashes []string `json:"inTxHashes"`
	TxHashes   []string `json:"txHashes"`
	UpdatedAt  int64    `json:"updatedAt"`
}

type requestsResponse struct {
	Requests []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Data   struct {
			Metadata struct {
				CurrencyOut currencyAmount `json:"currencyOut"`
			} `json:"metadata"`
		} `json:"data"`
	} `json:"requests"`
}

// statusMap normalizes Relay's intent status strings
var statusMap = map[string]models.LegStatus{
	"waiting":   models.LegConfirming,
	"pending":   models.LegRelaying,
	"submitted": models.LegRelaying,
	"delayed":   models.LegRelaying,
	"success":   models.LegFilled,
	"failure":   models.LegFailed,
	"refund":    models.LegFailed,
	"refunded":  models.LegFailed,
}

// PollStatus makes one status request for the leg's request id.
// A request Relay does not know yet is reported as submitted.
func (a *Adapter) PollStatus(ctx context.Context, handle models.ExecutionHandle) (bridge.StatusReport, error) {
	if handle.VendorRef == "" {
		return bridge.StatusReport{}, bridge.Wrap(bridge.ErrUnknownAdapter, "handle %s has no relay request id", handle.TransactionHash)
	}

	var resp statusResponse
	path := "/intents/status/v2?requestId=" + url.QueryEscape(handle.VendorRef)
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if notFound(err) {
			a.logger.DebugWithChain(int(handle.ChainID), "Relay has not indexed request %s yet", handle.VendorRef)
			return bridge.StatusReport{Status: models.LegSubmitted, Raw: "not_found"}, nil
		}
		return bridge.StatusReport{}, a.pollError(err)
	}

	raw := strings.ToLower(resp.Status)
	status, ok := statusMap[raw]
	if !ok {
		a.logger.DebugWithChain(int(handle.ChainID), "Unknown relay status %q for request %s", resp.Status, handle.VendorRef)
		status = models.LegSubmitted
	}

	report := bridge.StatusReport{Status: status, Raw: raw}
	if len(resp.TxHashes) > 0 {
		report.DestinationTx = resp.TxHashes[len(resp.TxHashes)-1]
	}

	switch status {
	case models.LegFailed:
		report.Reason = fmt.Sprintf("relay reported %s", raw)
		if resp.Details != "" {
			report.Reason += ": " + resp.Details
		}
	case models.LegFilled:
		realized, err := a.realizedOutput(ctx, handle)
		if err != nil {
			return bridge.StatusReport{}, err
		}
		report.RealizedOutput = realized
	}
	return report, nil
}

// realizedOutput reads the delivered amount of a filled request. Nil when Relay
// has not indexed it yet.
func (a *Adapter) realizedOutput(ctx context.Context, handle models.ExecutionHandle) (*amount.Amount, error) {
	var resp requestsResponse
	path := "/requests/v2?id=" + url.QueryEscape(handle.VendorRef)
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, a.pollError(err)
	}
	if len(resp.Requests) == 0 {
		return nil, nil
	}
	out := resp.Requests[0].Data.Metadata.CurrencyOut
	if out.Amount == "" {
		return nil, nil
	}
	decimals := handle.OutputDecimals
	if out.Currency.Decimals != 0 {
		decimals = out.Currency.Decimals
	}
	realized, err := amount.FromString(out.Amount, decimals)
	if err != nil {
		return nil, bridge.Wrap(bridge.ErrUnknownAdapter, "invalid realized amount %q", out.Amount)
	}
	return &realized, nil
}

func notFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// pollError makes client errors of a status lookup transient. They say nothing about
// the funds in flight, so the leg's timeout budget decides.
func (a *Adapter) pollError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
		a.logger.Error("Relay rejected a status lookup, check RELAY_API_KEY: %v", apiErr)
	}
	return bridge.Wrap(bridge.ErrRPCUnavailable, "%v", apiErr)
}

// APIError is a non-retryable error response from the Relay API
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay api error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay api error (status %d): %s", e.StatusCode, e.Message)
}

// do sends a request and decodes a JSON response into out. Rate limits and
// server errors are returned as transient errors, other failures as *APIError.
func (a *Adapter) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("x-api-key", a.apiKey)
	}

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return bridge.Wrap(bridge.ErrRPCUnavailable, "relay request failed: %v", err)
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			a.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return bridge.Wrap(bridge.ErrRPCUnavailable, "failed to read response body: %v", err)
	}
	a.logger.Debug("relay %s %s -> %d in %s", method, path, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return bridge.Wrap(bridge.ErrRateLimited, "relay returned 429: %s", string(bodyBytes))
	case resp.StatusCode >= 500:
		return bridge.Wrap(bridge.ErrRPCUnavailable, "relay returned %d: %s", resp.StatusCode, string(bodyBytes))
	case resp.StatusCode >= 400:
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
		var errBody struct {
			Message   string `json:"message"`
			ErrorCode string `json:"errorCode"`
		}
		if json.Unmarshal(bodyBytes, &errBody) == nil && errBody.Message != "" {
			apiErr.Message = errBody.Message
			apiErr.Code = errBody.ErrorCode
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return bridge.Wrap(bridge.ErrUnknownAdapter, "failed to decode relay response: %v, body: %s", err, string(bodyBytes))
	}
	return nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
