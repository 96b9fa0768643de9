package oneclick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sdk "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
)

// SDKClient implements API with the 1Click Go SDK
type SDKClient struct {
	client *sdk.APIClient
	jwt    string
}

var _ API = (*SDKClient)(nil)

// NewSDKClient creates a client for baseURL (the SDK default when empty).
// The JWT is optional, unauthenticated quotes carry a higher fee.
func NewSDKClient(baseURL, jwt string) *SDKClient {
	cfg := sdk.NewConfiguration()
	if baseURL != "" {
		cfg.Servers = sdk.ServerConfigurations{{URL: baseURL}}
	}
	cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	return &SDKClient{client: sdk.NewAPIClient(cfg), jwt: jwt}
}

func (c *SDKClient) authorize(ctx context.Context) context.Context {
	if c.jwt == "" {
		return ctx
	}
	return context.WithValue(ctx, sdk.ContextAccessToken, c.jwt)
}

func (c *SDKClient) Tokens(ctx context.Context) ([]TokenInfo, error) {
	resp, httpResp, err := c.client.OneClickAPI.GetTokens(c.authorize(ctx)).Execute()
	if err != nil {
		return nil, responseError("get tokens", httpResp, err, bridge.ErrQuoteUnavailable)
	}
	closeBody(httpResp)

	tokens := make([]TokenInfo, 0, len(resp))
	for _, t := range resp {
		tokens = append(tokens, TokenInfo{
			AssetID:         t.GetAssetId(),
			Blockchain:      t.GetBlockchain(),
			Symbol:          t.GetSymbol(),
			ContractAddress: t.GetContractAddress(),
			Decimals:        uint8(t.GetDecimals()),
		})
	}
	return tokens, nil
}

func (c *SDKClient) Quote(ctx context.Context, params QuoteParams) (*QuoteResult, error) {
	req := sdk.NewQuoteRequest(
		false, // dry, a live quote is needed for the deposit address
		"EXACT_INPUT",
		float32(params.SlippageBps),
		params.OriginAsset,
		"ORIGIN_CHAIN",
		params.DestinationAsset,
		params.Amount,
		params.RefundTo,
		"ORIGIN_CHAIN",
		params.Recipient,
		"DESTINATION_CHAIN",
		params.Deadline,
	)

	resp, httpResp, err := c.client.OneClickAPI.GetQuote(c.authorize(ctx)).QuoteRequest(*req).Execute()
	if err != nil {
		return nil, responseError("get quote", httpResp, err, bridge.ErrQuoteUnavailable)
	}
	closeBody(httpResp)
	if resp == nil {
		return nil, bridge.Wrap(bridge.ErrQuoteUnavailable, "empty quote response")
	}

	q := resp.GetQuote()
	return &QuoteResult{
		DepositAddress: q.GetDepositAddress(),
		DepositMemo:    q.GetDepositMemo(),
		AmountOut:      q.GetAmountOut(),
		MinAmountOut:   q.GetMinAmountOut(),
		TimeEstimate:   float64(q.GetTimeEstimate()),
	}, nil
}

func (c *SDKClient) Status(ctx context.Context, depositAddress string) (*StatusResult, error) {
	resp, httpResp, err := c.client.OneClickAPI.GetExecutionStatus(c.authorize(ctx)).DepositAddress(depositAddress).Execute()
	if err != nil {
		return statusLookupError(httpResp, err)
	}
	closeBody(httpResp)

	details := resp.GetSwapDetails()
	res := &StatusResult{
		Status:    resp.GetStatus(),
		AmountOut: details.GetAmountOut(),
	}
	for _, tx := range details.GetDestinationChainTxHashes() {
		res.DestinationTxs = append(res.DestinationTxs, tx.GetHash())
	}
	return res, nil
}

func (c *SDKClient) SubmitDeposit(ctx context.Context, depositAddress, txHash string) error {
	req := sdk.NewSubmitDepositTxRequestWithDefaults()
	req.SetTxHash(txHash)
	req.SetDepositAddress(depositAddress)
	_, httpResp, err := c.client.OneClickAPI.SubmitDepositTx(c.authorize(ctx)).SubmitDepositTxRequest(*req).Execute()
	if err != nil {
		return responseError("submit deposit", httpResp, err, bridge.ErrUnknownAdapter)
	}
	closeBody(httpResp)
	return nil
}

// statusLookupError keeps a deposit in flight when its status cannot be read. An unknown
// deposit address is not indexed yet, other client errors are retried until the leg times out.
func statusLookupError(httpResp *http.Response, err error) (*StatusResult, error) {
	if httpResp != nil && httpResp.StatusCode == http.StatusNotFound {
		closeBody(httpResp)
		return &StatusResult{Status: "PENDING_DEPOSIT"}, nil
	}
	return nil, responseError("get status", httpResp, err, bridge.ErrRPCUnavailable)
}

func closeBody(httpResp *http.Response) {
	if httpResp != nil && httpResp.Body != nil {
		_ = httpResp.Body.Close()
	}
}

// responseError classifies a failed SDK call by status code. The message is
// taken from the JSON error body when there is one.
func responseError(op string, httpResp *http.Response, err error, clientErr error) error {
	if httpResp == nil {
		return bridge.Wrap(bridge.ErrRPCUnavailable, "1click %s: %v", op, err)
	}
	defer closeBody(httpResp)

	msg := err.Error()
	if body, readErr := io.ReadAll(httpResp.Body); readErr == nil && len(body) > 0 {
		var errorResp struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &errorResp) == nil && errorResp.Message != "" {
			msg = errorResp.Message
		} else {
			msg = string(body)
		}
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return bridge.Wrap(bridge.ErrRateLimited, "1click %s: %s", op, msg)
	case httpResp.StatusCode >= 500:
		return bridge.Wrap(bridge.ErrRPCUnavailable, "1click %s (status %d): %s", op, httpResp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: 1click %s (status %d): %s", clientErr, op, httpResp.StatusCode, msg)
	}
}
