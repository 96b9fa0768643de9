package bridge

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/contracts"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// tokensRequiringReset lists non-compliant ERC-20 tokens that reject changing
// a non-zero allowance to another non-zero value
var tokensRequiringReset = map[string]bool{
	"1:0xdac17f958d2ee523a2206206994597c13d831ec7": true, // USDT on Ethereum
}

// ApprovalTransactions returns the approvals required before spender can pull
// value of token from owner. Nothing is returned when the allowance already covers it.
func ApprovalTransactions(ctx context.Context, rpc ChainRPC, token amount.Token, owner, spender string, value amount.Amount) ([]models.TxRequest, error) {
	if token.Address == "" {
		return nil, nil
	}
	if !common.IsHexAddress(spender) {
		return nil, fmt.Errorf("invalid spender address %q", spender)
	}

	allowance, err := rpc.GetAllowance(ctx, token, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to check allowance: %w", err)
	}
	if allowance.Cmp(value.Int()) >= 0 {
		return nil, nil
	}

	var txs []models.TxRequest
	if allowance.Sign() > 0 && tokensRequiringReset[token.Key()] {
		reset, err := approveTx(token, owner, spender, big.NewInt(0))
		if err != nil {
			return nil, err
		}
		txs = append(txs, reset)
	}

	approve, err := approveTx(token, owner, spender, value.Int())
	if err != nil {
		return nil, err
	}
	return append(txs, approve), nil
}

func approveTx(token amount.Token, owner, spender string, value *big.Int) (models.TxRequest, error) {
	data, err := contracts.PackApprove(common.HexToAddress(spender), value)
	if err != nil {
		return models.TxRequest{}, fmt.Errorf("failed to pack approve: %w", err)
	}
	return models.TxRequest{
		Kind:    models.TxKindApproval,
		ChainID: token.Chain,
		From:    owner,
		To:      token.Address,
		Data:    hexutil.Bytes(data),
	}, nil
}

// TokenTransferTx builds a plain ERC-20 transfer (or native send when the token has no address)
func TokenTransferTx(token amount.Token, from, to string, value amount.Amount) (models.TxRequest, error) {
	if !common.IsHexAddress(to) {
		return models.TxRequest{}, fmt.Errorf("invalid recipient address %q", to)
	}
	if token.Address == "" {
		return models.TxRequest{
			Kind:    models.TxKindPrimary,
			ChainID: token.Chain,
			From:    from,
			To:      to,
			Value:   (*hexutil.Big)(value.Int()),
		}, nil
	}
	data, err := contracts.PackTransfer(common.HexToAddress(to), value.Int())
	if err != nil {
		return models.TxRequest{}, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return models.TxRequest{
		Kind:    models.TxKindPrimary,
		ChainID: token.Chain,
		From:    from,
		To:      token.Address,
		Data:    hexutil.Bytes(data),
	}, nil
}
