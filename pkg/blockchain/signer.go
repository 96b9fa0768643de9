package blockchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/metrics"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// KeyedSigner signs with a local private key and broadcasts through the pool
type KeyedSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	pool    *Pool
	nonces  *NonceManager
	logger  logger.Logger
}

var _ bridge.Signer = (*KeyedSigner)(nil)

// NewKeyedSigner parses a hex private key (with or without 0x)
func NewKeyedSigner(privateKeyHex string, pool *Pool, nonces *NonceManager, l logger.Logger) (*KeyedSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &KeyedSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		pool:    pool,
		nonces:  nonces,
		logger:  l,
	}, nil
}

// Address returns the signing address, identical on every EVM chain
func (s *KeyedSigner) Address(_ amount.ChainID) string {
	return s.address.Hex()
}

// SignAndSend builds a legacy transaction with a managed nonce, signs and broadcasts it
func (s *KeyedSigner) SignAndSend(ctx context.Context, req models.TxRequest) (string, error) {
	if req.From != "" && !strings.EqualFold(req.From, s.address.Hex()) {
		return "", fmt.Errorf("%w: transaction from %s cannot be signed by %s", bridge.ErrSignerRejected, req.From, s.address.Hex())
	}
	client, err := s.pool.Client(req.ChainID)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(req.To) {
		return "", fmt.Errorf("invalid destination address %q", req.To)
	}

	chainID := big.NewInt(int64(req.ChainID))
	auth, err := bind.NewKeyedTransactorWithChainID(s.key, chainID)
	if err != nil {
		return "", fmt.Errorf("failed to create transactor: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		req.From = s.address.Hex()
		if gasLimit, err = s.pool.EstimateGas(ctx, req); err != nil {
			return "", err
		}
	}

	value := new(big.Int)
	if req.Value != nil {
		value = req.Value.ToInt()
	}

	nonce, err := s.nonces.GetNonce(ctx, req.ChainID, client.Backend, s.address)
	if err != nil {
		return "", err
	}

	to := common.HexToAddress(req.To)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signed, err := auth.Signer(s.address, tx)
	if err != nil {
		s.nonces.ReleaseNonce(req.ChainID, nonce)
		return "", fmt.Errorf("%w: %v", bridge.ErrSignerRejected, err)
	}

	if err := client.Backend.SendTransaction(ctx, signed); err != nil {
		s.nonces.ReleaseNonce(req.ChainID, nonce)
		if strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
			if syncErr := s.nonces.SyncWithBlockchain(ctx, req.ChainID, client.Backend, s.address); syncErr != nil {
				s.logger.ErrorWithChain(int(req.ChainID), "Failed to resync nonce: %v", syncErr)
			}
		}
		metrics.TransactionsTotal.WithLabelValues(fmt.Sprint(req.ChainID), string(req.Kind), "error").Inc()
		return "", fmt.Errorf("failed to send %s transaction: %w", req.Kind, err)
	}

	s.nonces.TrackTransaction(req.ChainID, signed.Hash(), nonce)
	metrics.TransactionsTotal.WithLabelValues(fmt.Sprint(req.ChainID), string(req.Kind), "sent").Inc()
	s.logger.InfoWithChain(int(req.ChainID), "Sent %s transaction %s (nonce %d, gas %d)", req.Kind, signed.Hash().Hex(), nonce, gasLimit)
	return signed.Hash().Hex(), nil
}
