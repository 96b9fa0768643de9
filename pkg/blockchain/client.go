package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/config"
	"github.com/speedrun-hq/bridgerunner/pkg/contracts"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// Backend is the part of an Ethereum client used here.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Client is a connection to one chain
type Client struct {
	ChainID       amount.ChainID
	RPCURL        string
	GasMultiplier float64
	Backend       Backend
	close         func()
}

// NewClient wraps an existing backend
func NewClient(chainID amount.ChainID, backend Backend, gasMultiplier float64) *Client {
	if gasMultiplier < 1 {
		gasMultiplier = config.DefaultGasMultiplier
	}
	return &Client{ChainID: chainID, Backend: backend, GasMultiplier: gasMultiplier}
}

// Dial connects to the chain's RPC and checks it serves the expected chain
func Dial(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain %d: %w", cfg.ChainID, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	remote, err := ec.ChainID(timeoutCtx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("failed to get chain ID of %s: %w", cfg.RPCURL, err)
	}
	if remote.Int64() != int64(cfg.ChainID) {
		ec.Close()
		return nil, fmt.Errorf("rpc %s serves chain %s, expected %d", cfg.RPCURL, remote, cfg.ChainID)
	}

	c := NewClient(cfg.ChainID, ec, cfg.GasMultiplier)
	c.RPCURL = cfg.RPCURL
	c.close = ec.Close
	return c, nil
}

// SuggestGasPrice returns the network gas price with the chain's multiplier applied
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := c.Backend.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	multiplied := new(big.Float).Mul(new(big.Float).SetInt(gasPrice), big.NewFloat(c.GasMultiplier))
	final, _ := multiplied.Int(nil)
	return final, nil
}

// GetLatestBlockNumber gets the latest block number from the chain
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.Backend.BlockNumber(ctx)
}

// Check reports whether the RPC answers
func (c *Client) Check(ctx context.Context) error {
	_, err := c.GetLatestBlockNumber(ctx)
	return err
}

// Close releases the connection
func (c *Client) Close() {
	if c.close != nil {
		c.close()
	}
}

// Pool routes calls to the client of each chain and implements bridge.ChainRPC
type Pool struct {
	clients map[amount.ChainID]*Client
	logger  logger.Logger
}

var _ bridge.ChainRPC = (*Pool)(nil)

// NewPool creates a pool over already connected clients
func NewPool(l logger.Logger, clients ...*Client) *Pool {
	p := &Pool{clients: make(map[amount.ChainID]*Client, len(clients)), logger: l}
	for _, c := range clients {
		p.clients[c.ChainID] = c
	}
	return p
}

// DialAll connects to every configured chain. A chain that cannot be reached is
// logged and skipped so one bad RPC does not block the others.
func DialAll(ctx context.Context, chains map[amount.ChainID]config.ChainConfig, l logger.Logger) *Pool {
	p := NewPool(l)
	for id, cfg := range chains {
		c, err := Dial(ctx, cfg)
		if err != nil {
			l.ErrorWithChain(int(id), "Skipping chain: %v", err)
			continue
		}
		l.InfoWithChain(int(id), "Connected to %s", cfg.RPCURL)
		p.clients[id] = c
	}
	return p
}

// Client returns the client of a chain
func (p *Pool) Client(chainID amount.ChainID) (*Client, error) {
	c, ok := p.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no client configured for chain %d", chainID)
	}
	return c, nil
}

// ChainIDs returns the connected chains in ascending order
func (p *Pool) ChainIDs() []amount.ChainID {
	ids := make([]amount.ChainID, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes every client
func (p *Pool) Close() {
	for _, c := range p.clients {
		c.Close()
	}
}

func toCallMsg(tx models.TxRequest) (ethereum.CallMsg, error) {
	if !common.IsHexAddress(tx.To) {
		return ethereum.CallMsg{}, fmt.Errorf("invalid destination address %q", tx.To)
	}
	to := common.HexToAddress(tx.To)
	msg := ethereum.CallMsg{
		From: common.HexToAddress(tx.From),
		To:   &to,
		Data: tx.Data,
	}
	if tx.Value != nil {
		msg.Value = tx.Value.ToInt()
	}
	return msg, nil
}

func (p *Pool) EstimateGas(ctx context.Context, tx models.TxRequest) (uint64, error) {
	c, err := p.Client(tx.ChainID)
	if err != nil {
		return 0, err
	}
	msg, err := toCallMsg(tx)
	if err != nil {
		return 0, err
	}
	gas, err := c.Backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

func (p *Pool) GetTransactionReceipt(ctx context.Context, chainID amount.ChainID, txHash string) (*bridge.Receipt, error) {
	c, err := p.Client(chainID)
	if err != nil {
		return nil, err
	}
	r, err := c.Backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	receipt := &bridge.Receipt{TxHash: txHash, Status: r.Status, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	return receipt, nil
}

func (p *Pool) GetBalance(ctx context.Context, token amount.Token, owner string) (amount.Amount, error) {
	c, err := p.Client(token.Chain)
	if err != nil {
		return amount.Amount{}, err
	}

	var raw *big.Int
	if token.Address == "" {
		raw, err = c.Backend.BalanceAt(ctx, common.HexToAddress(owner), nil)
	} else {
		raw, err = contracts.NewERC20(common.HexToAddress(token.Address), c.Backend).
			BalanceOf(&bind.CallOpts{Context: ctx}, common.HexToAddress(owner))
	}
	if err != nil {
		return amount.Amount{}, fmt.Errorf("failed to get %s balance: %w", token, err)
	}
	return amount.New(raw, token.Decimals)
}

func (p *Pool) GetBytecode(ctx context.Context, chainID amount.ChainID, address string) ([]byte, error) {
	c, err := p.Client(chainID)
	if err != nil {
		return nil, err
	}
	return c.Backend.CodeAt(ctx, common.HexToAddress(address), nil)
}

func (p *Pool) GetAllowance(ctx context.Context, token amount.Token, owner, spender string) (*big.Int, error) {
	c, err := p.Client(token.Chain)
	if err != nil {
		return nil, err
	}
	allowance, err := contracts.NewERC20(common.HexToAddress(token.Address), c.Backend).
		Allowance(&bind.CallOpts{Context: ctx}, common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, fmt.Errorf("failed to get %s allowance: %w", token, err)
	}
	return allowance, nil
}
