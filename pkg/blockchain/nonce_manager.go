package blockchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
)

// NonceSource returns the next nonce the node expects, including pending transactions
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// pendingTx tracks a transaction sent with an allocated nonce
type pendingTx struct {
	hash      common.Hash
	createdAt time.Time
}

// NonceManager allocates nonces locally so concurrent legs from the same key
// on the same chain do not collide
type NonceManager struct {
	chains    map[amount.ChainID]*chainNonceData
	mu        sync.Mutex
	txTimeout time.Duration
	syncEvery time.Duration
	logger    logger.Logger
}

// chainNonceData holds nonce data for a specific chain
type chainNonceData struct {
	currentNonce uint64
	pendingTxs   map[uint64]pendingTx
	lastSync     time.Time
	mu           sync.Mutex
}

// NewNonceManager creates a new nonce manager
func NewNonceManager(l logger.Logger) *NonceManager {
	return &NonceManager{
		chains:    make(map[amount.ChainID]*chainNonceData),
		txTimeout: 5 * time.Minute,
		syncEvery: 5 * time.Minute,
		logger:    l,
	}
}

func (nm *NonceManager) chain(chainID amount.ChainID) *chainNonceData {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	data, ok := nm.chains[chainID]
	if !ok {
		data = &chainNonceData{pendingTxs: make(map[uint64]pendingTx)}
		nm.chains[chainID] = data
	}
	return data
}

// GetNonce reserves and returns the next available nonce
func (nm *NonceManager) GetNonce(ctx context.Context, chainID amount.ChainID, source NonceSource, address common.Address) (uint64, error) {
	data := nm.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	nm.dropTimedOut(chainID, data)

	if data.lastSync.IsZero() || time.Since(data.lastSync) > nm.syncEvery || len(data.pendingTxs) == 0 {
		if err := nm.sync(ctx, chainID, data, source, address); err != nil {
			return 0, err
		}
	}

	nonce := data.currentNonce
	data.currentNonce++
	return nonce, nil
}

// TrackTransaction records a transaction sent with nonce
func (nm *NonceManager) TrackTransaction(chainID amount.ChainID, txHash common.Hash, nonce uint64) {
	data := nm.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	data.pendingTxs[nonce] = pendingTx{hash: txHash, createdAt: time.Now()}
	nm.logger.DebugWithChain(int(chainID), "Tracking transaction with nonce %d: %s", nonce, txHash.Hex())
}

// ReleaseNonce returns a nonce whose transaction was never accepted by the node.
// It is reused only when no higher nonce has been handed out since.
func (nm *NonceManager) ReleaseNonce(chainID amount.ChainID, nonce uint64) {
	data := nm.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()

	delete(data.pendingTxs, nonce)
	if data.currentNonce == nonce+1 {
		data.currentNonce = nonce
		nm.logger.DebugWithChain(int(chainID), "Reusing nonce %d after failed send", nonce)
		return
	}
	// a gap was created, force a resync on next allocation
	data.lastSync = time.Time{}
}

// SyncWithBlockchain forces the local counter to the node's pending nonce
func (nm *NonceManager) SyncWithBlockchain(ctx context.Context, chainID amount.ChainID, source NonceSource, address common.Address) error {
	data := nm.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()
	data.pendingTxs = make(map[uint64]pendingTx)
	data.currentNonce = 0
	return nm.sync(ctx, chainID, data, source, address)
}

// GetPendingTransactionsCount returns the number of tracked transactions for a chain
func (nm *NonceManager) GetPendingTransactionsCount(chainID amount.ChainID) int {
	data := nm.chain(chainID)
	data.mu.Lock()
	defer data.mu.Unlock()
	return len(data.pendingTxs)
}

// sync must be called with data.mu held
func (nm *NonceManager) sync(ctx context.Context, chainID amount.ChainID, data *chainNonceData, source NonceSource, address common.Address) error {
	nonce, err := source.PendingNonceAt(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %w", err)
	}
	if nonce > data.currentNonce {
		nm.logger.DebugWithChain(int(chainID), "Updating nonce: %d -> %d", data.currentNonce, nonce)
		data.currentNonce = nonce
	}
	data.lastSync = time.Now()
	return nil
}

// dropTimedOut forgets transactions older than txTimeout, must be called with data.mu held
func (nm *NonceManager) dropTimedOut(chainID amount.ChainID, data *chainNonceData) {
	for nonce, tx := range data.pendingTxs {
		if time.Since(tx.createdAt) > nm.txTimeout {
			nm.logger.NoticeWithChain(int(chainID), "Transaction with nonce %d timed out: %s", nonce, tx.hash.Hex())
			delete(data.pendingTxs, nonce)
		}
	}
}
