package testutil

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"
)

// DefaultTestTimeout bounds tests that talk to the simulated chain
const DefaultTestTimeout = 5 * time.Second

// SimulatedChainID is the chain id of the simulated backend
const SimulatedChainID = 1337

// Simulation is a funded key on a simulated chain
type Simulation struct {
	Backend *simulated.Backend
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// KeyHex returns the funded private key as hex
func (s *Simulation) KeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(s.Key))
}

// SetupSimulation creates a simulated blockchain with one account holding 10 ETH
func SetupSimulation(t *testing.T) *Simulation {
	t.Helper()

	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")
	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	balance := new(big.Int)
	balance.SetString("10000000000000000000", 10) // 10 ETH
	//nolint:SA1019 // Using deprecated GenesisAccount for compatibility
	genesisAlloc := map[common.Address]core.GenesisAccount{
		address: {
			Balance: balance,
		},
	}

	sim := simulated.NewBackend(genesisAlloc)
	t.Cleanup(func() {
		_ = sim.Close()
	})

	return &Simulation{Backend: sim, Key: privateKey, Address: address}
}

// GenerateAddress creates a random address for testing
func GenerateAddress() common.Address {
	privateKey, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// Context returns a context bounded by DefaultTestTimeout
func Context(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	t.Cleanup(cancel)
	return ctx
}
