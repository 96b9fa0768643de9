package chains

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
)

// Family groups chains that share an address format and signing scheme
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

const (
	Mainnet = "mainnet"
	Testnet = "testnet"
)

// SolanaChainID is the identifier relayers use for Solana mainnet
const SolanaChainID amount.ChainID = 792703809

// Chain describes a supported network
type Chain struct {
	ID         amount.ChainID
	Name       string
	Short      string
	Family     Family
	Network    string
	DefaultRPC string
	USDC       string
	USDT       string
	// USDCDecimals differs from 6 on BSC where the bridged token uses 18
	USDCDecimals uint8
	USDTDecimals uint8
}

var catalogue = []Chain{
	{ID: 1, Name: "ETHEREUM", Short: "ETH", Family: FamilyEVM, Network: Mainnet,
		DefaultRPC: "https://eth.llamarpc.com",
		USDC:       "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", USDCDecimals: 6,
		USDT: "0xdAC17F958D2ee523a2206206994597C13D831ec7", USDTDecimals: 6},
	{ID: 137, Name: "POLYGON", Short: "POL", Family: FamilyEVM, Network: Mainnet,
		DefaultRPC: "https://polygon-rpc.com",
		USDC:       "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", USDCDecimals: 6,
		USDT: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", USDTDecimals: 6},
	{ID: 42161, Name: "ARBITRUM", Short: "ARB", Family: FamilyEVM, Network: Mainnet,
		DefaultRPC: "https://arb1.arbitrum.io/rpc",
		USDC:       "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", USDCDecimals: 6,
		USDT: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", USDTDecimals: 6},
	{ID: 43114, Name: "AVALANCHE", Short: "AVA", Family: FamilyEVM, Network: Mainnet,
		DefaultRPC: "https://avalanche-c-chain-rpc.publicnode.com",
		USDC:       "0xb97ef9ef8734c71904d8002f8b6bc66dd9c48a6e", USDCDecimals: 6,
		USDT: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", USDTDecimals: 6},
	{ID: 56, Name: "BSC", Short: "BSC", Family: FamilyEVM, Network: Mainnet,
		DefaultRPC: "https://bsc-dataseed.bnbchain.org",
		USDC:       "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", USDCDecimals: 18,
		USDT: "0x55d398326f99059fF775485246999027B3197955", USDTDecimals: 18},
	{ID: 7000, Name: "ZETACHAIN", Short: "ZETA", Family: FamilyEVM, Network: Mainnet,
		DefaultRPC: "https://zetachain-evm.blockpi.network/v1/rpc/public",
		USDC:       "0x0cbe0dF132a6c6B4a2974Fa1b7Fb953CF0Cc798a", USDCDecimals: 6,
		USDT: "0x7c8dDa80bbBE1254a7aACf3219EBe1481c6E01d7", USDTDecimals: 6},
	{ID: 8453, Name: "BASE", Short: "BASE", Family: FamilyEVM, Network: Mainnet,
		DefaultRPC: "https://mainnet.base.org",
		USDC:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", USDCDecimals: 6,
		USDT: "0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2", USDTDecimals: 6},
	{ID: 10, Name: "OPTIMISM", Short: "OP", Family: FamilyEVM, Network: Mainnet,
		DefaultRPC: "https://mainnet.optimism.io",
		USDC:       "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", USDCDecimals: 6,
		USDT: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", USDTDecimals: 6},
	{ID: SolanaChainID, Name: "SOLANA", Short: "SOL", Family: FamilySolana, Network: Mainnet,
		DefaultRPC: "https://api.mainnet-beta.solana.com",
		USDC:       "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", USDCDecimals: 6,
		USDT: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", USDTDecimals: 6},

	{ID: 11155111, Name: "SEPOLIA", Short: "SEP", Family: FamilyEVM, Network: Testnet,
		DefaultRPC: "https://ethereum-sepolia-rpc.publicnode.com",
		USDC:       "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", USDCDecimals: 6},
	{ID: 84532, Name: "BASE_SEPOLIA", Short: "BSEP", Family: FamilyEVM, Network: Testnet,
		DefaultRPC: "https://sepolia.base.org",
		USDC:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e", USDCDecimals: 6},
	{ID: 421614, Name: "ARBITRUM_SEPOLIA", Short: "ASEP", Family: FamilyEVM, Network: Testnet,
		DefaultRPC: "https://sepolia-rollup.arbitrum.io/rpc",
		USDC:       "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d", USDCDecimals: 6},
}

var byID = func() map[amount.ChainID]Chain {
	m := make(map[amount.ChainID]Chain, len(catalogue))
	for _, c := range catalogue {
		m[c.ID] = c
	}
	return m
}()

// Get returns the chain for a given id
func Get(chainID amount.ChainID) (Chain, bool) {
	c, ok := byID[chainID]
	return c, ok
}

// List returns the chains of a network ordered by id
func List(network string) []Chain {
	var out []Chain
	for _, c := range catalogue {
		if c.Network == network {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID amount.ChainID) string {
	return byID[chainID].Name
}

// ShortName returns the log prefix for a chain, empty if unknown
func ShortName(chainID amount.ChainID) string {
	return byID[chainID].Short
}

// IsEVM reports whether the chain uses EVM addresses and transactions
func IsEVM(chainID amount.ChainID) bool {
	return byID[chainID].Family == FamilyEVM
}

// Stablecoin returns the token for a symbol ("USDC" or "USDT") on a chain
func Stablecoin(chainID amount.ChainID, symbol string) (amount.Token, error) {
	c, ok := byID[chainID]
	if !ok {
		return amount.Token{}, fmt.Errorf("unsupported chain %d", chainID)
	}

	var address string
	var decimals uint8
	switch strings.ToUpper(symbol) {
	case "USDC":
		address, decimals = c.USDC, c.USDCDecimals
	case "USDT":
		address, decimals = c.USDT, c.USDTDecimals
	default:
		return amount.Token{}, fmt.Errorf("unsupported stablecoin %q", symbol)
	}
	if address == "" {
		return amount.Token{}, fmt.Errorf("%s is not available on %s", strings.ToUpper(symbol), c.Name)
	}
	return amount.Token{Chain: chainID, Address: address, Symbol: strings.ToUpper(symbol), Decimals: decimals}, nil
}

// LookupToken returns the catalogued stablecoin with the given address on a chain
func LookupToken(chainID amount.ChainID, address string) (amount.Token, bool) {
	for _, symbol := range []string{"USDC", "USDT"} {
		t, err := Stablecoin(chainID, symbol)
		if err == nil && strings.EqualFold(t.Address, address) {
			return t, true
		}
	}
	return amount.Token{}, false
}

// ValidateAddress checks that addr is well formed for the chain's family
func ValidateAddress(chainID amount.ChainID, addr string) error {
	c, ok := byID[chainID]
	if !ok {
		return fmt.Errorf("unsupported chain %d", chainID)
	}
	switch c.Family {
	case FamilySolana:
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			return fmt.Errorf("invalid %s address %q: %w", c.Name, addr, err)
		}
	default:
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s address %q", c.Name, addr)
		}
	}
	return nil
}
