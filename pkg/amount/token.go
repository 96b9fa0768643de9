package amount

import (
	"fmt"
	"strings"
)

// ChainID identifies a network. EVM chains use their EIP-155 id.
type ChainID int

// Token identifies an asset on a specific chain
type Token struct {
	Chain    ChainID `json:"chain"`
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Decimals uint8   `json:"decimals"`
}

// Key returns the identity of the token, independent of address casing
func (t Token) Key() string {
	return fmt.Sprintf("%d:%s", t.Chain, strings.ToLower(t.Address))
}

// Same reports whether two tokens are the same asset
func (t Token) Same(o Token) bool {
	return t.Key() == o.Key()
}

// String returns a readable description like "USDC@8453"
func (t Token) String() string {
	if t.Symbol != "" {
		return fmt.Sprintf("%s@%d", t.Symbol, t.Chain)
	}
	return t.Key()
}

// Amount builds an amount with this token's precision
func (t Token) Amount(smallest string) (Amount, error) {
	return FromString(smallest, t.Decimals)
}
