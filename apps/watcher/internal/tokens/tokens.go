package tokens

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token represents an ERC-20 token with its display properties
type Token struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	Decimals int            `json:"decimals"`
}

// Registry holds all known tokens, addressable by symbol or address
type Registry struct {
	tokens    map[string]*Token
	byAddress map[common.Address]*Token
}

// NewRegistry creates a registry preloaded with the tokens the exchange
// supports
func NewRegistry() *Registry {
	registry := &Registry{
		tokens:    make(map[string]*Token),
		byAddress: make(map[common.Address]*Token),
	}

	supported := []*Token{
		{
			Symbol:   "USDC",
			Name:     "USD Coin",
			Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			Decimals: 6,
		},
		{
			Symbol:   "WETH",
			Name:     "Wrapped Ether",
			Address:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
			Decimals: 18,
		},
		{
			Symbol:   "WBTC",
			Name:     "Wrapped BTC",
			Address:  common.HexToAddress("0x2260fac5e5542a773aa44fbcfedf7c193bc2c599"),
			Decimals: 8,
		},
		{
			Symbol:   "DAI",
			Name:     "Dai Stablecoin",
			Address:  common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
			Decimals: 18,
		},
	}

	for _, token := range supported {
		registry.tokens[token.Symbol] = token
		registry.byAddress[token.Address] = token
	}

	return registry
}

// GetBySymbol returns a token by its symbol (case-insensitive)
func (r *Registry) GetBySymbol(symbol string) (*Token, bool) {
	token, exists := r.tokens[strings.ToUpper(symbol)]
	return token, exists
}

// GetByAddress returns a token by its contract address
func (r *Registry) GetByAddress(address common.Address) (*Token, bool) {
	token, exists := r.byAddress[address]
	return token, exists
}

// SymbolFor returns the token symbol for an address, falling back to the
// hex address for unknown tokens
func (r *Registry) SymbolFor(address common.Address) string {
	if token, exists := r.byAddress[address]; exists {
		return token.Symbol
	}
	return address.Hex()
}

// DecimalsFor returns the decimals for a token address, defaulting to 18
// for unknown tokens
func (r *Registry) DecimalsFor(address common.Address) int {
	if token, exists := r.byAddress[address]; exists {
		return token.Decimals
	}
	return 18
}

// FormatBaseUnits renders a base-unit integer string as a decimal string
// for display. It is never used for execution decisions; the watcher core
// only compares base-unit integers.
func FormatBaseUnits(amount string, decimals int) string {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	wholePart := new(big.Int).Div(value, divisor)
	remainder := new(big.Int).Mod(value, divisor)

	if remainder.Sign() == 0 {
		return wholePart.String()
	}

	remainderStr := remainder.String()
	for len(remainderStr) < decimals {
		remainderStr = "0" + remainderStr
	}
	remainderStr = strings.TrimRight(remainderStr, "0")
	if remainderStr == "" {
		return wholePart.String()
	}
	return wholePart.String() + "." + remainderStr
}
