package bank

import (
	"fmt"
	"strings"
)

// Asset identifies a balance denomination. SOL is the native asset; USDC and
// USDT are token balances moved through the same primitive.
type Asset uint8

const (
	AssetSOL Asset = iota
	AssetUSDC
	AssetUSDT
)

func (a Asset) String() string {
	switch a {
	case AssetSOL:
		return "SOL"
	case AssetUSDC:
		return "USDC"
	case AssetUSDT:
		return "USDT"
	default:
		return fmt.Sprintf("asset(%d)", uint8(a))
	}
}

// Valid reports whether the asset is supported.
func (a Asset) Valid() bool {
	return a <= AssetUSDT
}

// ParseAsset normalises a ticker into an Asset.
func ParseAsset(value string) (Asset, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "SOL", "":
		return AssetSOL, nil
	case "USDC":
		return AssetUSDC, nil
	case "USDT":
		return AssetUSDT, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAsset, value)
	}
}
