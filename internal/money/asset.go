package money

import (
	"fmt"
	"sync"
)

// Asset represents one of the two currencies this node ever holds a
// balance in: the USDT leg settled on Solana, and the BTC leg settled over
// Lightning. There is no fiat or multi-SPL-token registry here — this
// module only ever prices and moves these two.
type Asset struct {
	Code     string // Asset code (USDT, BTC)
	Decimals uint8  // Number of decimal places (6 for USDT atomic units, 8 for BTC sats)
	Type     AssetType
	Metadata AssetMetadata
}

// AssetType categorizes the asset by settlement rail.
type AssetType int

const (
	AssetTypeSPL        AssetType = iota // Solana SPL token
	AssetTypeLightning                   // BTC moved over the Lightning Network
)

// AssetMetadata contains rail-specific information.
type AssetMetadata struct {
	SolanaMint string // Solana token mint address (base58), set for AssetTypeSPL only
}

// Global asset registry with concurrent access protection. Operators can
// still register a different USDT mint per deployment via RegisterAsset
// (cmd/swapd does this from SolanaConfig.USDTMint rather than trusting the
// mainnet default baked in here).
var (
	assetRegistry = map[string]Asset{
		"USDT": {
			Code:     "USDT",
			Decimals: 6, // micro-USDT
			Type:     AssetTypeSPL,
			Metadata: AssetMetadata{
				SolanaMint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", // USDT mainnet
			},
		},
		"BTC": {
			Code:     "BTC",
			Decimals: 8, // satoshis
			Type:     AssetTypeLightning,
		},
	}
	assetRegistryMu sync.RWMutex
)

// GetAsset retrieves an asset from the registry.
func GetAsset(code string) (Asset, error) {
	assetRegistryMu.RLock()
	asset, ok := assetRegistry[code]
	assetRegistryMu.RUnlock()

	if !ok {
		return Asset{}, fmt.Errorf("money: unknown asset: %s", code)
	}
	return asset, nil
}

// MustGetAsset retrieves an asset and panics if not found (for tests/constants).
func MustGetAsset(code string) Asset {
	asset, err := GetAsset(code)
	if err != nil {
		panic(err)
	}
	return asset
}

// RegisterAsset adds a new asset to the registry (for testing or dynamic tokens).
func RegisterAsset(asset Asset) error {
	if asset.Code == "" {
		return fmt.Errorf("money: asset code required")
	}
	if asset.Decimals > 18 {
		return fmt.Errorf("money: decimals must be <= 18")
	}

	assetRegistryMu.Lock()
	assetRegistry[asset.Code] = asset
	assetRegistryMu.Unlock()

	return nil
}

// ListAssets returns all registered assets.
func ListAssets() []Asset {
	assetRegistryMu.RLock()
	assets := make([]Asset, 0, len(assetRegistry))
	for _, asset := range assetRegistry {
		assets = append(assets, asset)
	}
	assetRegistryMu.RUnlock()

	return assets
}

// IsSPLToken returns true if the asset is a Solana SPL token.
func (a Asset) IsSPLToken() bool {
	return a.Type == AssetTypeSPL
}

// IsLightning returns true if the asset settles over the Lightning Network.
func (a Asset) IsLightning() bool {
	return a.Type == AssetTypeLightning
}

// GetSolanaMint returns the Solana mint address or error.
func (a Asset) GetSolanaMint() (string, error) {
	if !a.IsSPLToken() {
		return "", fmt.Errorf("money: %s is not an SPL token", a.Code)
	}
	return a.Metadata.SolanaMint, nil
}
