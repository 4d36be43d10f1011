package adapter

import "fmt"

// Asset identifies a swappable asset.
type Asset string

// Supported assets.
const (
	AssetNIM       Asset = "NIM"
	AssetBTC       Asset = "BTC"
	AssetUSDC      Asset = "USDC"
	AssetUSDCMatic Asset = "USDC_MATIC"
	AssetUSDT      Asset = "USDT"
	AssetUSDTMatic Asset = "USDT_MATIC"
	AssetEUR       Asset = "EUR"
	AssetCRC       Asset = "CRC"
)

// Family is the backend model an asset settles on.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyLedger
	FamilyUTXO
	FamilyContract
	FamilyCustodial
)

func (f Family) String() string {
	switch f {
	case FamilyLedger:
		return "ledger"
	case FamilyUTXO:
		return "utxo"
	case FamilyContract:
		return "contract"
	case FamilyCustodial:
		return "custodial"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

type assetInfo struct {
	family   Family
	decimals uint8
}

var assets = map[Asset]assetInfo{
	AssetNIM:       {FamilyLedger, 5},
	AssetBTC:       {FamilyUTXO, 8},
	AssetUSDC:      {FamilyContract, 6},
	AssetUSDCMatic: {FamilyContract, 6},
	AssetUSDT:      {FamilyContract, 6},
	AssetUSDTMatic: {FamilyContract, 6},
	AssetEUR:       {FamilyCustodial, 2},
	AssetCRC:       {FamilyCustodial, 2},
}

// Family returns the backend family for a.
func (a Asset) Family() Family {
	return assets[a].family
}

// Decimals returns the number of decimals of the asset's smallest unit.
func (a Asset) Decimals() uint8 {
	return assets[a].decimals
}

// Valid reports whether a is a known asset.
func (a Asset) Valid() bool {
	_, ok := assets[a]
	return ok
}

// ParseAsset validates an asset tag.
func ParseAsset(s string) (Asset, error) {
	a := Asset(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown asset %q", s)
	}
	return a, nil
}
