package swap

import (
	"fmt"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/adapter/custodial"
	"github.com/klingon-exchange/swapwatch/internal/adapter/evm"
	"github.com/klingon-exchange/swapwatch/internal/adapter/ledger"
	"github.com/klingon-exchange/swapwatch/internal/adapter/utxo"
)

// AdapterOption configures adapters built by NewAdapter.
type AdapterOption = adapter.Option

// NewAdapter builds the adapter for asset's backend family. client must
// implement that family's client contract.
func NewAdapter(asset adapter.Asset, client any, opts ...AdapterOption) (adapter.Adapter, error) {
	switch asset.Family() {
	case adapter.FamilyLedger:
		c, ok := client.(ledger.Client)
		if !ok {
			return nil, mismatch(asset, client)
		}
		return ledger.New(asset, c, opts...), nil
	case adapter.FamilyUTXO:
		c, ok := client.(utxo.Client)
		if !ok {
			return nil, mismatch(asset, client)
		}
		return utxo.New(asset, c, opts...), nil
	case adapter.FamilyContract:
		c, ok := client.(evm.Client)
		if !ok {
			return nil, mismatch(asset, client)
		}
		return evm.New(asset, c, opts...), nil
	case adapter.FamilyCustodial:
		c, ok := client.(custodial.Client)
		if !ok {
			return nil, mismatch(asset, client)
		}
		return custodial.New(asset, c, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", adapter.ErrUnsupportedAsset, asset)
	}
}

func mismatch(asset adapter.Asset, client any) error {
	return fmt.Errorf("%w: %T for %s (%s)", adapter.ErrClientMismatch, client, asset, asset.Family())
}
