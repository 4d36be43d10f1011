package swap

import (
	"errors"
	"testing"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/adapter/custodial"
	"github.com/klingon-exchange/swapwatch/internal/adapter/evm"
	"github.com/klingon-exchange/swapwatch/internal/adapter/ledger"
	"github.com/klingon-exchange/swapwatch/internal/adapter/utxo"
)

func TestNewAdapter(t *testing.T) {
	tests := []struct {
		asset   adapter.Asset
		client  any
		want    any
		wantErr error
	}{
		{adapter.AssetNIM, newLedgerClient(), &ledger.Adapter{}, nil},
		{adapter.AssetBTC, newUTXOClient(), &utxo.Adapter{}, nil},
		{adapter.AssetUSDC, &evmClient{}, &evm.Adapter{}, nil},
		{adapter.AssetUSDCMatic, &evmClient{}, &evm.Adapter{}, nil},
		{adapter.AssetUSDT, &evmClient{}, &evm.Adapter{}, nil},
		{adapter.AssetUSDTMatic, &evmClient{}, &evm.Adapter{}, nil},
		{adapter.AssetEUR, newCustodialClient(), &custodial.Adapter{}, nil},
		{adapter.AssetCRC, newCustodialClient(), &custodial.Adapter{}, nil},
		{adapter.AssetBTC, newLedgerClient(), nil, adapter.ErrClientMismatch},
		{adapter.AssetEUR, &evmClient{}, nil, adapter.ErrClientMismatch},
		{adapter.AssetNIM, nil, nil, adapter.ErrClientMismatch},
		{"DOGE", newUTXOClient(), nil, adapter.ErrUnsupportedAsset},
	}

	for _, tt := range tests {
		t.Run(string(tt.asset), func(t *testing.T) {
			a, err := NewAdapter(tt.asset, tt.client, testOpts()...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAdapter failed: %v", err)
			}
			switch tt.want.(type) {
			case *ledger.Adapter:
				_, ok := a.(*ledger.Adapter)
				if !ok {
					t.Errorf("adapter = %T", a)
				}
			case *utxo.Adapter:
				_, ok := a.(*utxo.Adapter)
				if !ok {
					t.Errorf("adapter = %T", a)
				}
			case *evm.Adapter:
				_, ok := a.(*evm.Adapter)
				if !ok {
					t.Errorf("adapter = %T", a)
				}
			case *custodial.Adapter:
				_, ok := a.(*custodial.Adapter)
				if !ok {
					t.Errorf("adapter = %T", a)
				}
			}
		})
	}
}

func TestNewHandlerClientMismatch(t *testing.T) {
	_, err := NewHandler(nimToBTC(), newUTXOClient(), newUTXOClient(), testOpts()...)
	if !errors.Is(err, adapter.ErrClientMismatch) {
		t.Errorf("error = %v, want ErrClientMismatch", err)
	}
}
