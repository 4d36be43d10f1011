// Package swap drives one atomic swap across two settlement backends. A
// Handler owns an adapter per leg and exposes the protocol steps in order:
// await the incoming HTLC, fund the outgoing one, learn the secret from its
// redeem, then settle and confirm the incoming HTLC.
package swap

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/pkg/helpers"
)

// Descriptor errors
var (
	ErrInvalidDescriptor = errors.New("invalid swap descriptor")
	ErrMissingContract   = errors.New("no contract for asset")
)

// Leg is the outgoing side of a swap.
type Leg struct {
	Asset  adapter.Asset `yaml:"asset"`
	Amount uint64        `yaml:"amount"`
}

// IncomingLeg is the incoming side of a swap. The counterparty funds
// Amount plus ServiceEscrowFee.
type IncomingLeg struct {
	Asset            adapter.Asset `yaml:"asset"`
	Amount           uint64        `yaml:"amount"`
	ServiceEscrowFee uint64        `yaml:"service_escrow_fee"`
}

// ContractInfo locates one leg's HTLC. Only the auxiliary field of the
// asset's backend family may be set: Data for account ledgers, Script for
// UTXO chains, ContractAddress for contract events.
type ContractInfo struct {
	Address         string `yaml:"address"`
	Data            string `yaml:"data,omitempty"`
	Script          string `yaml:"script,omitempty"`
	ContractAddress string `yaml:"contract_address,omitempty"`
}

// Descriptor is the immutable description of one swap.
type Descriptor struct {
	From      Leg                            `yaml:"from"`
	To        IncomingLeg                    `yaml:"to"`
	Hash      string                         `yaml:"hash"`
	Contracts map[adapter.Asset]ContractInfo `yaml:"contracts"`
}

// LoadDescriptor reads a descriptor from a YAML file and validates it.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks assets, hash and per-leg contract info.
func (d *Descriptor) Validate() error {
	if !d.From.Asset.Valid() {
		return fmt.Errorf("%w: from asset %q", ErrInvalidDescriptor, d.From.Asset)
	}
	if !d.To.Asset.Valid() {
		return fmt.Errorf("%w: to asset %q", ErrInvalidDescriptor, d.To.Asset)
	}
	hash, err := helpers.HexToBytes(d.Hash)
	if err != nil || len(hash) != 32 {
		return fmt.Errorf("%w: hash must be 32 hex bytes", ErrInvalidDescriptor)
	}
	for _, asset := range []adapter.Asset{d.From.Asset, d.To.Asset} {
		c, err := d.contract(asset)
		if err != nil {
			return err
		}
		if err := c.validate(asset.Family()); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, asset, err)
		}
	}
	return nil
}

// HashBytes returns the decoded swap hash.
func (d *Descriptor) HashBytes() []byte {
	b, _ := helpers.HexToBytes(d.Hash)
	return b
}

func (d *Descriptor) contract(asset adapter.Asset) (ContractInfo, error) {
	c, ok := d.Contracts[asset]
	if !ok || c.Address == "" {
		return ContractInfo{}, fmt.Errorf("%w: %s", ErrMissingContract, asset)
	}
	return c, nil
}

func (c ContractInfo) validate(family adapter.Family) error {
	if c.Data != "" && family != adapter.FamilyLedger {
		return errors.New("data is only valid for ledger assets")
	}
	if c.Script != "" && family != adapter.FamilyUTXO {
		return errors.New("script is only valid for utxo assets")
	}
	if c.ContractAddress != "" && family != adapter.FamilyContract {
		return errors.New("contract_address is only valid for contract assets")
	}
	if _, err := helpers.HexToBytes(c.Data); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := helpers.HexToBytes(c.Script); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

// DataBytes returns the decoded ledger data blob.
func (c ContractInfo) DataBytes() []byte {
	b, _ := helpers.HexToBytes(c.Data)
	return b
}

// ScriptBytes returns the decoded UTXO redeem script.
func (c ContractInfo) ScriptBytes() []byte {
	b, _ := helpers.HexToBytes(c.Script)
	return b
}
