// Package custodial implements the adapter for custodial fiat backends that
// expose HTLCs as REST resources. There is no push channel; every watch polls.
package custodial

import (
	"context"
	"errors"
)

// Client errors.
var (
	ErrNotFound     = errors.New("HTLC not found")
	ErrUnauthorized = errors.New("authorization rejected")
)

// HtlcStatus is the lifecycle status of a custodial HTLC.
type HtlcStatus string

const (
	HtlcPending HtlcStatus = "pending"
	HtlcCleared HtlcStatus = "cleared"
	HtlcSettled HtlcStatus = "settled"
	HtlcExpired HtlcStatus = "expired"
)

// SettlementStatus is the payout sub-status of a settled HTLC.
type SettlementStatus string

const (
	SettlementWaiting   SettlementStatus = "waiting"
	SettlementPending   SettlementStatus = "pending"
	SettlementAccepted  SettlementStatus = "accepted"
	SettlementDeclined  SettlementStatus = "declined"
	SettlementFailed    SettlementStatus = "failed"
	SettlementConfirmed SettlementStatus = "confirmed"
)

// Preimage holds the revealed secret once the HTLC is settled.
type Preimage struct {
	Value []byte
}

// Settlement describes the payout of a settled HTLC.
type Settlement struct {
	Status SettlementStatus
}

// Htlc is a custodial HTLC resource.
type Htlc struct {
	ID         string
	Status     HtlcStatus
	Asset      string
	Amount     uint64
	Hash       []byte
	Preimage   Preimage
	Settlement Settlement
}

// Client is the custodial API capability the adapter consumes.
type Client interface {
	// GetHtlc fetches an HTLC by id. Returns ErrNotFound if it does not
	// exist yet.
	GetHtlc(ctx context.Context, id string) (*Htlc, error)

	// SettleHtlc submits the secret together with the signed settlement
	// authorization. tokens may be nil.
	SettleHtlc(ctx context.Context, id string, secret []byte, settlementJWS string, tokens map[string]string) (*Htlc, error)
}
