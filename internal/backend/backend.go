// Package backend provides REST and WebSocket clients for UTXO chain
// explorers (mempool.space and Esplora) that satisfy the UTXO adapter's
// client contract.
package backend

import (
	"errors"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
)

// Common errors
var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoPush          = errors.New("backend has no push channel")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// DefaultConfirmedDepth is the confirmation count from which a transaction
// is reported as confirmed rather than mined.
const DefaultConfirmedDepth = 6

// rbfSequence is the highest input sequence that signals replace-by-fee.
const rbfSequence = 0xfffffffd

// stateFor maps a confirmation count to a normalized state.
func stateFor(confirmations, confirmedDepth int64) adapter.State {
	switch {
	case confirmations <= 0:
		return adapter.StatePending
	case confirmations < confirmedDepth:
		return adapter.StateMined
	default:
		return adapter.StateConfirmed
	}
}
