// Package evm implements the adapter for HTLC contracts on EVM chains, where
// the unit of observation is a contract event log rather than a transaction.
package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/swapwatch/internal/watcher"
)

// EventType names an HTLC contract event.
type EventType string

const (
	EventOpen   EventType = "Open"
	EventRedeem EventType = "Redeem"
	EventRefund EventType = "Refund"
)

// Event is a decoded HTLC contract log. Fields not carried by Type are zero.
type Event struct {
	Type      EventType
	ID        common.Hash
	Token     common.Address
	Amount    *big.Int
	Recipient common.Address
	Hash      common.Hash
	Timeout   *big.Int
	Secret    common.Hash
	Log       types.Log
}

// Filter selects events of one type for one HTLC.
type Filter struct {
	Type EventType
	ID   common.Hash
}

// Client is the contract capability the adapter consumes.
type Client interface {
	// FilterEvents returns historical events in [start, end]. A nil end
	// means the latest block.
	FilterEvents(ctx context.Context, f Filter, start uint64, end *uint64) ([]*Event, error)

	// SubscribeEvents pushes new events matching f.
	SubscribeEvents(ctx context.Context, f Filter, ch chan<- *Event) (watcher.Subscription, error)

	// CurrentBlock returns the latest block number.
	CurrentBlock(ctx context.Context) (uint64, error)
}
