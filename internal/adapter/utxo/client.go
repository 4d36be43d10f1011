// Package utxo implements the adapter for UTXO chains with segwit HTLC
// scripts.
package utxo

import (
	"context"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
)

// Input is a transaction input with the address of the output it spends.
type Input struct {
	TxID     string
	Vout     uint32
	Address  string
	Witness  [][]byte
	Sequence uint32
}

// Output is a transaction output.
type Output struct {
	Address string
	Value   uint64
}

// Transaction is a UTXO transaction as reported by the client.
type Transaction struct {
	TxID          string
	Inputs        []Input
	Outputs       []Output
	State         adapter.State
	BlockHeight   int64
	Confirmations int64
	ReplaceByFee  bool
}

// Client is the UTXO chain capability the adapter consumes.
type Client interface {
	// SubscribeTransactions pushes transactions touching any of addresses.
	SubscribeTransactions(ctx context.Context, addresses []string, ch chan<- *Transaction) (watcher.Subscription, error)

	// TransactionsByAddress returns the address history from sinceHeight,
	// refreshing the states of known.
	TransactionsByAddress(ctx context.Context, address string, sinceHeight int64, known []*Transaction) ([]*Transaction, error)

	// SendTransaction broadcasts a serialized transaction (hex).
	SendTransaction(ctx context.Context, serialized string) (*Transaction, error)

	// SubscribeEstablished signals each (re)established backend connection.
	SubscribeEstablished(ctx context.Context, ch chan<- struct{}) (watcher.Subscription, error)
}
