// Package ledger implements the adapter for account-based ledgers whose
// HTLCs are addresses funded by plain transfers carrying an HTLC data blob.
package ledger

import (
	"context"

	"github.com/klingon-exchange/swapwatch/internal/watcher"
)

// TxState is the ledger's own transaction state.
type TxState string

const (
	TxNew         TxState = "new"
	TxPending     TxState = "pending"
	TxIncluded    TxState = "included"
	TxConfirmed   TxState = "confirmed"
	TxInvalidated TxState = "invalidated"
	TxExpired     TxState = "expired"
)

// ConsensusState is the ledger client's connectivity state.
type ConsensusState string

const (
	ConsensusConnecting  ConsensusState = "connecting"
	ConsensusSyncing     ConsensusState = "syncing"
	ConsensusEstablished ConsensusState = "established"
)

// Proof is the settlement proof attached to an HTLC redeem. PreImage is nil
// unless the transaction reveals a secret.
type Proof struct {
	Type     string
	Hash     []byte
	PreImage []byte
}

// Transaction is a ledger transaction as reported by the client.
type Transaction struct {
	Hash          string
	Sender        string
	Recipient     string
	Value         uint64
	Data          []byte
	State         TxState
	BlockHeight   uint64
	Confirmations int64
	Proof         Proof
}

// Client is the ledger node capability the adapter consumes.
type Client interface {
	// SubscribeTransactions pushes transactions touching any of addresses.
	SubscribeTransactions(ctx context.Context, addresses []string, ch chan<- *Transaction) (watcher.Subscription, error)

	// TransactionsByAddress returns the address history from sinceHeight,
	// refreshing the states of known.
	TransactionsByAddress(ctx context.Context, address string, sinceHeight uint64, known []*Transaction) ([]*Transaction, error)

	// SendTransaction submits a serialized transaction (hex).
	SendTransaction(ctx context.Context, serialized string) (*Transaction, error)

	// SubscribeConsensus pushes consensus state changes.
	SubscribeConsensus(ctx context.Context, ch chan<- ConsensusState) (watcher.Subscription, error)
}
