// Package adapter defines the capability contract shared by every settlement
// backend: funding detection, settlement detection, secret extraction,
// settlement submission and teardown.
package adapter

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrStopped                 = errors.New("adapter stopped")
	ErrUnsupported             = errors.New("operation not available for this backend")
	ErrSubmissionRejected      = errors.New("failed to send transaction")
	ErrSettlementAuthorization = errors.New("could not settle HTLC (invalid secret or authorization token?)")
	ErrCancelled               = errors.New("watch cancelled")
	ErrUnsupportedAsset        = errors.New("unsupported asset")
	ErrClientMismatch          = errors.New("client does not match asset backend")
)

// State is the normalized lifecycle state of a backend record.
type State string

const (
	StateNew       State = "new"
	StatePending   State = "pending"
	StateMined     State = "mined"
	StateConfirmed State = "confirmed"
)

// Final reports whether the record is included in the backend's history.
func (s State) Final() bool {
	return s == StateMined || s == StateConfirmed
}

// Transaction is a backend record normalized to the shape the orchestrator
// consumes. Raw holds the backend-specific record.
type Transaction struct {
	Asset         Asset
	Hash          string
	State         State
	Confirmations int64
	Sender        string
	Recipient     string
	Value         uint64
	Secret        []byte
	Raw           any
}

// Updates receives intermediate states of a watched record. A nil channel
// means nobody is listening.
type Updates = chan<- *Transaction

// Notify delivers tx on updates. It blocks until the update is received or
// ctx ends; callers that cannot drain promptly should pass a buffered channel.
func Notify(ctx context.Context, updates Updates, tx *Transaction) {
	if updates == nil || tx == nil {
		return
	}
	select {
	case updates <- tx:
	case <-ctx.Done():
	}
}

// SettleParams carries optional backend-specific settlement arguments.
type SettleParams struct {
	// Tokens are settlement-asset parameters forwarded verbatim to
	// custodial backends.
	Tokens map[string]string
}

// Adapter is implemented once per backend family.
type Adapter interface {
	// AwaitHtlcFunding resolves with the first record funding address with
	// exactly value (and data, for account ledgers) that has at least
	// confirmations confirmations. Earlier sightings are sent on updates.
	AwaitHtlcFunding(ctx context.Context, address string, value uint64, data []byte, confirmations int64, updates Updates) (*Transaction, error)

	// FundHtlc forwards a pre-built funding transaction, optionally after a
	// proxy transaction has been observed funded.
	FundHtlc(ctx context.Context, serializedTx string, updates Updates, serializedProxyTx string) (*Transaction, error)

	// AwaitHtlcSettlement resolves with the record that settles the HTLC at
	// address and reveals the secret.
	AwaitHtlcSettlement(ctx context.Context, address string, data []byte) (*Transaction, error)

	// AwaitSwapSecret resolves with the revealed preimage.
	AwaitSwapSecret(ctx context.Context, address string, data []byte) ([]byte, error)

	// SettleHtlc injects secret into a pre-built settlement transaction (or
	// authorization token) and submits it.
	SettleHtlc(ctx context.Context, serializedTx string, secret, hash []byte, params *SettleParams) (*Transaction, error)

	// AwaitSettlementConfirmation resolves once the settlement of address
	// is final.
	AwaitSettlementConfirmation(ctx context.Context, address string, updates Updates) (*Transaction, error)

	// Stop cancels the watches in flight at the time of the call with reason.
	// A watch that already ended keeps its result.
	Stop(reason error)
}
