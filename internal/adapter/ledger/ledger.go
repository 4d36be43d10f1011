package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
	"github.com/klingon-exchange/swapwatch/pkg/helpers"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// dummyPreImageHash is sha256 of 32 zero bytes, the hash root used by
// pre-built settlement transactions that are valid before the secret is known.
var dummyPreImageHash = sha256.Sum256(make([]byte, 32))

// Adapter watches and settles HTLCs on an account ledger.
type Adapter struct {
	client   Client
	asset    adapter.Asset
	cfg      adapter.Config
	log      *logging.Logger
	sessions adapter.Sessions
}

// New creates a ledger adapter for asset.
func New(asset adapter.Asset, client Client, opts ...adapter.Option) *Adapter {
	cfg := adapter.NewConfig("ledger-adapter", opts...)
	return &Adapter{
		client: client,
		asset:  asset,
		cfg:    cfg,
		log:    cfg.Logger.With("asset", asset),
	}
}

// AwaitHtlcFunding implements adapter.Adapter.
func (a *Adapter) AwaitHtlcFunding(ctx context.Context, address string, value uint64, data []byte, confirmations int64, updates adapter.Updates) (*adapter.Transaction, error) {
	return a.find(ctx, "funding", address, func(ctx context.Context, tx *Transaction) (bool, error) {
		if tx.Recipient != address || tx.Value != value || !bytes.Equal(tx.Data, data) {
			return false, nil
		}
		if included(tx.State) && tx.Confirmations >= confirmations {
			return true, nil
		}
		adapter.Notify(ctx, updates, a.normalize(tx))
		return false, nil
	})
}

// FundHtlc implements adapter.Adapter. If serializedProxyTx is set it is
// sent first and resent until it is included; only then is the HTLC funding
// transaction forwarded.
func (a *Adapter) FundHtlc(ctx context.Context, serializedTx string, updates adapter.Updates, serializedProxyTx string) (*adapter.Transaction, error) {
	if serializedProxyTx != "" {
		proxy, err := a.send(ctx, serializedProxyTx, false)
		if err != nil {
			return nil, fmt.Errorf("send proxy transaction: %w", err)
		}
		a.log.Info("Waiting for proxy funding", "hash", proxy.Hash, "proxy", proxy.Recipient)

		stopResend := a.resend(ctx, serializedProxyTx)
		_, err = a.find(ctx, "proxy", proxy.Recipient, func(ctx context.Context, tx *Transaction) (bool, error) {
			return tx.Hash == proxy.Hash && included(tx.State), nil
		})
		stopResend()
		if err != nil {
			return nil, err
		}
	}

	htlcTx, err := a.send(ctx, serializedTx, false)
	if err != nil {
		return nil, fmt.Errorf("send htlc transaction: %w", err)
	}
	if htlcTx.State != TxNew && htlcTx.State != TxPending {
		return a.normalize(htlcTx), nil
	}

	adapter.Notify(ctx, updates, a.normalize(htlcTx))
	stopResend := a.resend(ctx, serializedTx)
	defer stopResend()
	return a.AwaitHtlcFunding(ctx, htlcTx.Recipient, htlcTx.Value, htlcTx.Data, 0, nil)
}

// AwaitHtlcSettlement implements adapter.Adapter.
func (a *Adapter) AwaitHtlcSettlement(ctx context.Context, address string, _ []byte) (*adapter.Transaction, error) {
	return a.find(ctx, "settlement", address, func(ctx context.Context, tx *Transaction) (bool, error) {
		return tx.Sender == address && tx.Proof.PreImage != nil, nil
	})
}

// AwaitSwapSecret implements adapter.Adapter.
func (a *Adapter) AwaitSwapSecret(ctx context.Context, address string, data []byte) ([]byte, error) {
	tx, err := a.AwaitHtlcSettlement(ctx, address, data)
	if err != nil {
		return nil, err
	}
	return tx.Secret, nil
}

// SettleHtlc implements adapter.Adapter. The serialized transaction must
// contain a zero preimage of len(secret) bytes, prefixed by its length byte
// and preceded either by hash or by the hash of the 32-byte zero preimage.
func (a *Adapter) SettleHtlc(ctx context.Context, serializedTx string, secret, hash []byte, _ *adapter.SettleParams) (*adapter.Transaction, error) {
	raw, err := helpers.HexToBytes(serializedTx)
	if err != nil {
		return nil, fmt.Errorf("decode settlement transaction: %w", err)
	}
	patched, err := PatchPreImage(raw, secret, hash)
	if err != nil {
		return nil, err
	}
	tx, err := a.send(ctx, fmt.Sprintf("%x", patched), true)
	if err != nil {
		return nil, err
	}
	return a.normalize(tx), nil
}

// PatchPreImage replaces the placeholder preimage in a serialized settlement
// transaction with secret. The result has the same length as raw.
func PatchPreImage(raw, secret, hash []byte) ([]byte, error) {
	if len(secret) == 0 || len(secret) > 255 {
		return nil, fmt.Errorf("invalid secret length %d", len(secret))
	}
	length := []byte{byte(len(secret))}
	dummy := helpers.Zeros(len(secret))

	patched, err := helpers.PatchFirstOf(raw, [][]byte{
		helpers.Concat(hash, length, dummy),
		helpers.Concat(dummyPreImageHash[:], length, dummy),
	}, helpers.Concat(hash, length, secret))
	if err != nil {
		return nil, fmt.Errorf("patch preimage: %w", err)
	}
	return patched, nil
}

// AwaitSettlementConfirmation implements adapter.Adapter.
func (a *Adapter) AwaitSettlementConfirmation(ctx context.Context, address string, updates adapter.Updates) (*adapter.Transaction, error) {
	return a.find(ctx, "settlement-confirmation", address, func(ctx context.Context, tx *Transaction) (bool, error) {
		if tx.Sender != address || tx.Proof.PreImage == nil {
			return false, nil
		}
		if included(tx.State) {
			return true, nil
		}
		adapter.Notify(ctx, updates, a.normalize(tx))
		return false, nil
	})
}

// Stop implements adapter.Adapter. After Stop no further transactions are
// sent.
func (a *Adapter) Stop(reason error) {
	a.sessions.Stop(reason)
}

func (a *Adapter) find(ctx context.Context, name, address string, match func(context.Context, *Transaction) (bool, error)) (*adapter.Transaction, error) {
	ctx, end := a.sessions.Begin(ctx)
	defer end()

	a.log.Debug("Watching address", "watch", name, "address", address)
	tx, err := watcher.Watch(ctx, a.source(address), match,
		watcher.WithInterval(a.cfg.HistoryInterval),
		watcher.WithLogger(a.log),
		watcher.WithName(name),
	)
	if err != nil {
		return nil, err
	}
	a.log.Info("Transaction matched", "watch", name, "hash", tx.Hash, "state", tx.State)
	return a.normalize(tx), nil
}

func (a *Adapter) source(address string) watcher.Source[*Transaction] {
	var known []*Transaction
	return watcher.Source[*Transaction]{
		Subscribe: func(ctx context.Context, ch chan<- *Transaction) (watcher.Subscription, error) {
			return a.client.SubscribeTransactions(ctx, []string{address}, ch)
		},
		History: func(ctx context.Context) ([]*Transaction, error) {
			txs, err := a.client.TransactionsByAddress(ctx, address, 0, known)
			if err != nil {
				return nil, err
			}
			known = mergeKnown(known, txs)
			return txs, nil
		},
		Established: func(ctx context.Context, out chan<- struct{}) (watcher.Subscription, error) {
			return a.subscribeEstablished(ctx, out)
		},
	}
}

// mergeKnown folds fresh into known by hash, keeping the latest state.
func mergeKnown(known, fresh []*Transaction) []*Transaction {
	index := make(map[string]int, len(known))
	for i, tx := range known {
		index[tx.Hash] = i
	}
	for _, tx := range fresh {
		if i, ok := index[tx.Hash]; ok {
			known[i] = tx
			continue
		}
		index[tx.Hash] = len(known)
		known = append(known, tx)
	}
	return known
}

func (a *Adapter) subscribeEstablished(ctx context.Context, out chan<- struct{}) (watcher.Subscription, error) {
	states := make(chan ConsensusState, 1)
	sub, err := a.client.SubscribeConsensus(ctx, states)
	if err != nil {
		return nil, err
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-fwdCtx.Done():
				return
			case s := <-states:
				if s != ConsensusEstablished {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return watcher.SubscriptionFunc(func() {
		cancel()
		wg.Wait()
		sub.Unsubscribe()
	}), nil
}

// resend periodically resubmits serialized until the returned func is called.
func (a *Adapter) resend(ctx context.Context, serialized string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.cfg.ResendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.send(ctx, serialized, false); err != nil && ctx.Err() == nil {
					a.log.Warn("Resend failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *Adapter) send(ctx context.Context, serialized string, rejectNew bool) (*Transaction, error) {
	if a.sessions.Stopped() {
		return nil, adapter.ErrStopped
	}
	tx, err := a.client.SendTransaction(ctx, serialized)
	if err != nil {
		return nil, err
	}
	if rejectNew && tx.State == TxNew {
		return nil, fmt.Errorf("%w: %s", adapter.ErrSubmissionRejected, tx.Hash)
	}
	return tx, nil
}

func (a *Adapter) normalize(tx *Transaction) *adapter.Transaction {
	var state adapter.State
	switch tx.State {
	case TxIncluded:
		state = adapter.StateMined
	case TxConfirmed:
		state = adapter.StateConfirmed
	case TxPending:
		state = adapter.StatePending
	default:
		state = adapter.StateNew
	}
	return &adapter.Transaction{
		Asset:         a.asset,
		Hash:          tx.Hash,
		State:         state,
		Confirmations: tx.Confirmations,
		Sender:        tx.Sender,
		Recipient:     tx.Recipient,
		Value:         tx.Value,
		Secret:        tx.Proof.PreImage,
		Raw:           tx,
	}
}

func included(s TxState) bool {
	return s == TxIncluded || s == TxConfirmed
}

var _ adapter.Adapter = (*Adapter)(nil)
