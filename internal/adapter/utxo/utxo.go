package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
	"github.com/klingon-exchange/swapwatch/pkg/helpers"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// HTLC redeem witness layout: [sig, pubkey, secret, 0x01, script].
const (
	witnessSecretIndex = 2
	witnessScriptIndex = 4
	witnessRedeemItems = 5
)

// secretPlaceholder is the unfilled secret push followed by the length
// byte of the 0x01 branch flag.
var secretPlaceholder = helpers.Concat(helpers.Zeros(32), []byte{0x01})

// Adapter watches and settles HTLCs on a UTXO chain.
type Adapter struct {
	client   Client
	asset    adapter.Asset
	cfg      adapter.Config
	log      *logging.Logger
	sessions adapter.Sessions
}

// New creates a UTXO adapter for asset.
func New(asset adapter.Asset, client Client, opts ...adapter.Option) *Adapter {
	cfg := adapter.NewConfig("utxo-adapter", opts...)
	return &Adapter{
		client: client,
		asset:  asset,
		cfg:    cfg,
		log:    cfg.Logger.With("asset", asset),
	}
}

// AwaitHtlcFunding implements adapter.Adapter. Transactions signalling
// replace-by-fee are only accepted once mined, whatever confirmations is.
func (a *Adapter) AwaitHtlcFunding(ctx context.Context, address string, value uint64, _ []byte, confirmations int64, updates adapter.Updates) (*adapter.Transaction, error) {
	if err := a.checkAddress(address); err != nil {
		return nil, err
	}
	return a.find(ctx, "funding", address, func(ctx context.Context, tx *Transaction) (bool, error) {
		out := findOutput(tx, address)
		if out == nil || out.Value != value {
			return false, nil
		}
		if tx.Confirmations < confirmations {
			adapter.Notify(ctx, updates, a.normalize(tx, address))
			return false, nil
		}
		if tx.ReplaceByFee && !tx.State.Final() {
			adapter.Notify(ctx, updates, a.normalize(tx, address))
			return false, nil
		}
		return true, nil
	})
}

// FundHtlc implements adapter.Adapter by broadcasting serializedTx.
func (a *Adapter) FundHtlc(ctx context.Context, serializedTx string, _ adapter.Updates, _ string) (*adapter.Transaction, error) {
	if a.sessions.Stopped() {
		return nil, adapter.ErrStopped
	}
	tx, err := a.client.SendTransaction(ctx, serializedTx)
	if err != nil {
		return nil, fmt.Errorf("broadcast funding transaction: %w", err)
	}
	return a.normalize(tx, ""), nil
}

// AwaitHtlcSettlement implements adapter.Adapter. script is the HTLC
// script expected as the last witness element of the redeeming input.
func (a *Adapter) AwaitHtlcSettlement(ctx context.Context, address string, script []byte) (*adapter.Transaction, error) {
	if err := a.checkAddress(address); err != nil {
		return nil, err
	}
	return a.find(ctx, "settlement", address, func(ctx context.Context, tx *Transaction) (bool, error) {
		return redeemInput(tx, address, script) != nil, nil
	})
}

// AwaitSwapSecret implements adapter.Adapter.
func (a *Adapter) AwaitSwapSecret(ctx context.Context, address string, script []byte) ([]byte, error) {
	tx, err := a.AwaitHtlcSettlement(ctx, address, script)
	if err != nil {
		return nil, err
	}
	return tx.Secret, nil
}

// SettleHtlc implements adapter.Adapter. The serialized transaction must
// carry a 32-byte zero secret in the redeem witness.
func (a *Adapter) SettleHtlc(ctx context.Context, serializedTx string, secret, _ []byte, _ *adapter.SettleParams) (*adapter.Transaction, error) {
	raw, err := helpers.HexToBytes(serializedTx)
	if err != nil {
		return nil, fmt.Errorf("decode settlement transaction: %w", err)
	}
	patched, txid, err := PatchSecret(raw, secret)
	if err != nil {
		return nil, err
	}
	a.log.Info("Broadcasting settlement", "txid", txid)

	tx, err := a.client.SendTransaction(ctx, hex.EncodeToString(patched))
	if err != nil {
		return nil, fmt.Errorf("broadcast settlement transaction: %w", err)
	}
	return a.normalize(tx, ""), nil
}

// PatchSecret fills the secret placeholder of a serialized redeem
// transaction and returns the patched bytes with their txid.
func PatchSecret(raw, secret []byte) ([]byte, string, error) {
	if len(secret) != 32 {
		return nil, "", fmt.Errorf("invalid secret length %d", len(secret))
	}
	patched, err := helpers.PatchOnce(raw, secretPlaceholder, helpers.Concat(secret, []byte{0x01}))
	if err != nil {
		return nil, "", fmt.Errorf("patch secret: %w", err)
	}

	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(patched)); err != nil {
		return nil, "", fmt.Errorf("patched transaction is invalid: %w", err)
	}
	return patched, msg.TxHash().String(), nil
}

// AwaitSettlementConfirmation implements adapter.Adapter.
func (a *Adapter) AwaitSettlementConfirmation(ctx context.Context, address string, updates adapter.Updates) (*adapter.Transaction, error) {
	return a.find(ctx, "settlement-confirmation", address, func(ctx context.Context, tx *Transaction) (bool, error) {
		spent := false
		for _, in := range tx.Inputs {
			if in.Address == address && len(in.Witness) == witnessRedeemItems {
				spent = true
				break
			}
		}
		if !spent {
			return false, nil
		}
		if tx.State.Final() {
			return true, nil
		}
		adapter.Notify(ctx, updates, a.normalize(tx, address))
		return false, nil
	})
}

// Stop implements adapter.Adapter.
func (a *Adapter) Stop(reason error) {
	a.sessions.Stop(reason)
}

func (a *Adapter) checkAddress(address string) error {
	if a.cfg.ChainParams == nil {
		return nil
	}
	addr, err := btcutil.DecodeAddress(address, a.cfg.ChainParams)
	if err != nil {
		return fmt.Errorf("invalid HTLC address %q: %w", address, err)
	}
	if !addr.IsForNet(a.cfg.ChainParams) {
		return fmt.Errorf("HTLC address %q is not for %s", address, a.cfg.ChainParams.Name)
	}
	return nil
}

func (a *Adapter) find(ctx context.Context, name, address string, match func(context.Context, *Transaction) (bool, error)) (*adapter.Transaction, error) {
	ctx, end := a.sessions.Begin(ctx)
	defer end()

	var known []*Transaction
	src := watcher.Source[*Transaction]{
		Subscribe: func(ctx context.Context, ch chan<- *Transaction) (watcher.Subscription, error) {
			return a.client.SubscribeTransactions(ctx, []string{address}, ch)
		},
		History: func(ctx context.Context) ([]*Transaction, error) {
			txs, err := a.client.TransactionsByAddress(ctx, address, 0, known)
			if err != nil {
				return nil, err
			}
			known = txs
			return txs, nil
		},
		Established: a.client.SubscribeEstablished,
	}

	tx, err := watcher.Watch(ctx, src, match,
		watcher.WithInterval(a.cfg.HistoryInterval),
		watcher.WithLogger(a.log),
		watcher.WithName(name),
	)
	if err != nil {
		return nil, err
	}
	a.log.Info("Transaction matched", "watch", name, "txid", tx.TxID, "state", tx.State)
	return a.normalize(tx, address), nil
}

// normalize converts tx, reading value and secret relative to address.
func (a *Adapter) normalize(tx *Transaction, address string) *adapter.Transaction {
	n := &adapter.Transaction{
		Asset:         a.asset,
		Hash:          tx.TxID,
		State:         tx.State,
		Confirmations: tx.Confirmations,
		Raw:           tx,
	}
	if out := findOutput(tx, address); out != nil {
		n.Recipient = out.Address
		n.Value = out.Value
	}
	for _, in := range tx.Inputs {
		if in.Address != address {
			continue
		}
		n.Sender = in.Address
		if len(in.Witness) >= witnessRedeemItems {
			n.Secret = in.Witness[witnessSecretIndex]
			break
		}
	}
	return n
}

func findOutput(tx *Transaction, address string) *Output {
	if address == "" {
		return nil
	}
	for i := range tx.Outputs {
		if tx.Outputs[i].Address == address {
			return &tx.Outputs[i]
		}
	}
	return nil
}

// redeemInput returns the input spending address with script in its
// witness, or nil.
func redeemInput(tx *Transaction, address string, script []byte) *Input {
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.Address != address || len(in.Witness) <= witnessScriptIndex {
			continue
		}
		if bytes.Equal(in.Witness[witnessScriptIndex], script) {
			return in
		}
	}
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
