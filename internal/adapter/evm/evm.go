package evm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// Adapter watches HTLC contract events. Funding and settlement are done by
// direct contract calls, so FundHtlc and SettleHtlc are unsupported.
type Adapter struct {
	client   Client
	asset    adapter.Asset
	cfg      adapter.Config
	log      *logging.Logger
	sessions adapter.Sessions
}

// New creates a contract-event adapter for asset.
func New(asset adapter.Asset, client Client, opts ...adapter.Option) *Adapter {
	cfg := adapter.NewConfig("evm-adapter", opts...)
	return &Adapter{
		client: client,
		asset:  asset,
		cfg:    cfg,
		log:    cfg.Logger.With("asset", asset),
	}
}

// AwaitHtlcFunding implements adapter.Adapter. htlcID is the hex contract
// identifier of the HTLC. An Open event with a different amount is logged
// and skipped.
func (a *Adapter) AwaitHtlcFunding(ctx context.Context, htlcID string, value uint64, _ []byte, confirmations int64, updates adapter.Updates) (*adapter.Transaction, error) {
	id, err := parseID(htlcID)
	if err != nil {
		return nil, err
	}

	// Push and poll evaluate events concurrently; counts are kept per event
	// so the winner's is reported.
	var confs sync.Map
	ev, err := a.find(ctx, Filter{Type: EventOpen, ID: id}, func(ctx context.Context, ev *Event) (bool, error) {
		if ev.Amount == nil || !ev.Amount.IsUint64() || ev.Amount.Uint64() != value {
			a.log.Warn("Found HTLC, but amount does not match", "id", htlcID, "expected", value, "found", ev.Amount)
			return false, nil
		}
		if confirmations <= 0 {
			return true, nil
		}

		current, err := a.client.CurrentBlock(ctx)
		if err != nil {
			return false, watcher.Transient(fmt.Errorf("current block: %w", err))
		}
		n := int64(current) - int64(ev.Log.BlockNumber) + 1
		if n < confirmations {
			pending := a.normalize(ev)
			pending.Confirmations = n
			adapter.Notify(ctx, updates, pending)
			return false, nil
		}
		confs.Store(ev, n)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	tx := a.normalize(ev)
	if n, ok := confs.Load(ev); ok {
		tx.Confirmations = n.(int64)
	}
	return tx, nil
}

// FundHtlc is not available for contract HTLCs.
func (a *Adapter) FundHtlc(context.Context, string, adapter.Updates, string) (*adapter.Transaction, error) {
	return nil, fmt.Errorf("fundHtlc: %w", adapter.ErrUnsupported)
}

// AwaitHtlcSettlement implements adapter.Adapter.
func (a *Adapter) AwaitHtlcSettlement(ctx context.Context, htlcID string, _ []byte) (*adapter.Transaction, error) {
	id, err := parseID(htlcID)
	if err != nil {
		return nil, err
	}
	ev, err := a.find(ctx, Filter{Type: EventRedeem, ID: id}, func(context.Context, *Event) (bool, error) {
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return a.normalize(ev), nil
}

// AwaitSwapSecret implements adapter.Adapter. The secret is the raw 32
// bytes of the Redeem event's secret argument.
func (a *Adapter) AwaitSwapSecret(ctx context.Context, htlcID string, data []byte) ([]byte, error) {
	tx, err := a.AwaitHtlcSettlement(ctx, htlcID, data)
	if err != nil {
		return nil, err
	}
	return tx.Secret, nil
}

// SettleHtlc is not available for contract HTLCs.
func (a *Adapter) SettleHtlc(context.Context, string, []byte, []byte, *adapter.SettleParams) (*adapter.Transaction, error) {
	return nil, fmt.Errorf("settleHtlc: %w", adapter.ErrUnsupported)
}

// AwaitSettlementConfirmation implements adapter.Adapter. A Redeem log is
// final once it can be observed.
func (a *Adapter) AwaitSettlementConfirmation(ctx context.Context, htlcID string, _ adapter.Updates) (*adapter.Transaction, error) {
	return a.AwaitHtlcSettlement(ctx, htlcID, nil)
}

// Stop implements adapter.Adapter.
func (a *Adapter) Stop(reason error) {
	a.sessions.Stop(reason)
}

func (a *Adapter) find(ctx context.Context, f Filter, match watcher.Predicate[*Event]) (*Event, error) {
	ctx, end := a.sessions.Begin(ctx)
	defer end()

	src := watcher.Source[*Event]{
		Subscribe: func(ctx context.Context, ch chan<- *Event) (watcher.Subscription, error) {
			return a.client.SubscribeEvents(ctx, f, ch)
		},
		History: func(ctx context.Context) ([]*Event, error) {
			return a.client.FilterEvents(ctx, f, a.cfg.StartBlock, a.cfg.EndBlock)
		},
	}

	ev, err := watcher.Watch(ctx, src, match,
		watcher.WithInterval(a.cfg.HistoryInterval),
		watcher.WithLogger(a.log),
		watcher.WithName(string(f.Type)),
	)
	if err != nil {
		return nil, err
	}
	a.log.Info("Event matched", "event", ev.Type, "id", ev.ID.Hex(), "block", ev.Log.BlockNumber)
	return ev, nil
}

func (a *Adapter) normalize(ev *Event) *adapter.Transaction {
	tx := &adapter.Transaction{
		Asset: a.asset,
		Hash:  ev.Log.TxHash.Hex(),
		State: adapter.StateMined,
		Raw:   ev,
	}
	if ev.Log.Address != (common.Address{}) {
		tx.Sender = ev.Log.Address.Hex()
	}
	switch ev.Type {
	case EventOpen:
		tx.Recipient = ev.Recipient.Hex()
		if ev.Amount != nil && ev.Amount.IsUint64() {
			tx.Value = ev.Amount.Uint64()
		}
	case EventRedeem:
		tx.Secret = append([]byte(nil), ev.Secret.Bytes()...)
	}
	return tx
}

func parseID(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid HTLC id %q", s)
	}
	return common.BytesToHash(b), nil
}

var _ adapter.Adapter = (*Adapter)(nil)
