package custodial

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// Adapter polls a custodial API for HTLC state.
type Adapter struct {
	client   Client
	asset    adapter.Asset
	cfg      adapter.Config
	log      *logging.Logger
	sessions adapter.Sessions
}

// New creates a custodial adapter for asset.
func New(asset adapter.Asset, client Client, opts ...adapter.Option) *Adapter {
	cfg := adapter.NewConfig("custodial-adapter", opts...)
	return &Adapter{
		client: client,
		asset:  asset,
		cfg:    cfg,
		log:    cfg.Logger.With("asset", asset),
	}
}

// AwaitHtlcFunding implements adapter.Adapter. The HTLC counts as funded
// once cleared or settled; value and confirmations are not checked.
func (a *Adapter) AwaitHtlcFunding(ctx context.Context, id string, _ uint64, _ []byte, _ int64, updates adapter.Updates) (*adapter.Transaction, error) {
	return a.find(ctx, "funding", id, func(ctx context.Context, h *Htlc) (bool, error) {
		if h.Status == HtlcCleared || h.Status == HtlcSettled {
			return true, nil
		}
		adapter.Notify(ctx, updates, a.normalize(h))
		return false, nil
	})
}

// FundHtlc is not available for custodial HTLCs.
func (a *Adapter) FundHtlc(context.Context, string, adapter.Updates, string) (*adapter.Transaction, error) {
	return nil, fmt.Errorf("fundHtlc: %w", adapter.ErrUnsupported)
}

// AwaitHtlcSettlement implements adapter.Adapter.
func (a *Adapter) AwaitHtlcSettlement(ctx context.Context, id string, _ []byte) (*adapter.Transaction, error) {
	return a.find(ctx, "settlement", id, func(_ context.Context, h *Htlc) (bool, error) {
		return len(h.Preimage.Value) > 0, nil
	})
}

// AwaitSwapSecret implements adapter.Adapter.
func (a *Adapter) AwaitSwapSecret(ctx context.Context, id string, data []byte) ([]byte, error) {
	tx, err := a.AwaitHtlcSettlement(ctx, id, data)
	if err != nil {
		return nil, err
	}
	return tx.Secret, nil
}

// SettleHtlc implements adapter.Adapter. settlementJWS is the signed
// settlement authorization; its payload names the HTLC to settle.
func (a *Adapter) SettleHtlc(ctx context.Context, settlementJWS string, secret, _ []byte, params *adapter.SettleParams) (*adapter.Transaction, error) {
	if a.sessions.Stopped() {
		return nil, adapter.ErrStopped
	}

	id, err := ContractID(settlementJWS)
	if err != nil {
		return nil, err
	}

	var tokens map[string]string
	if params != nil {
		tokens = params.Tokens
	}

	h, settleErr := a.client.SettleHtlc(ctx, id, secret, settlementJWS, tokens)
	if settleErr != nil {
		a.log.Warn("Settle request failed, re-fetching HTLC", "id", id, "error", settleErr)
		h, err = a.client.GetHtlc(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch HTLC %s after failed settlement (%v): %w", id, settleErr, err)
		}
	}

	if h.Status != HtlcSettled || h.Settlement.Status == SettlementWaiting {
		if errors.Is(settleErr, ErrUnauthorized) {
			return nil, fmt.Errorf("%w: authorization token rejected: %w", adapter.ErrSettlementAuthorization, settleErr)
		}
		return nil, fmt.Errorf("%w: status %s, settlement %s", adapter.ErrSettlementAuthorization, h.Status, h.Settlement.Status)
	}
	a.log.Info("HTLC settled", "id", id, "settlement", h.Settlement.Status)
	return a.normalize(h), nil
}

// AwaitSettlementConfirmation implements adapter.Adapter.
func (a *Adapter) AwaitSettlementConfirmation(ctx context.Context, id string, updates adapter.Updates) (*adapter.Transaction, error) {
	return a.find(ctx, "settlement-confirmation", id, func(ctx context.Context, h *Htlc) (bool, error) {
		if h.Status != HtlcSettled {
			return false, nil
		}
		switch h.Settlement.Status {
		case SettlementAccepted, SettlementConfirmed:
			return true, nil
		}
		adapter.Notify(ctx, updates, a.normalize(h))
		return false, nil
	})
}

// Stop implements adapter.Adapter.
func (a *Adapter) Stop(reason error) {
	a.sessions.Stop(reason)
}

// ContractID extracts the contractId claim from a settlement JWS without
// verifying its signature; the custodian verifies it on submission.
func ContractID(settlementJWS string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(settlementJWS, claims); err != nil {
		return "", fmt.Errorf("decode settlement token: %w", err)
	}
	id, ok := claims["contractId"].(string)
	if !ok || id == "" {
		return "", errors.New("settlement token has no contractId")
	}
	return id, nil
}

func (a *Adapter) find(ctx context.Context, name, id string, match watcher.Predicate[*Htlc]) (*adapter.Transaction, error) {
	ctx, end := a.sessions.Begin(ctx)
	defer end()

	src := watcher.Source[*Htlc]{
		History: func(ctx context.Context) ([]*Htlc, error) {
			h, err := a.client.GetHtlc(ctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", watcher.ErrNotFound, id)
			}
			if err != nil {
				return nil, err
			}
			return []*Htlc{h}, nil
		},
	}

	h, err := watcher.Watch(ctx, src, match,
		watcher.WithInterval(a.cfg.PollInterval),
		watcher.WithLogger(a.log),
		watcher.WithName(name),
	)
	if err != nil {
		return nil, err
	}
	a.log.Info("HTLC matched", "watch", name, "id", h.ID, "status", h.Status)
	return a.normalize(h), nil
}

func (a *Adapter) normalize(h *Htlc) *adapter.Transaction {
	var state adapter.State
	switch {
	case h.Status == HtlcSettled && (h.Settlement.Status == SettlementAccepted || h.Settlement.Status == SettlementConfirmed):
		state = adapter.StateConfirmed
	case h.Status == HtlcCleared || h.Status == HtlcSettled:
		state = adapter.StateMined
	default:
		state = adapter.StatePending
	}
	return &adapter.Transaction{
		Asset:  a.asset,
		Hash:   h.ID,
		State:  state,
		Value:  h.Amount,
		Secret: h.Preimage.Value,
		Raw:    h,
	}
}

var _ adapter.Adapter = (*Adapter)(nil)
