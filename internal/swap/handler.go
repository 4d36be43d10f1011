package swap

import (
	"context"
	"fmt"
	"sync"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// State is the protocol step a Handler last entered.
type State string

const (
	StateAwaitIncoming             State = "await-incoming"
	StateCreatingOutgoing          State = "creating-outgoing"
	StateAwaitOutgoing             State = "await-outgoing"
	StateAwaitSecret               State = "await-secret"
	StateSettlingIncoming          State = "settling-incoming"
	StateAwaitIncomingConfirmation State = "await-incoming-confirmation"
	StateDone                      State = "done"
	StateStopped                   State = "stopped"
)

// Handler runs the steps of one swap. Outgoing is the from-leg adapter,
// incoming the to-leg adapter. Steps are expected to be called in protocol
// order; the Handler records progress but does not enforce it.
type Handler struct {
	mu    sync.RWMutex
	swap  *Descriptor
	state State

	outgoing adapter.Adapter
	incoming adapter.Adapter
	log      *logging.Logger
}

// NewHandler validates d and builds an adapter per leg from the given
// clients.
func NewHandler(d *Descriptor, fromClient, toClient any, opts ...AdapterOption) (*Handler, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	from, err := NewAdapter(d.From.Asset, fromClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("from leg: %w", err)
	}
	to, err := NewAdapter(d.To.Asset, toClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("to leg: %w", err)
	}
	return NewHandlerWithAdapters(d, from, to)
}

// NewHandlerWithAdapters wires pre-built adapters, e.g. when the legs need
// different adapter options.
func NewHandlerWithAdapters(d *Descriptor, from, to adapter.Adapter) (*Handler, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		swap:     d,
		state:    StateAwaitIncoming,
		outgoing: from,
		incoming: to,
		log:      logging.GetDefault().Component("swap").With("from", d.From.Asset, "to", d.To.Asset),
	}, nil
}

// SetSwap replaces the descriptor. HTLC addresses of in-flight watches
// must not change.
func (h *Handler) SetSwap(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if d.From.Asset != h.swap.From.Asset || d.To.Asset != h.swap.To.Asset {
		return fmt.Errorf("%w: assets cannot change", ErrInvalidDescriptor)
	}
	h.swap = d
	return nil
}

// Swap returns the current descriptor.
func (h *Handler) Swap() *Descriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.swap
}

// State returns the step last entered.
func (h *Handler) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Outgoing returns the from-leg adapter.
func (h *Handler) Outgoing() adapter.Adapter { return h.outgoing }

// Incoming returns the to-leg adapter.
func (h *Handler) Incoming() adapter.Adapter { return h.incoming }

// AwaitIncoming waits for the counterparty to fund the to-leg HTLC with the
// amount plus the service escrow fee.
func (h *Handler) AwaitIncoming(ctx context.Context, confirmations int64, updates adapter.Updates) (*adapter.Transaction, error) {
	d, err := h.enter(StateAwaitIncoming)
	if err != nil {
		return nil, err
	}
	c, err := d.contract(d.To.Asset)
	if err != nil {
		return nil, err
	}
	var data []byte
	if d.To.Asset.Family() == adapter.FamilyLedger {
		data = c.DataBytes()
	}
	tx, err := h.incoming.AwaitHtlcFunding(ctx, c.Address, d.To.Amount+d.To.ServiceEscrowFee, data, confirmations, updates)
	return h.done(StateAwaitIncoming, tx, err)
}

// CreateOutgoing forwards the signed from-leg funding transaction, and the
// proxy transaction it depends on if any.
func (h *Handler) CreateOutgoing(ctx context.Context, serializedTx string, updates adapter.Updates, serializedProxyTx string) (*adapter.Transaction, error) {
	if _, err := h.enter(StateCreatingOutgoing); err != nil {
		return nil, err
	}
	tx, err := h.outgoing.FundHtlc(ctx, serializedTx, updates, serializedProxyTx)
	return h.done(StateCreatingOutgoing, tx, err)
}

// AwaitOutgoing waits for the from-leg HTLC to be funded with the amount.
func (h *Handler) AwaitOutgoing(ctx context.Context, confirmations int64, updates adapter.Updates) (*adapter.Transaction, error) {
	d, err := h.enter(StateAwaitOutgoing)
	if err != nil {
		return nil, err
	}
	c, err := d.contract(d.From.Asset)
	if err != nil {
		return nil, err
	}
	var data []byte
	if d.From.Asset.Family() == adapter.FamilyLedger {
		data = c.DataBytes()
	}
	tx, err := h.outgoing.AwaitHtlcFunding(ctx, c.Address, d.From.Amount, data, confirmations, updates)
	return h.done(StateAwaitOutgoing, tx, err)
}

// AwaitSecret waits for the counterparty to redeem the from-leg HTLC and
// returns the revealed secret.
func (h *Handler) AwaitSecret(ctx context.Context) ([]byte, error) {
	d, err := h.enter(StateAwaitSecret)
	if err != nil {
		return nil, err
	}
	c, err := d.contract(d.From.Asset)
	if err != nil {
		return nil, err
	}
	var script []byte
	if d.From.Asset.Family() == adapter.FamilyUTXO {
		script = c.ScriptBytes()
	}
	secret, err := h.outgoing.AwaitSwapSecret(ctx, c.Address, script)
	if err != nil {
		h.log.Warn("Step failed", "step", StateAwaitSecret, "error", err)
		return nil, err
	}
	h.log.Info("Secret revealed", "size", len(secret))
	return secret, nil
}

// SettleIncoming redeems the to-leg HTLC with secret. serializedTx is the
// pre-signed settlement transaction, or the settlement authorization token
// for custodial backends.
func (h *Handler) SettleIncoming(ctx context.Context, serializedTx string, secret []byte, params *adapter.SettleParams) (*adapter.Transaction, error) {
	d, err := h.enter(StateSettlingIncoming)
	if err != nil {
		return nil, err
	}
	tx, err := h.incoming.SettleHtlc(ctx, serializedTx, secret, d.HashBytes(), params)
	return h.done(StateSettlingIncoming, tx, err)
}

// AwaitIncomingConfirmation waits until the to-leg settlement is final.
func (h *Handler) AwaitIncomingConfirmation(ctx context.Context, updates adapter.Updates) (*adapter.Transaction, error) {
	d, err := h.enter(StateAwaitIncomingConfirmation)
	if err != nil {
		return nil, err
	}
	c, err := d.contract(d.To.Asset)
	if err != nil {
		return nil, err
	}
	tx, err := h.incoming.AwaitSettlementConfirmation(ctx, c.Address, updates)
	if err == nil {
		h.mu.Lock()
		if h.state != StateStopped {
			h.state = StateDone
		}
		h.mu.Unlock()
	}
	return h.done(StateAwaitIncomingConfirmation, tx, err)
}

// Stop cancels in-flight watches on both legs with reason and refuses
// further steps. Every call is forwarded to the adapters so a watch that
// registered after an earlier Stop is still cancelled; only the first call
// is logged.
func (h *Handler) Stop(reason error) {
	h.mu.Lock()
	first := h.state != StateStopped
	h.state = StateStopped
	h.mu.Unlock()

	if first {
		h.log.Info("Stopping swap", "reason", reason)
	}
	h.outgoing.Stop(reason)
	h.incoming.Stop(reason)
}

// enter records the step and returns the descriptor to run it with, or
// adapter.ErrStopped once the handler has been stopped.
func (h *Handler) enter(s State) (*Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStopped {
		return nil, fmt.Errorf("%s: %w", s, adapter.ErrStopped)
	}
	h.state = s
	return h.swap, nil
}

func (h *Handler) done(step State, tx *adapter.Transaction, err error) (*adapter.Transaction, error) {
	if err != nil {
		h.log.Warn("Step failed", "step", step, "error", err)
		return nil, err
	}
	h.log.Info("Step completed", "step", step, "hash", tx.Hash, "state", tx.State)
	return tx, nil
}
