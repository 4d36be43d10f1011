package swap

import (
	"context"
	"sync"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/adapter/custodial"
	"github.com/klingon-exchange/swapwatch/internal/adapter/evm"
	"github.com/klingon-exchange/swapwatch/internal/adapter/ledger"
	"github.com/klingon-exchange/swapwatch/internal/adapter/utxo"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
)

// The fakes below have no push channel worth exercising; watches resolve
// from history, which the adapters re-read on every interval.

type ledgerClient struct {
	mu      sync.Mutex
	history map[string][]*ledger.Transaction
	sent    []string
	reply   *ledger.Transaction
	reads   int
}

func newLedgerClient() *ledgerClient {
	return &ledgerClient{history: make(map[string][]*ledger.Transaction)}
}

func (c *ledgerClient) add(address string, tx *ledger.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[address] = append(c.history[address], tx)
}

func (c *ledgerClient) SubscribeTransactions(context.Context, []string, chan<- *ledger.Transaction) (watcher.Subscription, error) {
	return watcher.SubscriptionFunc(nil), nil
}

func (c *ledgerClient) TransactionsByAddress(_ context.Context, address string, _ uint64, _ []*ledger.Transaction) ([]*ledger.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return append([]*ledger.Transaction(nil), c.history[address]...), nil
}

func (c *ledgerClient) SendTransaction(_ context.Context, serialized string) (*ledger.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, serialized)
	if c.reply != nil {
		return c.reply, nil
	}
	return &ledger.Transaction{Hash: "sent", State: ledger.TxPending}, nil
}

func (c *ledgerClient) SubscribeConsensus(context.Context, chan<- ledger.ConsensusState) (watcher.Subscription, error) {
	return watcher.SubscriptionFunc(nil), nil
}

type utxoClient struct {
	mu      sync.Mutex
	history map[string][]*utxo.Transaction
	sent    []string
	reads   int
}

func newUTXOClient() *utxoClient {
	return &utxoClient{history: make(map[string][]*utxo.Transaction)}
}

func (c *utxoClient) add(address string, tx *utxo.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[address] = append(c.history[address], tx)
}

func (c *utxoClient) SubscribeTransactions(context.Context, []string, chan<- *utxo.Transaction) (watcher.Subscription, error) {
	return watcher.SubscriptionFunc(nil), nil
}

func (c *utxoClient) TransactionsByAddress(_ context.Context, address string, _ int64, _ []*utxo.Transaction) ([]*utxo.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return append([]*utxo.Transaction(nil), c.history[address]...), nil
}

func (c *utxoClient) SendTransaction(_ context.Context, serialized string) (*utxo.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, serialized)
	return &utxo.Transaction{TxID: "settle", State: adapter.StatePending}, nil
}

func (c *utxoClient) SubscribeEstablished(context.Context, chan<- struct{}) (watcher.Subscription, error) {
	return watcher.SubscriptionFunc(nil), nil
}

type evmClient struct {
	mu     sync.Mutex
	events []*evm.Event
	block  uint64
}

func (c *evmClient) add(ev *evm.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *evmClient) FilterEvents(_ context.Context, f evm.Filter, _ uint64, _ *uint64) ([]*evm.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*evm.Event
	for _, ev := range c.events {
		if ev.Type == f.Type && ev.ID == f.ID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *evmClient) SubscribeEvents(context.Context, evm.Filter, chan<- *evm.Event) (watcher.Subscription, error) {
	return watcher.SubscriptionFunc(nil), nil
}

func (c *evmClient) CurrentBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

type custodialClient struct {
	mu      sync.Mutex
	htlcs   map[string]*custodial.Htlc
	settled *custodial.Htlc
	secret  []byte
}

func newCustodialClient() *custodialClient {
	return &custodialClient{htlcs: make(map[string]*custodial.Htlc)}
}

func (c *custodialClient) set(h *custodial.Htlc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.htlcs[h.ID] = h
}

func (c *custodialClient) GetHtlc(_ context.Context, id string) (*custodial.Htlc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.htlcs[id]
	if !ok {
		return nil, custodial.ErrNotFound
	}
	return h, nil
}

func (c *custodialClient) SettleHtlc(_ context.Context, id string, secret []byte, _ string, _ map[string]string) (*custodial.Htlc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret = secret
	h := *c.settled
	h.ID = id
	c.htlcs[id] = &h
	return &h, nil
}

func (c *ledgerClient) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *utxoClient) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// stopRecorder is an adapter that only records Stop calls.
type stopRecorder struct {
	adapter.Adapter

	mu      sync.Mutex
	reasons []error
}

func (r *stopRecorder) Stop(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *stopRecorder) stops() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.reasons...)
}
