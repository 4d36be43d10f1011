package evm

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

var (
	htlcID    = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	otherID   = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
	contract  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	recipient = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeClient struct {
	mu         sync.Mutex
	events     []*Event
	block      uint64
	blockErr   error
	subs       map[int]subscription
	nextSub    int
	lastStart  uint64
	lastEnd    *uint64
	filterHits int
	blockHook  func(ctx context.Context)
}

type subscription struct {
	ctx context.Context
	f   Filter
	ch  chan<- *Event
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[int]subscription)}
}

func (f *fakeClient) FilterEvents(ctx context.Context, flt Filter, start uint64, end *uint64) ([]*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterHits++
	f.lastStart, f.lastEnd = start, end
	var out []*Event
	for _, ev := range f.events {
		if ev.Type == flt.Type && ev.ID == flt.ID && ev.Log.BlockNumber >= start && (end == nil || ev.Log.BlockNumber <= *end) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeClient) SubscribeEvents(ctx context.Context, flt Filter, ch chan<- *Event) (watcher.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = subscription{ctx, flt, ch}
	return watcher.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}), nil
}

func (f *fakeClient) CurrentBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	hook := f.blockHook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, f.blockErr
}

func (f *fakeClient) emit(ev *Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	var targets []subscription
	for _, s := range f.subs {
		if s.f.Type == ev.Type && s.f.ID == ev.ID {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- ev:
		case <-s.ctx.Done():
		}
	}
}

func (f *fakeClient) setBlock(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = n
}

func (f *fakeClient) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func openEvent(id common.Hash, amount int64, block uint64) *Event {
	return &Event{
		Type:      EventOpen,
		ID:        id,
		Amount:    big.NewInt(amount),
		Recipient: recipient,
		Timeout:   big.NewInt(1700000000),
		Log:       types.Log{Address: contract, BlockNumber: block, TxHash: common.HexToHash("0xabc")},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestAdapter(c Client, opts ...adapter.Option) *Adapter {
	opts = append([]adapter.Option{
		adapter.WithLogger(logging.Discard()),
		adapter.WithHistoryInterval(5 * time.Millisecond),
	}, opts...)
	return New(adapter.AssetUSDC, c, opts...)
}

type result struct {
	tx  *adapter.Transaction
	err error
}

func TestAwaitHtlcFundingAmountMismatch(t *testing.T) {
	c := newFakeClient()
	a := newTestAdapter(c)

	res := make(chan result, 1)
	go func() {
		tx, err := a.AwaitHtlcFunding(context.Background(), htlcID.Hex(), 75, nil, 0, nil)
		res <- result{tx, err}
	}()

	waitFor(t, func() bool { return c.subscribers() == 1 })
	c.emit(openEvent(htlcID, 50, 10))

	select {
	case r := <-res:
		t.Fatalf("resolved on mismatching amount: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}

	c.emit(openEvent(htlcID, 75, 11))
	r := <-res
	if r.err != nil {
		t.Fatalf("AwaitHtlcFunding failed: %v", r.err)
	}
	if r.tx.Value != 75 {
		t.Errorf("Value = %d, want 75", r.tx.Value)
	}
	if r.tx.Recipient != recipient.Hex() {
		t.Errorf("Recipient = %s, want %s", r.tx.Recipient, recipient.Hex())
	}
	if r.tx.State != adapter.StateMined {
		t.Errorf("State = %s, want mined", r.tx.State)
	}
}

func TestAwaitHtlcFundingIgnoresOtherIDs(t *testing.T) {
	c := newFakeClient()
	c.events = []*Event{openEvent(otherID, 75, 5)}
	a := newTestAdapter(c)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := a.AwaitHtlcFunding(ctx, htlcID.Hex(), 75, nil, 0, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestAwaitHtlcFundingConfirmations(t *testing.T) {
	c := newFakeClient()
	c.events = []*Event{openEvent(htlcID, 75, 100)}
	c.setBlock(101)
	a := newTestAdapter(c)

	updates := make(chan *adapter.Transaction, 64)
	res := make(chan result, 1)
	go func() {
		tx, err := a.AwaitHtlcFunding(context.Background(), htlcID.Hex(), 75, nil, 3, updates)
		res <- result{tx, err}
	}()

	select {
	case u := <-updates:
		if u.Confirmations != 2 {
			t.Errorf("pending confirmations = %d, want 2", u.Confirmations)
		}
	case <-time.After(time.Second):
		t.Fatal("no pending update")
	}

	c.setBlock(102)
	r := <-res
	if r.err != nil {
		t.Fatalf("AwaitHtlcFunding failed: %v", r.err)
	}
	if r.tx.Confirmations != 3 {
		t.Errorf("Confirmations = %d, want 3", r.tx.Confirmations)
	}
}

func TestAwaitHtlcFundingReportsWinnerConfirmations(t *testing.T) {
	c := newFakeClient()
	c.events = []*Event{openEvent(htlcID, 75, 150)}
	c.setBlock(200)

	// The history match at block 150 stalls in CurrentBlock until the pushed
	// match at block 190 has won, then completes its own evaluation.
	historyWaiting := make(chan struct{})
	pushArrived := make(chan struct{})
	var calls atomic.Int32
	c.blockHook = func(ctx context.Context) {
		switch calls.Add(1) {
		case 1:
			close(historyWaiting)
			<-pushArrived
			<-ctx.Done()
		case 2:
			close(pushArrived)
		}
	}
	a := newTestAdapter(c, adapter.WithHistoryInterval(time.Hour))

	res := make(chan result, 1)
	go func() {
		tx, err := a.AwaitHtlcFunding(context.Background(), htlcID.Hex(), 75, nil, 1, nil)
		res <- result{tx, err}
	}()

	select {
	case <-historyWaiting:
	case <-time.After(time.Second):
		t.Fatal("history match not evaluated")
	}
	waitFor(t, func() bool { return c.subscribers() > 0 })
	c.emit(openEvent(htlcID, 75, 190))

	var r result
	select {
	case r = <-res:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not resolve")
	}
	if r.err != nil {
		t.Fatalf("AwaitHtlcFunding failed: %v", r.err)
	}
	if block := r.tx.Raw.(*Event).Log.BlockNumber; block != 190 {
		t.Fatalf("winner block = %d, want 190", block)
	}
	if r.tx.Confirmations != 11 {
		t.Errorf("Confirmations = %d, want 11 (200 - 190 + 1)", r.tx.Confirmations)
	}
}

func TestAwaitHtlcFundingBlockErrorIsTransient(t *testing.T) {
	c := newFakeClient()
	c.events = []*Event{openEvent(htlcID, 75, 100)}
	c.blockErr = errors.New("rpc unavailable")
	a := newTestAdapter(c)

	res := make(chan result, 1)
	go func() {
		tx, err := a.AwaitHtlcFunding(context.Background(), htlcID.Hex(), 75, nil, 1, nil)
		res <- result{tx, err}
	}()

	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.filterHits >= 2
	})
	c.mu.Lock()
	c.blockErr = nil
	c.block = 100
	c.mu.Unlock()

	if r := <-res; r.err != nil {
		t.Fatalf("AwaitHtlcFunding failed: %v", r.err)
	}
}

func TestAwaitSwapSecret(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5a}, 32)
	c := newFakeClient()
	c.events = []*Event{
		{Type: EventRefund, ID: htlcID, Log: types.Log{BlockNumber: 3}},
		{Type: EventRedeem, ID: htlcID, Secret: common.BytesToHash(secret), Log: types.Log{BlockNumber: 4}},
	}
	a := newTestAdapter(c)

	got, err := a.AwaitSwapSecret(context.Background(), htlcID.Hex(), nil)
	if err != nil {
		t.Fatalf("AwaitSwapSecret failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("secret = %x, want %x", got, secret)
	}

	tx, err := a.AwaitSettlementConfirmation(context.Background(), htlcID.Hex(), nil)
	if err != nil {
		t.Fatalf("AwaitSettlementConfirmation failed: %v", err)
	}
	if !bytes.Equal(tx.Secret, secret) {
		t.Errorf("confirmation secret = %x", tx.Secret)
	}
}

func TestBlockRange(t *testing.T) {
	end := uint64(50)
	c := newFakeClient()
	c.events = []*Event{openEvent(htlcID, 75, 60), openEvent(htlcID, 75, 40)}
	a := newTestAdapter(c, adapter.WithBlockRange(20, &end))

	tx, err := a.AwaitHtlcFunding(context.Background(), htlcID.Hex(), 75, nil, 0, nil)
	if err != nil {
		t.Fatalf("AwaitHtlcFunding failed: %v", err)
	}
	if ev := tx.Raw.(*Event); ev.Log.BlockNumber != 40 {
		t.Errorf("block = %d, want 40", ev.Log.BlockNumber)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastStart != 20 || c.lastEnd == nil || *c.lastEnd != 50 {
		t.Errorf("range = %d..%v, want 20..50", c.lastStart, c.lastEnd)
	}
}

func TestUnsupported(t *testing.T) {
	a := newTestAdapter(newFakeClient())

	if _, err := a.FundHtlc(context.Background(), "00", nil, ""); !errors.Is(err, adapter.ErrUnsupported) {
		t.Errorf("FundHtlc error = %v, want ErrUnsupported", err)
	}
	if _, err := a.SettleHtlc(context.Background(), "00", nil, nil, nil); !errors.Is(err, adapter.ErrUnsupported) {
		t.Errorf("SettleHtlc error = %v, want ErrUnsupported", err)
	}
}

func TestInvalidID(t *testing.T) {
	a := newTestAdapter(newFakeClient())
	if _, err := a.AwaitHtlcSettlement(context.Background(), "0x1234", nil); err == nil {
		t.Error("expected error for short id")
	}
}

func TestStop(t *testing.T) {
	c := newFakeClient()
	a := newTestAdapter(c)

	done := make(chan error, 1)
	go func() {
		_, err := a.AwaitHtlcSettlement(context.Background(), htlcID.Hex(), nil)
		done <- err
	}()
	waitFor(t, func() bool { return c.subscribers() == 1 })

	reason := errors.New("abandoned")
	a.Stop(reason)
	a.Stop(reason)
	if err := <-done; err != reason {
		t.Errorf("error = %v, want %v", err, reason)
	}
}
