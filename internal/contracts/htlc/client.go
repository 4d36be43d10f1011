// Package htlc provides a go-ethereum client for the swap HTLC contract's
// event log. It satisfies the contract client consumed by the EVM adapter.
package htlc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/swapwatch/internal/adapter/evm"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// ErrMalformedLog is returned when a log cannot be decoded as an HTLC event.
var ErrMalformedLog = errors.New("malformed HTLC log")

// Backend is the node capability the client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
}

// Client reads HTLC events from one deployed contract.
type Client struct {
	backend Backend
	address common.Address
	abi     abi.ABI
	log     *logging.Logger
	closer  func()
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l.Component("htlc") }
}

// NewClient binds a client to the contract at address.
func NewClient(backend Backend, address common.Address, opts ...Option) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	c := &Client{
		backend: backend,
		address: address,
		abi:     parsed,
		log:     logging.GetDefault().Component("htlc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dial connects to an RPC endpoint and binds a client to the contract.
// Subscriptions need a websocket or IPC endpoint.
func Dial(ctx context.Context, rpcURL string, address common.Address, opts ...Option) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c, err := NewClient(ec, address, opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// Close closes the underlying RPC connection if the client dialed it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ContractAddress returns the contract address.
func (c *Client) ContractAddress() common.Address {
	return c.address
}

// CurrentBlock returns the latest block number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// FilterEvents returns f's events in [start, end]; a nil end is open-ended.
func (c *Client) FilterEvents(ctx context.Context, f evm.Filter, start uint64, end *uint64) ([]*evm.Event, error) {
	q, err := c.query(f)
	if err != nil {
		return nil, err
	}
	q.FromBlock = new(big.Int).SetUint64(start)
	if end != nil {
		q.ToBlock = new(big.Int).SetUint64(*end)
	}

	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s: %w", f.Type, err)
	}

	events := make([]*evm.Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := c.Decode(l)
		if err != nil {
			c.log.Warn("Skipping undecodable log", "tx", l.TxHash.Hex(), "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeEvents pushes f's new events on ch until the subscription ends.
func (c *Client) SubscribeEvents(ctx context.Context, f evm.Filter, ch chan<- *evm.Event) (watcher.Subscription, error) {
	q, err := c.query(f)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	logs := make(chan types.Log, 10)
	sub, err := c.backend.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch %s: %w", f.Type, err)
	}

	s := &eventSubscription{sub: sub, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			select {
			case l := <-logs:
				if l.Removed {
					continue
				}
				ev, err := c.Decode(l)
				if err != nil {
					c.log.Warn("Skipping undecodable log", "tx", l.TxHash.Hex(), "error", err)
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}

// Decode converts a raw contract log into an event.
func (c *Client) Decode(l types.Log) (*evm.Event, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("%w: %d topics", ErrMalformedLog, len(l.Topics))
	}
	event, err := c.abi.EventByID(l.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	values, err := event.Inputs.Unpack(l.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}

	ev := &evm.Event{
		Type: evm.EventType(event.Name),
		ID:   l.Topics[1],
		Log:  l,
	}
	var ok bool
	switch ev.Type {
	case evm.EventOpen:
		if len(values) != 5 {
			return nil, fmt.Errorf("%w: Open has %d fields", ErrMalformedLog, len(values))
		}
		var hash [32]byte
		ev.Token, ok = values[0].(common.Address)
		if ok {
			ev.Amount, ok = values[1].(*big.Int)
		}
		if ok {
			ev.Recipient, ok = values[2].(common.Address)
		}
		if ok {
			hash, ok = values[3].([32]byte)
			ev.Hash = hash
		}
		if ok {
			ev.Timeout, ok = values[4].(*big.Int)
		}
	case evm.EventRedeem:
		var secret [32]byte
		if len(values) == 1 {
			secret, ok = values[0].([32]byte)
			ev.Secret = secret
		}
	case evm.EventRefund:
		ok = true
	}
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s field types", ErrMalformedLog, ev.Type)
	}
	return ev, nil
}

func (c *Client) query(f evm.Filter) (ethereum.FilterQuery, error) {
	event, ok := c.abi.Events[string(f.Type)]
	if !ok {
		return ethereum.FilterQuery{}, fmt.Errorf("unknown event %q", f.Type)
	}
	topics := [][]common.Hash{{event.ID}}
	if f.ID != (common.Hash{}) {
		topics = append(topics, []common.Hash{f.ID})
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    topics,
	}, nil
}

type eventSubscription struct {
	sub    ethereum.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *eventSubscription) Unsubscribe() {
	s.cancel()
	s.sub.Unsubscribe()
	<-s.done
}

func (s *eventSubscription) Err() <-chan error {
	return s.sub.Err()
}

var _ evm.Client = (*Client)(nil)
