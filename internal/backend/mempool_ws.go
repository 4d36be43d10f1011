package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/swapwatch/internal/adapter/utxo"
	"github.com/klingon-exchange/swapwatch/internal/watcher"
)

const wsPingInterval = 30 * time.Second

// wsMessage holds the mempool.space push payloads we care about.
type wsMessage struct {
	AddressTransactions      []mempoolTx                `json:"address-transactions"`
	BlockTransactions        []mempoolTx                `json:"block-transactions"`
	MultiAddressTransactions map[string]wsAddressUpdate `json:"multi-address-transactions"`
}

type wsAddressUpdate struct {
	Mempool   []mempoolTx `json:"mempool"`
	Confirmed []mempoolTx `json:"confirmed"`
}

type wsSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	errc   chan error
}

// Unsubscribe closes the socket and waits for the reader to exit.
func (s *wsSubscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Err reports disconnects. The subscription reconnects on its own.
func (s *wsSubscription) Err() <-chan error {
	return s.errc
}

// SubscribeTransactions tracks addresses over the mempool.space WebSocket.
// The connection is re-established until the subscription ends; every
// successful (re)connect is signalled to SubscribeEstablished listeners.
func (m *MempoolBackend) SubscribeTransactions(ctx context.Context, addresses []string, ch chan<- *utxo.Transaction) (watcher.Subscription, error) {
	if m.wsURL == "" {
		return nil, ErrNoPush
	}
	conn, err := m.dial(ctx, addresses)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		cancel: cancel,
		done:   make(chan struct{}),
		errc:   make(chan error, 1),
	}
	go m.run(ctx, conn, addresses, ch, sub)
	return sub, nil
}

// SubscribeEstablished signals on ch whenever a WebSocket connection is
// (re)established.
func (m *MempoolBackend) SubscribeEstablished(ctx context.Context, ch chan<- struct{}) (watcher.Subscription, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.established[id] = ch
	m.mu.Unlock()

	return watcher.SubscriptionFunc(func() {
		m.mu.Lock()
		delete(m.established, id)
		m.mu.Unlock()
	}), nil
}

func (m *MempoolBackend) signalEstablished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.established {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *MempoolBackend) dial(ctx context.Context, addresses []string) (*websocket.Conn, error) {
	conn, _, err := m.dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return nil, err
	}

	var track interface{}
	if len(addresses) == 1 {
		track = map[string]string{"track-address": addresses[0]}
	} else {
		track = map[string][]string{"track-addresses": addresses}
	}
	if err := conn.WriteJSON(track); err != nil {
		conn.Close()
		return nil, err
	}

	m.log.Debug("WebSocket connected", "addresses", len(addresses))
	m.signalEstablished()
	return conn, nil
}

func (m *MempoolBackend) run(ctx context.Context, conn *websocket.Conn, addresses []string, ch chan<- *utxo.Transaction, sub *wsSubscription) {
	defer close(sub.done)

	for {
		err := m.readPump(ctx, conn, ch)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("WebSocket disconnected", "error", err)
		select {
		case sub.errc <- err:
		default:
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.reconnectDelay):
			}
			conn, err = m.dial(ctx, addresses)
			if err == nil {
				break
			}
			m.log.Debug("WebSocket reconnect failed", "error", err)
		}
	}
}

// readPump forwards pushed transactions until the connection fails or ctx
// ends.
func (m *MempoolBackend) readPump(ctx context.Context, conn *websocket.Conn, ch chan<- *utxo.Transaction) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.log.Debug("Ignoring WebSocket message", "error", err)
			continue
		}

		pushed := append(msg.AddressTransactions, msg.BlockTransactions...)
		for _, u := range msg.MultiAddressTransactions {
			pushed = append(pushed, u.Mempool...)
			pushed = append(pushed, u.Confirmed...)
		}
		for _, tx := range m.convertTxs(pushed, 0) {
			select {
			case ch <- tx:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
