package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/adapter/utxo"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

const testAddr = "bc1qtestaddress"

func newTestBackend(url string, opts ...MempoolOption) *MempoolBackend {
	opts = append([]MempoolOption{WithBackendLogger(logging.Discard())}, opts...)
	return NewMempoolBackend(url, opts...)
}

func TestNewMempoolBackend(t *testing.T) {
	backend := NewMempoolBackend("https://mempool.space/api/")

	if backend.Type() != TypeMempool {
		t.Errorf("Type() = %s, want mempool", backend.Type())
	}
	if backend.baseURL != "https://mempool.space/api" {
		t.Errorf("baseURL = %s, trailing slash should be removed", backend.baseURL)
	}
	if backend.confirmedDepth != DefaultConfirmedDepth {
		t.Errorf("confirmedDepth = %d, want %d", backend.confirmedDepth, DefaultConfirmedDepth)
	}
}

func TestNewEsploraBackend(t *testing.T) {
	backend := NewEsploraBackend("https://blockstream.info/api", WithWebSocket("wss://ignored"))

	if backend.Type() != TypeEsplora {
		t.Errorf("Type() = %s, want esplora", backend.Type())
	}

	_, err := backend.SubscribeTransactions(context.Background(), []string{testAddr}, make(chan *utxo.Transaction))
	if !errors.Is(err, ErrNoPush) {
		t.Errorf("SubscribeTransactions error = %v, want ErrNoPush", err)
	}
}

func TestStateFor(t *testing.T) {
	tests := []struct {
		confs int64
		want  adapter.State
	}{
		{0, adapter.StatePending},
		{1, adapter.StateMined},
		{5, adapter.StateMined},
		{6, adapter.StateConfirmed},
		{100, adapter.StateConfirmed},
	}
	for _, tt := range tests {
		if got := stateFor(tt.confs, 6); got != tt.want {
			t.Errorf("stateFor(%d) = %s, want %s", tt.confs, got, tt.want)
		}
	}
}

const sampleTxs = `[
  {
    "txid": "aa",
    "status": {"confirmed": false},
    "vin": [{
      "txid": "prev1", "vout": 0, "sequence": 4294967293,
      "witness": ["3044", "02ab"],
      "prevout": {"scriptpubkey_address": "bc1qfunder", "value": 20000}
    }],
    "vout": [{"scriptpubkey_address": "bc1qtestaddress", "value": 10000}]
  },
  {
    "txid": "bb",
    "status": {"confirmed": true, "block_height": 98, "block_hash": "00ff"},
    "vin": [{
      "txid": "aa", "vout": 0, "sequence": 4294967295,
      "witness": ["30", "02", "5e5e", "01", "6382"],
      "prevout": {"scriptpubkey_address": "bc1qtestaddress", "value": 10000}
    }],
    "vout": [{"scriptpubkey_address": "bc1qredeemer", "value": 9000}]
  }
]`

func TestMempoolConvertTxs(t *testing.T) {
	var mTxs []mempoolTx
	if err := json.Unmarshal([]byte(sampleTxs), &mTxs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	m := newTestBackend("http://unused")
	txs := m.convertTxs(mTxs, 100)
	if len(txs) != 2 {
		t.Fatalf("len = %d, want 2", len(txs))
	}

	pending := txs[0]
	if pending.State != adapter.StatePending || pending.Confirmations != 0 {
		t.Errorf("pending tx state = %s/%d", pending.State, pending.Confirmations)
	}
	if !pending.ReplaceByFee {
		t.Error("sequence 0xfffffffd should signal RBF")
	}
	if pending.Inputs[0].Address != "bc1qfunder" {
		t.Errorf("input address = %s", pending.Inputs[0].Address)
	}
	if pending.Outputs[0].Address != testAddr || pending.Outputs[0].Value != 10000 {
		t.Errorf("output = %+v", pending.Outputs[0])
	}

	mined := txs[1]
	if mined.Confirmations != 3 || mined.State != adapter.StateMined {
		t.Errorf("mined tx = %d confs, state %s; want 3, mined", mined.Confirmations, mined.State)
	}
	if mined.ReplaceByFee {
		t.Error("final sequence should not signal RBF")
	}
	if w := mined.Inputs[0].Witness; len(w) != 5 || w[2][0] != 0x5e {
		t.Errorf("witness = %x", w)
	}
}

func TestMempoolConvertTxsNoPrevout(t *testing.T) {
	m := newTestBackend("http://unused")
	var mTxs []mempoolTx
	json.Unmarshal([]byte(`[{"txid":"cc","status":{"confirmed":true,"block_height":200},"vin":[{"txid":"x","vout":1}],"vout":[]}]`), &mTxs)

	txs := m.convertTxs(mTxs, 0)
	if txs[0].Inputs[0].Address != "" {
		t.Error("address should be empty without prevout")
	}
	if txs[0].Confirmations != 1 {
		t.Errorf("Confirmations = %d, want 1 when tip unknown", txs[0].Confirmations)
	}
}

func TestTransactionsByAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/blocks/tip/height":
			fmt.Fprint(w, "100")
		case "/address/" + testAddr + "/txs":
			fmt.Fprint(w, sampleTxs)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := newTestBackend(srv.URL)
	txs, err := m.TransactionsByAddress(context.Background(), testAddr, 0, nil)
	if err != nil {
		t.Fatalf("TransactionsByAddress failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len = %d, want 2", len(txs))
	}
	if txs[1].Confirmations != 3 {
		t.Errorf("Confirmations = %d, want 3", txs[1].Confirmations)
	}
}

func confirmedPage(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"txid":"%s%d","status":{"confirmed":true,"block_height":%d},"vin":[],"vout":[]}`, prefix, i, 90-i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestTransactionsByAddressPagination(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/blocks/tip/height":
			fmt.Fprint(w, "100")
		case "/address/" + testAddr + "/txs":
			fmt.Fprint(w, confirmedPage("p", mempoolChainPageSize))
		case "/address/" + testAddr + "/txs/chain/p24":
			fmt.Fprint(w, confirmedPage("q", 2))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := newTestBackend(srv.URL)
	txs, err := m.TransactionsByAddress(context.Background(), testAddr, 0, nil)
	if err != nil {
		t.Fatalf("TransactionsByAddress failed: %v", err)
	}
	if len(txs) != mempoolChainPageSize+2 {
		t.Errorf("len = %d, want %d", len(txs), mempoolChainPageSize+2)
	}

	// With the last page's tail already known the second page is skipped.
	mu.Lock()
	paths = nil
	mu.Unlock()
	known := []*utxo.Transaction{{TxID: "p24", State: adapter.StateConfirmed}}
	if _, err := m.TransactionsByAddress(context.Background(), testAddr, 90, known); err != nil {
		t.Fatalf("TransactionsByAddress failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, p := range paths {
		if strings.Contains(p, "/chain/") {
			t.Errorf("unexpected pagination request %s", p)
		}
	}
}

func TestGetErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ratelimited":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := newTestBackend(srv.URL)
	var out interface{}
	if err := m.get(context.Background(), "/missing", &out); !errors.Is(err, ErrAddressNotFound) {
		t.Errorf("404 error = %v, want ErrAddressNotFound", err)
	}
	if err := m.get(context.Background(), "/ratelimited", &out); !errors.Is(err, ErrRateLimited) {
		t.Errorf("429 error = %v, want ErrRateLimited", err)
	}
	if err := m.get(context.Background(), "/broken", &out); err == nil {
		t.Error("expected error for 500")
	}
	if _, err := m.GetTransaction(context.Background(), "nope"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("GetTransaction error = %v, want ErrTxNotFound", err)
	}
}

func TestSendTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tx":
			body, _ := io.ReadAll(r.Body)
			if string(body) == "bad" {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, "sendrawtransaction RPC error: -26")
				return
			}
			fmt.Fprint(w, "aa\n")
		case r.URL.Path == "/tx/aa":
			fmt.Fprint(w, `{"txid":"aa","status":{"confirmed":false},"vin":[],"vout":[{"scriptpubkey_address":"x","value":1}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := newTestBackend(srv.URL)
	tx, err := m.SendTransaction(context.Background(), "0200")
	if err != nil {
		t.Fatalf("SendTransaction failed: %v", err)
	}
	if tx.TxID != "aa" || tx.State != adapter.StatePending {
		t.Errorf("tx = %+v", tx)
	}

	if _, err := m.SendTransaction(context.Background(), "bad"); !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("error = %v, want ErrBroadcastFailed", err)
	}
}

// wsServer accepts mempool.space style track requests.
type wsServer struct {
	*httptest.Server
	mu      sync.Mutex
	tracked []string
	conns   chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		var req map[string]string
		if err := conn.ReadJSON(&req); err != nil {
			conn.Close()
			return
		}
		s.mu.Lock()
		s.tracked = append(s.tracked, req["track-address"])
		s.mu.Unlock()
		s.conns <- conn
	}))
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWebSocketSubscription(t *testing.T) {
	srv := newWSServer(t)
	defer srv.Close()

	m := newTestBackend(srv.URL, WithWebSocket(srv.wsURL()), WithReconnectDelay(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	established := make(chan struct{}, 1)
	esub, _ := m.SubscribeEstablished(ctx, established)
	defer esub.Unsubscribe()

	ch := make(chan *utxo.Transaction)
	sub, err := m.SubscribeTransactions(ctx, []string{testAddr}, ch)
	if err != nil {
		t.Fatalf("SubscribeTransactions failed: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case <-established:
	case <-time.After(time.Second):
		t.Fatal("no established signal on connect")
	}

	conn := <-srv.conns
	conn.WriteMessage(websocket.TextMessage, []byte(`{"address-transactions":[{"txid":"push1","status":{"confirmed":false},"vin":[],"vout":[{"scriptpubkey_address":"bc1qtestaddress","value":5}]}]}`))

	select {
	case tx := <-ch:
		if tx.TxID != "push1" || tx.State != adapter.StatePending {
			t.Errorf("pushed tx = %+v", tx)
		}
	case <-time.After(time.Second):
		t.Fatal("pushed tx not delivered")
	}

	// Drop the connection: the subscription reports it and reconnects.
	conn.Close()
	select {
	case err := <-sub.Err():
		if err == nil {
			t.Error("expected disconnect error")
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	select {
	case <-established:
	case <-time.After(time.Second):
		t.Fatal("no established signal on reconnect")
	}

	conn = <-srv.conns
	defer conn.Close()
	conn.WriteMessage(websocket.TextMessage, []byte(`{"block-transactions":[{"txid":"push2","status":{"confirmed":true,"block_height":5},"vin":[],"vout":[]}]}`))
	select {
	case tx := <-ch:
		if tx.TxID != "push2" || tx.State != adapter.StateMined {
			t.Errorf("pushed tx = %+v", tx)
		}
	case <-time.After(time.Second):
		t.Fatal("pushed block tx not delivered")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.tracked) != 2 || srv.tracked[0] != testAddr || srv.tracked[1] != testAddr {
		t.Errorf("tracked = %v", srv.tracked)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	m := newTestBackend("http://127.0.0.1:1", WithWebSocket("ws://127.0.0.1:1/ws"))
	_, err := m.SubscribeTransactions(context.Background(), []string{testAddr}, make(chan *utxo.Transaction))
	if err == nil {
		t.Error("expected dial error")
	}
}
