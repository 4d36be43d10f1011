package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/adapter/utxo"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// mempoolChainPageSize is the number of confirmed transactions returned per
// /txs/chain page.
const mempoolChainPageSize = 25

// MempoolBackend implements utxo.Client using the mempool.space API.
// Compatible with mempool.space, litecoinspace.org, and self-hosted instances.
type MempoolBackend struct {
	baseURL        string
	wsURL          string
	httpClient     *http.Client
	dialer         *websocket.Dialer
	confirmedDepth int64
	reconnectDelay time.Duration
	log            *logging.Logger

	mu          sync.Mutex
	established map[int]chan<- struct{}
	nextID      int
}

// MempoolOption configures a MempoolBackend.
type MempoolOption func(*MempoolBackend)

// WithWebSocket enables push subscriptions through the given ws endpoint,
// e.g. wss://mempool.space/api/v1/ws.
func WithWebSocket(wsURL string) MempoolOption {
	return func(m *MempoolBackend) { m.wsURL = wsURL }
}

// WithConfirmedDepth sets the confirmations at which a tx counts as confirmed.
func WithConfirmedDepth(n int64) MempoolOption {
	return func(m *MempoolBackend) {
		if n > 0 {
			m.confirmedDepth = n
		}
	}
}

// WithReconnectDelay sets the pause between WebSocket reconnect attempts.
func WithReconnectDelay(d time.Duration) MempoolOption {
	return func(m *MempoolBackend) {
		if d > 0 {
			m.reconnectDelay = d
		}
	}
}

// WithBackendLogger sets the logger.
func WithBackendLogger(l *logging.Logger) MempoolOption {
	return func(m *MempoolBackend) { m.log = l.Component("mempool") }
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string, opts ...MempoolOption) *MempoolBackend {
	m := &MempoolBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer:         websocket.DefaultDialer,
		confirmedDepth: DefaultConfirmedDepth,
		reconnectDelay: 5 * time.Second,
		log:            logging.GetDefault().Component("mempool"),
		established:    make(map[int]chan<- struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// TransactionsByAddress returns the mempool and confirmed history of address.
// Pagination stops at the first confirmed transaction already in known that
// is at or below sinceHeight.
func (m *MempoolBackend) TransactionsByAddress(ctx context.Context, address string, sinceHeight int64, known []*utxo.Transaction) ([]*utxo.Transaction, error) {
	tip, err := m.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(known))
	for _, tx := range known {
		if tx.State.Final() {
			seen[tx.TxID] = true
		}
	}

	var page []mempoolTx
	if err := m.get(ctx, "/address/"+address+"/txs", &page); err != nil {
		return nil, err
	}

	var all []mempoolTx
	for {
		all = append(all, page...)

		confirmed := 0
		last := ""
		stop := false
		for _, mt := range page {
			if !mt.Status.Confirmed {
				continue
			}
			confirmed++
			last = mt.TxID
			if seen[mt.TxID] && mt.Status.BlockHeight <= sinceHeight {
				stop = true
			}
		}
		if stop || last == "" || confirmed < mempoolChainPageSize {
			break
		}

		page = nil
		if err := m.get(ctx, "/address/"+address+"/txs/chain/"+last, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
	}

	return m.convertTxs(all, tip), nil
}

// GetTransaction returns a transaction by ID.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*utxo.Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		if errors.Is(err, ErrAddressNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	var tip int64
	if result.Status.Confirmed {
		h, err := m.GetBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		tip = h
	}
	return m.convertTxs([]mempoolTx{result}, tip)[0], nil
}

// SendTransaction broadcasts a raw transaction and returns it as seen by
// the backend.
func (m *MempoolBackend) SendTransaction(ctx context.Context, rawTxHex string) (*utxo.Transaction, error) {
	txid, err := m.BroadcastTransaction(ctx, rawTxHex)
	if err != nil {
		return nil, err
	}
	tx, err := m.GetTransaction(ctx, txid)
	if err != nil {
		m.log.Debug("Broadcast tx not yet indexed", "txid", txid, "error", err)
		return &utxo.Transaction{TxID: txid, State: adapter.StatePending}, nil
	}
	return tx, nil
}

// BroadcastTransaction broadcasts a raw transaction.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, string(body))
	}

	// Response is the txid
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := m.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, fmt.Errorf("tip height: %w", err)
	}
	return height, nil
}

// get performs a GET request and decodes JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAddressNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
	} `json:"status"`
	Vin []struct {
		TxID     string   `json:"txid"`
		Vout     uint32   `json:"vout"`
		Witness  []string `json:"witness"`
		Sequence uint32   `json:"sequence"`
		Prevout  *struct {
			ScriptPubKeyAddr string `json:"scriptpubkey_address"`
			Value            uint64 `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

// convertTxs converts mempool format to utxo transactions. tip is the
// current block height used for confirmation counts.
func (m *MempoolBackend) convertTxs(mTxs []mempoolTx, tip int64) []*utxo.Transaction {
	txs := make([]*utxo.Transaction, len(mTxs))
	for i, mt := range mTxs {
		tx := &utxo.Transaction{
			TxID:    mt.TxID,
			Inputs:  make([]utxo.Input, len(mt.Vin)),
			Outputs: make([]utxo.Output, len(mt.Vout)),
		}
		if mt.Status.Confirmed && mt.Status.BlockHeight > 0 {
			tx.BlockHeight = mt.Status.BlockHeight
			if tip >= mt.Status.BlockHeight {
				tx.Confirmations = tip - mt.Status.BlockHeight + 1
			} else {
				tx.Confirmations = 1
			}
		}
		tx.State = stateFor(tx.Confirmations, m.confirmedDepth)

		for j, vin := range mt.Vin {
			input := utxo.Input{
				TxID:     vin.TxID,
				Vout:     vin.Vout,
				Sequence: vin.Sequence,
				Witness:  make([][]byte, 0, len(vin.Witness)),
			}
			if vin.Prevout != nil {
				input.Address = vin.Prevout.ScriptPubKeyAddr
			}
			for _, w := range vin.Witness {
				b, err := hex.DecodeString(w)
				if err != nil {
					m.log.Warn("Invalid witness hex", "txid", mt.TxID, "vin", j)
					b = nil
				}
				input.Witness = append(input.Witness, b)
			}
			if vin.Sequence <= rbfSequence {
				tx.ReplaceByFee = true
			}
			tx.Inputs[j] = input
		}

		for j, vout := range mt.Vout {
			tx.Outputs[j] = utxo.Output{
				Address: vout.ScriptPubKeyAddr,
				Value:   vout.Value,
			}
		}

		txs[i] = tx
	}
	return txs
}

// Ensure MempoolBackend implements utxo.Client
var _ utxo.Client = (*MempoolBackend)(nil)
