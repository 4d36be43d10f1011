// Package oasis is a REST client for the OASIS custodial HTLC API. It
// satisfies the custodial adapter's client contract.
package oasis

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klingon-exchange/swapwatch/internal/adapter/custodial"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// Client talks to one OASIS endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l.Component("oasis") }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("oasis"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// htlcResponse is the wire format of an HTLC resource.
type htlcResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
	Hash   struct {
		Algorithm string `json:"algorithm"`
		Value     string `json:"value"`
	} `json:"hash"`
	Preimage struct {
		Size  int    `json:"size"`
		Value string `json:"value,omitempty"`
	} `json:"preimage"`
	Settlement *struct {
		Status string `json:"status"`
	} `json:"settlement,omitempty"`
}

type settleRequest struct {
	Preimage   string            `json:"preimage"`
	Settlement string            `json:"settlement"`
	Tokens     map[string]string `json:"tokens,omitempty"`
}

// GetHtlc fetches an HTLC by id.
func (c *Client) GetHtlc(ctx context.Context, id string) (*custodial.Htlc, error) {
	var resp htlcResponse
	if err := c.do(ctx, http.MethodGet, "/htlc/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.convert()
}

// SettleHtlc submits the hex-encoded secret with the settlement
// authorization and returns the updated HTLC.
func (c *Client) SettleHtlc(ctx context.Context, id string, secret []byte, settlementJWS string, tokens map[string]string) (*custodial.Htlc, error) {
	body := settleRequest{
		Preimage:   hex.EncodeToString(secret),
		Settlement: settlementJWS,
		Tokens:     tokens,
	}
	var resp htlcResponse
	if err := c.do(ctx, http.MethodPost, "/htlc/"+url.PathEscape(id)+"/settle", body, &resp); err != nil {
		return nil, err
	}
	c.log.Debug("Settle accepted", "id", id, "status", resp.Status)
	return resp.convert()
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		return custodial.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s", custodial.ErrUnauthorized, strings.TrimSpace(string(msg)))
	default:
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *htlcResponse) convert() (*custodial.Htlc, error) {
	h := &custodial.Htlc{
		ID:     r.ID,
		Status: custodial.HtlcStatus(r.Status),
		Asset:  r.Asset,
		Amount: r.Amount,
	}
	if r.Hash.Value != "" {
		b, err := hex.DecodeString(r.Hash.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid hash for %s: %w", r.ID, err)
		}
		h.Hash = b
	}
	if r.Preimage.Value != "" {
		b, err := hex.DecodeString(r.Preimage.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid preimage for %s: %w", r.ID, err)
		}
		h.Preimage.Value = b
	}
	if r.Settlement != nil {
		h.Settlement.Status = custodial.SettlementStatus(r.Settlement.Status)
	}
	return h, nil
}

var _ custodial.Client = (*Client)(nil)
