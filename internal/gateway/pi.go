package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Payment mirrors the fields of a Pi platform payment record this service
// cares about. Metadata carries the purchase intent the client attached at
// creation time.
type Payment struct {
	ID                 string
	Amount             string
	DeveloperApproved  bool
	DeveloperCompleted bool
	Cancelled          bool
	Txid               string
	Metadata           PaymentMetadata
}

// PaymentMetadata is attached by the storefront when the payment intent is
// created and echoed back by the platform.
type PaymentMetadata struct {
	UserUID     string
	PackageID   uint64
	GameAccount string
}

// Client wraps the Pi platform payment endpoints. Every call authenticates
// with the server-held API key. Operations report plain success/failure;
// remote rejection is never an error, only false.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     *zap.SugaredLogger
}

// NewClient constructs the adapter.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// GetPayment fetches the remote payment record, nil when unavailable.
func (c *Client) GetPayment(ctx context.Context, paymentID string) *Payment {
	if paymentID == "" {
		c.log.Error("get payment called without payment id")
		return nil
	}
	doc, ok := c.do(ctx, http.MethodGet, "/payments/"+paymentID, nil)
	if !ok {
		return nil
	}
	p := &Payment{
		ID:                 doc.Get("identifier").String(),
		Amount:             doc.Get("amount").String(),
		DeveloperApproved:  doc.Get("status.developer_approved").Bool(),
		DeveloperCompleted: doc.Get("status.developer_completed").Bool(),
		Cancelled:          doc.Get("status.cancelled").Bool() || doc.Get("status.user_cancelled").Bool(),
		Txid:               doc.Get("transaction.txid").String(),
		Metadata: PaymentMetadata{
			UserUID:     doc.Get("metadata.user_uid").String(),
			PackageID:   doc.Get("metadata.package_id").Uint(),
			GameAccount: doc.Get("metadata.game_account").Raw,
		},
	}
	if p.ID == "" {
		p.ID = paymentID
	}
	return p
}

// Approve tells the platform the server accepts the payment. Approving an
// already-approved payment is a no-op success; any other unexpected remote
// state is a no-op failure.
func (c *Client) Approve(ctx context.Context, paymentID string) bool {
	if paymentID == "" {
		c.log.Error("approve called without payment id")
		return false
	}
	p := c.GetPayment(ctx, paymentID)
	if p == nil {
		return false
	}
	if p.Cancelled || p.DeveloperCompleted {
		c.log.Warnf("approve refused for %s: unexpected remote state", paymentID)
		return false
	}
	if p.DeveloperApproved {
		return true
	}
	_, ok := c.do(ctx, http.MethodPost, "/payments/"+paymentID+"/approve", nil)
	return ok
}

// Complete finalizes an approved payment against the settlement txid.
// Requires the remote record to be approved and not yet completed.
func (c *Client) Complete(ctx context.Context, paymentID, txid string) bool {
	if paymentID == "" || txid == "" {
		c.log.Error("complete called without payment id or txid")
		return false
	}
	p := c.GetPayment(ctx, paymentID)
	if p == nil {
		return false
	}
	if p.DeveloperCompleted {
		return p.Txid == "" || p.Txid == txid
	}
	if !p.DeveloperApproved || p.Cancelled {
		c.log.Warnf("complete refused for %s: payment not in approved state", paymentID)
		return false
	}
	body, _ := json.Marshal(map[string]string{"txid": txid})
	_, ok := c.do(ctx, http.MethodPost, "/payments/"+paymentID+"/complete", body)
	return ok
}

// Cancel marks the remote payment cancelled. Cancelling a payment that is
// already terminal remotely is a no-op success.
func (c *Client) Cancel(ctx context.Context, paymentID string) bool {
	if paymentID == "" {
		c.log.Error("cancel called without payment id")
		return false
	}
	p := c.GetPayment(ctx, paymentID)
	if p == nil {
		return false
	}
	if p.Cancelled {
		return true
	}
	if p.DeveloperCompleted {
		return false
	}
	_, ok := c.do(ctx, http.MethodPost, "/payments/"+paymentID+"/cancel", nil)
	return ok
}

// do issues one authenticated request and validates the response. An HTML
// body usually means an intermediary failed, not the platform; it is logged
// raw and reported as failure instead of being fed to a JSON parser.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (gjson.Result, bool) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		c.log.Errorf("pi request %s %s: %v", method, path, err)
		return gjson.Result{}, false
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.log.Warnf("pi request %s %s: %v", method, path, err)
		return gjson.Result{}, false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		c.log.Warnf("pi response %s %s: %v", method, path, err)
		return gjson.Result{}, false
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		c.log.Warnf("pi returned %q for %s %s, body: %.300s", ct, method, path, raw)
		return gjson.Result{}, false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warnf("pi status %d for %s %s: %.300s", resp.StatusCode, method, path, raw)
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(raw), true
}
