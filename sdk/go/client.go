// Package voltgridsdk is a minimal buyer-side (BAP) client for the voltgrid
// protocol API. It posts context+message envelopes to the BPP and decodes the
// synchronous ACK/NACK; asynchronous on_<action> callbacks arrive at the
// caller's own bap_uri and are out of scope here.
package voltgridsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to one BPP.
type Client struct {
	BaseURL    string
	BapURI     string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. bapURI is advertised in every
// request context as the callback address.
func New(baseURL, bapURI string) *Client {
	return &Client{
		BaseURL: baseURL,
		BapURI:  bapURI,
		Timeout: 10 * time.Second,
	}
}

// MessageContext routes one protocol message.
type MessageContext struct {
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
	BapURI        string `json:"bap_uri,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// ProtoError is the machine-readable NACK payload.
type ProtoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtoError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Ack is the synchronous protocol response. Err is non-nil on NACK.
type Ack struct {
	Status string
	Err    *ProtoError
}

// TimeWindow bounds a request in time. RFC3339 timestamps.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SelectMessage ranks published offers.
type SelectMessage struct {
	RequestedQuantity int         `json:"requested_quantity"`
	Window            *TimeWindow `json:"time_window,omitempty"`
	MaxPrice          *float64    `json:"max_price,omitempty"`
	Bulk              bool        `json:"bulk,omitempty"`
}

// InitItem is one offer line in an init request.
type InitItem struct {
	OfferID  string `json:"offer_id,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	Quantity int    `json:"quantity"`
}

// DeliveryProof is one meter reading submitted against a verification case.
type DeliveryProof struct {
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity"`
	Ref      string  `json:"ref,omitempty"`
}

// APIError wraps unexpected non-200 responses. Protocol business failures
// come back as NACKs inside a 200, not as APIErrors.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Select asks the BPP to rank offers for the criteria.
func (c *Client) Select(ctx context.Context, transactionID string, msg SelectMessage) (Ack, error) {
	return c.action(ctx, "select", transactionID, msg)
}

// Init reserves blocks and drafts an order for the transaction.
func (c *Client) Init(ctx context.Context, transactionID string, items []InitItem) (Ack, error) {
	return c.action(ctx, "init", transactionID, map[string]any{"items": items})
}

// Confirm finalizes the drafted order, selling its reserved blocks.
func (c *Client) Confirm(ctx context.Context, transactionID string) (Ack, error) {
	return c.action(ctx, "confirm", transactionID, map[string]any{})
}

// Cancel abandons the order and releases its reserved blocks.
func (c *Client) Cancel(ctx context.Context, transactionID string) (Ack, error) {
	return c.action(ctx, "cancel", transactionID, map[string]any{})
}

// Status requests the current order snapshot via on_status.
func (c *Client) Status(ctx context.Context, transactionID string) (Ack, error) {
	return c.action(ctx, "status", transactionID, map[string]any{})
}

// VerificationStart opens a delivery verification case for the order.
func (c *Client) VerificationStart(ctx context.Context, transactionID, orderID string, expectedQuantity float64) (Ack, error) {
	body := map[string]any{"order_id": orderID}
	if expectedQuantity > 0 {
		body["expected_quantity"] = expectedQuantity
	}
	return c.action(ctx, "verification_start", transactionID, body)
}

// SubmitProofs submits delivery proofs against a case.
func (c *Client) SubmitProofs(ctx context.Context, transactionID, caseID string, proofs []DeliveryProof) (Ack, error) {
	return c.action(ctx, "submit_proofs", transactionID, map[string]any{
		"case_id": caseID,
		"proofs":  proofs,
	})
}

// AcceptVerification accepts the delivered quantity despite deviation.
func (c *Client) AcceptVerification(ctx context.Context, transactionID, caseID string) (Ack, error) {
	return c.action(ctx, "accept_verification", transactionID, map[string]any{"case_id": caseID})
}

// RejectVerification rejects the case; dispute routes it to DISPUTED.
func (c *Client) RejectVerification(ctx context.Context, transactionID, caseID, reason string, dispute bool) (Ack, error) {
	return c.action(ctx, "reject_verification", transactionID, map[string]any{
		"case_id": caseID,
		"reason":  reason,
		"dispute": dispute,
	})
}

// SettlementStart begins the payout for a verified case.
func (c *Client) SettlementStart(ctx context.Context, transactionID, caseID string) (Ack, error) {
	return c.action(ctx, "settlement_start", transactionID, map[string]any{"case_id": caseID})
}

func (c *Client) action(ctx context.Context, action, transactionID string, message any) (Ack, error) {
	envelope := map[string]any{
		"context": MessageContext{
			TransactionID: transactionID,
			MessageID:     uuid.New().String(),
			BapURI:        c.BapURI,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		},
		"message": message,
	}
	var resp struct {
		Message struct {
			Ack struct {
				Status string `json:"status"`
			} `json:"ack"`
		} `json:"message"`
		Error *ProtoError `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "bpp/"+action, envelope, &resp); err != nil {
		return Ack{}, err
	}
	return Ack{Status: resp.Message.Ack.Status, Err: resp.Error}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
