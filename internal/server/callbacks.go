package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voltgrid/internal/engine"
)

const defaultCallbackTimeout = 5 * time.Second

// CallbackClient POSTs asynchronous on_<action> messages to the BAP's
// callback URI. It is the HTTP implementation of engine.CallbackSender.
type CallbackClient struct {
	client *http.Client
}

func NewCallbackClient(timeout time.Duration) *CallbackClient {
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	return &CallbackClient{client: &http.Client{Timeout: timeout}}
}

type callbackEnvelope struct {
	Context engine.Context `json:"context"`
	Message any            `json:"message"`
}

func (c *CallbackClient) Send(ctx context.Context, bapURI string, cbCtx engine.Context, payload any) error {
	target := strings.TrimRight(bapURI, "/") + "/" + cbCtx.Action
	data, err := json.Marshal(callbackEnvelope{Context: cbCtx, Message: payload})
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Voltgrid-Action", cbCtx.Action)
	req.Header.Set("X-Voltgrid-Transaction", cbCtx.TransactionID)
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
