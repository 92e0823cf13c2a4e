package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Tag is the adapter's verdict on a provider transaction. Anything the
// provider reports that does not map cleanly stays a *GatewayError: unknown is
// never upgraded to a settlement state.
type Tag string

const (
	TagPending  Tag = "pending"
	TagSettled  Tag = "settled"
	TagFailed   Tag = "failed"
	TagNotFound Tag = "not_found" // provider confirmed the transaction never existed
)

// ErrDeclined means the provider explicitly refused to create the
// transaction. Distinct from *GatewayError, whose outcome is unknown.
var ErrDeclined = errors.New("gateway: transaction declined")

// GatewayError is an opaque provider failure: timeout, 5xx, malformed body.
// Callers must treat it as "retry later", never as success or failure.
type GatewayError struct {
	Op     string
	Status int // HTTP status, 0 when the call never completed
	Cause  error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("gateway: %s: unexpected status %d", e.Op, e.Status)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

const Provider = "paygate"

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Log     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
		Log:     log,
	}
}

type createReq struct {
	OrderID     string `json:"order_id"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type createResp struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Code          string `json:"code"`
}

// CreateTransaction registers the payment intent and returns the provider
// reference. Repeating the call with the same order id is safe: the provider
// keys transactions by order reference.
func (c *Client) CreateTransaction(ctx context.Context, orderID string, amountCents int, currency string) (string, error) {
	body, _ := json.Marshal(createReq{OrderID: orderID, AmountCents: amountCents, Currency: currency})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return "", &GatewayError{Op: "create", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Log.Debug("provider call failed", zap.String("op", "create"), zap.Error(err))
		return "", &GatewayError{Op: "create", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &GatewayError{Op: "create", Status: resp.StatusCode, Cause: err}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out createResp
		if err := json.Unmarshal(raw, &out); err != nil || out.TransactionID == "" {
			return "", &GatewayError{Op: "create", Status: resp.StatusCode, Cause: errors.New("malformed response")}
		}
		return out.TransactionID, nil
	case http.StatusUnprocessableEntity:
		var out createResp
		_ = json.Unmarshal(raw, &out)
		return "", fmt.Errorf("%w: %s", ErrDeclined, out.Code)
	default:
		c.Log.Debug("provider returned unexpected status", zap.String("op", "create"), zap.Int("status", resp.StatusCode))
		return "", &GatewayError{Op: "create", Status: resp.StatusCode}
	}
}

type statusResp struct {
	Status string `json:"status"`
	Code   string `json:"code"`
}

// QueryStatus polls the provider by order reference. Safe to call arbitrarily
// often; both the status endpoint and the reconciliation sweep use it.
func (c *Client) QueryStatus(ctx context.Context, orderID string) (Tag, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/transactions/by-order/"+orderID, nil)
	if err != nil {
		return "", &GatewayError{Op: "status", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Log.Debug("provider call failed", zap.String("op", "status"), zap.Error(err))
		return "", &GatewayError{Op: "status", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &GatewayError{Op: "status", Status: resp.StatusCode, Cause: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out statusResp
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", &GatewayError{Op: "status", Status: resp.StatusCode, Cause: errors.New("malformed response")}
		}
		switch out.Status {
		case "PENDING", "AUTHORIZED":
			return TagPending, nil
		case "SETTLED", "CAPTURED":
			return TagSettled, nil
		case "FAILED", "DECLINED", "EXPIRED":
			return TagFailed, nil
		default:
			return "", &GatewayError{Op: "status", Status: resp.StatusCode, Cause: fmt.Errorf("unmapped provider status %q", out.Status)}
		}
	case http.StatusNotFound:
		return TagNotFound, nil
	default:
		c.Log.Debug("provider returned unexpected status", zap.String("op", "status"), zap.Int("status", resp.StatusCode))
		return "", &GatewayError{Op: "status", Status: resp.StatusCode}
	}
}
