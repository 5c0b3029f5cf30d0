package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmpolin/connect-billing/internal"
)

// Config mirrors internal.GatewayConfig but keeps this package free of the
// config loader so tests can point the client at an httptest server.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	TimeoutURL     string
	AccountRef     string
	TxDescription  string
	RequestTimeout time.Duration
}

// Client talks to the STK-push gateway: OAuth token exchange, payment
// initiation and the direct status query used by the reconciliation poller.
// All calls have bounded timeouts; a timed-out call returns an error and the
// caller leaves the payment pending.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// PushRequest initiates an STK push. AccountRef ties the payment back to a
// human-readable entitlement identity on gateway statements.
type PushRequest struct {
	Phone      string
	Amount     int64
	AccountRef string
}

// PushResponse carries the two correlation identifiers issued at initiation.
type PushResponse struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
	MerchantRequestID string `json:"MerchantRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
	CustomerMessage   string `json:"CustomerMessage"`
}

func (r *PushResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

// QueryResponse is the direct status-query result. ResultCode is absent when
// the gateway has not concluded the transaction yet.
type QueryResponse struct {
	CheckoutRequestID string
	ResultCode        *int
	ResultDesc        string
	Raw               json.RawMessage
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}

	fetch := func() error {
		url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
		req.Header.Set("Authorization", "Basic "+basic)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("oauth returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("oauth rejected with status %d: %s", resp.StatusCode, string(body)))
		}
		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return backoff.Permanent(fmt.Errorf("decode oauth response: %w", err))
		}
		if tokenResp.AccessToken == "" {
			return backoff.Permanent(fmt.Errorf("oauth response missing access_token"))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(fetch, policy); err != nil {
		return "", internal.NewExternalError("gateway oauth failed", internal.ErrCodeGatewayUnreachable, err)
	}

	c.token = tokenResp.AccessToken
	// Daraja tokens last ~1 hour; refresh well before that.
	c.tokenExpiry = time.Now().Add(50 * time.Minute)
	return c.token, nil
}

func (c *Client) password(timestamp string) string {
	raw := c.cfg.Shortcode + c.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func timestampNow() string {
	return time.Now().UTC().Format("20060102150405")
}

// STKPush initiates a payment. The gateway delivers the outcome later via
// webhook; an accepted push only means the prompt reached the payer.
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	if req.Amount <= 0 {
		return nil, internal.NewValidationError("amount must be a positive integer", internal.ErrCodeInvalidAmount)
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := timestampNow()
	accountRef := req.AccountRef
	if accountRef == "" {
		accountRef = c.cfg.AccountRef
	}

	payload := map[string]interface{}{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.Amount,
		"PartyA":            req.Phone,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       req.Phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   c.cfg.TxDescription,
	}
	if c.cfg.TimeoutURL != "" {
		payload["QueueTimeOutURL"] = c.cfg.TimeoutURL
	}

	var pushResp PushResponse
	if err := c.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &pushResp); err != nil {
		return nil, err
	}

	c.logger.Info("stk push initiated",
		"checkout_request_id", pushResp.CheckoutRequestID,
		"response_code", pushResp.ResponseCode,
		"phone", req.Phone,
		"amount", req.Amount)

	return &pushResp, nil
}

// QueryStatus asks the gateway directly for a payment's outcome. Used only
// by the reconciliation poller when the webhook never arrived.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := timestampNow()
	payload := map[string]interface{}{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var raw struct {
		ResultCode        json.Number `json:"ResultCode"`
		ResultDesc        string      `json:"ResultDesc"`
		ResponseCode      string      `json:"ResponseCode"`
		CheckoutRequestID string      `json:"CheckoutRequestID"`
	}
	body, err := c.postJSONRaw(ctx, "/mpesa/stkpushquery/v1/query", token, payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, internal.NewExternalError("decode status query response", internal.ErrCodeGatewayUnreachable, err)
	}

	resp := &QueryResponse{
		CheckoutRequestID: raw.CheckoutRequestID,
		ResultDesc:        raw.ResultDesc,
		Raw:               body,
	}
	if raw.ResultCode != "" {
		if code, err := raw.ResultCode.Int64(); err == nil {
			codeInt := int(code)
			resp.ResultCode = &codeInt
		}
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, payload, out interface{}) error {
	body, err := c.postJSONRaw(ctx, path, token, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return internal.NewExternalError("decode gateway response", internal.ErrCodeGatewayUnreachable, err)
	}
	return nil
}

func (c *Client) postJSONRaw(ctx context.Context, path, token string, payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, internal.NewExternalError("gateway request failed", internal.ErrCodeGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, internal.NewExternalError("read gateway response", internal.ErrCodeGatewayUnreachable, err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Error("gateway returned error",
			"path", path,
			"status", resp.StatusCode,
			"body", string(body))
		return nil, internal.NewExternalError(
			fmt.Sprintf("gateway returned status %d", resp.StatusCode),
			internal.ErrCodeGatewayRejected, nil).WithDetails(string(body))
	}

	return body, nil
}
