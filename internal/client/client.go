// Package client is a Go client for the usdstake HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/usdstake/internal/api"
	"github.com/moltbunker/usdstake/internal/util"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// IsCode reports whether err is an APIError with the given error code,
// e.g. "lock_period_not_elapsed".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to a usdstake daemon over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      util.RetryConfig
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the retry policy for read-only calls. Mutating calls are
// never retried by the client; use an idempotency key and retry yourself.
func WithRetry(cfg util.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a client for the API at baseURL, e.g. "http://127.0.0.1:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: util.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do performs one request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body any, idemKey string, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idemKey != "" {
		req.Header.Set(api.IdempotencyHeader, idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Error
			apiErr.Message = errResp.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// get retries transport failures and 5xx responses.
func get[T any](ctx context.Context, c *Client, path string) (*T, error) {
	return util.RetryWithValue(ctx, c.retry, "GET "+path, func() (*T, error) {
		var out T
		err := c.do(ctx, http.MethodGet, path, nil, "", &out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return nil, util.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// Challenge asks for the message account must sign before its next stake
// or withdraw.
func (c *Client) Challenge(ctx context.Context, account string) (*api.ChallengeResponse, error) {
	var resp api.ChallengeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/challenge", api.ChallengeRequest{Account: account}, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// authorize signs request with key over a fresh challenge for account.
func (c *Client) authorize(ctx context.Context, key *ecdsa.PrivateKey, account, request string) (string, error) {
	ch, err := c.Challenge(ctx, account)
	if err != nil {
		return "", fmt.Errorf("failed to get challenge: %w", err)
	}
	return api.SignMessage(key, api.AuthorizationMessage(ch.Message, request))
}

// Stake locks amount (base-10 wei) for the account of key. txHash is the
// transfer that sent amount from that account to the vault. lockPeriod is
// ignored by a daemon running the fixed lock policy. A non-empty idemKey
// makes the call safe to repeat.
func (c *Client) Stake(ctx context.Context, key *ecdsa.PrivateKey, amount, txHash string, lockPeriod time.Duration, idemKey string) (*api.StakedResponse, error) {
	req := api.StakeRequest{
		Account:           crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Amount:            amount,
		LockPeriodSeconds: uint64(lockPeriod / time.Second),
		TxHash:            txHash,
	}
	sig, err := c.authorize(ctx, key, req.Account, req.SigningText())
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var resp api.StakedResponse
	if err := c.do(ctx, http.MethodPost, "/v1/stake", req, idemKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Withdraw releases the whole position of the account of key.
func (c *Client) Withdraw(ctx context.Context, key *ecdsa.PrivateKey, idemKey string) (*api.WithdrawnResponse, error) {
	return c.WithdrawAmount(ctx, key, "", idemKey)
}

// WithdrawAmount releases amount (base-10 wei) of the position. An empty
// amount withdraws everything.
func (c *Client) WithdrawAmount(ctx context.Context, key *ecdsa.PrivateKey, amount, idemKey string) (*api.WithdrawnResponse, error) {
	req := api.WithdrawRequest{Account: crypto.PubkeyToAddress(key.PublicKey).Hex(), Amount: amount}
	sig, err := c.authorize(ctx, key, req.Account, req.SigningText())
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var resp api.WithdrawnResponse
	if err := c.do(ctx, http.MethodPost, "/v1/withdraw", req, idemKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StakeOf returns the position of account.
func (c *Client) StakeOf(ctx context.Context, account string) (*api.StakeResponse, error) {
	return get[api.StakeResponse](ctx, c, "/v1/stakes/"+url.PathEscape(account))
}

// History returns journaled events of account, newest first. limit <= 0
// uses the server default.
func (c *Client) History(ctx context.Context, account string, limit int) (*api.HistoryResponse, error) {
	path := "/v1/stakes/" + url.PathEscape(account) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return get[api.HistoryResponse](ctx, c, path)
}

// Price returns the current oracle price.
func (c *Client) Price(ctx context.Context) (*api.PriceResponse, error) {
	return get[api.PriceResponse](ctx, c, "/v1/price")
}

// Info returns the token, feed and policy description.
func (c *Client) Info(ctx context.Context) (*api.InfoResponse, error) {
	return get[api.InfoResponse](ctx, c, "/v1/info")
}

// Reconcile compares custody against locked collateral.
func (c *Client) Reconcile(ctx context.Context) (*api.ReconcileResponse, error) {
	return get[api.ReconcileResponse](ctx, c, "/v1/reconcile")
}

// Health returns the health report. An unhealthy daemon answers 503 with
// a report, which is returned together with the error.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, &APIError{Status: resp.StatusCode, Code: health.Status, Message: health.Reason}
	}
	return &health, nil
}
