/**
 * @description
 * This package provides a client for interacting with the PagBank payment
 * gateway API. It encapsulates the logic for making authenticated HTTP
 * requests to the gateway's subscription, charge and checkout endpoints.
 *
 * Key features:
 * - Manages the API base URL and secret key.
 * - Every call carries an explicit timeout; gateway calls never block
 *   indefinitely.
 * - All monetary amounts cross this boundary as integer minor units (cents).
 * - Non-2xx responses surface as a typed *APIError with the HTTP status and
 *   provider error body; failures are never swallowed.
 * - Sandbox mode: without an API key the client still returns syntactically
 *   valid checkout responses so the rest of the pipeline stays testable. The
 *   degradation is visible in the response payload, never hidden.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 * - The service's internal domain package for gateway request/response models.
 */
package pagbankclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
)

// APIError is returned when the gateway answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pagbank API error: status %d, body: %s", e.StatusCode, e.Body)
}

// Client is a client for the PagBank API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new PagBank API client. An empty apiKey puts the client
// in sandbox mode for checkout sessions.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Sandbox reports whether the client is running without credentials.
func (c *Client) Sandbox() bool {
	return c.apiKey == ""
}

// CreatePlan creates a recurring plan on the gateway.
func (c *Client) CreatePlan(ctx context.Context, req domain.CreatePlanRequest) (*domain.CreatePlanResponse, error) {
	var resp domain.CreatePlanResponse
	url := fmt.Sprintf("%s/plans", c.baseURL)
	if err := c.do(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCustomer registers a payer on the gateway.
func (c *Client) CreateCustomer(ctx context.Context, req domain.CreateCustomerRequest) (*domain.CreateCustomerResponse, error) {
	var resp domain.CreateCustomerResponse
	url := fmt.Sprintf("%s/customers", c.baseURL)
	if err := c.do(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateSubscription binds a plan, a customer and a payment instrument.
func (c *Client) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.CreateSubscriptionResponse, error) {
	var resp domain.CreateSubscriptionResponse
	url := fmt.Sprintf("%s/subscriptions", c.baseURL)
	if err := c.do(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelSubscription cancels a subscription on the gateway.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	url := fmt.Sprintf("%s/subscriptions/%s/cancel", c.baseURL, subscriptionID)
	return c.do(ctx, http.MethodPut, url, nil, nil)
}

// GetSubscriptionStatus fetches the gateway's current view of a subscription.
func (c *Client) GetSubscriptionStatus(ctx context.Context, subscriptionID string) (*domain.SubscriptionStatus, error) {
	var resp domain.SubscriptionStatus
	url := fmt.Sprintf("%s/subscriptions/%s", c.baseURL, subscriptionID)
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChargeSubscription triggers an off-cycle charge on a subscription.
func (c *Client) ChargeSubscription(ctx context.Context, subscriptionID string, amount int64, description string) (*domain.ChargeResponse, error) {
	var resp domain.ChargeResponse
	url := fmt.Sprintf("%s/subscriptions/%s/charges", c.baseURL, subscriptionID)
	req := domain.ChargeSubscriptionRequest{Amount: amount, Description: description}
	if err := c.do(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCheckoutSession creates a hosted checkout session for a one-off
// invoice payment. In sandbox mode it returns a simulated session with
// DegradedMode set.
func (c *Client) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	if c.Sandbox() {
		if c.logger != nil {
			c.logger.Warn("pagbank client unconfigured, returning sandbox checkout session", "reference", req.Reference)
		}
		return &domain.CheckoutSession{
			SessionID:    fmt.Sprintf("sandbox_%d", time.Now().UnixNano()),
			CheckoutURL:  fmt.Sprintf("https://sandbox.pagbank.invalid/checkout/%s", req.Reference),
			Reference:    req.Reference,
			ExpiresAt:    time.Now().Add(24 * time.Hour),
			DegradedMode: true,
		}, nil
	}

	var resp domain.CheckoutSession
	url := fmt.Sprintf("%s/checkouts", c.baseURL)
	if err := c.do(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTransactionStatus fetches the gateway's view of a single transaction.
func (c *Client) GetTransactionStatus(ctx context.Context, transactionID string) (*domain.TransactionStatusResponse, error) {
	var resp domain.TransactionStatusResponse
	url := fmt.Sprintf("%s/transactions/%s", c.baseURL, transactionID)
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do is a helper function to make HTTP requests to the PagBank API.
func (c *Client) do(ctx context.Context, method, url string, body, target interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if c.logger != nil {
			c.logger.Error("pagbank API returned non-success status", "status", resp.StatusCode, "url", url)
		}
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to unmarshal response body: %w", err)
		}
	}

	return nil
}
