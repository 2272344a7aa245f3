package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"subsync/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient calls the Stripe REST API directly through BaseClient so that
// every request shares the same breaker and retry behavior.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the Stripe retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{MaxRetries: 2, MinWait: 500 * time.Millisecond, MaxWait: 5 * time.Second},
		"subsync/1.0",
		opts...,
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient around an existing BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCheckoutSession creates a subscription-mode Checkout Session. The
// request metadata is set both on the session and on subscription_data so
// that checkout, subscription and invoice events all echo it back.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req types.CheckoutSessionRequest) (types.CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", req.AccountID)
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)
	if req.CustomerID != "" {
		params.Set("customer", req.CustomerID)
	}
	for i, item := range req.LineItems {
		params.Set(fmt.Sprintf("line_items[%d][price]", i), item.PriceID)
		params.Set(fmt.Sprintf("line_items[%d][quantity]", i), strconv.Itoa(item.Quantity))
	}
	for k, v := range req.Metadata {
		params.Set("metadata["+k+"]", v)
		params.Set("subscription_data[metadata]["+k+"]", v)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params, req.IdempotencyKey)
	if err != nil {
		return types.CheckoutSession{}, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.CheckoutSession{}, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return types.CheckoutSession{}, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode Stripe checkout session response", err)
	}
	if session.ID == "" {
		return types.CheckoutSession{}, types.NewAppError(types.ErrCodeUpstreamStripe, "Stripe checkout session response has no id", nil)
	}

	s.logger.InfoContext(ctx, "stripe checkout session created",
		"account_id", req.AccountID,
		"session_id", session.ID,
		"line_items", len(req.LineItems),
	)
	return types.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// SubscriptionInfo is the subset of a Stripe subscription used to fill
// gaps in webhook payloads.
type SubscriptionInfo struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time // zero when Stripe reports none
}

// GetSubscription retrieves a subscription by id.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	if subscriptionID == "" {
		return nil, types.NewAppError(types.ErrCodeInvalidRequest, "subscription id is required", nil)
	}

	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode Stripe subscription response", err)
	}

	info := &SubscriptionInfo{
		ID:                sub.ID,
		CustomerID:        sub.Customer,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if end := sub.periodEnd(); end > 0 {
		info.CurrentPeriodEnd = time.Unix(end, 0).UTC()
	}
	return info, nil
}

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error body and maps it to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode), readErr)
	}

	var stripeErr stripeErrorResponse
	if err := json.Unmarshal(body, &stripeErr); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode), err)
	}
	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

func (s *StripeClient) mapStripeError(operation string, statusCode int, e *stripeErrorBody) error {
	details := map[string]any{"stripe_type": e.Type, "stripe_code": e.Code}
	if e.Param != "" {
		details["param"] = e.Param
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case statusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("%s: Stripe server error: %s", operation, e.Message), nil)
	case e.Type == "invalid_request_error" && e.Param != "":
		// A rejected parameter means the request we built is wrong, e.g. an
		// unknown price id in the plan catalog.
		return types.NewAppErrorWithDetails(types.ErrCodeInvalidRequest,
			fmt.Sprintf("%s: Stripe rejected parameter %s: %s", operation, e.Param, e.Message), nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, e.Message), nil, details)
	}
}

// wrapStripeError leaves BaseClient AppErrors untouched and wraps anything
// else as an upstream failure.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodEnd returns the subscription's period end. Newer API versions only
// report it per item; the latest item end is used then.
func (s *stripeSubscription) periodEnd() int64 {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		end = max(end, item.CurrentPeriodEnd)
	}
	return end
}
