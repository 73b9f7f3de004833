package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
)

const (
	defaultPaymentAPIBaseURL = "https://api.stripe.com/v1"

	maxResponseBytes = 1 << 20
)

// ProcessorClient talks to the Stripe-compatible payment API. All amounts on
// the wire are integer minor units; the client never parses decimals.
type ProcessorClient struct {
	SecretKey  string
	APIBaseURL string

	HTTPClient *http.Client
	MaxRetries int
}

// NewProcessorClientFromEnv builds the client from PAYMENT_SECRET_KEY and
// PAYMENT_API_BASE_URL.
func NewProcessorClientFromEnv() *ProcessorClient {
	return &ProcessorClient{
		SecretKey:  strings.TrimSpace(env.GetEnv("PAYMENT_SECRET_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("PAYMENT_API_BASE_URL", defaultPaymentAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		MaxRetries: 2,
	}
}

// ProcessorIntent is the subset of the processor's payment-intent object the
// service reads back.
type ProcessorIntent struct {
	ID            string
	Status        string
	ClientSecret  string
	Amount        int64
	Currency      string
	NextActionURL string
	FailureReason string
}

// CreateIntentParams describes the intent to create. IdempotencyKey is
// derived from the checkout session so a timed-out create retried by the
// caller cannot double-charge.
type CreateIntentParams struct {
	Amount            int64
	Currency          string
	CustomerRef       string
	PaymentMethodType string
	Description       string
	IdempotencyKey    string
	Metadata          map[string]string
}

// CreateIntent creates a payment intent on the processor.
func (c *ProcessorClient) CreateIntent(ctx context.Context, p CreateIntentParams) (*ProcessorIntent, error) {
	if strings.TrimSpace(c.SecretKey) == "" {
		return nil, errors.New("PAYMENT_SECRET_KEY is not configured")
	}
	if p.Amount <= 0 {
		return nil, errors.New("intent amount must be positive")
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(p.Amount, 10))
	form.Set("currency", strings.ToLower(strings.TrimSpace(p.Currency)))
	if p.CustomerRef != "" {
		form.Set("customer", p.CustomerRef)
	}
	if p.PaymentMethodType != "" {
		form.Set("payment_method_types[]", p.PaymentMethodType)
	}
	if p.Description != "" {
		form.Set("description", p.Description)
	}
	for k, v := range p.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	body, err := c.do(ctx, http.MethodPost, "/payment_intents", form, p.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return parseIntent(body)
}

// ConfirmIntent asks the processor to execute the intent.
func (c *ProcessorClient) ConfirmIntent(ctx context.Context, intentID, idempotencyKey string) (*ProcessorIntent, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, errors.New("intent id is required")
	}
	body, err := c.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(intentID)+"/confirm", url.Values{}, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return parseIntent(body)
}

// GetIntent fetches the current state of an intent, used to resume after a
// customer action step.
func (c *ProcessorClient) GetIntent(ctx context.Context, intentID string) (*ProcessorIntent, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, errors.New("intent id is required")
	}
	body, err := c.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(intentID), nil, "")
	if err != nil {
		return nil, err
	}
	return parseIntent(body)
}

// CancelSubscription tells the processor to stop renewing a subscription.
// Cancellation takes effect at period end; the webhook stream carries the
// resulting state change back.
func (c *ProcessorClient) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	if strings.TrimSpace(providerSubscriptionID) == "" {
		return errors.New("provider subscription id is required")
	}
	form := url.Values{}
	form.Set("cancel_at_period_end", "true")
	_, err := c.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(providerSubscriptionID), form, "")
	return err
}

// DeleteSubscription ends a subscription immediately instead of at period
// end. The processor revokes the remaining period and emits the deletion
// webhook.
func (c *ProcessorClient) DeleteSubscription(ctx context.Context, providerSubscriptionID string) error {
	if strings.TrimSpace(providerSubscriptionID) == "" {
		return errors.New("provider subscription id is required")
	}
	_, err := c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(providerSubscriptionID), nil, "")
	return err
}

// do performs one API call with bearer auth and bounded retries. Network
// errors and 5xx responses retry with backoff and finally surface as
// ErrProcessorUnavailable; 4xx responses parse into ProcessorError and never
// retry.
func (c *ProcessorClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	base := strings.TrimRight(c.APIBaseURL, "/")
	if base == "" {
		base = defaultPaymentAPIBaseURL
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		var reqBody io.Reader
		if form != nil {
			reqBody = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.SecretKey)
		req.Header.Set("Accept", "application/json")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
			continue
		default:
			return nil, parseAPIError(resp.StatusCode, body)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, lastErr)
}

func parseAPIError(status int, body []byte) error {
	var raw struct {
		Error struct {
			Code        string `json:"code"`
			DeclineCode string `json:"decline_code"`
			Message     string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || raw.Error.Message == "" {
		return &ProcessorError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &ProcessorError{
		Status:      status,
		Code:        raw.Error.Code,
		DeclineCode: raw.Error.DeclineCode,
		Message:     raw.Error.Message,
	}
}

func parseIntent(body []byte) (*ProcessorIntent, error) {
	var raw struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		ClientSecret string `json:"client_secret"`
		Amount       int64  `json:"amount"`
		Currency     string `json:"currency"`
		NextAction   struct {
			RedirectToURL struct {
				URL string `json:"url"`
			} `json:"redirect_to_url"`
		} `json:"next_action"`
		LastPaymentError struct {
			Code        string `json:"code"`
			DeclineCode string `json:"decline_code"`
			Message     string `json:"message"`
		} `json:"last_payment_error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse intent response: %w", err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("intent response missing id")
	}
	reason := raw.LastPaymentError.DeclineCode
	if reason == "" {
		reason = raw.LastPaymentError.Code
	}
	return &ProcessorIntent{
		ID:            raw.ID,
		Status:        raw.Status,
		ClientSecret:  raw.ClientSecret,
		Amount:        raw.Amount,
		Currency:      raw.Currency,
		NextActionURL: raw.NextAction.RedirectToURL.URL,
		FailureReason: reason,
	}, nil
}
