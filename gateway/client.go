package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ChargeStatus is the validated shape of a gateway charge lookup.
type ChargeStatus struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	AmountCents   int64          `json:"amount"`
	Currency      string         `json:"currency"`
	PaidAt        *time.Time     `json:"paid_at,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	PaymentMethod string         `json:"payment_method,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Gateway-side status values. The gateway knows one state the local
// model does not: failed.
const (
	ChargePending   = "pending"
	ChargePaid      = "paid"
	ChargeExpired   = "expired"
	ChargeCancelled = "cancelled"
	ChargeFailed    = "failed"
)

func validChargeStatus(s string) bool {
	switch s {
	case ChargePending, ChargePaid, ChargeExpired, ChargeCancelled, ChargeFailed:
		return true
	default:
		return false
	}
}

// ValidationError marks a gateway response that failed schema checks.
// Schema violations count as API errors for retry and breaker purposes,
// the same as a timeout or a 5xx.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gateway: invalid response field %q: %s", e.Field, e.Reason)
}

// Counters receives one increment per real API attempt. Short-circuited
// calls bypass it entirely.
type Counters interface {
	IncAPICall()
	IncAPIError()
}

// ClientConfig bundles the client tunables.
type ClientConfig struct {
	BaseURL            string
	APIKey             string
	APITimeout         time.Duration
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryBackoffFactor float64
}

// Client fetches charge status from the payment gateway, guarded by a
// per-run circuit breaker and bounded exponential retry.
type Client struct {
	cfg      ClientConfig
	httpc    *http.Client
	breaker  *Breaker
	counters Counters
	log      *logrus.Entry
}

// NewClient builds a client bound to one run's breaker and counters.
func NewClient(cfg ClientConfig, breaker *Breaker, counters Counters, log *logrus.Entry) *Client {
	return &Client{
		cfg:      cfg,
		httpc:    &http.Client{},
		breaker:  breaker,
		counters: counters,
		log:      log,
	}
}

// FetchStatus resolves the authoritative status of a charge. Each
// attempt counts against the run's API counters and the breaker. When
// every attempt fails, or the breaker is open, the error is returned and
// the caller treats the status as unknown for this cycle: the order is
// left untouched and revisited next run.
func (c *Client) FetchStatus(ctx context.Context, chargeID string) (*ChargeStatus, error) {
	if chargeID == "" {
		return nil, fmt.Errorf("gateway: empty charge id")
	}

	var result *ChargeStatus
	operation := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			c.counters.IncAPICall()
			status, err := c.fetchOnce(ctx, chargeID)
			if err != nil {
				c.counters.IncAPIError()
				return nil, err
			}
			return status, nil
		})
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				// Retrying cannot help until the cooldown elapses.
				return backoff.Permanent(err)
			}
			c.log.WithError(err).WithField("charge_id", chargeID).Debug("gateway attempt failed")
			return err
		}
		result = res.(*ChargeStatus)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryBaseDelay
	policy.Multiplier = c.cfg.RetryBackoffFactor
	policy.RandomizationFactor = 0
	policy.MaxInterval = time.Hour
	policy.MaxElapsedTime = 0
	policy.Reset()

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, fmt.Errorf("gateway: fetch status %s: %w", chargeID, err)
	}
	return result, nil
}

// fetchOnce performs a single authenticated GET with its own deadline.
func (c *Client) fetchOnce(ctx context.Context, chargeID string) (*ChargeStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	url := fmt.Sprintf("%s/charges/%s", c.cfg.BaseURL, chargeID)
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway: unexpected status %d for charge %s", resp.StatusCode, chargeID)
	}

	var status ChargeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("gateway: decode response: %w", err)
	}
	if err := validateStatus(chargeID, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// validateStatus enforces the response schema field by field.
func validateStatus(requestedID string, s *ChargeStatus) error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Reason: "missing"}
	}
	if s.ID != requestedID {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("got %q, requested %q", s.ID, requestedID)}
	}
	if !validChargeStatus(s.Status) {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", s.Status)}
	}
	if s.AmountCents <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if s.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "missing"}
	}
	return nil
}
