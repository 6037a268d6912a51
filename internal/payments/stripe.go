package payments

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var ErrDisabled = errors.New("payments disabled: no stripe key configured")

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture/cancel flows.
type StripeClient struct {
	currency string
	enabled  bool
}

// NewStripeClient sets the package-level stripe key. An empty key leaves the
// client disabled.
func NewStripeClient(apiKey, currency string) *StripeClient {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	if apiKey != "" {
		stripe.Key = apiKey
	}
	return &StripeClient{currency: currency, enabled: apiKey != ""}
}

func (s *StripeClient) Enabled() bool { return s != nil && s.enabled }

// Hold creates a PaymentIntent with capture_method=manual to hold the fare.
// It returns the PaymentIntent ID.
func (s *StripeClient) Hold(ctx context.Context, jobID string, amount int64, customerID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("job_id", jobID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}
