package payments

import (
	"context"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/haulkind/dispatch-engine/internal/apperr"
)

// Verifier confirms that a provider reference represents a settled payment of amount dollars.
type Verifier interface {
	Verify(ctx context.Context, ref string, amount float64) error
}

// StripeVerifier looks the reference up as a PaymentIntent and requires it to have
// succeeded for the full amount.
type StripeVerifier struct {
	get func(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}

// NewStripeVerifier sets the global stripe key. An empty key leaves it untouched.
func NewStripeVerifier(apiKey string) *StripeVerifier {
	if apiKey != "" {
		stripe.Key = apiKey
	}
	return &StripeVerifier{get: fetchIntent}
}

func fetchIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return paymentintent.Get(id, params)
}

func (s *StripeVerifier) Verify(ctx context.Context, ref string, amount float64) error {
	const op = "payments.stripe_verify"
	if !strings.HasPrefix(ref, "pi_") {
		return apperr.New(apperr.KindPaymentRejected, op, "reference %q is not a payment intent", ref)
	}
	pi, err := s.get(ctx, ref)
	if err != nil {
		return apperr.Wrap(apperr.KindPaymentRejected, op, fmt.Errorf("fetch payment intent: %w", err))
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return apperr.New(apperr.KindPaymentRejected, op, "payment intent %s is %s", ref, pi.Status)
	}
	if want := int64(math.Round(amount * 100)); pi.AmountReceived < want {
		return apperr.New(apperr.KindPaymentRejected, op, "payment intent %s received %d cents, want %d", ref, pi.AmountReceived, want)
	}
	return nil
}
