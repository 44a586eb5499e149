package payments

import (
	"context"
	"strings"

	"github.com/haulkind/dispatch-engine/internal/apperr"
)

// Accepting trusts any non-empty reference. It backs the manual and test providers.
type Accepting struct{}

func (Accepting) Verify(_ context.Context, ref string, _ float64) error {
	if strings.TrimSpace(ref) == "" {
		return apperr.New(apperr.KindPaymentRejected, "payments.verify", "empty payment reference")
	}
	return nil
}

// Registry maps provider names to verifiers.
type Registry map[string]Verifier

// Verify routes to the provider's verifier. Unknown providers are a bad request.
func (r Registry) Verify(ctx context.Context, provider, ref string, amount float64) error {
	v, ok := r[strings.ToLower(provider)]
	if !ok {
		return apperr.New(apperr.KindBadRequest, "payments.verify", "unknown payment provider %q", provider)
	}
	return v.Verify(ctx, ref, amount)
}
