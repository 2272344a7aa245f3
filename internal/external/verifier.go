package external

import (
	"time"

	"subsync/internal/types"

	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultSignatureTolerance is the maximum accepted age of a signed webhook.
const DefaultSignatureTolerance = webhook.DefaultTolerance

// StripeVerifier checks the Stripe-Signature header: HMAC-SHA256 over
// "timestamp.payload", compared in constant time, within Tolerance.
type StripeVerifier struct {
	Tolerance time.Duration
}

// NewStripeVerifier creates a verifier. A non-positive tolerance selects
// DefaultSignatureTolerance.
func NewStripeVerifier(tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &StripeVerifier{Tolerance: tolerance}
}

// Verify returns an ErrCodeAuthenticationFailed AppError when the header is
// absent or malformed, the secret is empty, or no signature matches.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if header == "" {
		return types.NewAppError(types.ErrCodeAuthenticationFailed, "missing Stripe-Signature header", nil)
	}
	if secret == "" {
		return types.NewAppError(types.ErrCodeAuthenticationFailed, "webhook signing secret is not configured", nil)
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance); err != nil {
		return types.NewAppError(types.ErrCodeAuthenticationFailed, "webhook signature verification failed", err)
	}
	return nil
}
