package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"
)

const (
	stripeSignatureHeader = "Stripe-Signature"

	// stripeTolerance is the maximum age of a signed Stripe event.
	stripeTolerance = 5 * time.Minute
)

// verifyStripeSignature checks the Stripe-Signature header of body against
// secret. Any v1 signature may match, which covers rotated secrets.
func verifyStripeSignature(body []byte, header, secret string) error {
	if strings.TrimSpace(header) == "" {
		return fmt.Errorf("missing %s header", stripeSignatureHeader)
	}
	err := webhook.ValidatePayloadWithTolerance(body, header, secret, stripeTolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("signature timestamp outside tolerance (%s)", stripeTolerance)
	default:
		return fmt.Errorf("stripe signature: %w", err)
	}
}
