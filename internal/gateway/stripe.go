package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/photomarket/entitlements-go/internal/schema"
)

// StripeSignatureHeader carries the Stripe webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// StripeVerifier authenticates Stripe webhooks and decodes paid checkout sessions.
type StripeVerifier struct {
	secret  string
	schemas *schema.Validator
}

// NewStripeVerifier creates a verifier for the given webhook signing secret.
func NewStripeVerifier(secret string, schemas *schema.Validator) *StripeVerifier {
	return &StripeVerifier{secret: secret, schemas: schemas}
}

type checkoutSession struct {
	ID              string            `json:"id"`
	PaymentStatus   string            `json:"payment_status"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
	Created  int64             `json:"created"`
}

// Verify checks the signature and tolerance window, then decodes the checkout session.
func (v *StripeVerifier) Verify(payload []byte, header http.Header) (Event, error) {
	sig := header.Get(StripeSignatureHeader)
	if strings.TrimSpace(sig) == "" {
		return Event{}, fmt.Errorf("%w: missing %s header", ErrSignature, StripeSignatureHeader)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, sig, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	out := Event{ID: evt.ID, Type: string(evt.Type)}
	switch evt.Type {
	case stripe.EventType("checkout.session.completed"), stripe.EventType("checkout.session.async_payment_succeeded"):
	default:
		return out, fmt.Errorf("%w: unhandled type %s", ErrIgnored, evt.Type)
	}

	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, fmt.Errorf("%w: event %s has no data", ErrMalformed, evt.ID)
	}
	var session checkoutSession
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		return out, fmt.Errorf("%w: decode checkout.session: %v", ErrMalformed, err)
	}

	// checkout.session.completed also fires for delayed payment methods before funds settle.
	if session.PaymentStatus != "paid" {
		return out, fmt.Errorf("%w: session %s payment_status=%s", ErrIgnored, session.ID, session.PaymentStatus)
	}

	items, version, err := v.sessionItems(session.Metadata)
	if err != nil {
		return out, fmt.Errorf("%w: session %s: %v", ErrMalformed, session.ID, err)
	}

	out.PurchaseID = session.ID
	out.CustomerContact = session.CustomerDetails.Email
	if out.CustomerContact == "" {
		out.CustomerContact = session.CustomerEmail
	}
	out.Items = items
	out.SchemaVersion = version
	switch {
	case evt.Created > 0:
		out.OccurredAt = time.Unix(evt.Created, 0).UTC()
	case session.Created > 0:
		out.OccurredAt = time.Unix(session.Created, 0).UTC()
	}
	return out, nil
}

// sessionItems reads the purchased products from checkout metadata: either a JSON
// array under "items" or a single productId/quantity pair.
// The returned version names the schema the items passed, if one ran.
func (v *StripeVerifier) sessionItems(metadata map[string]string) ([]LineItem, string, error) {
	var version string
	if raw := metadata["items"]; raw != "" {
		if v.schemas != nil {
			var err error
			if version, err = v.schemas.Validate(schema.LineItems, []byte(raw)); err != nil {
				return nil, "", err
			}
		}
		var items []LineItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, "", fmt.Errorf("decode items metadata: %v", err)
		}
		return items, version, nil
	}

	productID := strings.TrimSpace(metadata["productId"])
	if productID == "" {
		return nil, "", fmt.Errorf("no items in session metadata")
	}
	quantity := 1
	if q := strings.TrimSpace(metadata["quantity"]); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > MaxQuantity {
			return nil, "", fmt.Errorf("invalid quantity %q, want 1..%d", q, MaxQuantity)
		}
		quantity = n
	}
	return []LineItem{{ProductID: productID, Quantity: quantity}}, version, nil
}
