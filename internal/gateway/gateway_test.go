package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/photomarket/entitlements-go/internal/schema"
)

const testSecret = "whsec_test_secret"

// stripeEvent renders a minimal Stripe event envelope around a checkout session object.
func stripeEvent(eventType, session string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"created":1700000000,"data":{"object":%s}}`, eventType, session))
}

func signedStripeHeader(t *testing.T, payload []byte, secret string, ts time.Time) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	})
	h := http.Header{}
	h.Set(StripeSignatureHeader, signed.Header)
	return h
}

func TestStripeVerifierCheckoutCompleted(t *testing.T) {
	v := NewStripeVerifier(testSecret, schema.MustValidator())
	payload := stripeEvent("checkout.session.completed",
		`{"id":"cs_test_1","object":"checkout.session","payment_status":"paid","customer_details":{"email":"Buyer@Example.com"},`+
			`"metadata":{"items":"[{\"productId\":\"A\",\"quantity\":3},{\"productId\":\"B\",\"quantity\":1}]"}}`)

	evt, err := v.Verify(payload, signedStripeHeader(t, payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if evt.PurchaseID != "cs_test_1" || evt.ID != "evt_1" {
		t.Errorf("unexpected ids: %+v", evt)
	}
	if evt.CustomerContact != "Buyer@Example.com" {
		t.Errorf("unexpected contact %q", evt.CustomerContact)
	}
	if len(evt.Items) != 2 || evt.Items[0].ProductID != "A" || evt.Items[0].Quantity != 3 {
		t.Errorf("unexpected items %+v", evt.Items)
	}
	if evt.OccurredAt.Unix() != 1700000000 {
		t.Errorf("unexpected occurredAt %v", evt.OccurredAt)
	}
	if evt.SchemaVersion != schema.SchemaVersions[schema.LineItems] {
		t.Errorf("unexpected schema version %q", evt.SchemaVersion)
	}
}

func TestStripeVerifierSingleProductQuantityCeiling(t *testing.T) {
	v := NewStripeVerifier(testSecret, nil)
	payload := stripeEvent("checkout.session.completed",
		`{"id":"cs_test_3","payment_status":"paid","customer_email":"a@example.com","metadata":{"productId":"A","quantity":"10000"}}`)

	evt, err := v.Verify(payload, signedStripeHeader(t, payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if evt.Items[0].Quantity != MaxQuantity || evt.SchemaVersion != "" {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestStripeVerifierSingleProductMetadata(t *testing.T) {
	v := NewStripeVerifier(testSecret, nil)
	payload := stripeEvent("checkout.session.async_payment_succeeded",
		`{"id":"cs_test_2","payment_status":"paid","customer_email":"a@example.com","metadata":{"productId":"photo-9","quantity":"2"}}`)

	evt, err := v.Verify(payload, signedStripeHeader(t, payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if evt.CustomerContact != "a@example.com" {
		t.Errorf("expected customer_email fallback, got %q", evt.CustomerContact)
	}
	if len(evt.Items) != 1 || evt.Items[0].ProductID != "photo-9" || evt.Items[0].Quantity != 2 {
		t.Errorf("unexpected items %+v", evt.Items)
	}
}

func TestStripeVerifierRejectsBadSignature(t *testing.T) {
	v := NewStripeVerifier(testSecret, nil)
	payload := stripeEvent("checkout.session.completed", `{"id":"cs_1","payment_status":"paid"}`)

	if _, err := v.Verify(payload, signedStripeHeader(t, payload, "whsec_other", time.Now())); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for wrong secret, got %v", err)
	}
	if _, err := v.Verify(payload, http.Header{}); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for missing header, got %v", err)
	}
	stale := time.Now().Add(-time.Hour)
	if _, err := v.Verify(payload, signedStripeHeader(t, payload, testSecret, stale)); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for stale timestamp, got %v", err)
	}
}

func TestStripeVerifierIgnoresUnpaidAndOtherTypes(t *testing.T) {
	v := NewStripeVerifier(testSecret, nil)

	unpaid := stripeEvent("checkout.session.completed", `{"id":"cs_1","payment_status":"unpaid","metadata":{"productId":"A"}}`)
	if _, err := v.Verify(unpaid, signedStripeHeader(t, unpaid, testSecret, time.Now())); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected ErrIgnored for unpaid session, got %v", err)
	}

	other := stripeEvent("invoice.paid", `{"id":"in_1"}`)
	evt, err := v.Verify(other, signedStripeHeader(t, other, testSecret, time.Now()))
	if !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected ErrIgnored for other type, got %v", err)
	}
	if evt.Type != "invoice.paid" {
		t.Errorf("ignored event should keep its type for logging, got %q", evt.Type)
	}
}

func TestStripeVerifierMalformedMetadata(t *testing.T) {
	v := NewStripeVerifier(testSecret, schema.MustValidator())
	cases := []string{
		`{"id":"cs_1","payment_status":"paid","metadata":{}}`,
		`{"id":"cs_1","payment_status":"paid","metadata":{"productId":"A","quantity":"zero"}}`,
		`{"id":"cs_1","payment_status":"paid","metadata":{"items":"[{\"productId\":\"A\",\"quantity\":0}]"}}`,
		`{"id":"cs_1","payment_status":"paid","metadata":{"items":"[{\"productId\":\"A\",\"quantity\":10001}]"}}`,
		`{"id":"cs_1","payment_status":"paid","metadata":{"productId":"A","quantity":"10001"}}`,
		`{"id":"cs_1","payment_status":"paid","metadata":{"productId":"A","quantity":"9999999999"}}`,
	}
	for _, session := range cases {
		payload := stripeEvent("checkout.session.completed", session)
		if _, err := v.Verify(payload, signedStripeHeader(t, payload, testSecret, time.Now())); !errors.Is(err, ErrMalformed) {
			t.Errorf("expected ErrMalformed for %s, got %v", session, err)
		}
	}
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier(testSecret, schema.MustValidator())
	body := []byte(`{"eventId":"e1","purchaseId":"P1","customerContact":"a@example.com","items":[{"productId":"A","quantity":3}]}`)

	h := http.Header{}
	h.Set(SignatureHeader, "sha256="+Sign(body, testSecret))
	evt, err := v.Verify(body, h)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if evt.PurchaseID != "P1" || evt.Type != "purchase.completed" || len(evt.Items) != 1 {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.SchemaVersion != "1.0.0" {
		t.Fatalf("unexpected schema version %q", evt.SchemaVersion)
	}

	h.Set(SignatureHeader, Sign(body, "other"))
	if _, err := v.Verify(body, h); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}

	h.Set(SignatureHeader, "not-hex")
	if _, err := v.Verify(body, h); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for non-hex signature, got %v", err)
	}

	bad := []byte(`{"purchaseId":"P1","items":[]}`)
	h.Set(SignatureHeader, Sign(bad, testSecret))
	if _, err := v.Verify(bad, h); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
