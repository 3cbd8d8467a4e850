package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/photomarket/entitlements-go/internal/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body for generic gateways.
const SignatureHeader = "X-Signature"

// HMACVerifier authenticates notifications signed with a shared secret.
type HMACVerifier struct {
	secret  string
	schemas *schema.Validator
}

// NewHMACVerifier creates a verifier for the shared secret.
func NewHMACVerifier(secret string, schemas *schema.Validator) *HMACVerifier {
	return &HMACVerifier{secret: secret, schemas: schemas}
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC validates a hex signature using HMAC-SHA256 in constant time.
func VerifyHMAC(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sigBytes)
}

func (v *HMACVerifier) Verify(payload []byte, header http.Header) (Event, error) {
	sig := strings.TrimPrefix(strings.TrimSpace(header.Get(SignatureHeader)), "sha256=")
	if sig == "" {
		return Event{}, fmt.Errorf("%w: missing %s header", ErrSignature, SignatureHeader)
	}
	if v.secret == "" || !VerifyHMAC(payload, sig, v.secret) {
		return Event{}, fmt.Errorf("%w: signature mismatch", ErrSignature)
	}

	var version string
	if v.schemas != nil {
		var err error
		if version, err = v.schemas.Validate(schema.PurchaseEvent, payload); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	evt.SchemaVersion = version
	if evt.Type == "" {
		evt.Type = "purchase.completed"
	}
	return evt, nil
}
