// Package gateway verifies payment-completion notifications and turns them into
// purchase events. Nothing in this package touches the entitlement store: an event
// that fails verification never gets further than the HTTP boundary.
package gateway

import (
	"errors"
	"net/http"
	"time"
)

// Standard errors returned by verifiers
var (
	ErrSignature = errors.New("gateway signature verification failed") // Forged, tampered, stale, or unsigned
	ErrMalformed = errors.New("gateway payload malformed")             // Authentic but unusable
	ErrIgnored   = errors.New("gateway event ignored")                 // Authentic, not a completed payment
)

// MaxQuantity is the most copies of one product a single line may carry.
const MaxQuantity = 10000

// LineItem is one (productId, quantity) pair as the gateway reported it.
type LineItem struct {
	ProductID string `json:"productId" validate:"required,max=256"`
	Quantity  int    `json:"quantity" validate:"gte=1,lte=10000"`
}

// Event is a verified payment-completion notification.
type Event struct {
	ID              string     `json:"eventId,omitempty"`                       // Gateway event id, when the gateway has one
	Type            string     `json:"type,omitempty"`                          // Gateway event type
	PurchaseID      string     `json:"purchaseId" validate:"required,max=256"`  // Gateway transaction identifier
	CustomerContact string     `json:"customerContact" validate:"required"`     // Contact address as the gateway reported it
	Items           []LineItem `json:"items" validate:"required,min=1,dive"`    // Purchased products
	OccurredAt      time.Time  `json:"occurredAt,omitempty"`                    // When the gateway says payment completed
	SchemaVersion   string     `json:"-"`                                       // Version of the schema the payload passed, empty if none ran
}

// Verifier authenticates a raw notification and decodes it.
// Implementations return ErrSignature, ErrMalformed, or ErrIgnored (wrapped) on failure.
// An ErrIgnored result may still carry the event id and type for logging.
type Verifier interface {
	Verify(payload []byte, header http.Header) (Event, error)
}
