// Package model defines the data structures used throughout the entitlement service.
// These structures represent purchases, their line items, and the entitlement views
// derived from them.
package model

import (
	"time"
)

// Status is the lifecycle state of a purchase record.
// A record only exists once the payment gateway has confirmed the payment,
// so the only persisted status is StatusFinalized.
type Status string

const (
	StatusFinalized Status = "finalized"
)

// LineItem is one purchased product within a purchase.
// QuantityPurchased is written once at ingestion and never changes afterwards.
// QuantityDownloaded is advanced only by the download authorizer.
type LineItem struct {
	ProductID          string `json:"productId" db:"product_id"`                   // Purchased product identifier
	QuantityPurchased  int    `json:"quantityPurchased" db:"quantity_purchased"`   // Entitled downloads (ceiling)
	QuantityDownloaded int    `json:"quantityDownloaded" db:"quantity_downloaded"` // Downloads consumed so far
}

// Remaining returns how many downloads are still available for the item.
func (li LineItem) Remaining() int {
	if li.QuantityDownloaded >= li.QuantityPurchased {
		return 0
	}
	return li.QuantityPurchased - li.QuantityDownloaded
}

// PurchaseRecord represents one completed transaction and its entitlements.
// PurchaseID equals the payment gateway's transaction identifier.
// This corresponds to the purchases table (postgres) or the purchase hash keys (redis).
type PurchaseRecord struct {
	PurchaseID      string     `json:"purchaseId" db:"purchase_id"`             // Gateway transaction id (primary key)
	CustomerContact string     `json:"customerContact" db:"customer_contact"`   // Contact address (secondary key, not unique)
	LineItems       []LineItem `json:"lineItems"`                               // Items in the order they were placed
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`               // Immutable creation time
	Status          Status     `json:"status" db:"status"`                      // Always StatusFinalized once stored
}

// Item returns the line item for productID, if the purchase contains it.
func (r *PurchaseRecord) Item(productID string) (LineItem, bool) {
	for _, li := range r.LineItems {
		if li.ProductID == productID {
			return li, true
		}
	}
	return LineItem{}, false
}

// Clone returns a deep copy so callers can't mutate a stored record through shared slices.
func (r PurchaseRecord) Clone() PurchaseRecord {
	items := make([]LineItem, len(r.LineItems))
	copy(items, r.LineItems)
	r.LineItems = items
	return r
}

// IncrementResult reports the outcome of a conditional increment on one line item.
// The counts are the values observed by the same atomic store operation.
type IncrementResult struct {
	Incremented        bool // True if the downloaded counter was advanced
	QuantityPurchased  int  // Ceiling for the item
	QuantityDownloaded int  // Counter value after the operation
}

// Entitlement is the storefront-facing view of one line item.
// DownloadToken is only set while the item still has downloads remaining.
type Entitlement struct {
	ProductID          string     `json:"productId"`
	QuantityPurchased  int        `json:"quantityPurchased"`
	QuantityDownloaded int        `json:"quantityDownloaded"`
	Remaining          int        `json:"remaining"`
	CanDownload        bool       `json:"canDownload"`
	DownloadToken      string     `json:"downloadToken,omitempty"`
	TokenExpiresAt     *time.Time `json:"tokenExpiresAt,omitempty"`
}

// EntitlementSet is the answer to "what can this customer download right now".
type EntitlementSet struct {
	PurchaseID string        `json:"purchaseId"`
	CreatedAt  time.Time     `json:"createdAt"`
	Items      []Entitlement `json:"items"`
}

// DownloadGrant is the response body for a granted download.
type DownloadGrant struct {
	PurchaseID         string     `json:"purchaseId"`
	ProductID          string     `json:"productId"`
	QuantityPurchased  int        `json:"quantityPurchased"`
	QuantityDownloaded int        `json:"quantityDownloaded"`
	Remaining          int        `json:"remaining"`
	URL                string     `json:"url,omitempty"`       // Presigned file URL, empty when file storage is not configured
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"` // When URL stops working
}

// DownloadDenial is the structured body returned alongside a denied download.
type DownloadDenial struct {
	Reason             string `json:"reason"`
	QuantityPurchased  int    `json:"quantityPurchased"`
	QuantityDownloaded int    `json:"quantityDownloaded"`
}
