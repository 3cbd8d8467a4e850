package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/photomarket/entitlements-go/internal/model"
)

// storedRecord is the canonical JSON shape written to key-value backends.
// Download counters are not part of it; they live next to the record so the
// conditional increment can touch them atomically.
type storedRecord struct {
	PurchaseID      string       `json:"purchaseId"`
	CustomerContact string       `json:"customerContact"`
	CreatedAt       time.Time    `json:"createdAt"`
	Status          model.Status `json:"status"`
	LineItems       []storedItem `json:"lineItems"`
}

type storedItem struct {
	ProductID         string `json:"productId"`
	QuantityPurchased int    `json:"quantityPurchased"`
}

// legacyRecord accepts every field name older writers used for the same concepts.
type legacyRecord struct {
	PurchaseID      string       `json:"purchaseId"`
	SessionID       string       `json:"sessionId"`
	CustomerContact string       `json:"customerContact"`
	Email           string       `json:"email"`
	CustomerEmail   string       `json:"customerEmail"`
	CreatedAt       *time.Time   `json:"createdAt"`
	Timestamp       int64        `json:"timestamp"` // unix millis
	Status          string       `json:"status"`
	LineItems       []legacyItem `json:"lineItems"`
	Items           []legacyItem `json:"items"`
}

type legacyItem struct {
	ProductID          string `json:"productId"`
	PhotoID            string `json:"photoId"`
	ID                 string `json:"id"`
	QuantityPurchased  *int   `json:"quantityPurchased"`
	Quantity           *int   `json:"quantity"`
	Copies             *int   `json:"copies"`
	QuantityDownloaded *int   `json:"quantityDownloaded"`
	Downloads          *int   `json:"downloads"`
	DownloadCount      *int   `json:"downloadCount"`
}

// encodeRecord renders the canonical stored shape.
func encodeRecord(record model.PurchaseRecord) ([]byte, error) {
	stored := storedRecord{
		PurchaseID:      record.PurchaseID,
		CustomerContact: record.CustomerContact,
		CreatedAt:       record.CreatedAt.UTC(),
		Status:          record.Status,
		LineItems:       make([]storedItem, 0, len(record.LineItems)),
	}
	for _, item := range record.LineItems {
		stored.LineItems = append(stored.LineItems, storedItem{
			ProductID:         item.ProductID,
			QuantityPurchased: item.QuantityPurchased,
		})
	}
	return json.Marshal(stored)
}

// decodeRecord translates canonical and legacy record JSON into a PurchaseRecord.
// QuantityDownloaded carries whatever counter the legacy shape embedded; callers
// overlay the authoritative counters afterwards.
func decodeRecord(raw []byte) (model.PurchaseRecord, error) {
	var legacy legacyRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return model.PurchaseRecord{}, fmt.Errorf("decode stored purchase: %w", err)
	}

	record := model.PurchaseRecord{
		PurchaseID:      firstString(legacy.PurchaseID, legacy.SessionID),
		CustomerContact: firstString(legacy.CustomerContact, legacy.Email, legacy.CustomerEmail),
		Status:          model.StatusFinalized,
	}
	if record.PurchaseID == "" {
		return model.PurchaseRecord{}, fmt.Errorf("decode stored purchase: missing purchase id")
	}

	switch {
	case legacy.CreatedAt != nil:
		record.CreatedAt = legacy.CreatedAt.UTC()
	case legacy.Timestamp > 0:
		record.CreatedAt = time.UnixMilli(legacy.Timestamp).UTC()
	}
	if legacy.Status != "" {
		record.Status = model.Status(legacy.Status)
	}

	items := legacy.LineItems
	if len(items) == 0 {
		items = legacy.Items
	}
	for _, li := range items {
		item := model.LineItem{
			ProductID:          firstString(li.ProductID, li.PhotoID, li.ID),
			QuantityPurchased:  firstInt(li.QuantityPurchased, li.Quantity, li.Copies),
			QuantityDownloaded: firstInt(li.QuantityDownloaded, li.Downloads, li.DownloadCount),
		}
		if item.ProductID == "" || item.QuantityPurchased <= 0 {
			return model.PurchaseRecord{}, fmt.Errorf("decode stored purchase %s: invalid line item", record.PurchaseID)
		}
		if item.QuantityDownloaded < 0 {
			item.QuantityDownloaded = 0
		}
		if item.QuantityDownloaded > item.QuantityPurchased {
			item.QuantityDownloaded = item.QuantityPurchased
		}
		record.LineItems = append(record.LineItems, item)
	}

	return record, nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}
