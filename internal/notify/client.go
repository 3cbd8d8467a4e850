// internal/notify/client.go
// Package notify provides a client for the notification service that emails
// customers their download links once a purchase is recorded.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/photomarket/entitlements-go/internal/model"
)

// Client for the notification service.
type Client struct {
	base string       // Base URL of the notification service
	hc   *http.Client // HTTP client with custom configuration
}

// PurchaseCompleted is the body posted for a new purchase.
type PurchaseCompleted struct {
	PurchaseID      string           `json:"purchaseId"`
	CustomerContact string           `json:"customerContact"`
	LineItems       []model.LineItem `json:"lineItems"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// New creates a notification client with the specified base URL.
// Parameters:
//   - baseURL: Base URL of the notification service
//
// Returns:
//   - *Client: Initialized notification client
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// PurchaseCompleted posts the purchase to the notification service.
// The purchase id is sent as Idempotency-Key so a retried post sends one email.
func (c *Client) PurchaseCompleted(ctx context.Context, record model.PurchaseRecord) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return fmt.Errorf("invalid notification URL: %w", err)
	}
	u.Path = "/v1/notifications/purchase-completed"

	body, err := json.Marshal(PurchaseCompleted{
		PurchaseID:      record.PurchaseID,
		CustomerContact: record.CustomerContact,
		LineItems:       record.LineItems,
		CreatedAt:       record.CreatedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", record.PurchaseID)
	req.Header.Set("X-Correlation-ID", uuid.New().String())

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification post failed: %s", resp.Status)
	}
	return nil
}
