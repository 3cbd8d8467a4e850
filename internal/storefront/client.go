// Package storefront is the caller side of the entitlement API.
// Right after checkout the customer's browser can reach the storefront before the
// gateway has delivered the payment event, so lookups poll for a bounded number
// of attempts and then report ErrStillProcessing instead of failing hard.
package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/photomarket/entitlements-go/internal/model"
)

// ErrStillProcessing means the purchase was not visible within the polling budget.
var ErrStillProcessing = errors.New("purchase still processing")

// DeniedError is returned when the service refuses a download.
type DeniedError struct {
	Status int                  // HTTP status (403 or 404)
	Code   string               // Error code from the envelope
	Denial model.DownloadDenial // Counts for "0 of N remaining" rendering
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("download denied: %s (%d of %d downloaded)", e.Denial.Reason, e.Denial.QuantityDownloaded, e.Denial.QuantityPurchased)
}

// Client calls the entitlement service on behalf of the storefront.
type Client struct {
	base     string
	hc       *http.Client
	attempts int
	delay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithPolling sets the number of lookup attempts and the fixed delay between them.
func WithPolling(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// New creates a client for the service at baseURL. Defaults: 5 attempts, 1s apart.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: baseURL,
		hc: &http.Client{
			Transport: &http.Transport{DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext},
			Timeout:   5 * time.Second,
		},
		attempts: 5,
		delay:    time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// WaitForEntitlements polls the purchase-id lookup until it succeeds.
func (c *Client) WaitForEntitlements(ctx context.Context, purchaseID string) (model.EntitlementSet, error) {
	return c.poll(ctx, url.Values{"purchaseId": {purchaseID}})
}

// WaitForEntitlementsByContact polls the contact lookup until it succeeds.
func (c *Client) WaitForEntitlementsByContact(ctx context.Context, contact string) (model.EntitlementSet, error) {
	return c.poll(ctx, url.Values{"contact": {contact}})
}

func (c *Client) poll(ctx context.Context, query url.Values) (model.EntitlementSet, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		set, retry, err := c.lookupOnce(ctx, query)
		if err == nil {
			return set, nil
		}
		if !retry {
			return model.EntitlementSet{}, err
		}
		lastErr = err

		if attempt == c.attempts {
			break
		}
		timer := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.EntitlementSet{}, ctx.Err()
		case <-timer.C:
		}
	}
	return model.EntitlementSet{}, fmt.Errorf("%w: %v", ErrStillProcessing, lastErr)
}

// lookupOnce performs one request. retry reports whether the failure is worth polling on.
func (c *Client) lookupOnce(ctx context.Context, query url.Values) (model.EntitlementSet, bool, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return model.EntitlementSet{}, false, fmt.Errorf("invalid service URL: %w", err)
	}
	u.Path = "/v1/entitlements"
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.EntitlementSet{}, false, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return model.EntitlementSet{}, false, ctx.Err()
		}
		return model.EntitlementSet{}, true, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return model.EntitlementSet{}, false, fmt.Errorf("decode entitlements: %w", err)
		}
		var set model.EntitlementSet
		if err := json.Unmarshal(env.Data, &set); err != nil {
			return model.EntitlementSet{}, false, fmt.Errorf("decode entitlements: %w", err)
		}
		return set, false, nil
	case http.StatusNotFound, http.StatusServiceUnavailable:
		return model.EntitlementSet{}, true, fmt.Errorf("entitlement lookup: %s", resp.Status)
	default:
		return model.EntitlementSet{}, false, fmt.Errorf("entitlement lookup failed: %s", resp.Status)
	}
}

// RequestDownload asks for one download of productID. It never retries: a denial
// is terminal for the attempt, and a 5xx may or may not have consumed a unit.
func (c *Client) RequestDownload(ctx context.Context, purchaseID, productID string) (model.DownloadGrant, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return model.DownloadGrant{}, fmt.Errorf("invalid service URL: %w", err)
	}
	u.Path = fmt.Sprintf("/v1/purchases/%s/items/%s/download", url.PathEscape(purchaseID), url.PathEscape(productID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return model.DownloadGrant{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return model.DownloadGrant{}, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return model.DownloadGrant{}, fmt.Errorf("decode download response (%s): %w", resp.Status, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var grant model.DownloadGrant
		if err := json.Unmarshal(env.Data, &grant); err != nil {
			return model.DownloadGrant{}, fmt.Errorf("decode grant: %w", err)
		}
		return grant, nil
	case (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound) && env.Error != nil:
		denied := &DeniedError{Status: resp.StatusCode, Code: env.Error.Code}
		if len(env.Error.Details) > 0 {
			_ = json.Unmarshal(env.Error.Details, &denied.Denial)
		}
		return model.DownloadGrant{}, denied
	default:
		return model.DownloadGrant{}, fmt.Errorf("download request failed: %s", resp.Status)
	}
}
