// Package conformance provides a test harness that drives the entitlement service
// over HTTP and checks the quota, idempotency and lookup guarantees end to end.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/photomarket/entitlements-go/internal/authorizer"
	"github.com/photomarket/entitlements-go/internal/event"
	"github.com/photomarket/entitlements-go/internal/gateway"
	"github.com/photomarket/entitlements-go/internal/ingest"
	"github.com/photomarket/entitlements-go/internal/lookup"
	"github.com/photomarket/entitlements-go/internal/metrics"
	"github.com/photomarket/entitlements-go/internal/model"
	"github.com/photomarket/entitlements-go/internal/schema"
	"github.com/photomarket/entitlements-go/internal/server"
	"github.com/photomarket/entitlements-go/internal/storage"
	"github.com/photomarket/entitlements-go/internal/storefront"
	"github.com/photomarket/entitlements-go/internal/token"
)

// Harness runs an in-process entitlement service behind an httptest server.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	pub    event.Publisher
	client *storefront.Client
	secret string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// Store is the backend under test; nil uses the in-memory store.
	Store storage.Store

	// GatewaySecret signs the HMAC webhooks the harness sends.
	GatewaySecret string
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	store := cfg.Store
	if store == nil {
		store = storage.NewMemory()
	}
	if cfg.GatewaySecret == "" {
		cfg.GatewaySecret = "conformance-secret"
	}

	schemas, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}
	tokens, err := token.NewIssuer(nil, "conformance", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	pub := event.NewNoop()
	m := metrics.NewMetrics()
	mux := server.NewMux(server.Deps{
		Store:      store,
		Ingest:     ingest.NewService(store, gateway.NewHMACVerifier(cfg.GatewaySecret, schemas), ingest.WithMetrics(m)),
		Authorizer: authorizer.New(store, 2*time.Second, m, server.PublishGrants(pub, 2*time.Second)),
		Lookup:     lookup.NewService(store, tokens, 2*time.Second, m),
		Tokens:     tokens,
		Metrics:    m,
	})

	srv := httptest.NewServer(mux)
	return &Harness{
		server: srv,
		store:  store,
		pub:    pub,
		client: storefront.New(srv.URL, storefront.WithPolling(3, 10*time.Millisecond)),
		secret: cfg.GatewaySecret,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// Purchase delivers a signed payment-completion event and returns the webhook status.
func (h *Harness) Purchase(purchaseID, contact string, items ...gateway.LineItem) (string, error) {
	body, err := json.Marshal(gateway.Event{PurchaseID: purchaseID, CustomerContact: contact, Items: items})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, h.URL()+"/v1/webhooks/payment", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(body, h.secret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webhook returned %s: %s", resp.Status, raw)
	}
	var env struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Data.Status, nil
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("IngestThenLookup", h.testIngestThenLookup)
	t.Run("SequentialDownloads", h.testSequentialDownloads)
	t.Run("ConcurrentDownloads", h.testConcurrentDownloads)
	t.Run("DuplicateEvent", h.testDuplicateEvent)
	t.Run("UnknownPurchase", h.testUnknownPurchase)
	t.Run("ContactMostRecent", h.testContactMostRecent)
}

// RunAcceptanceTests runs the invariant checks under heavier concurrency.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("QuotaInvariant", h.testQuotaInvariant)
	t.Run("ConcurrentIngestion", h.testConcurrentIngestion)
	t.Run("UnverifiedEvent", h.testUnverifiedEvent)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testIngestThenLookup: a purchase is visible by primary key right after ingestion.
func (h *Harness) testIngestThenLookup(t *testing.T) {
	if _, err := h.Purchase("P1", "a@example.com", gateway.LineItem{ProductID: "A", Quantity: 3}); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	set, err := h.client.WaitForEntitlements(context.Background(), "P1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	expectItem(t, set, "A", 3, 0)
}

// testSequentialDownloads: three grants, then LimitReached with the final counts.
func (h *Harness) testSequentialDownloads(t *testing.T) {
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		grant, err := h.client.RequestDownload(ctx, "P1", "A")
		if err != nil {
			t.Fatalf("download %d: %v", i, err)
		}
		if grant.QuantityDownloaded != i {
			t.Fatalf("download %d: downloaded=%d", i, grant.QuantityDownloaded)
		}
	}

	_, err := h.client.RequestDownload(ctx, "P1", "A")
	denied := expectDenied(t, err, http.StatusForbidden)
	if denied.Denial.Reason != string(authorizer.ReasonLimitReached) ||
		denied.Denial.QuantityDownloaded != 3 || denied.Denial.QuantityPurchased != 3 {
		t.Fatalf("unexpected denial %+v", denied.Denial)
	}
}

// testConcurrentDownloads: 10 racing requests for 3 copies.
func (h *Harness) testConcurrentDownloads(t *testing.T) {
	if _, err := h.Purchase("P3", "c@example.com", gateway.LineItem{ProductID: "A", Quantity: 3}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	granted, denied := h.race(t, "P3", "A", 10)
	if granted != 3 || denied != 7 {
		t.Fatalf("expected 3 granted and 7 denied, got %d and %d", granted, denied)
	}
}

// testDuplicateEvent: redelivery changes nothing, even after downloads.
func (h *Harness) testDuplicateEvent(t *testing.T) {
	before, err := h.client.WaitForEntitlements(context.Background(), "P1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	status, err := h.Purchase("P1", "a@example.com", gateway.LineItem{ProductID: "A", Quantity: 3})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if status != "duplicate" {
		t.Fatalf("expected duplicate, got %q", status)
	}
	after, err := h.client.WaitForEntitlements(context.Background(), "P1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	expectItem(t, after, "A", before.Items[0].QuantityPurchased, before.Items[0].QuantityDownloaded)
}

func (h *Harness) testUnknownPurchase(t *testing.T) {
	_, err := h.client.RequestDownload(context.Background(), "P2", "A")
	denied := expectDenied(t, err, http.StatusNotFound)
	if denied.Denial.Reason != string(authorizer.ReasonNotFound) {
		t.Fatalf("expected NotFound, got %+v", denied.Denial)
	}
}

// testContactMostRecent: the contact lookup resolves to the newest purchase.
func (h *Harness) testContactMostRecent(t *testing.T) {
	if _, err := h.Purchase("P6-first", "repeat@example.com", gateway.LineItem{ProductID: "A", Quantity: 1}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := h.Purchase("P6-second", "Repeat@Example.com", gateway.LineItem{ProductID: "B", Quantity: 2}); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	for i := 0; i < 3; i++ {
		set, err := h.client.WaitForEntitlementsByContact(context.Background(), "repeat@example.com")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if set.PurchaseID != "P6-second" {
			t.Fatalf("expected most recent purchase, got %s", set.PurchaseID)
		}
		expectItem(t, set, "B", 2, 0)
	}
}

// testQuotaInvariant fires purchased+50 concurrent requests at one line item.
func (h *Harness) testQuotaInvariant(t *testing.T) {
	const purchased = 5
	if _, err := h.Purchase("P-quota", "q@example.com", gateway.LineItem{ProductID: "A", Quantity: purchased}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	granted, _ := h.race(t, "P-quota", "A", purchased+50)
	if granted != purchased {
		t.Fatalf("expected exactly %d grants, got %d", purchased, granted)
	}

	rec, err := h.store.Get(context.Background(), "P-quota")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if li, _ := rec.Item("A"); li.QuantityDownloaded != purchased {
		t.Fatalf("stored counter %d, want %d", li.QuantityDownloaded, purchased)
	}
}

// testConcurrentIngestion delivers the same event from many goroutines.
func (h *Harness) testConcurrentIngestion(t *testing.T) {
	const deliveries = 20
	var wg sync.WaitGroup
	statuses := make([]string, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], errs[i] = h.Purchase("P-idem", "i@example.com", gateway.LineItem{ProductID: "A", Quantity: 2})
		}(i)
	}
	wg.Wait()

	processed := 0
	for i := range statuses {
		if errs[i] != nil {
			t.Fatalf("delivery %d: %v", i, errs[i])
		}
		if statuses[i] == "processed" {
			processed++
		}
	}
	if processed != 1 {
		t.Fatalf("expected exactly one processed delivery, got %d", processed)
	}
	set, err := h.client.WaitForEntitlements(context.Background(), "P-idem")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	expectItem(t, set, "A", 2, 0)
}

func (h *Harness) testUnverifiedEvent(t *testing.T) {
	body := []byte(`{"purchaseId":"P-forged","customerContact":"x@example.com","items":[{"productId":"A","quantity":99}]}`)
	req, _ := http.NewRequest(http.MethodPost, h.URL()+"/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(body, "not-the-secret"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if _, err := h.store.Get(context.Background(), "P-forged"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("forged event reached the store: %v", err)
	}
}

// race issues n concurrent download requests and counts grants and LimitReached denials.
func (h *Harness) race(t *testing.T, purchaseID, productID string, n int) (granted, denied int) {
	t.Helper()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.client.RequestDownload(context.Background(), purchaseID, productID)
			mu.Lock()
			defer mu.Unlock()
			var d *storefront.DeniedError
			switch {
			case err == nil:
				granted++
			case errors.As(err, &d) && d.Denial.Reason == string(authorizer.ReasonLimitReached):
				denied++
			default:
				t.Errorf("unexpected download error: %v", err)
			}
		}()
	}
	wg.Wait()
	return granted, denied
}

func expectItem(t *testing.T, set model.EntitlementSet, productID string, purchased, downloaded int) {
	t.Helper()
	for _, it := range set.Items {
		if it.ProductID != productID {
			continue
		}
		if it.QuantityPurchased != purchased || it.QuantityDownloaded != downloaded || it.Remaining != purchased-downloaded {
			t.Fatalf("item %s: got %+v, want purchased=%d downloaded=%d", productID, it, purchased, downloaded)
		}
		if it.CanDownload != (purchased > downloaded) {
			t.Fatalf("item %s: canDownload=%v", productID, it.CanDownload)
		}
		return
	}
	t.Fatalf("item %s missing from %+v", productID, set)
}

func expectDenied(t *testing.T, err error, status int) *storefront.DeniedError {
	t.Helper()
	var denied *storefront.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected a denial, got %v", err)
	}
	if denied.Status != status {
		t.Fatalf("expected HTTP %d, got %d", status, denied.Status)
	}
	return denied
}
