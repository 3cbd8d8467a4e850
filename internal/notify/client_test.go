package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/photomarket/entitlements-go/internal/model"
)

func TestPurchaseCompletedPostsRecord(t *testing.T) {
	var got PurchaseCompleted
	var idemKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/notifications/purchase-completed" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		idemKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := model.PurchaseRecord{
		PurchaseID:      "P1",
		CustomerContact: "a@example.com",
		LineItems:       []model.LineItem{{ProductID: "A", QuantityPurchased: 2}},
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := New(srv.URL).PurchaseCompleted(context.Background(), rec); err != nil {
		t.Fatalf("PurchaseCompleted: %v", err)
	}
	if got.PurchaseID != "P1" || got.CustomerContact != "a@example.com" || len(got.LineItems) != 1 {
		t.Fatalf("unexpected body %+v", got)
	}
	if idemKey != "P1" {
		t.Errorf("expected purchase id as idempotency key, got %q", idemKey)
	}
}

func TestPurchaseCompletedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := New(srv.URL).PurchaseCompleted(context.Background(), model.PurchaseRecord{PurchaseID: "P1"}); err == nil {
		t.Fatal("expected error on 502")
	}
}
