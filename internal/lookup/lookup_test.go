package lookup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/photomarket/entitlements-go/internal/model"
	"github.com/photomarket/entitlements-go/internal/storage"
	"github.com/photomarket/entitlements-go/internal/token"
)

func put(t *testing.T, store storage.Store, id, contact string, created time.Time, items ...model.LineItem) {
	t.Helper()
	_, err := store.PutIfAbsent(context.Background(), model.PurchaseRecord{
		PurchaseID:      id,
		CustomerContact: contact,
		LineItems:       items,
		CreatedAt:       created,
		Status:          model.StatusFinalized,
	})
	if err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
}

func TestGetEntitlements(t *testing.T) {
	store := storage.NewMemory()
	put(t, store, "P1", "a@example.com", time.Now(), model.LineItem{ProductID: "A", QuantityPurchased: 3})
	svc := NewService(store, nil, time.Second, nil)

	set, err := svc.GetEntitlements(context.Background(), "P1")
	if err != nil {
		t.Fatalf("GetEntitlements: %v", err)
	}
	if set.PurchaseID != "P1" || len(set.Items) != 1 {
		t.Fatalf("unexpected set %+v", set)
	}
	e := set.Items[0]
	if e.ProductID != "A" || e.QuantityPurchased != 3 || e.QuantityDownloaded != 0 || e.Remaining != 3 || !e.CanDownload {
		t.Fatalf("unexpected entitlement %+v", e)
	}
	if e.DownloadToken != "" {
		t.Fatal("no token issuer configured, expected no token")
	}

	if _, err := svc.GetEntitlements(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokensOnlyForRemainingItems(t *testing.T) {
	store := storage.NewMemory()
	put(t, store, "P1", "a@example.com", time.Now(),
		model.LineItem{ProductID: "A", QuantityPurchased: 1},
		model.LineItem{ProductID: "B", QuantityPurchased: 2})
	if _, err := store.ConditionalIncrement(context.Background(), "P1", "A"); err != nil {
		t.Fatal(err)
	}
	issuer := token.NewTestIssuer()
	svc := NewService(store, issuer, 0, nil)

	set, err := svc.GetEntitlements(context.Background(), "P1")
	if err != nil {
		t.Fatalf("GetEntitlements: %v", err)
	}
	a, b := set.Items[0], set.Items[1]
	if a.CanDownload || a.Remaining != 0 || a.DownloadToken != "" || a.TokenExpiresAt != nil {
		t.Fatalf("exhausted item must not expose a token: %+v", a)
	}
	if !b.CanDownload || b.DownloadToken == "" || b.TokenExpiresAt == nil {
		t.Fatalf("item with remaining downloads needs a token: %+v", b)
	}
	claims, err := issuer.Verify(b.DownloadToken)
	if err != nil || claims.PurchaseID != "P1" || claims.ProductID != "B" {
		t.Fatalf("token does not name the line item: %+v %v", claims, err)
	}
}

func TestGetEntitlementsByContactMostRecent(t *testing.T) {
	store := storage.NewMemory()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	put(t, store, "P-old", "a@example.com", base, model.LineItem{ProductID: "A", QuantityPurchased: 1})
	put(t, store, "P-new", "A@Example.com", base.Add(time.Minute), model.LineItem{ProductID: "B", QuantityPurchased: 2})
	put(t, store, "P-other", "b@example.com", base.Add(time.Hour), model.LineItem{ProductID: "C", QuantityPurchased: 1})
	svc := NewService(store, nil, time.Second, nil)

	for i := 0; i < 3; i++ {
		set, err := svc.GetEntitlementsByContact(context.Background(), " a@example.com ")
		if err != nil {
			t.Fatalf("GetEntitlementsByContact: %v", err)
		}
		if set.PurchaseID != "P-new" {
			t.Fatalf("expected most recent purchase P-new, got %s", set.PurchaseID)
		}
	}

	if _, err := svc.GetEntitlementsByContact(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetEntitlementsByContact(context.Background(), "   "); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for blank contact, got %v", err)
	}
}

func TestGetEntitlementsByContactTieBreak(t *testing.T) {
	store := storage.NewMemory()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	put(t, store, "P-b", "a@example.com", at, model.LineItem{ProductID: "A", QuantityPurchased: 1})
	put(t, store, "P-a", "a@example.com", at, model.LineItem{ProductID: "A", QuantityPurchased: 1})
	svc := NewService(store, nil, 0, nil)

	set, err := svc.GetEntitlementsByContact(context.Background(), "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if set.PurchaseID != "P-b" {
		t.Fatalf("expected tie broken by greater purchase id, got %s", set.PurchaseID)
	}
}

// unavailableStore fails every read.
type unavailableStore struct{ storage.Store }

func (unavailableStore) Get(ctx context.Context, purchaseID string) (*model.PurchaseRecord, error) {
	return nil, storage.ErrUnavailable
}

func TestGetEntitlementsTransientError(t *testing.T) {
	svc := NewService(unavailableStore{storage.NewMemory()}, nil, 0, nil)
	_, err := svc.GetEntitlements(context.Background(), "P1")
	if !errors.Is(err, storage.ErrUnavailable) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrUnavailable distinct from ErrNotFound, got %v", err)
	}
}
