// internal/storage/store_test.go
// Package storage provides a shared behavioral suite run against every backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/photomarket/entitlements-go/internal/model"
)

// newMiniRedisStore starts an in-process Redis and returns a store bound to it.
func newMiniRedisStore(t *testing.T, retention time.Duration) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, retention), mr
}

// backends returns a constructor per backend under test.
// Postgres only runs when ENT_TEST_DB_DSN points at a disposable database.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"redis": func(t *testing.T) Store {
			s, _ := newMiniRedisStore(t, 0)
			return s
		},
	}
	if dsn := os.Getenv("ENT_TEST_DB_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgres(context.Background(), dsn)
			if err != nil {
				t.Fatalf("connect postgres: %v", err)
			}
			t.Cleanup(func() { s.(*postgres).Close() })
			return s
		}
	}
	return out
}

// uniqueID keeps runs against a shared Postgres from colliding.
func uniqueID(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s-%s-%d", prefix, t.Name(), time.Now().UnixNano())
}

func testRecord(id, contact string, created time.Time, items ...model.LineItem) model.PurchaseRecord {
	return model.PurchaseRecord{
		PurchaseID:      id,
		CustomerContact: contact,
		LineItems:       items,
		CreatedAt:       created.UTC().Truncate(time.Millisecond),
		Status:          model.StatusFinalized,
	}
}

func TestStorePutIfAbsent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := uniqueID(t, "P1")
			rec := testRecord(id, "buyer@example.com", time.Now(), model.LineItem{ProductID: "A", QuantityPurchased: 2})

			created, err := s.PutIfAbsent(ctx, rec)
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if !created {
				t.Fatalf("first put should create")
			}

			// A redelivery with different contents must not overwrite anything.
			dup := testRecord(id, "other@example.com", time.Now(), model.LineItem{ProductID: "A", QuantityPurchased: 9})
			created, err = s.PutIfAbsent(ctx, dup)
			if err != nil {
				t.Fatalf("second put: %v", err)
			}
			if created {
				t.Fatalf("second put should report duplicate")
			}

			got, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			item, ok := got.Item("A")
			if !ok || item.QuantityPurchased != 2 || item.QuantityDownloaded != 0 {
				t.Fatalf("unexpected item after duplicate put: %+v", got.LineItems)
			}
			if !got.CreatedAt.Equal(rec.CreatedAt) {
				t.Errorf("createdAt changed: got %v want %v", got.CreatedAt, rec.CreatedAt)
			}
		})
	}
}

func TestStoreGetNotFound(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := open(t).Get(context.Background(), uniqueID(t, "missing"))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreConditionalIncrement(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := uniqueID(t, "P2")
			rec := testRecord(id, "buyer@example.com", time.Now(),
				model.LineItem{ProductID: "A", QuantityPurchased: 2},
				model.LineItem{ProductID: "B", QuantityPurchased: 1})
			if _, err := s.PutIfAbsent(ctx, rec); err != nil {
				t.Fatalf("put: %v", err)
			}

			for i := 1; i <= 2; i++ {
				res, err := s.ConditionalIncrement(ctx, id, "A")
				if err != nil {
					t.Fatalf("increment %d: %v", i, err)
				}
				if !res.Incremented || res.QuantityDownloaded != i || res.QuantityPurchased != 2 {
					t.Fatalf("increment %d: unexpected result %+v", i, res)
				}
			}

			res, err := s.ConditionalIncrement(ctx, id, "A")
			if err != nil {
				t.Fatalf("increment at ceiling: %v", err)
			}
			if res.Incremented || res.QuantityDownloaded != 2 {
				t.Fatalf("increment past ceiling must be refused, got %+v", res)
			}

			if _, err := s.ConditionalIncrement(ctx, id, "Z"); !errors.Is(err, ErrItemNotFound) {
				t.Fatalf("expected ErrItemNotFound, got %v", err)
			}
			if _, err := s.ConditionalIncrement(ctx, uniqueID(t, "nope"), "A"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			got, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			a, _ := got.Item("A")
			b, _ := got.Item("B")
			if a.QuantityDownloaded != 2 || b.QuantityDownloaded != 0 {
				t.Fatalf("counters leaked between items: %+v", got.LineItems)
			}
		})
	}
}

// TestStoreConcurrentIncrement fires more callers than there are copies and
// checks that exactly quantityPurchased of them win.
func TestStoreConcurrentIncrement(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			id := uniqueID(t, "P3")
			const purchased = 3
			const callers = 10
			rec := testRecord(id, "buyer@example.com", time.Now(), model.LineItem{ProductID: "A", QuantityPurchased: purchased})
			if _, err := s.PutIfAbsent(ctx, rec); err != nil {
				t.Fatalf("put: %v", err)
			}

			var granted atomic.Int32
			var wg sync.WaitGroup
			errs := make(chan error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := s.ConditionalIncrement(ctx, id, "A")
					if err != nil {
						errs <- err
						return
					}
					if res.Incremented {
						granted.Add(1)
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("increment: %v", err)
			}

			if got := granted.Load(); got != purchased {
				t.Fatalf("granted %d downloads, want %d", got, purchased)
			}
			got, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if item, _ := got.Item("A"); item.QuantityDownloaded != purchased {
				t.Fatalf("counter = %d, want %d", item.QuantityDownloaded, purchased)
			}
		})
	}
}

func TestStorePurchaseIDsByContact(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			contact := uniqueID(t, "c") + "@example.com"
			older := testRecord(uniqueID(t, "old"), contact, time.Now().Add(-time.Hour), model.LineItem{ProductID: "A", QuantityPurchased: 1})
			newer := testRecord(uniqueID(t, "new"), "  "+contact+"  ", time.Now(), model.LineItem{ProductID: "B", QuantityPurchased: 1})
			for _, rec := range []model.PurchaseRecord{older, newer} {
				if _, err := s.PutIfAbsent(ctx, rec); err != nil {
					t.Fatalf("put: %v", err)
				}
			}

			ids, err := s.PurchaseIDsByContact(ctx, contact)
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if len(ids) != 2 {
				t.Fatalf("expected 2 ids, got %v", ids)
			}
			seen := map[string]bool{}
			for _, id := range ids {
				seen[id] = true
			}
			if !seen[older.PurchaseID] || !seen[newer.PurchaseID] {
				t.Fatalf("missing ids: %v", ids)
			}

			ids, err = s.PurchaseIDsByContact(ctx, "nobody@example.com")
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if len(ids) != 0 {
				t.Fatalf("expected no ids, got %v", ids)
			}
		})
	}
}

func TestMemoryCanceledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().Get(ctx, "P1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	s, mr := newMiniRedisStore(t, 0)
	mr.Close()

	_, err := s.ConditionalIncrement(context.Background(), "P1", "A")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("transient failure must not look like a missing purchase")
	}
}

func TestRedisRetention(t *testing.T) {
	s, mr := newMiniRedisStore(t, time.Hour)
	ctx := context.Background()
	rec := testRecord("P-ttl", "buyer@example.com", time.Now(), model.LineItem{ProductID: "A", QuantityPurchased: 1})
	if _, err := s.PutIfAbsent(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr.TTL(recordKey("P-ttl")); ttl <= 0 {
		t.Fatalf("expected a ttl on the record key, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, "P-ttl"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to expire, got %v", err)
	}
}

// TestRedisLegacyRecord seeds a record in the old session/photo shape and checks
// that reads translate it and increments respect its embedded counter.
func TestRedisLegacyRecord(t *testing.T) {
	s, mr := newMiniRedisStore(t, 0)
	ctx := context.Background()
	legacy := `{"sessionId":"cs_legacy","email":"Old@Example.com","timestamp":1700000000000,` +
		`"items":[{"photoId":"photo-1","copies":2,"downloads":1}]}`
	if err := mr.Set(recordKey("cs_legacy"), legacy); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.Get(ctx, "cs_legacy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	item, ok := got.Item("photo-1")
	if !ok || item.QuantityPurchased != 2 || item.QuantityDownloaded != 1 {
		t.Fatalf("legacy item not translated: %+v", got.LineItems)
	}
	if got.CustomerContact != "Old@Example.com" || got.CreatedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("legacy header not translated: %+v", got)
	}

	res, err := s.ConditionalIncrement(ctx, "cs_legacy", "photo-1")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if !res.Incremented || res.QuantityDownloaded != 2 {
		t.Fatalf("unexpected first increment %+v", res)
	}
	res, err = s.ConditionalIncrement(ctx, "cs_legacy", "photo-1")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if res.Incremented {
		t.Fatalf("legacy record allowed a download past its ceiling: %+v", res)
	}
}

func TestDecodeRecordRejectsInvalidItems(t *testing.T) {
	cases := []string{
		`{"purchaseId":"P1","lineItems":[{"productId":"","quantityPurchased":1}]}`,
		`{"purchaseId":"P1","lineItems":[{"productId":"A","quantityPurchased":0}]}`,
		`{"lineItems":[{"productId":"A","quantityPurchased":1}]}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := decodeRecord([]byte(raw)); err == nil {
			t.Errorf("expected error decoding %s", raw)
		}
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "cassandra"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
