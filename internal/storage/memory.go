package storage

import (
	"context"
	"sync"

	"github.com/photomarket/entitlements-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu        sync.Mutex                       // Serializes every primitive
	purchases map[string]*model.PurchaseRecord // Map of purchase id to record
	byContact map[string][]string              // Map of normalized contact to purchase ids
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		purchases: make(map[string]*model.PurchaseRecord),
		byContact: make(map[string][]string),
	}
}

func (m *memory) PutIfAbsent(ctx context.Context, record model.PurchaseRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("put purchase", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.purchases[record.PurchaseID]; exists {
		return false, nil
	}

	recordCopy := record.Clone()
	m.purchases[record.PurchaseID] = &recordCopy

	contact := NormalizeContact(record.CustomerContact)
	if contact != "" {
		m.byContact[contact] = append(m.byContact[contact], record.PurchaseID)
	}
	return true, nil
}

func (m *memory) Get(ctx context.Context, purchaseID string) (*model.PurchaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get purchase", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.purchases[purchaseID]
	if !exists {
		return nil, ErrNotFound
	}
	recordCopy := record.Clone()
	return &recordCopy, nil
}

func (m *memory) ConditionalIncrement(ctx context.Context, purchaseID, productID string) (model.IncrementResult, error) {
	if err := ctx.Err(); err != nil {
		return model.IncrementResult{}, unavailable("increment download", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.purchases[purchaseID]
	if !exists {
		return model.IncrementResult{}, ErrNotFound
	}

	for i := range record.LineItems {
		item := &record.LineItems[i]
		if item.ProductID != productID {
			continue
		}
		if item.QuantityDownloaded >= item.QuantityPurchased {
			return model.IncrementResult{
				QuantityPurchased:  item.QuantityPurchased,
				QuantityDownloaded: item.QuantityDownloaded,
			}, nil
		}
		item.QuantityDownloaded++
		return model.IncrementResult{
			Incremented:        true,
			QuantityPurchased:  item.QuantityPurchased,
			QuantityDownloaded: item.QuantityDownloaded,
		}, nil
	}
	return model.IncrementResult{}, ErrItemNotFound
}

func (m *memory) PurchaseIDsByContact(ctx context.Context, contact string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list purchases by contact", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byContact[NormalizeContact(contact)]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (m *memory) Ping(ctx context.Context) error {
	return ctx.Err()
}
