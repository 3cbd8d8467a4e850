// Package storage provides implementations of the Store interface
// for in-memory, Redis, and PostgreSQL backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/photomarket/entitlements-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound     = errors.New("purchase not found")          // No record for the purchase id
	ErrItemNotFound = errors.New("product not in purchase")     // Record exists but has no such line item
	ErrUnavailable  = errors.New("entitlement store unavailable") // Transient backend failure; never a grant or denial
)

// Store interface defines the entitlement store primitives.
// Every implementation must make PutIfAbsent and ConditionalIncrement single atomic
// operations; no caller ever separates the quota read from the write.
type Store interface {
	// PutIfAbsent creates the record unless one already exists for its purchase id.
	// Returns true if this call created the record.
	PutIfAbsent(ctx context.Context, record model.PurchaseRecord) (bool, error)

	// Get returns the record with its current download counters, or ErrNotFound.
	Get(ctx context.Context, purchaseID string) (*model.PurchaseRecord, error)

	// ConditionalIncrement advances the downloaded counter of one line item by one
	// only if it is strictly below the purchased quantity.
	ConditionalIncrement(ctx context.Context, purchaseID, productID string) (model.IncrementResult, error)

	// PurchaseIDsByContact returns the purchase ids recorded for a contact address.
	// Results are best-effort and may be stale; never use them to authorize.
	PurchaseIDsByContact(ctx context.Context, contact string) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// Options selects and configures a storage backend.
type Options struct {
	Backend     string        // memory, redis or postgres
	RedisURL    string        // Redis connection URL (redis backend)
	DatabaseDSN string        // PostgreSQL connection string (postgres backend)
	Retention   time.Duration // Store-level expiry for records, 0 keeps them forever
}

// Open creates the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedisFromURL(ctx, opts.RedisURL, opts.Retention)
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// NormalizeContact canonicalizes a contact address for the secondary index.
func NormalizeContact(contact string) string {
	return strings.ToLower(strings.TrimSpace(contact))
}

// unavailable wraps a backend failure so callers can classify it with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
