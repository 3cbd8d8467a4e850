// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/photomarket/entitlements-go/internal/model"
)

// postgres provides persistent storage for purchases and their line items.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - ctx: Context bounding the connection attempt
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
// The CHECK constraint on line_items backs the quota invariant at the database level.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- One row per completed transaction
		CREATE TABLE IF NOT EXISTS purchases (
		    purchase_id TEXT PRIMARY KEY,            -- Gateway transaction identifier
		    customer_contact TEXT NOT NULL,          -- Normalized contact address
		    status TEXT NOT NULL,                    -- Lifecycle status (finalized)
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Secondary lookup by contact, newest first
		CREATE INDEX IF NOT EXISTS idx_purchases_contact_created_at ON purchases(customer_contact, created_at DESC);

		-- One row per distinct product within a purchase
		CREATE TABLE IF NOT EXISTS line_items (
		    purchase_id TEXT NOT NULL REFERENCES purchases(purchase_id) ON DELETE CASCADE,
		    position INTEGER NOT NULL,               -- Order the item was placed in
		    product_id TEXT NOT NULL,
		    quantity_purchased INTEGER NOT NULL CHECK (quantity_purchased > 0),
		    quantity_downloaded INTEGER NOT NULL DEFAULT 0,
		    PRIMARY KEY (purchase_id, product_id),
		    CHECK (quantity_downloaded >= 0 AND quantity_downloaded <= quantity_purchased)
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// PutIfAbsent inserts the purchase and its line items in one transaction.
// A concurrent insert of the same purchase id blocks on the primary key and then
// falls through ON CONFLICT DO NOTHING, so only one caller observes created=true.
func (p *postgres) PutIfAbsent(ctx context.Context, record model.PurchaseRecord) (bool, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return false, unavailable("begin put purchase", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO purchases (purchase_id, customer_contact, status, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (purchase_id) DO NOTHING`,
		record.PurchaseID,
		NormalizeContact(record.CustomerContact),
		string(record.Status),
		record.CreatedAt)
	if err != nil {
		return false, unavailable("insert purchase", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	for i, item := range record.LineItems {
		batch.Queue(
			`INSERT INTO line_items (purchase_id, position, product_id, quantity_purchased, quantity_downloaded)
			 VALUES ($1, $2, $3, $4, 0)`,
			record.PurchaseID, i, item.ProductID, item.QuantityPurchased)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, unavailable("insert line items", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, unavailable("commit purchase", err)
	}
	return true, nil
}

// Get retrieves a purchase and its line items in placement order
func (p *postgres) Get(ctx context.Context, purchaseID string) (*model.PurchaseRecord, error) {
	var record model.PurchaseRecord
	var status string

	err := p.db.QueryRow(ctx,
		`SELECT purchase_id, customer_contact, status, created_at FROM purchases WHERE purchase_id = $1`,
		purchaseID).Scan(&record.PurchaseID, &record.CustomerContact, &status, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get purchase", err)
	}
	record.Status = model.Status(status)

	rows, err := p.db.Query(ctx,
		`SELECT product_id, quantity_purchased, quantity_downloaded
		 FROM line_items WHERE purchase_id = $1 ORDER BY position ASC`, purchaseID)
	if err != nil {
		return nil, unavailable("get line items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.LineItem
		if err := rows.Scan(&item.ProductID, &item.QuantityPurchased, &item.QuantityDownloaded); err != nil {
			return nil, unavailable("scan line item", err)
		}
		record.LineItems = append(record.LineItems, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate line items", err)
	}

	return &record, nil
}

// ConditionalIncrement performs the guarded update in a single statement.
// The follow-up SELECT only explains a miss; it never decides a grant.
func (p *postgres) ConditionalIncrement(ctx context.Context, purchaseID, productID string) (model.IncrementResult, error) {
	var result model.IncrementResult

	err := p.db.QueryRow(ctx,
		`UPDATE line_items
		 SET quantity_downloaded = quantity_downloaded + 1
		 WHERE purchase_id = $1 AND product_id = $2 AND quantity_downloaded < quantity_purchased
		 RETURNING quantity_purchased, quantity_downloaded`,
		purchaseID, productID).Scan(&result.QuantityPurchased, &result.QuantityDownloaded)
	if err == nil {
		result.Incremented = true
		return result, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.IncrementResult{}, unavailable("increment download", err)
	}

	err = p.db.QueryRow(ctx,
		`SELECT quantity_purchased, quantity_downloaded FROM line_items WHERE purchase_id = $1 AND product_id = $2`,
		purchaseID, productID).Scan(&result.QuantityPurchased, &result.QuantityDownloaded)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.IncrementResult{}, unavailable("read line item", err)
	}

	var exists bool
	if err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM purchases WHERE purchase_id = $1)`, purchaseID).Scan(&exists); err != nil {
		return model.IncrementResult{}, unavailable("check purchase", err)
	}
	if !exists {
		return model.IncrementResult{}, ErrNotFound
	}
	return model.IncrementResult{}, ErrItemNotFound
}

// PurchaseIDsByContact lists purchase ids for a contact, newest first
func (p *postgres) PurchaseIDsByContact(ctx context.Context, contact string) ([]string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT purchase_id FROM purchases WHERE customer_contact = $1 ORDER BY created_at DESC, purchase_id DESC LIMIT 100`,
		NormalizeContact(contact))
	if err != nil {
		return nil, unavailable("list purchases by contact", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan purchase id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate purchase ids", err)
	}
	return ids, nil
}

func (p *postgres) Ping(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
