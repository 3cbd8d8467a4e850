// Package lookup answers "what can this customer download right now".
// It is a pure read: no waiting, no caching across requests.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/photomarket/entitlements-go/internal/metrics"
	"github.com/photomarket/entitlements-go/internal/model"
	"github.com/photomarket/entitlements-go/internal/storage"
	"github.com/photomarket/entitlements-go/internal/telemetry"
)

// ErrNotFound means no purchase matched. Callers poll on it for a bounded time
// after checkout because ingestion may not have happened yet.
var ErrNotFound = errors.New("no entitlements found")

// TokenIssuer mints a capability token for one line item.
type TokenIssuer interface {
	Issue(purchaseID, productID string) (string, time.Time, error)
}

// Service implements GetEntitlements and GetEntitlementsByContact.
type Service struct {
	store   storage.Store
	tokens  TokenIssuer // optional
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewService creates a lookup service. tokens may be nil, in which case no
// download tokens are attached.
func NewService(store storage.Store, tokens TokenIssuer, timeout time.Duration, m *metrics.Metrics) *Service {
	return &Service{store: store, tokens: tokens, timeout: timeout, metrics: m}
}

// GetEntitlements returns the entitlements of one purchase by primary key.
func (s *Service) GetEntitlements(ctx context.Context, purchaseID string) (model.EntitlementSet, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lookup.GetEntitlements")
	defer span.End()
	span.SetAttributes(attribute.String("purchase.id", purchaseID))

	rec, err := s.get(ctx, purchaseID)
	if err != nil {
		s.count("purchase", err)
		return model.EntitlementSet{}, err
	}
	set, err := s.build(rec)
	s.count("purchase", err)
	return set, err
}

// GetEntitlementsByContact returns the entitlements of the most recently created
// purchase recorded for contact. Ties on createdAt go to the greater purchase id
// so the answer is deterministic.
func (s *Service) GetEntitlementsByContact(ctx context.Context, contact string) (model.EntitlementSet, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lookup.GetEntitlementsByContact")
	defer span.End()

	normalized := storage.NormalizeContact(contact)
	if normalized == "" {
		s.count("contact", ErrNotFound)
		return model.EntitlementSet{}, ErrNotFound
	}

	ids, err := s.withTimeoutIDs(ctx, normalized)
	if err != nil {
		s.count("contact", err)
		return model.EntitlementSet{}, err
	}

	var records []*model.PurchaseRecord
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index entries may outlive expired records.
			continue
		}
		if err != nil {
			s.count("contact", err)
			return model.EntitlementSet{}, err
		}
		if storage.NormalizeContact(rec.CustomerContact) != normalized {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		s.count("contact", ErrNotFound)
		return model.EntitlementSet{}, ErrNotFound
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].PurchaseID > records[j].PurchaseID
	})
	if len(records) > 1 {
		slog.Debug("contact matches several purchases, using most recent",
			"purchases", len(records), "purchase_id", records[0].PurchaseID)
	}

	set, err := s.build(records[0])
	s.count("contact", err)
	return set, err
}

func (s *Service) get(ctx context.Context, purchaseID string) (*model.PurchaseRecord, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	rec, err := s.store.Get(ctx, purchaseID)
	if errors.Is(err, storage.ErrNotFound) {
		s.metrics.ObserveStorage("get", started, nil)
		return nil, ErrNotFound
	}
	s.metrics.ObserveStorage("get", started, err)
	if err != nil {
		return nil, fmt.Errorf("get purchase %s: %w", purchaseID, err)
	}
	return rec, nil
}

func (s *Service) withTimeoutIDs(ctx context.Context, contact string) ([]string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	ids, err := s.store.PurchaseIDsByContact(ctx, contact)
	s.metrics.ObserveStorage("ids_by_contact", started, err)
	if err != nil {
		return nil, fmt.Errorf("list purchases by contact: %w", err)
	}
	return ids, nil
}

// build renders the storefront view. Items with nothing left never get a token.
func (s *Service) build(rec *model.PurchaseRecord) (model.EntitlementSet, error) {
	set := model.EntitlementSet{
		PurchaseID: rec.PurchaseID,
		CreatedAt:  rec.CreatedAt,
		Items:      make([]model.Entitlement, 0, len(rec.LineItems)),
	}
	for _, li := range rec.LineItems {
		e := model.Entitlement{
			ProductID:          li.ProductID,
			QuantityPurchased:  li.QuantityPurchased,
			QuantityDownloaded: li.QuantityDownloaded,
			Remaining:          li.Remaining(),
			CanDownload:        li.Remaining() > 0,
		}
		if e.CanDownload && s.tokens != nil {
			tok, expires, err := s.tokens.Issue(rec.PurchaseID, li.ProductID)
			if err != nil {
				return model.EntitlementSet{}, fmt.Errorf("issue download token: %w", err)
			}
			e.DownloadToken = tok
			e.TokenExpiresAt = &expires
		}
		set.Items = append(set.Items, e)
	}
	return set, nil
}

func (s *Service) count(path string, err error) {
	if s.metrics == nil {
		return
	}
	result := "found"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	s.metrics.EntitlementLookupTotal.WithLabelValues(path, result).Inc()
}
