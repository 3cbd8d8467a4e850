// Package ingest turns verified payment-completion events into purchase records.
// Creation is a single conditional write, so redelivered or concurrent copies of
// the same event converge on one record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/photomarket/entitlements-go/internal/gateway"
	"github.com/photomarket/entitlements-go/internal/metrics"
	"github.com/photomarket/entitlements-go/internal/model"
	"github.com/photomarket/entitlements-go/internal/storage"
	"github.com/photomarket/entitlements-go/internal/telemetry"
)

// Status reports what an ingestion did.
type Status string

const (
	StatusCreated   Status = "created"   // This call created the record
	StatusDuplicate Status = "duplicate" // A record already existed; nothing changed
)

// Result is the outcome of a successful ingestion.
type Result struct {
	Status Status
	Record model.PurchaseRecord // The record as built from this event (not re-read on duplicates)
}

// ErrInvalidEvent wraps field-level validation failures.
var ErrInvalidEvent = errors.New("invalid purchase event")

// Notifier is told about newly created purchases. Failures never undo the record.
type Notifier interface {
	PurchaseCompleted(ctx context.Context, record model.PurchaseRecord) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, record model.PurchaseRecord) error

func (f NotifierFunc) PurchaseCompleted(ctx context.Context, record model.PurchaseRecord) error {
	return f(ctx, record)
}

// Option configures a Service.
type Option func(*Service)

// WithNotifiers registers best-effort notifiers run after a record is created.
func WithNotifiers(n ...Notifier) Option {
	return func(s *Service) { s.notifiers = append(s.notifiers, n...) }
}

// WithStoreTimeout bounds every store call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithMetrics records ingestion outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now for createdAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements purchase ingestion.
type Service struct {
	store     storage.Store
	verifier  gateway.Verifier
	validate  *validator.Validate
	notifiers []Notifier
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates an ingestion service. verifier may be nil when events are
// only ever passed to Ingest directly.
func NewService(store storage.Store, verifier gateway.Verifier, opts ...Option) *Service {
	s := &Service{
		store:    store,
		verifier: verifier,
		validate: validator.New(),
		timeout:  3 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleNotification verifies a raw gateway notification and ingests it.
// Verification errors are returned untouched (gateway.ErrSignature and friends)
// and happen before any store access.
func (s *Service) HandleNotification(ctx context.Context, payload []byte, header http.Header) (Result, error) {
	if s.verifier == nil {
		return Result{}, errors.New("no gateway verifier configured")
	}
	evt, err := s.verifier.Verify(payload, header)
	if err != nil {
		s.count(resultForVerifyError(err))
		return Result{}, err
	}
	return s.Ingest(ctx, evt)
}

// Ingest persists the purchase described by evt unless it already exists.
func (s *Service) Ingest(ctx context.Context, evt gateway.Event) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("purchase.id", evt.PurchaseID))

	record, err := s.buildRecord(evt)
	if err != nil {
		s.count("invalid")
		span.SetStatus(codes.Error, "invalid event")
		return Result{}, err
	}

	storeCtx, cancel := s.storeContext(ctx)
	started := time.Now()
	created, err := s.store.PutIfAbsent(storeCtx, record)
	cancel()
	s.metrics.ObserveStorage("put_if_absent", started, err)
	if err != nil {
		s.count("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		slog.Error("failed to persist purchase", "purchase_id", record.PurchaseID, "error", err)
		return Result{}, fmt.Errorf("persist purchase %s: %w", record.PurchaseID, err)
	}

	if !created {
		s.count(string(StatusDuplicate))
		slog.Info("duplicate purchase event", "purchase_id", record.PurchaseID, "event_id", evt.ID)
		return Result{Status: StatusDuplicate, Record: record}, nil
	}

	s.count(string(StatusCreated))
	attrs := []any{
		"purchase_id", record.PurchaseID,
		"event_id", evt.ID,
		"line_items", len(record.LineItems),
	}
	if evt.SchemaVersion != "" {
		attrs = append(attrs, "schema_version", evt.SchemaVersion)
	}
	if !evt.OccurredAt.IsZero() {
		// Gateway delivery lag: time from payment to the record existing.
		attrs = append(attrs, "occurred_at", evt.OccurredAt, "ingest_lag", record.CreatedAt.Sub(evt.OccurredAt))
		span.SetAttributes(attribute.String("payment.occurred_at", evt.OccurredAt.Format(time.RFC3339)))
	}
	slog.Info("purchase recorded", attrs...)

	s.notify(ctx, record)
	return Result{Status: StatusCreated, Record: record}, nil
}

// buildRecord validates evt and produces the record to persist: one line item per
// distinct product, repeated products summed in first-seen order.
func (s *Service) buildRecord(evt gateway.Event) (model.PurchaseRecord, error) {
	evt.PurchaseID = strings.TrimSpace(evt.PurchaseID)
	evt.CustomerContact = storage.NormalizeContact(evt.CustomerContact)
	evt.Items = append([]gateway.LineItem(nil), evt.Items...)
	for i := range evt.Items {
		evt.Items[i].ProductID = strings.TrimSpace(evt.Items[i].ProductID)
	}

	if err := s.validate.Struct(evt); err != nil {
		return model.PurchaseRecord{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	items := make([]model.LineItem, 0, len(evt.Items))
	index := make(map[string]int, len(evt.Items))
	for _, it := range evt.Items {
		if i, seen := index[it.ProductID]; seen {
			items[i].QuantityPurchased += it.Quantity
			continue
		}
		index[it.ProductID] = len(items)
		items = append(items, model.LineItem{ProductID: it.ProductID, QuantityPurchased: it.Quantity})
	}

	return model.PurchaseRecord{
		PurchaseID:      evt.PurchaseID,
		CustomerContact: evt.CustomerContact,
		LineItems:       items,
		CreatedAt:       s.now().UTC().Truncate(time.Millisecond),
		Status:          model.StatusFinalized,
	}, nil
}

func (s *Service) notify(ctx context.Context, record model.PurchaseRecord) {
	for _, n := range s.notifiers {
		nctx, cancel := s.storeContext(ctx)
		err := n.PurchaseCompleted(nctx, record)
		cancel()
		if err != nil {
			slog.Warn("purchase notification failed", "purchase_id", record.PurchaseID, "error", err)
		}
	}
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.IngestEventsTotal.WithLabelValues(result).Inc()
	}
}

func resultForVerifyError(err error) string {
	switch {
	case errors.Is(err, gateway.ErrSignature):
		return "unauthenticated"
	case errors.Is(err, gateway.ErrIgnored):
		return "ignored"
	default:
		return "invalid"
	}
}
