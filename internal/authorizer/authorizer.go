// Package authorizer decides whether one more copy of a purchased product may be
// downloaded. The decision and the consumption of the unit are the same atomic
// store operation; nothing here reads the counter and writes it back separately.
package authorizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/photomarket/entitlements-go/internal/metrics"
	"github.com/photomarket/entitlements-go/internal/storage"
	"github.com/photomarket/entitlements-go/internal/telemetry"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNotFound     Reason = "NotFound"     // No purchase with that id
	ReasonNotPurchased Reason = "NotPurchased" // Purchase exists but does not contain the product
	ReasonLimitReached Reason = "LimitReached" // Every purchased copy was already downloaded
)

// Decision is the outcome of one authorization attempt. A denial is a value, not
// an error; errors are reserved for transient store failures.
type Decision struct {
	Granted            bool
	Reason             Reason // Empty when Granted
	PurchaseID         string
	ProductID          string
	QuantityPurchased  int
	QuantityDownloaded int // Counter value after this attempt
}

// Remaining returns the downloads left after this attempt.
func (d Decision) Remaining() int {
	if d.QuantityDownloaded >= d.QuantityPurchased {
		return 0
	}
	return d.QuantityPurchased - d.QuantityDownloaded
}

// GrantListener is told about every granted download after the unit is consumed.
type GrantListener func(ctx context.Context, d Decision)

// Authorizer implements AuthorizeDownload on top of the store's conditional increment.
type Authorizer struct {
	store     storage.Store
	timeout   time.Duration
	metrics   *metrics.Metrics
	listeners []GrantListener
}

// New creates an Authorizer. timeout bounds the store call; zero disables it.
func New(store storage.Store, timeout time.Duration, m *metrics.Metrics, listeners ...GrantListener) *Authorizer {
	return &Authorizer{store: store, timeout: timeout, metrics: m, listeners: listeners}
}

// AuthorizeDownload consumes one download unit of productID in purchaseID if any
// remain. The unit is consumed before the caller releases any bytes, so a
// delivery that fails afterwards still counts. There is no retry and no
// compensation. A timeout or backend failure returns an error wrapping
// storage.ErrUnavailable and must be treated as neither grant nor denial.
func (a *Authorizer) AuthorizeDownload(ctx context.Context, purchaseID, productID string) (Decision, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "authorizer.AuthorizeDownload")
	defer span.End()
	span.SetAttributes(attribute.String("purchase.id", purchaseID), attribute.String("product.id", productID))

	decision := Decision{PurchaseID: purchaseID, ProductID: productID}

	storeCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.timeout > 0 {
		storeCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	started := time.Now()
	res, err := a.store.ConditionalIncrement(storeCtx, purchaseID, productID)
	cancel()

	switch {
	case err == nil:
		a.metrics.ObserveStorage("conditional_increment", started, nil)
	case errors.Is(err, storage.ErrNotFound):
		a.metrics.ObserveStorage("conditional_increment", started, nil)
		decision.Reason = ReasonNotFound
		return a.finish(ctx, decision), nil
	case errors.Is(err, storage.ErrItemNotFound):
		a.metrics.ObserveStorage("conditional_increment", started, nil)
		decision.Reason = ReasonNotPurchased
		return a.finish(ctx, decision), nil
	default:
		a.metrics.ObserveStorage("conditional_increment", started, err)
		a.count("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		slog.Error("download authorization failed", "purchase_id", purchaseID, "product_id", productID, "error", err)
		if !errors.Is(err, storage.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
		return Decision{}, fmt.Errorf("authorize %s/%s: %w", purchaseID, productID, err)
	}

	decision.QuantityPurchased = res.QuantityPurchased
	decision.QuantityDownloaded = res.QuantityDownloaded
	if res.Incremented {
		decision.Granted = true
	} else {
		decision.Reason = ReasonLimitReached
	}
	return a.finish(ctx, decision), nil
}

// Classify checks, without consuming anything, that purchaseID exists and lists
// productID. When it does not, ok is false and d carries the NotFound or
// NotPurchased denial. The check is advisory: only AuthorizeDownload decides.
func (a *Authorizer) Classify(ctx context.Context, purchaseID, productID string) (d Decision, ok bool, err error) {
	d = Decision{PurchaseID: purchaseID, ProductID: productID}

	storeCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.timeout > 0 {
		storeCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	started := time.Now()
	rec, err := a.store.Get(storeCtx, purchaseID)
	cancel()

	switch {
	case errors.Is(err, storage.ErrNotFound):
		a.metrics.ObserveStorage("get", started, nil)
		d.Reason = ReasonNotFound
		return a.finish(ctx, d), false, nil
	case err != nil:
		a.metrics.ObserveStorage("get", started, err)
		if !errors.Is(err, storage.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
		return Decision{}, false, fmt.Errorf("classify %s/%s: %w", purchaseID, productID, err)
	}
	a.metrics.ObserveStorage("get", started, nil)

	item, found := rec.Item(productID)
	if !found {
		d.Reason = ReasonNotPurchased
		return a.finish(ctx, d), false, nil
	}
	d.QuantityPurchased = item.QuantityPurchased
	d.QuantityDownloaded = item.QuantityDownloaded
	return d, true, nil
}

func (a *Authorizer) finish(ctx context.Context, d Decision) Decision {
	if d.Granted {
		a.count("granted")
		slog.Info("download granted",
			"purchase_id", d.PurchaseID,
			"product_id", d.ProductID,
			"downloaded", d.QuantityDownloaded,
			"purchased", d.QuantityPurchased)
		for _, l := range a.listeners {
			l(ctx, d)
		}
		return d
	}

	a.count(string(d.Reason))
	slog.Info("download denied",
		"purchase_id", d.PurchaseID,
		"product_id", d.ProductID,
		"reason", d.Reason,
		"downloaded", d.QuantityDownloaded,
		"purchased", d.QuantityPurchased)
	return d
}

func (a *Authorizer) count(outcome string) {
	if a.metrics != nil {
		a.metrics.DownloadAuthorizationTotal.WithLabelValues(outcome).Inc()
	}
}
