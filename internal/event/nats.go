// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams purchase and download events for downstream fulfilment and audit.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/photomarket/entitlements-go/internal/metrics"
	"github.com/photomarket/entitlements-go/internal/model"
)

// Subjects and streams
const (
	SubjectPurchaseCompleted = "ent.purchases.completed"
	SubjectDownloadGranted   = "ent.downloads.granted"

	streamPurchases = "ENT_PURCHASES"
	streamDownloads = "ENT_DOWNLOADS"

	dedupWindow = 2 * time.Minute

	// Upper bound on a single JetStream publish including its ack. Publishing
	// runs after a unit was consumed, so it must never hold the response.
	defaultPublishTimeout = 2 * time.Second
)

// Publisher interface defines the event publishing operations required by the entitlement service.
type Publisher interface {
	// PublishPurchaseCompleted announces a newly created purchase record.
	PublishPurchaseCompleted(ctx context.Context, record model.PurchaseRecord) error

	// PublishDownloadGranted announces that one download unit was consumed.
	PublishDownloadGranted(ctx context.Context, grant DownloadGranted) error

	// Close closes the publisher connection
	Close() error
}

// DownloadGranted is the payload of a download event.
type DownloadGranted struct {
	PurchaseID         string `json:"purchaseId"`
	ProductID          string `json:"productId"`
	QuantityPurchased  int    `json:"quantityPurchased"`
	QuantityDownloaded int    `json:"quantityDownloaded"`
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishPurchaseCompleted(ctx context.Context, record model.PurchaseRecord) error {
	return nil
}

func (n *noop) PublishDownloadGranted(ctx context.Context, grant DownloadGranted) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	metrics *metrics.Metrics // Optional publish counters
	timeout time.Duration    // Per-publish deadline
}

// NewPublisher connects to the NATS server at url.
// If url is empty or the connection fails, it returns a no-op publisher so that
// event streaming never blocks ingestion or downloads.
func NewPublisher(url string, m *metrics.Metrics) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("entitlementsd"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:      nc,
		js:      js,
		metrics: m,
		timeout: defaultPublishTimeout,
	}
}

// initStreams creates the ENT_PURCHASES and ENT_DOWNLOADS streams.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       streamPurchases,
		Subjects:   []string{"ent.purchases.*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow, // Window for Nats-Msg-Id deduplication
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", streamPurchases, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamDownloads,
		Subjects:  []string{"ent.downloads.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", streamDownloads, err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

func newEnvelope(eventType string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// publish sends one message and waits at most p.timeout for the stream ack.
func (p *natsPub) publish(ctx context.Context, subject string, data []byte, msgID string) error {
	timeout := p.timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.EventPublishTotal.WithLabelValues(subject, status).Inc()
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishPurchaseCompleted publishes to ENT_PURCHASES. The purchase id doubles as the
// JetStream message id so the server drops redeliveries from other replicas too.
func (p *natsPub) PublishPurchaseCompleted(ctx context.Context, record model.PurchaseRecord) error {
	b, err := json.Marshal(newEnvelope(SubjectPurchaseCompleted, record))
	if err != nil {
		return err
	}
	return p.publish(ctx, SubjectPurchaseCompleted, b, record.PurchaseID)
}

// PublishDownloadGranted publishes to ENT_DOWNLOADS. Every grant is a distinct event.
func (p *natsPub) PublishDownloadGranted(ctx context.Context, grant DownloadGranted) error {
	b, err := json.Marshal(newEnvelope(SubjectDownloadGranted, grant))
	if err != nil {
		return err
	}

	msgID := fmt.Sprintf("%s/%s/%d", grant.PurchaseID, grant.ProductID, grant.QuantityDownloaded)
	return p.publish(ctx, SubjectDownloadGranted, b, msgID)
}
