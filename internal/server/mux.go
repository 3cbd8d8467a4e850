// Package server implements the HTTP handlers and routing for the entitlement service.
// It exposes the gateway webhook, entitlement lookups and download authorization,
// and maps domain outcomes onto the JSON error taxonomy in internal/errors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/photomarket/entitlements-go/internal/authorizer"
	errordefs "github.com/photomarket/entitlements-go/internal/errors"
	"github.com/photomarket/entitlements-go/internal/event"
	"github.com/photomarket/entitlements-go/internal/gateway"
	"github.com/photomarket/entitlements-go/internal/ingest"
	"github.com/photomarket/entitlements-go/internal/lookup"
	"github.com/photomarket/entitlements-go/internal/metrics"
	"github.com/photomarket/entitlements-go/internal/model"
	"github.com/photomarket/entitlements-go/internal/storage"
	"github.com/photomarket/entitlements-go/internal/telemetry"
	"github.com/photomarket/entitlements-go/internal/token"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	maxWebhookBody = 1 << 20 // Gateways send small JSON documents
	retryAfter     = "1"     // Seconds suggested to callers on ENT_UNAVAILABLE
)

// FileStore locates and signs the original file of a product.
// *media.S3Client implements it.
type FileStore interface {
	ObjectKey(productID string) string
	ObjectExists(ctx context.Context, key string) (bool, error)
	GenerateDownloadURL(ctx context.Context, key string, expires time.Duration, filename string) (string, error)
}

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Store      storage.Store          // Used for readiness only
	Ingest     *ingest.Service        // Webhook handling
	Authorizer *authorizer.Authorizer // Download decisions
	Lookup     *lookup.Service        // Entitlement queries
	Tokens     *token.Issuer          // Download token verification and JWKS, optional
	Files      FileStore              // Original files, optional; grants carry no URL without it
	Metrics    *metrics.Metrics

	DownloadURLTTL     time.Duration // Lifetime of presigned URLs
	CORSAllowedOrigins []string      // Allowed origins for CORS (empty means deny all)
}

// Mux handles HTTP requests for the entitlement service.
type Mux struct {
	mux        *http.ServeMux
	store      storage.Store
	ingest     *ingest.Service
	authorizer *authorizer.Authorizer
	lookup     *lookup.Service
	tokens     *token.Issuer
	files      FileStore
	metrics    *metrics.Metrics

	downloadURLTTL     time.Duration
	corsAllowedOrigins []string
}

// NewMux creates a new HTTP mux with all entitlement endpoints.
func NewMux(d Deps) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		store:              d.Store,
		ingest:             d.Ingest,
		authorizer:         d.Authorizer,
		lookup:             d.Lookup,
		tokens:             d.Tokens,
		files:              d.Files,
		metrics:            d.Metrics,
		downloadURLTTL:     d.DownloadURLTTL,
		corsAllowedOrigins: d.CORSAllowedOrigins,
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics()
	}
	if m.downloadURLTTL <= 0 {
		m.downloadURLTTL = 5 * time.Minute
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())
	m.mux.HandleFunc("/.well-known/jwks.json", m.method("GET", m.handleJWKS))

	m.mux.HandleFunc("/v1/webhooks/payment", m.method("POST", m.withMiddleware("webhook", m.handleWebhook)))
	m.mux.HandleFunc("/v1/entitlements", m.method("GET", m.withMiddleware("entitlements", m.handleEntitlements)))
	m.mux.HandleFunc("/v1/purchases/{purchaseId}/entitlements", m.method("GET", m.withMiddleware("purchase_entitlements", m.handlePurchaseEntitlements)))
	m.mux.HandleFunc("/v1/purchases/{purchaseId}/items/{productId}/download", m.method("POST", m.withMiddleware("download", m.handleDownload)))
	m.mux.HandleFunc("/v1/downloads/{token}", m.withMiddleware("token_download", m.handleToken))

	return m.mux
}

// PublishGrants returns a grant listener that streams every granted download.
// Publishing is best-effort; the unit is already consumed, so each publish is
// cut off after timeout and the response goes out regardless.
func PublishGrants(p event.Publisher, timeout time.Duration) authorizer.GrantListener {
	return func(ctx context.Context, d authorizer.Decision) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err := p.PublishDownloadGranted(ctx, event.DownloadGranted{
			PurchaseID:         d.PurchaseID,
			ProductID:          d.ProductID,
			QuantityPurchased:  d.QuantityPurchased,
			QuantityDownloaded: d.QuantityDownloaded,
		})
		if err != nil {
			slog.Warn("failed to publish download event", "purchase_id", d.PurchaseID, "product_id", d.ProductID, "error", err)
		}
	}
}

// method ensures the HTTP method matches the expected method.
// Preflight requests are let through so withMiddleware can answer them.
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != http.MethodOptions {
			w.Header().Set("Allow", method)
			m.writeError(w, http.StatusMethodNotAllowed, string(errordefs.ENT_BAD_REQUEST), "method not allowed", "", nil)
			return
		}
		h(w, r)
	}
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation ids, request logging and metrics.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)

		// Handle CORS preflight requests
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		duration := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(route, status).Observe(duration.Seconds())
		m.logRequest(r, rec.status, duration, correlationID)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowedOrigin := range m.corsAllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			return true
		}
	}
	return false
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the entitlement error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	if err.Retryable() {
		w.Header().Set("Retry-After", retryAfter)
	}
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// writeStoreError maps an error from a service call. Only storage.ErrUnavailable
// is retryable; anything else is an internal error. Neither is ever a grant.
func (m *Mux) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	cid := correlationIDFrom(r.Context())
	if errors.Is(err, storage.ErrUnavailable) {
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_UNAVAILABLE, "entitlement store unavailable, retry later", cid))
		return
	}
	slog.Error("request failed", "path", r.URL.Path, "correlation_id", cid, "error", err)
	m.writeErrorDef(w, errordefs.New(errordefs.ENT_INTERNAL, "internal error", cid))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
	}
	if pid := r.PathValue("purchaseId"); pid != "" {
		attrs = append(attrs, slog.String("purchase_id", pid))
	}
	if prd := r.PathValue("productId"); prd != "" {
		attrs = append(attrs, slog.String("product_id", prd))
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the entitlement store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if m.store == nil || m.store.Ping(ctx) != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleJWKS publishes the download token verification key.
func (m *Mux) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if m.tokens == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(m.tokens.JWKS())
}

// handleWebhook handles POST /v1/webhooks/payment.
// A 2xx tells the gateway to stop redelivering, so it is only sent once the
// record is durable or the event was deliberately ignored.
func (m *Mux) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleWebhook")
	defer span.End()
	defer r.Body.Close()
	cid := correlationIDFrom(ctx)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		span.SetStatus(codes.Error, "body too large")
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_BAD_REQUEST, "request body too large", cid))
		return
	}

	res, err := m.ingest.HandleNotification(ctx, payload, r.Header)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrSignature):
		span.SetStatus(codes.Error, "unverified event")
		slog.Warn("rejected unverifiable payment event",
			"correlation_id", cid,
			"remote_addr", r.RemoteAddr,
			"error", err)
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_AUTHN, "event signature could not be verified", cid))
		return
	case errors.Is(err, gateway.ErrIgnored):
		slog.Debug("ignored payment event", "correlation_id", cid, "reason", err.Error())
		m.writeSuccess(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case errors.Is(err, gateway.ErrMalformed), errors.Is(err, ingest.ErrInvalidEvent):
		span.SetStatus(codes.Error, "invalid event")
		slog.Warn("rejected malformed payment event", "correlation_id", cid, "error", err)
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_VALIDATION, err.Error(), cid))
		return
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		m.writeStoreError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.String("purchase.id", res.Record.PurchaseID), attribute.String("ingest.status", string(res.Status)))
	status := "processed"
	if res.Status == ingest.StatusDuplicate {
		status = "duplicate"
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{
		"status":     status,
		"purchaseId": res.Record.PurchaseID,
	})
}

// handleEntitlements handles GET /v1/entitlements?purchaseId=... or ?contact=...
// The purchase id wins when both are given.
func (m *Mux) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleEntitlements")
	defer span.End()
	r = r.WithContext(ctx)

	purchaseID := r.URL.Query().Get("purchaseId")
	contact := r.URL.Query().Get("contact")
	switch {
	case purchaseID != "":
		set, err := m.lookup.GetEntitlements(ctx, purchaseID)
		m.writeEntitlements(w, r, set, err)
	case contact != "":
		set, err := m.lookup.GetEntitlementsByContact(ctx, contact)
		m.writeEntitlements(w, r, set, err)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_BAD_REQUEST, "purchaseId or contact is required", correlationIDFrom(ctx)))
	}
}

// handlePurchaseEntitlements handles GET /v1/purchases/{purchaseId}/entitlements
func (m *Mux) handlePurchaseEntitlements(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handlePurchaseEntitlements")
	defer span.End()

	set, err := m.lookup.GetEntitlements(ctx, r.PathValue("purchaseId"))
	m.writeEntitlements(w, r.WithContext(ctx), set, err)
}

func (m *Mux) writeEntitlements(w http.ResponseWriter, r *http.Request, set model.EntitlementSet, err error) {
	if errors.Is(err, lookup.ErrNotFound) {
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_NOT_FOUND, "purchase not found, try again shortly", correlationIDFrom(r.Context())))
		return
	}
	if err != nil {
		m.writeStoreError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, set)
}

// handleDownload handles POST /v1/purchases/{purchaseId}/items/{productId}/download.
// With ?redirect=1 a grant answers 302 to the file instead of JSON.
func (m *Mux) handleDownload(w http.ResponseWriter, r *http.Request) {
	redirect := r.URL.Query().Get("redirect") == "1"
	m.download(w, r, r.PathValue("purchaseId"), r.PathValue("productId"), redirect)
}

// handleToken serves /v1/downloads/{token}. GET only describes the item so link
// prefetchers and mail scanners cannot spend a unit; POST consumes one.
func (m *Mux) handleToken(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.handleTokenPreview(w, r)
	case http.MethodPost:
		m.handleTokenDownload(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		m.writeError(w, http.StatusMethodNotAllowed, string(errordefs.ENT_BAD_REQUEST), "method not allowed", "", nil)
	}
}

// verifyToken resolves the path token to its claims, writing the error response
// itself when the token cannot be used.
func (m *Mux) verifyToken(w http.ResponseWriter, r *http.Request) (token.Claims, bool) {
	cid := correlationIDFrom(r.Context())
	if m.tokens == nil {
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_NOT_FOUND, "download tokens are not enabled", cid))
		return token.Claims{}, false
	}

	claims, err := m.tokens.Verify(r.PathValue("token"))
	switch {
	case errors.Is(err, token.ErrExpired):
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_TOKEN_EXPIRED, "download link expired, reload your purchase", cid))
		return token.Claims{}, false
	case err != nil:
		slog.Warn("rejected download token", "correlation_id", cid, "error", err)
		m.writeErrorDef(w, errordefs.New(errordefs.ENT_TOKEN_INVALID, "download link is not valid", cid))
		return token.Claims{}, false
	}
	return claims, true
}

// handleTokenPreview reports the remaining copies behind a token without consuming one.
func (m *Mux) handleTokenPreview(w http.ResponseWriter, r *http.Request) {
	claims, ok := m.verifyToken(w, r)
	if !ok {
		return
	}
	d, known, err := m.authorizer.Classify(r.Context(), claims.PurchaseID, claims.ProductID)
	if err != nil {
		m.writeStoreError(w, r, err)
		return
	}
	if !known {
		m.writeDenial(w, correlationIDFrom(r.Context()), d)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.Entitlement{
		ProductID:          d.ProductID,
		QuantityPurchased:  d.QuantityPurchased,
		QuantityDownloaded: d.QuantityDownloaded,
		Remaining:          d.Remaining(),
		CanDownload:        d.Remaining() > 0,
	})
}

// handleTokenDownload handles POST /v1/downloads/{token}. The token only names the
// item; the download limit is still enforced by the store. Redirects by default,
// ?redirect=0 returns the grant as JSON.
func (m *Mux) handleTokenDownload(w http.ResponseWriter, r *http.Request) {
	claims, ok := m.verifyToken(w, r)
	if !ok {
		return
	}
	redirect := r.URL.Query().Get("redirect") != "0"
	m.download(w, r, claims.PurchaseID, claims.ProductID, redirect)
}

// download runs the fail-closed delivery sequence: the purchase must list the
// product and its file must exist, then one unit is consumed, then the URL is signed. A failure after the unit is consumed
// is not compensated.
func (m *Mux) download(w http.ResponseWriter, r *http.Request, purchaseID, productID string, redirect bool) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "download")
	defer span.End()
	span.SetAttributes(attribute.String("purchase.id", purchaseID), attribute.String("product.id", productID))
	r = r.WithContext(ctx)
	cid := correlationIDFrom(ctx)

	var key string
	if m.files != nil {
		// Unknown purchases and products are reported as such before the file
		// store is consulted.
		if d, ok, err := m.authorizer.Classify(ctx, purchaseID, productID); err != nil {
			m.writeStoreError(w, r, err)
			return
		} else if !ok {
			m.writeDenial(w, cid, d)
			return
		}

		key = m.files.ObjectKey(productID)
		exists, err := m.files.ObjectExists(ctx, key)
		if err != nil {
			span.RecordError(err)
			slog.Error("file storage check failed", "product_id", productID, "key", key, "error", err)
			m.writeErrorDef(w, errordefs.New(errordefs.ENT_UNAVAILABLE, "file storage unavailable, retry later", cid))
			return
		}
		if !exists {
			span.SetStatus(codes.Error, "file missing")
			slog.Error("original file missing", "purchase_id", purchaseID, "product_id", productID, "key", key)
			m.writeErrorDef(w, errordefs.New(errordefs.ENT_INTERNAL, "file is not available", cid))
			return
		}
	}

	decision, err := m.authorizer.AuthorizeDownload(ctx, purchaseID, productID)
	if err != nil {
		m.writeStoreError(w, r, err)
		return
	}
	if !decision.Granted {
		m.writeDenial(w, cid, decision)
		return
	}

	grant := model.DownloadGrant{
		PurchaseID:         decision.PurchaseID,
		ProductID:          decision.ProductID,
		QuantityPurchased:  decision.QuantityPurchased,
		QuantityDownloaded: decision.QuantityDownloaded,
		Remaining:          decision.Remaining(),
	}
	if m.files != nil {
		url, err := m.files.GenerateDownloadURL(ctx, key, m.downloadURLTTL, productID)
		if err != nil {
			span.RecordError(err)
			slog.Error("download unit consumed but URL signing failed",
				"purchase_id", purchaseID, "product_id", productID, "error", err)
			m.writeErrorDef(w, errordefs.New(errordefs.ENT_INTERNAL, "could not prepare download", cid))
			return
		}
		expires := time.Now().Add(m.downloadURLTTL).UTC()
		grant.URL = url
		grant.ExpiresAt = &expires
	}

	if redirect && grant.URL != "" {
		http.Redirect(w, r, grant.URL, http.StatusFound)
		return
	}
	m.writeSuccess(w, http.StatusOK, grant)
}

func (m *Mux) writeDenial(w http.ResponseWriter, cid string, d authorizer.Decision) {
	denial := model.DownloadDenial{
		Reason:             string(d.Reason),
		QuantityPurchased:  d.QuantityPurchased,
		QuantityDownloaded: d.QuantityDownloaded,
	}
	var e *errordefs.Error
	switch d.Reason {
	case authorizer.ReasonLimitReached:
		e = errordefs.NewWithDetails(errordefs.ENT_LIMIT_REACHED, "all copies already downloaded", cid, denial)
	case authorizer.ReasonNotPurchased:
		e = errordefs.NewWithDetails(errordefs.ENT_NOT_PURCHASED, "product is not part of this purchase", cid, denial)
	default:
		e = errordefs.NewWithDetails(errordefs.ENT_NOT_FOUND, "purchase not found, try again shortly", cid, denial)
	}
	m.writeErrorDef(w, e)
}
