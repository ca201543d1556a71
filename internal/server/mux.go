// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the marketplace service.
// It exposes the review queue, the published catalog, per-user entitlement and
// download endpoints, and the billing webhook, with JWT authentication,
// request body validation, and per-request metrics and logging.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/approval"
	"github.com/clipmarket/clipmarket-api-go/internal/auth"
	"github.com/clipmarket/clipmarket-api-go/internal/billing"
	"github.com/clipmarket/clipmarket-api-go/internal/download"
	"github.com/clipmarket/clipmarket-api-go/internal/entitlement"
	errordefs "github.com/clipmarket/clipmarket-api-go/internal/errors"
	"github.com/clipmarket/clipmarket-api-go/internal/event"
	"github.com/clipmarket/clipmarket-api-go/internal/media"
	"github.com/clipmarket/clipmarket-api-go/internal/metrics"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/schema"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// Default limits for list operations
	DefaultListLimit = 25  // Default number of rows to return
	MaxListLimit     = 100 // Maximum number of rows to return

	maxBodyBytes    = 64 << 10 // Request bodies are small JSON documents
	maxWebhookBytes = 1 << 20  // Stripe payloads embed whole objects
)

// Options carries the dependencies of the HTTP surface.
type Options struct {
	Store        storage.Store
	Verifier     *auth.Verifier
	Workflow     *approval.Workflow
	Entitlements *entitlement.Engine
	Downloads    *download.Recorder
	Billing      *billing.Mapper
	Relocator    media.Relocator
	Metrics      *metrics.Metrics // Nil uses the process-wide metrics

	StripeWebhookSecret string        // Empty disables the billing webhook
	SignedURLTTL        time.Duration // Lifetime of URLs issued by catalog and download endpoints

	// Download rate limit per user; a non-positive rate disables it
	DownloadRatePerSecond float64
	DownloadRateBurst     int

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)

	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For
	// header is honoured; empty means the peer address is always used
	TrustedProxies []string
}

// Mux handles HTTP requests for the marketplace service.
type Mux struct {
	mux          *http.ServeMux
	s            storage.Store
	verifier     *auth.Verifier
	workflow     *approval.Workflow
	entitlements *entitlement.Engine
	downloads    *download.Recorder
	billing      *billing.Mapper
	relocator    media.Relocator
	validator    *schema.Validator
	metrics      *metrics.Metrics
	limiters     *limiterSet
	proxies      proxySet

	webhookSecret      string
	signedURLTTL       time.Duration
	corsAllowedOrigins []string
}

// NewMux creates a new HTTP mux with all marketplace endpoints.
func NewMux(opts Options) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		s:                  opts.Store,
		verifier:           opts.Verifier,
		workflow:           opts.Workflow,
		entitlements:       opts.Entitlements,
		downloads:          opts.Downloads,
		billing:            opts.Billing,
		relocator:          opts.Relocator,
		metrics:            opts.Metrics,
		limiters:           newLimiterSet(opts.DownloadRatePerSecond, opts.DownloadRateBurst),
		proxies:            parseProxies(opts.TrustedProxies),
		webhookSecret:      opts.StripeWebhookSecret,
		signedURLTTL:       opts.SignedURLTTL,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics()
	}
	if m.signedURLTTL <= 0 {
		m.signedURLTTL = approval.DefaultSignedURLTTL
	}

	validator, err := schema.NewValidator(m.metrics)
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}
	m.validator = validator

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Review queue
	m.mux.HandleFunc("/v1/admin/staging", m.admin(http.MethodGet, m.handleListStaging))
	m.mux.HandleFunc("/v1/admin/staging/{id}", m.admin(http.MethodGet, m.handleGetStaging))
	m.mux.HandleFunc("/v1/admin/staging/{id}/approve", m.admin(http.MethodPost, m.handleApprove))
	m.mux.HandleFunc("/v1/admin/staging/{id}/reject", m.admin(http.MethodPost, m.handleReject))
	m.mux.HandleFunc("/v1/admin/reconcile", m.admin(http.MethodPost, m.handleReconcile))
	m.mux.HandleFunc("/v1/admin/users/{id}/role", m.admin(http.MethodPut, m.handleSetRole))

	// Catalog and downloads
	m.mux.HandleFunc("/v1/videos", m.user(http.MethodGet, m.handleListVideos))
	m.mux.HandleFunc("/v1/videos/{id}", m.user(http.MethodGet, m.handleGetVideo))
	m.mux.HandleFunc("/v1/videos/{id}/download", m.user(http.MethodPost, m.handleDownload))
	m.mux.HandleFunc("/v1/me/entitlement", m.user(http.MethodGet, m.handleEntitlement))
	m.mux.HandleFunc("/v1/me/subscription", m.user(http.MethodGet, m.handleSubscription))
	m.mux.HandleFunc("/v1/me/downloads", m.user(http.MethodGet, m.handleListDownloads))
	m.mux.HandleFunc("/v1/me/downloads/{id}", m.user(http.MethodDelete, m.handleDeleteDownload))

	// Billing provider callbacks carry their own signature instead of a JWT
	m.mux.HandleFunc("/billing/webhook", m.withMiddleware(m.method(http.MethodPost, m.handleBillingWebhook)))

	return m.mux
}

// user wraps a handler that requires an authenticated caller.
func (m *Mux) user(method string, h http.HandlerFunc) http.HandlerFunc {
	return m.withMiddleware(m.method(method, m.authenticated(h)))
}

// admin wraps a handler that requires an admin caller.
func (m *Mux) admin(method string, h http.HandlerFunc) http.HandlerFunc {
	return m.user(method, m.adminOnly(h))
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			m.writeErrorDef(w, http.StatusMethodNotAllowed,
				errordefs.New(errordefs.MKT_BAD_REQUEST, "method not allowed", event.CorrelationID(r.Context())))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures what a handler wrote for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
	userID string
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation ids, request metrics and logging.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		// Handle CORS preflight requests
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(event.WithCorrelationID(r.Context(), correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, code).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec, time.Since(start), correlationID)
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

// authenticated validates the bearer token and attaches the caller.
func (m *Mux) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := m.validateJWT(r)
		if err != nil {
			m.fail(r.Context(), w, err)
			return
		}
		if rec, ok := w.(*statusRecorder); ok {
			rec.userID = p.UserID
		}
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// adminOnly admits callers whose token or stored role grants admin.
func (m *Mux) adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.FromContext(r.Context())
		if !p.IsAdmin() {
			role, err := m.s.GetUserRole(r.Context(), p.UserID)
			if err != nil {
				m.fail(r.Context(), w, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to load role", err))
				return
			}
			if role != model.RoleAdmin {
				m.fail(r.Context(), w, errordefs.New(errordefs.MKT_AUTHZ, "admin role required", ""))
				return
			}
			p.Role = model.RoleAdmin
		}
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// validateJWT validates the bearer token and returns the caller.
func (m *Mux) validateJWT(r *http.Request) (auth.Principal, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return auth.Principal{}, errordefs.New(errordefs.MKT_AUTHN, "missing Authorization header", "")
	}

	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return auth.Principal{}, errordefs.New(errordefs.MKT_AUTHN, "invalid Authorization header format", "")
	}

	p, err := m.verifier.Verify(r.Context(), tokenString)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, auth.ErrExpired):
		return auth.Principal{}, errordefs.New(errordefs.MKT_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, auth.ErrMalformed):
		return auth.Principal{}, errordefs.New(errordefs.MKT_JWT_MALFORMED, "malformed JWT", "")
	default:
		return auth.Principal{}, errordefs.New(errordefs.MKT_JWT_INVALID, "invalid JWT", "")
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErrorDef writes an error response following the service error taxonomy
func (m *Mux) writeErrorDef(w http.ResponseWriter, statusCode int, err *errordefs.Error) {
	body := map[string]interface{}{
		"code":          err.Code,
		"message":       err.Message,
		"correlationId": err.CorrelationID,
		"retryable":     err.Retryable,
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	if statusCode == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// fail renders err. Errors without a code become MKT_INTERNAL with a generic message.
func (m *Mux) fail(ctx context.Context, w http.ResponseWriter, err error) {
	var def *errordefs.Error
	if !errors.As(err, &def) {
		def = errordefs.Wrap(errordefs.MKT_INTERNAL, "internal error", err)
	}
	out := *def
	out.CorrelationID = event.CorrelationID(ctx)

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(out.Code))
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	m.writeErrorDef(w, out.HTTPStatus, &out)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, rec *statusRecorder, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if rec.userID != "" {
		attrs = append(attrs, slog.String("user_id", rec.userID))
	}

	switch {
	case rec.err != nil && rec.status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", rec.err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case rec.err != nil:
		attrs = append(attrs, slog.String("error", rec.err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// parseLimit reads the limit query parameter, clamped to MaxListLimit.
func parseLimit(r *http.Request) int {
	limit := DefaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil {
			if v > 0 && v <= MaxListLimit {
				limit = v
			} else if v > MaxListLimit {
				limit = MaxListLimit
			}
		}
	}
	return limit
}

// proxySet holds the addresses allowed to report a client address.
type proxySet []netip.Prefix

// parseProxies accepts bare addresses and CIDRs; invalid entries are skipped.
func parseProxies(entries []string) proxySet {
	var out proxySet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		slog.Warn("ignoring invalid trusted proxy", "entry", e)
	}
	return out
}

func (p proxySet) trusted(addr string) bool {
	a, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, prefix := range p {
		if prefix.Contains(a) {
			return true
		}
	}
	return false
}

// clientIP returns the peer address unless the peer is a trusted proxy, in
// which case X-Forwarded-For is walked from the right and the first hop that
// is not a trusted proxy wins.
func (m *Mux) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" || !m.proxies.trusted(host) {
		return host
	}
	hops := strings.Split(fwd, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !m.proxies.trusted(hop) || i == 0 {
			return hop
		}
	}
	return host
}

// limiterIdleTTL is how long a user's bucket is kept without requests.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per user. Buckets idle for longer than
// the time they take to refill are dropped on a periodic sweep.
type limiterSet struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
	byUser    map[string]*limiterEntry
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if burst <= 0 {
		burst = 1
	}
	idle := limiterIdleTTL
	if perSecond > 0 {
		if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &limiterSet{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idle:      idle,
		now:       time.Now,
		lastSweep: time.Now(),
		byUser:    make(map[string]*limiterEntry),
	}
}

// allow reports whether userID may proceed now.
func (l *limiterSet) allow(userID string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	e, ok := l.byUser[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byUser[userID] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// sweep drops idle buckets. Callers hold l.mu.
func (l *limiterSet) sweep(now time.Time) {
	for id, e := range l.byUser {
		if now.Sub(e.lastSeen) >= l.idle {
			delete(l.byUser, id)
		}
	}
	l.lastSweep = now
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz checks that the store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.s.Ping(ctx); err != nil {
		slog.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
