// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams catalog, download and billing events so downstream consumers
// (search indexing, analytics, email) can react without polling the database.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/metrics"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event types, also used as JetStream subjects
const (
	TypeVideoApproved       = "market.catalog.video.approved"
	TypeVideoRejected       = "market.catalog.video.rejected"
	TypeDownloadRecorded    = "market.downloads.recorded"
	TypeSubscriptionUpdated = "market.billing.subscription.updated"
)

// Publisher interface defines the event publishing operations required by the marketplace service.
type Publisher interface {
	// Catalog events
	PublishVideoApproved(ctx context.Context, staging model.StagingVideo, asset model.ProductionVideoAsset) error
	PublishVideoRejected(ctx context.Context, staging model.StagingVideo) error

	// Download events
	PublishDownloadRecorded(ctx context.Context, rec model.DownloadHistoryRecord) error

	// Billing events
	PublishSubscriptionUpdated(ctx context.Context, sub model.Subscription) error

	// Close closes the publisher connection
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// VideoApprovedPayload links a staging row to the catalog row it produced.
type VideoApprovedPayload struct {
	StagingID  string                     `json:"stagingId"`
	ApprovedBy string                     `json:"approvedBy"`
	Asset      model.ProductionVideoAsset `json:"asset"`
}

type correlationKey struct{}

// WithCorrelationID attaches a request correlation id that envelopes will carry.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id on ctx, or a fresh one.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

func newEnvelope(ctx context.Context, eventType string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: CorrelationID(ctx),
		Payload:       payload,
	}
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishVideoApproved(ctx context.Context, staging model.StagingVideo, asset model.ProductionVideoAsset) error {
	return nil
}

func (n *noop) PublishVideoRejected(ctx context.Context, staging model.StagingVideo) error {
	return nil
}

func (n *noop) PublishDownloadRecorded(ctx context.Context, rec model.DownloadHistoryRecord) error {
	return nil
}

func (n *noop) PublishSubscriptionUpdated(ctx context.Context, sub model.Subscription) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn            // NATS connection
	js      nats.JetStreamContext // JetStream context for stream operations
	metrics *metrics.Metrics

	// Keys published within the dedup window are skipped
	dedup map[string]time.Time
	mutex sync.Mutex
}

// dedupWindow bounds how long a repeated event key is suppressed.
const dedupWindow = 2 * time.Minute

// NewPublisher connects to url and returns a JetStream publisher.
// An empty url, or any failure while connecting, yields a no-op publisher
// so the service keeps running without event streaming.
func NewPublisher(url string, m *metrics.Metrics) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("clipmarket-api"))
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
		dedup:   make(map[string]time.Time),
	}
}

// initStreams creates the MARKET_CATALOG, MARKET_DOWNLOADS and MARKET_BILLING streams.
func initStreams(js nats.JetStreamContext) error {
	streams := []nats.StreamConfig{
		{Name: "MARKET_CATALOG", Subjects: []string{"market.catalog.>"}, MaxAge: 7 * 24 * time.Hour},
		{Name: "MARKET_DOWNLOADS", Subjects: []string{"market.downloads.>"}, MaxAge: 24 * time.Hour},
		{Name: "MARKET_BILLING", Subjects: []string{"market.billing.>"}, MaxAge: 7 * 24 * time.Hour},
	}
	for i := range streams {
		cfg := streams[i]
		cfg.Retention = nats.LimitsPolicy
		cfg.Discard = nats.DiscardOld
		cfg.Storage = nats.FileStorage
		if _, err := js.AddStream(&cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup reports whether key was published within the dedup window.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < dedupWindow
	}
	return false
}

// updateDedup records key as published and prunes stale entries.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-2 * dedupWindow)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = time.Now()
}

// publish wraps payload in an envelope and sends it, skipping keys seen in the dedup window.
// The dedup key doubles as the JetStream message id so the server dedups retries too.
func (p *natsPub) publish(ctx context.Context, subject, dedupKey string, payload interface{}) error {
	if dedupKey != "" && p.shouldDedup(dedupKey) {
		return nil
	}

	b, err := json.Marshal(newEnvelope(ctx, subject, payload))
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if dedupKey != "" {
		opts = append(opts, nats.MsgId(dedupKey))
	}
	started := time.Now()
	_, err = p.js.Publish(subject, b, opts...)
	p.metrics.ObserveEventPublish(subject, err, started)
	if err != nil {
		return err
	}

	if dedupKey != "" {
		p.updateDedup(dedupKey)
	}
	return nil
}

func (p *natsPub) PublishVideoApproved(ctx context.Context, staging model.StagingVideo, asset model.ProductionVideoAsset) error {
	approvedBy := ""
	if staging.ApprovedBy != nil {
		approvedBy = *staging.ApprovedBy
	}
	return p.publish(ctx, TypeVideoApproved, "approved:"+staging.ID, VideoApprovedPayload{
		StagingID:  staging.ID,
		ApprovedBy: approvedBy,
		Asset:      asset,
	})
}

// PublishVideoRejected is not deduplicated; each rejection may carry a new reason.
func (p *natsPub) PublishVideoRejected(ctx context.Context, staging model.StagingVideo) error {
	return p.publish(ctx, TypeVideoRejected, "", staging)
}

func (p *natsPub) PublishDownloadRecorded(ctx context.Context, rec model.DownloadHistoryRecord) error {
	return p.publish(ctx, TypeDownloadRecorded, "download:"+rec.ID, rec)
}

func (p *natsPub) PublishSubscriptionUpdated(ctx context.Context, sub model.Subscription) error {
	return p.publish(ctx, TypeSubscriptionUpdated, "", sub)
}
