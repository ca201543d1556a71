// Package download records consumed download entitlements.
//
// The recorder does not re-check entitlement: callers authorize first, and two
// concurrent downloads at the quota boundary may both succeed. Once a record is
// written the unit is spent, even if the transfer to the client later fails.
package download

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"time"

	errordefs "github.com/clipmarket/clipmarket-api-go/internal/errors"
	"github.com/clipmarket/clipmarket-api-go/internal/event"
	"github.com/clipmarket/clipmarket-api-go/internal/metrics"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
	"github.com/clipmarket/clipmarket-api-go/internal/telemetry"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
)

// Request describes one download.
type Request struct {
	UserID    string
	VideoID   string
	IPAddress string
	UserAgent string
}

// Recorder appends download history and maintains the derived counters.
type Recorder struct {
	store     storage.Store
	publisher event.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRecorder creates a recorder. A nil publisher drops events.
func NewRecorder(store storage.Store, publisher event.Publisher, m *metrics.Metrics) *Recorder {
	if publisher == nil {
		publisher = event.NewNoop()
	}
	return &Recorder{
		store:     store,
		publisher: publisher,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Record writes a history row for req. Counter updates are best-effort and
// never fail the download.
func (r *Recorder) Record(ctx context.Context, req Request) (*model.DownloadHistoryRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "download.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("video_id", req.VideoID),
	)

	at := r.now()

	// Trial usage counts distinct videos, so check before this row exists
	countTrial := false
	sub, err := r.store.GetSubscription(ctx, req.UserID)
	switch {
	case err == nil && sub.Status == model.StatusTrial:
		since := sub.CreatedAt
		if sub.TrialStart != nil {
			since = *sub.TrialStart
		}
		seen, err := r.store.HasDownloaded(ctx, req.UserID, req.VideoID, since)
		if err != nil {
			slog.Warn("trial history check failed", "user_id", req.UserID, "error", err)
		} else {
			countTrial = !seen
		}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		slog.Warn("load subscription for download failed", "user_id", req.UserID, "error", err)
	}

	rec := model.DownloadHistoryRecord{
		ID:           ulid.MustNew(ulid.Timestamp(at), ulid.Monotonic(rand.Reader, 0)).String(),
		UserID:       req.UserID,
		VideoID:      req.VideoID,
		DownloadedAt: at,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
	}
	if err := r.store.CreateDownloadRecord(ctx, rec); err != nil {
		r.metrics.IncDownload("error")
		span.RecordError(err)
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to record download", err)
	}

	if err := r.store.IncrementDownloadCount(ctx, req.VideoID); err != nil {
		slog.Warn("increment download count failed", "video_id", req.VideoID, "error", err)
	}
	if countTrial {
		if err := r.store.IncrementTrialDownloadsUsed(ctx, req.UserID); err != nil {
			slog.Warn("increment trial downloads failed", "user_id", req.UserID, "error", err)
		}
	}

	if err := r.publisher.PublishDownloadRecorded(ctx, rec); err != nil {
		slog.Warn("publish download recorded failed", "download_id", rec.ID, "error", err)
	}
	r.metrics.IncDownload("recorded")
	span.SetAttributes(attribute.String("download_id", rec.ID))
	return &rec, nil
}

// History returns the user's downloads, newest first.
func (r *Recorder) History(ctx context.Context, userID string, limit int) ([]model.DownloadHistoryRecord, error) {
	recs, err := r.store.ListDownloadRecords(ctx, userID, limit)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to list downloads", err)
	}
	return recs, nil
}

// Delete removes one of the user's own history rows. Counters derived from
// the row are left as they are.
func (r *Recorder) Delete(ctx context.Context, userID, id string) error {
	if err := r.store.DeleteDownloadRecord(ctx, userID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errordefs.New(errordefs.MKT_NOT_FOUND, "download record not found", "")
		}
		return errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to delete download record", err)
	}
	slog.Info("download record deleted", "user_id", userID, "download_id", id)
	return nil
}
