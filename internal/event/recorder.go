package event

import (
	"context"
	"sync"

	"github.com/clipmarket/clipmarket-api-go/internal/model"
)

// Recorder is an in-process Publisher that keeps every envelope it is given.
// Used in dev mode logging and in tests that assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []EventEnvelope
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) add(ctx context.Context, eventType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, newEnvelope(ctx, eventType, payload))
	return nil
}

// Events returns a snapshot of recorded envelopes.
func (r *Recorder) Events() []EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventEnvelope(nil), r.events...)
}

// Count returns how many envelopes of eventType were recorded.
func (r *Recorder) Count(eventType string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (r *Recorder) PublishVideoApproved(ctx context.Context, staging model.StagingVideo, asset model.ProductionVideoAsset) error {
	approvedBy := ""
	if staging.ApprovedBy != nil {
		approvedBy = *staging.ApprovedBy
	}
	return r.add(ctx, TypeVideoApproved, VideoApprovedPayload{StagingID: staging.ID, ApprovedBy: approvedBy, Asset: asset})
}

func (r *Recorder) PublishVideoRejected(ctx context.Context, staging model.StagingVideo) error {
	return r.add(ctx, TypeVideoRejected, staging)
}

func (r *Recorder) PublishDownloadRecorded(ctx context.Context, rec model.DownloadHistoryRecord) error {
	return r.add(ctx, TypeDownloadRecorded, rec)
}

func (r *Recorder) PublishSubscriptionUpdated(ctx context.Context, sub model.Subscription) error {
	return r.add(ctx, TypeSubscriptionUpdated, sub)
}

func (r *Recorder) Close() error { return nil }
