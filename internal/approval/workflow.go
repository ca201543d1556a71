// Package approval publishes staged clips into the production catalog, or
// closes them out as rejected.
//
// Approve runs relocate, insert, then mark, in that order. The steps are not
// atomic as a whole: a failure before the catalog insert leaves nothing
// behind and is reported as retryable, while a failure after it is reported
// as a partial approval that a retry or Reconcile completes.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/auth"
	errordefs "github.com/clipmarket/clipmarket-api-go/internal/errors"
	"github.com/clipmarket/clipmarket-api-go/internal/event"
	"github.com/clipmarket/clipmarket-api-go/internal/lock"
	"github.com/clipmarket/clipmarket-api-go/internal/media"
	"github.com/clipmarket/clipmarket-api-go/internal/metrics"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
	"github.com/clipmarket/clipmarket-api-go/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// DefaultTitle is used when neither the reviewer nor the staged row has a title.
const DefaultTitle = "Untitled Clip"

// DefaultSignedURLTTL is the validity of URLs written to the catalog.
const DefaultSignedURLTTL = 7 * 24 * time.Hour

// Approval outcomes reported to metrics
const (
	outcomeApproved        = "approved"
	outcomeAlreadyApproved = "already_approved"
	outcomeRepaired        = "repaired"
	outcomeRelocation      = "relocation_failed"
	outcomePartial         = "partial"
	outcomeRejected        = "rejected"
	outcomeError           = "error"
)

// Options tunes the workflow.
type Options struct {
	SignedURLTTL time.Duration // Validity of catalog URLs, default 7 days
	LockTTL      time.Duration // Upper bound on one approval, default 2 minutes
}

// Workflow orchestrates approval and rejection of staged clips.
type Workflow struct {
	store     storage.Store
	relocator media.Relocator
	locker    lock.Locker
	publisher event.Publisher
	metrics   *metrics.Metrics

	signedURLTTL time.Duration
	lockTTL      time.Duration
	now          func() time.Time
}

// New creates a workflow. A nil locker falls back to an in-process lock and
// a nil publisher drops events.
func New(store storage.Store, relocator media.Relocator, locker lock.Locker, publisher event.Publisher, m *metrics.Metrics, opts Options) *Workflow {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if publisher == nil {
		publisher = event.NewNoop()
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = DefaultSignedURLTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	return &Workflow{
		store:        store,
		relocator:    relocator,
		locker:       locker,
		publisher:    publisher,
		metrics:      m,
		signedURLTTL: opts.SignedURLTTL,
		lockTTL:      opts.LockTTL,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// effective holds the metadata a catalog row is created with.
type effective struct {
	title             string
	description       string
	category          string
	beautySubCategory string
	tags              model.Tags
	duration          int
	resolution        string
}

// resolve merges reviewer overrides over the staged values.
func resolve(staged model.StagingVideo, ov model.ApprovalOverrides) effective {
	e := effective{
		title:             strings.TrimSpace(staged.Title),
		description:       staged.Description,
		category:          staged.Category,
		beautySubCategory: staged.BeautySubCategory,
		tags:              staged.Tags,
		duration:          staged.Duration,
		resolution:        staged.Resolution,
	}
	if ov.Title != nil {
		if t := strings.TrimSpace(*ov.Title); t != "" {
			e.title = t
		}
	}
	if e.title == "" {
		e.title = DefaultTitle
	}
	if ov.Description != nil {
		e.description = *ov.Description
	}
	if ov.Category != nil && strings.TrimSpace(*ov.Category) != "" {
		e.category = *ov.Category
	}
	e.category = media.NormalizeCategory(e.category)
	if ov.Tags != nil {
		e.tags = *ov.Tags
	}
	e.tags = model.NormalizeTags(e.tags)
	if ov.Duration != nil && *ov.Duration >= 0 {
		e.duration = *ov.Duration
	}
	if ov.Resolution != nil && strings.TrimSpace(*ov.Resolution) != "" {
		e.resolution = strings.TrimSpace(*ov.Resolution)
	}
	if ov.BeautySubCategory != nil {
		e.beautySubCategory = strings.TrimSpace(*ov.BeautySubCategory)
	}
	if e.category != model.CategoryBeauty {
		e.beautySubCategory = ""
	}
	return e
}

// Approve publishes the staged clip stagingID on behalf of reviewer.
// Approving an already approved clip returns the existing linkage.
func (w *Workflow) Approve(ctx context.Context, reviewer auth.Principal, stagingID string, ov model.ApprovalOverrides) (*model.ApprovalResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.Approve")
	defer span.End()
	span.SetAttributes(
		attribute.String("staging_id", stagingID),
		attribute.String("reviewer", reviewer.UserID),
	)

	started := time.Now()
	res, outcome, err := w.approve(ctx, reviewer, stagingID, ov)
	w.metrics.ObserveApproval("approve", outcome, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errordefs.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("asset_id", res.Asset.ID),
		attribute.String("outcome", outcome),
	)
	return res, nil
}

// acquire takes the review lock for stagingID. Approve and Reject share it,
// so a reject cannot land between an approval's catalog insert and its link.
func (w *Workflow) acquire(ctx context.Context, stagingID string) (func(), error) {
	l, err := w.locker.Acquire(ctx, "approve:"+stagingID, w.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, errordefs.New(errordefs.MKT_CONFLICT, "review already in progress", "").WithRetryable(true)
		}
		return nil, errordefs.Wrap(errordefs.MKT_UNAVAILABLE, "failed to acquire review lock", err)
	}
	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("release review lock failed", "staging_id", stagingID, "error", err)
		}
	}, nil
}

func (w *Workflow) approve(ctx context.Context, reviewer auth.Principal, stagingID string, ov model.ApprovalOverrides) (*model.ApprovalResult, string, error) {
	release, err := w.acquire(ctx, stagingID)
	if err != nil {
		return nil, outcomeError, err
	}
	defer release()

	staged, err := w.store.GetStagingVideo(ctx, stagingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, outcomeError, errordefs.New(errordefs.MKT_NOT_FOUND, "staging video not found", "")
		}
		return nil, outcomeError, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to load staging video", err)
	}

	switch staged.Status {
	case model.StagingApproved:
		asset, err := w.linkedAsset(ctx, staged)
		if err != nil {
			return nil, outcomeError, err
		}
		return &model.ApprovalResult{Staging: *staged, Asset: *asset, AlreadyApproved: true}, outcomeAlreadyApproved, nil
	case model.StagingRejected:
		return nil, outcomeError, errordefs.NewWithDetails(errordefs.MKT_ALREADY_PROCESSED,
			"staging video was rejected", "", map[string]string{"status": string(staged.Status)})
	}

	// A catalog row for a pending staging row is a partial approval from an
	// earlier attempt; finish it instead of relocating again.
	if existing, err := w.store.GetProductionVideoByStagingID(ctx, stagingID); err == nil {
		updated, err := w.link(ctx, staged.ID, *existing, reviewer.UserID)
		if err != nil {
			return nil, outcomePartial, partialApproval(existing.ID, err)
		}
		slog.Info("partial approval repaired", "staging_id", stagingID, "asset_id", existing.ID)
		return &model.ApprovalResult{Staging: *updated, Asset: *existing, AlreadyApproved: true}, outcomeRepaired, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, outcomeError, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to check catalog", err)
	}

	src := staged.SourcePath()
	if src == "" {
		return nil, outcomeError, errordefs.New(errordefs.MKT_MISSING_SOURCE_ASSET, "staging video has no storage path", "")
	}

	eff := resolve(*staged, ov)
	at := w.now()
	targets := media.TargetPaths(eff.category, eff.title, src, staged.ThumbnailPath, at)

	if err := w.relocator.Move(ctx, src, targets.Video); err != nil {
		w.metrics.IncRelocationFailure("video")
		slog.Warn("video relocation failed", "staging_id", stagingID, "src", src, "dst", targets.Video, "error", err)
		if errors.Is(err, media.ErrObjectNotFound) {
			// Retrying cannot help until the object is restored at src
			e := errordefs.Wrap(errordefs.MKT_MISSING_SOURCE_ASSET, "source object not found", err)
			e.Details = map[string]string{"storagePath": src}
			return nil, outcomeRelocation, e.WithRetryable(false)
		}
		return nil, outcomeRelocation, errordefs.Wrap(errordefs.MKT_RELOCATION_FAILED, "failed to relocate video", err)
	}

	// The video has moved. From here on a caller cancellation must not
	// strand the object without a catalog row.
	ctx = context.WithoutCancel(ctx)

	thumbPath := staged.ThumbnailPath
	thumbMoved := false
	if staged.ThumbnailPath != "" {
		if err := w.relocator.Move(ctx, staged.ThumbnailPath, targets.Thumbnail); err != nil {
			w.metrics.IncRelocationFailure("thumbnail")
			slog.Warn("thumbnail relocation failed, keeping original",
				"staging_id", stagingID, "src", staged.ThumbnailPath, "error", err)
		} else {
			thumbPath = targets.Thumbnail
			thumbMoved = true
		}
	}

	fileURL, thumbURL := w.urls(ctx, targets.Video, thumbPath, thumbMoved, staged.ThumbnailURL)

	asset := model.ProductionVideoAsset{
		ID:                uuid.New().String(),
		SourceStagingID:   staged.ID,
		Title:             eff.title,
		Description:       eff.description,
		Category:          eff.category,
		BeautySubCategory: eff.beautySubCategory,
		Tags:              eff.tags,
		Duration:          eff.duration,
		Resolution:        eff.resolution,
		FileURL:           fileURL,
		ThumbnailURL:      thumbURL,
		StoragePath:       targets.Video,
		ThumbnailPath:     thumbPath,
		DownloadCount:     max(staged.DownloadCount, 0),
		CreatedAt:         at,
	}

	if err := w.store.CreateProductionVideo(ctx, asset); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another approver won between our catalog check and insert
			existing, gerr := w.store.GetProductionVideoByStagingID(ctx, stagingID)
			if gerr == nil {
				if merr := w.moveBack(ctx, staged, src, targets, thumbMoved); merr != nil {
					slog.Error("video move back failed, object left unreferenced",
						"staging_id", stagingID, "path", targets.Video, "error", merr)
				}
				current := staged
				if reloaded, rerr := w.store.GetStagingVideo(ctx, stagingID); rerr == nil {
					current = reloaded
				}
				return &model.ApprovalResult{Staging: *current, Asset: *existing, AlreadyApproved: true}, outcomeAlreadyApproved, nil
			}
		}
		return nil, outcomeError, w.undoRelocation(ctx, staged, src, targets, thumbMoved, err)
	}

	updated, err := w.link(ctx, staged.ID, asset, reviewer.UserID)
	if err != nil {
		slog.Error("partial approval: catalog row written, staging row not updated",
			"staging_id", stagingID, "asset_id", asset.ID, "error", err)
		return nil, outcomePartial, partialApproval(asset.ID, err)
	}

	slog.Info("video approved",
		"staging_id", stagingID,
		"asset_id", asset.ID,
		"reviewer", reviewer.UserID,
		"path", asset.StoragePath)
	return &model.ApprovalResult{Staging: *updated, Asset: asset}, outcomeApproved, nil
}

// linkedAsset loads the catalog row an approved staging row points at.
func (w *Workflow) linkedAsset(ctx context.Context, staged *model.StagingVideo) (*model.ProductionVideoAsset, error) {
	if staged.ProductionVideoID != nil {
		asset, err := w.store.GetProductionVideo(ctx, *staged.ProductionVideoID)
		if err == nil {
			return asset, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to load linked asset", err)
		}
	}
	asset, err := w.store.GetProductionVideoByStagingID(ctx, staged.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.MKT_ALREADY_PROCESSED, "staging video approved without a linked asset", "")
		}
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to load linked asset", err)
	}
	return asset, nil
}

// urls signs the video and thumbnail URLs in parallel. Signing falls back to
// public URLs, so it never fails the approval.
func (w *Workflow) urls(ctx context.Context, videoPath, thumbPath string, thumbMoved bool, stagedThumbURL string) (string, string) {
	var fileURL, thumbURL string
	var g errgroup.Group
	g.Go(func() error {
		fileURL = w.accessURL(ctx, videoPath)
		return nil
	})
	g.Go(func() error {
		switch {
		case thumbMoved:
			thumbURL = w.accessURL(ctx, thumbPath)
		case stagedThumbURL != "":
			thumbURL = stagedThumbURL
		case thumbPath != "":
			thumbURL = w.accessURL(ctx, thumbPath)
		}
		return nil
	})
	_ = g.Wait()
	return fileURL, thumbURL
}

// accessURL prefers a signed URL and falls back to the public one.
func (w *Workflow) accessURL(ctx context.Context, path string) string {
	u, err := w.relocator.SignedURL(ctx, path, w.signedURLTTL)
	if err != nil || u == "" {
		slog.Debug("signed URL unavailable, using public URL", "path", path, "error", err)
		return w.relocator.PublicURL(path)
	}
	return u
}

// undoRelocation moves objects back after a failed catalog insert. If the
// inverse move succeeds nothing changed and the caller may retry.
func (w *Workflow) undoRelocation(ctx context.Context, staged *model.StagingVideo, src string, targets media.Targets, thumbMoved bool, cause error) error {
	if err := w.moveBack(ctx, staged, src, targets, thumbMoved); err != nil {
		slog.Error("video move back failed, object left at production path",
			"staging_id", staged.ID, "path", targets.Video, "error", err)
		e := errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to create catalog row; video left at production path", cause)
		e.Details = map[string]string{"storagePath": targets.Video}
		return e.WithRetryable(false)
	}
	return errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to create catalog row", cause).WithRetryable(true)
}

// moveBack returns relocated objects to their staging paths. Only a failed
// video move is reported; the thumbnail is best effort.
func (w *Workflow) moveBack(ctx context.Context, staged *model.StagingVideo, src string, targets media.Targets, thumbMoved bool) error {
	if thumbMoved {
		if err := w.relocator.Move(ctx, targets.Thumbnail, staged.ThumbnailPath); err != nil {
			slog.Warn("thumbnail move back failed", "staging_id", staged.ID, "path", targets.Thumbnail, "error", err)
		}
	}
	return w.relocator.Move(ctx, targets.Video, src)
}

// link marks the staging row approved and points it at asset.
func (w *Workflow) link(ctx context.Context, stagingID string, asset model.ProductionVideoAsset, reviewer string) (*model.StagingVideo, error) {
	updated, err := w.store.MarkStagingApproved(ctx, stagingID, model.StagingApproval{
		ApprovedBy:        reviewer,
		ApprovedAt:        w.now(),
		ProductionVideoID: asset.ID,
		FinalStoragePath:  asset.StoragePath,
		ThumbnailPath:     asset.ThumbnailPath,
		ThumbnailURL:      asset.ThumbnailURL,
	})
	if err != nil {
		return nil, err
	}
	if err := w.publisher.PublishVideoApproved(ctx, *updated, asset); err != nil {
		slog.Warn("publish video approved failed", "staging_id", stagingID, "error", err)
	}
	return updated, nil
}

func partialApproval(assetID string, cause error) error {
	e := errordefs.Wrap(errordefs.MKT_PARTIAL_APPROVAL, "catalog row created but staging row not updated", cause)
	e.Details = map[string]string{"assetId": assetID}
	return e.WithRetryable(false)
}

// Reject closes out a staged clip. Repeated calls overwrite the reason.
// A clip that already has a catalog row cannot be rejected; if its staging
// row is still pending the approval is finished first.
func (w *Workflow) Reject(ctx context.Context, reviewer auth.Principal, stagingID, reason string) (*model.StagingVideo, error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.Reject")
	defer span.End()
	span.SetAttributes(attribute.String("staging_id", stagingID))

	started := time.Now()
	updated, outcome, err := w.reject(ctx, reviewer, stagingID, reason)
	w.metrics.ObserveApproval("reject", outcome, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errordefs.CodeOf(err)))
		return nil, err
	}

	if err := w.publisher.PublishVideoRejected(ctx, *updated); err != nil {
		slog.Warn("publish video rejected failed", "staging_id", stagingID, "error", err)
	}
	slog.Info("video rejected", "staging_id", stagingID, "reviewer", reviewer.UserID)
	return updated, nil
}

func (w *Workflow) reject(ctx context.Context, reviewer auth.Principal, stagingID, reason string) (*model.StagingVideo, string, error) {
	release, err := w.acquire(ctx, stagingID)
	if err != nil {
		return nil, outcomeError, err
	}
	defer release()

	existing, err := w.store.GetProductionVideoByStagingID(ctx, stagingID)
	switch {
	case err == nil:
		outcome, err := w.finishOnReject(ctx, reviewer, stagingID, existing)
		return nil, outcome, err
	case !errors.Is(err, storage.ErrNotFound):
		return nil, outcomeError, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to check catalog", err)
	}

	updated, err := w.store.MarkStagingRejected(ctx, stagingID, reason, reviewer.UserID, w.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, outcomeError, errordefs.New(errordefs.MKT_NOT_FOUND, "staging video not found", "")
		case errors.Is(err, storage.ErrConflict):
			return nil, outcomeError, errordefs.New(errordefs.MKT_ALREADY_PROCESSED, "staging video was already approved", "")
		default:
			return nil, outcomeError, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to reject staging video", err)
		}
	}
	return updated, outcomeRejected, nil
}

// finishOnReject handles a reject for a clip that is already published. A
// pending staging row is a partial approval and gets linked; the reject is
// always refused.
func (w *Workflow) finishOnReject(ctx context.Context, reviewer auth.Principal, stagingID string, asset *model.ProductionVideoAsset) (string, error) {
	details := map[string]string{"assetId": asset.ID}
	staged, err := w.store.GetStagingVideo(ctx, stagingID)
	if err != nil {
		return outcomeError, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to load staging video", err)
	}
	if staged.Status != model.StagingPending {
		return outcomeError, errordefs.NewWithDetails(errordefs.MKT_ALREADY_PROCESSED, "staging video already has a catalog row", "", details)
	}

	if _, err := w.link(ctx, stagingID, *asset, reviewer.UserID); err != nil {
		return outcomePartial, partialApproval(asset.ID, err)
	}
	slog.Info("partial approval repaired on reject", "staging_id", stagingID, "asset_id", asset.ID)
	return outcomeRepaired, errordefs.NewWithDetails(errordefs.MKT_ALREADY_PROCESSED, "staging video was already approved", "", details)
}

// Reconcile finishes every partial approval: catalog rows whose staging
// row is still pending get their staging row marked approved. Rows that
// cannot be linked, such as a rejected staging row with a catalog row, are
// reported as failed for an operator.
func (w *Workflow) Reconcile(ctx context.Context, operator auth.Principal) (*model.ReconcileReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.Reconcile")
	defer span.End()

	orphans, err := w.store.ListOrphanedProductionVideos(ctx)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to list orphaned catalog rows", err)
	}

	report := &model.ReconcileReport{Scanned: len(orphans), Repaired: []string{}}
	for _, asset := range orphans {
		started := time.Now()
		if _, err := w.link(ctx, asset.SourceStagingID, asset, operator.UserID); err != nil {
			if errors.Is(err, storage.ErrConflict) && w.linkedTo(ctx, asset) {
				// Finished by a concurrent approve
				continue
			}
			slog.Warn("reconcile failed", "staging_id", asset.SourceStagingID, "asset_id", asset.ID, "error", err)
			report.Failed = append(report.Failed, asset.SourceStagingID)
			w.metrics.ObserveApproval("reconcile", outcomeError, started)
			continue
		}
		report.Repaired = append(report.Repaired, asset.SourceStagingID)
		w.metrics.ObserveApproval("reconcile", outcomeRepaired, started)
	}

	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("repaired", len(report.Repaired)),
	)
	if report.Scanned > 0 {
		slog.Info("reconcile completed", "scanned", report.Scanned, "repaired", len(report.Repaired), "failed", len(report.Failed))
	}
	return report, nil
}

// linkedTo reports whether asset's staging row is approved and points at it.
func (w *Workflow) linkedTo(ctx context.Context, asset model.ProductionVideoAsset) bool {
	staged, err := w.store.GetStagingVideo(ctx, asset.SourceStagingID)
	if err != nil {
		return false
	}
	return staged.Status == model.StagingApproved && staged.ProductionVideoID != nil && *staged.ProductionVideoID == asset.ID
}
