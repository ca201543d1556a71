package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clipmarket/clipmarket-api-go/internal/auth"
	"github.com/clipmarket/clipmarket-api-go/internal/download"
	errordefs "github.com/clipmarket/clipmarket-api-go/internal/errors"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
	"github.com/clipmarket/clipmarket-api-go/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// presentAssets prepares catalog rows for subscribers. The file URL and
// storage path are withheld so files are only reachable through the download
// endpoint; thumbnails get a freshly signed URL when the path is known.
func (m *Mux) presentAssets(ctx context.Context, assets []model.ProductionVideoAsset) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range assets {
		a := &assets[i]
		a.FileURL = ""
		a.StoragePath = ""
		if a.ThumbnailPath == "" {
			continue
		}
		g.Go(func() error {
			u, err := m.relocator.SignedURL(gctx, a.ThumbnailPath, m.signedURLTTL)
			if err != nil {
				slog.Debug("re-sign thumbnail failed, keeping stored url", "video_id", a.ID, "error", err)
				return nil
			}
			a.ThumbnailURL = u
			return nil
		})
	}
	_ = g.Wait()
}

// handleListVideos handles GET /v1/videos?category=&featured=&limit=&cursor=
func (m *Mux) handleListVideos(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleListVideos")
	defer span.End()

	q := r.URL.Query()
	query := model.ListAssetsQuery{
		Category: q.Get("category"),
		Limit:    parseLimit(r),
		Cursor:   q.Get("cursor"),
	}
	if f := q.Get("featured"); f != "" {
		featured, err := strconv.ParseBool(f)
		if err != nil {
			m.fail(ctx, w, errordefs.NewWithDetails(errordefs.MKT_VALIDATION, "featured must be a boolean", "", f))
			return
		}
		query.Featured = &featured
	}
	span.SetAttributes(
		attribute.String("category", query.Category),
		attribute.Int("limit", query.Limit),
	)

	result, err := m.s.ListProductionVideos(ctx, query)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			m.fail(ctx, w, errordefs.New(errordefs.MKT_VALIDATION, "invalid cursor", ""))
			return
		}
		m.fail(ctx, w, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to list videos", err))
		return
	}

	m.presentAssets(ctx, result.Assets)
	m.writeSuccess(w, http.StatusOK, result)
}

// handleGetVideo handles GET /v1/videos/{id}
func (m *Mux) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleGetVideo")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("video_id", id))

	asset, err := m.getAsset(ctx, id)
	if err != nil {
		m.fail(ctx, w, err)
		return
	}
	page := []model.ProductionVideoAsset{*asset}
	m.presentAssets(ctx, page)
	m.writeSuccess(w, http.StatusOK, page[0])
}

func (m *Mux) getAsset(ctx context.Context, id string) (*model.ProductionVideoAsset, error) {
	asset, err := m.s.GetProductionVideo(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.MKT_NOT_FOUND, "video not found", "")
		}
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to get video", err)
	}
	return asset, nil
}

// handleDownload handles POST /v1/videos/{id}/download.
// The caller is authorized, the download is recorded, then a signed URL is issued.
func (m *Mux) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleDownload")
	defer span.End()

	videoID := r.PathValue("id")
	caller, _ := auth.FromContext(ctx)
	span.SetAttributes(
		attribute.String("video_id", videoID),
		attribute.String("user_id", caller.UserID),
	)

	if !m.limiters.allow(caller.UserID) {
		m.metrics.IncDownload("rate_limited")
		m.fail(ctx, w, errordefs.New(errordefs.MKT_RATE_LIMIT, "too many download requests", ""))
		return
	}

	asset, err := m.getAsset(ctx, videoID)
	if err != nil {
		m.fail(ctx, w, err)
		return
	}

	authorized, err := m.entitlements.Authorize(ctx, caller.UserID, videoID)
	if err != nil {
		m.metrics.IncDownload("denied")
		m.fail(ctx, w, err)
		return
	}

	rec, err := m.downloads.Record(ctx, download.Request{
		UserID:    caller.UserID,
		VideoID:   videoID,
		IPAddress: m.clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		m.fail(ctx, w, err)
		return
	}

	ent, err := m.entitlements.Read(ctx, caller.UserID)
	if err != nil {
		slog.Warn("entitlement refresh after download failed", "user_id", caller.UserID, "error", err)
		ent = authorized
	}

	m.writeSuccess(w, http.StatusOK, model.DownloadResponse{
		Record:      *rec,
		DownloadURL: m.downloadURL(ctx, asset),
		Entitlement: *ent,
	})
}

// downloadURL signs the production object, falling back to the stored URL
// and then to the public URL when signing is unavailable.
func (m *Mux) downloadURL(ctx context.Context, asset *model.ProductionVideoAsset) string {
	u, err := m.relocator.SignedURL(ctx, asset.StoragePath, m.signedURLTTL)
	if err == nil {
		return u
	}
	slog.Warn("sign download url failed", "video_id", asset.ID, "error", err)
	if asset.FileURL != "" {
		return asset.FileURL
	}
	return m.relocator.PublicURL(asset.StoragePath)
}

// handleEntitlement handles GET /v1/me/entitlement
func (m *Mux) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleEntitlement")
	defer span.End()

	caller, _ := auth.FromContext(ctx)
	ent, err := m.entitlements.Read(ctx, caller.UserID)
	if err != nil {
		m.fail(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, ent)
}

// handleSubscription handles GET /v1/me/subscription
func (m *Mux) handleSubscription(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleSubscription")
	defer span.End()

	caller, _ := auth.FromContext(ctx)
	sub, err := m.s.GetSubscription(ctx, caller.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.fail(ctx, w, errordefs.New(errordefs.MKT_NOT_FOUND, "no subscription", ""))
			return
		}
		m.fail(ctx, w, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to get subscription", err))
		return
	}
	m.writeSuccess(w, http.StatusOK, sub)
}

// handleListDownloads handles GET /v1/me/downloads
func (m *Mux) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleListDownloads")
	defer span.End()

	caller, _ := auth.FromContext(ctx)
	recs, err := m.downloads.History(ctx, caller.UserID, parseLimit(r))
	if err != nil {
		m.fail(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, recs)
}

// handleDeleteDownload handles DELETE /v1/me/downloads/{id}
func (m *Mux) handleDeleteDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleDeleteDownload")
	defer span.End()

	caller, _ := auth.FromContext(ctx)
	if err := m.downloads.Delete(ctx, caller.UserID, r.PathValue("id")); err != nil {
		m.fail(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
