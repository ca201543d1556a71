// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a record already exists or a conditional update lost

	ErrInvalidCursor = errors.New("invalid cursor")
)

// Page size bounds for list operations
const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// clampLimit normalizes a requested page size and caps it at available.
func clampLimit(limit, available int) int {
	if limit <= 0 {
		limit = defaultPageSize
	} else if limit > maxPageSize {
		limit = maxPageSize
	}
	if available < 0 {
		available = 0
	}
	if limit > available {
		return available
	}
	return limit
}

// Store interface defines the storage operations required by the marketplace service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	// Staging record operations
	CreateStagingVideo(ctx context.Context, v model.StagingVideo) error
	GetStagingVideo(ctx context.Context, id string) (*model.StagingVideo, error)
	ListStagingVideos(ctx context.Context, query model.ListStagingQuery) ([]model.StagingVideo, error)
	// MarkStagingApproved flips a pending row to approved. ErrConflict if the row is not pending.
	MarkStagingApproved(ctx context.Context, id string, approval model.StagingApproval) (*model.StagingVideo, error)
	// MarkStagingRejected flips a pending or rejected row to rejected. ErrConflict if the row is approved.
	MarkStagingRejected(ctx context.Context, id, reason, reviewer string, at time.Time) (*model.StagingVideo, error)

	// Production catalog operations
	// CreateProductionVideo returns ErrConflict when a row for the same staging id exists.
	CreateProductionVideo(ctx context.Context, asset model.ProductionVideoAsset) error
	GetProductionVideo(ctx context.Context, id string) (*model.ProductionVideoAsset, error)
	GetProductionVideoByStagingID(ctx context.Context, stagingID string) (*model.ProductionVideoAsset, error)
	ListProductionVideos(ctx context.Context, query model.ListAssetsQuery) (*model.ListAssetsResult, error)
	IncrementDownloadCount(ctx context.Context, id string) error
	// ListOrphanedProductionVideos returns catalog rows whose staging row is
	// not approved with a link to that row.
	ListOrphanedProductionVideos(ctx context.Context) ([]model.ProductionVideoAsset, error)

	// Subscription operations
	GetSubscription(ctx context.Context, userID string) (*model.Subscription, error)
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*model.Subscription, error)
	UpsertSubscription(ctx context.Context, sub model.Subscription) error
	IncrementTrialDownloadsUsed(ctx context.Context, userID string) error

	// Download history operations
	CreateDownloadRecord(ctx context.Context, rec model.DownloadHistoryRecord) error
	// CountDistinctDownloads counts distinct video ids downloaded in [since, until).
	CountDistinctDownloads(ctx context.Context, userID string, since, until time.Time) (int, error)
	HasDownloaded(ctx context.Context, userID, videoID string, since time.Time) (bool, error)
	ListDownloadRecords(ctx context.Context, userID string, limit int) ([]model.DownloadHistoryRecord, error)
	// DeleteDownloadRecord hides a row from the user's history. Hidden rows
	// still count toward quota.
	DeleteDownloadRecord(ctx context.Context, userID, id string) error

	// Role operations
	GetUserRole(ctx context.Context, userID string) (model.Role, error)
	SetUserRole(ctx context.Context, role model.UserRole) error

	// Billing event deduplication
	BillingEventProcessed(ctx context.Context, providerEventID string) (bool, error)
	RecordBillingEvent(ctx context.Context, receipt model.BillingEventReceipt) error

	// Ping checks backend connectivity
	Ping(ctx context.Context) error
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu sync.RWMutex

	// Keyed by staging id
	staging       map[string]*model.StagingVideo
	assets        map[string]*model.ProductionVideoAsset
	assetsByStage map[string]string // Staging id -> asset id
	subscriptions map[string]*model.Subscription
	// Keyed by user id, in insertion order
	downloads     map[string][]*model.DownloadHistoryRecord
	hidden        map[string]struct{} // Download ids removed from the user's history
	roles         map[string]*model.UserRole
	billingEvents map[string]*model.BillingEventReceipt
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		staging:       make(map[string]*model.StagingVideo),
		assets:        make(map[string]*model.ProductionVideoAsset),
		assetsByStage: make(map[string]string),
		subscriptions: make(map[string]*model.Subscription),
		downloads:     make(map[string][]*model.DownloadHistoryRecord),
		hidden:        make(map[string]struct{}),
		roles:         make(map[string]*model.UserRole),
		billingEvents: make(map[string]*model.BillingEventReceipt),
	}
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) CreateStagingVideo(ctx context.Context, v model.StagingVideo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.staging[v.ID]; exists {
		return ErrConflict
	}
	if v.Status == "" {
		v.Status = model.StagingPending
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	v.Tags = append(model.Tags{}, v.Tags...)
	m.staging[v.ID] = &v
	return nil
}

func (m *memory) GetStagingVideo(ctx context.Context, id string) (*model.StagingVideo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, exists := m.staging[id]
	if !exists {
		return nil, ErrNotFound
	}
	out := *v
	return &out, nil
}

func (m *memory) ListStagingVideos(ctx context.Context, query model.ListStagingQuery) ([]model.StagingVideo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.StagingVideo, 0)
	for _, v := range m.staging {
		if query.Status == "" || v.Status == query.Status {
			out = append(out, *v)
		}
	}
	// Oldest first, the order reviewers work the queue in
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out[:clampLimit(query.Limit, len(out))], nil
}

func (m *memory) MarkStagingApproved(ctx context.Context, id string, approval model.StagingApproval) (*model.StagingVideo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, exists := m.staging[id]
	if !exists {
		return nil, ErrNotFound
	}
	if v.Status != model.StagingPending {
		return nil, ErrConflict
	}

	approvedBy := approval.ApprovedBy
	approvedAt := approval.ApprovedAt
	assetID := approval.ProductionVideoID
	finalPath := approval.FinalStoragePath
	v.Status = model.StagingApproved
	v.ApprovedBy = &approvedBy
	v.ReviewedBy = &approvedBy
	v.ApprovedAt = &approvedAt
	v.ProductionVideoID = &assetID
	v.FinalStoragePath = &finalPath
	if approval.ThumbnailPath != "" {
		v.ThumbnailPath = approval.ThumbnailPath
	}
	if approval.ThumbnailURL != "" {
		v.ThumbnailURL = approval.ThumbnailURL
	}
	v.UpdatedAt = approvedAt

	out := *v
	return &out, nil
}

func (m *memory) MarkStagingRejected(ctx context.Context, id, reason, reviewer string, at time.Time) (*model.StagingVideo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, exists := m.staging[id]
	if !exists {
		return nil, ErrNotFound
	}
	if v.Status == model.StagingApproved {
		return nil, ErrConflict
	}

	v.Status = model.StagingRejected
	v.RejectionReason = &reason
	v.ReviewedBy = &reviewer
	v.UpdatedAt = at

	out := *v
	return &out, nil
}

func (m *memory) CreateProductionVideo(ctx context.Context, asset model.ProductionVideoAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assets[asset.ID]; exists {
		return ErrConflict
	}
	if asset.SourceStagingID != "" {
		if _, exists := m.assetsByStage[asset.SourceStagingID]; exists {
			return ErrConflict
		}
		m.assetsByStage[asset.SourceStagingID] = asset.ID
	}
	asset.Tags = append(model.Tags{}, asset.Tags...)
	m.assets[asset.ID] = &asset
	return nil
}

func (m *memory) GetProductionVideo(ctx context.Context, id string) (*model.ProductionVideoAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.assets[id]
	if !exists {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (m *memory) GetProductionVideoByStagingID(ctx context.Context, stagingID string) (*model.ProductionVideoAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.assetsByStage[stagingID]
	if !exists {
		return nil, ErrNotFound
	}
	out := *m.assets[id]
	return &out, nil
}

// encodeMemoryCursor encodes cursor data into a base64 string for memory storage
func encodeMemoryCursor(createdAt time.Time, id string) string {
	data := map[string]interface{}{
		"createdAt": createdAt.UnixNano(),
		"id":        id,
	}
	jsonBytes, _ := json.Marshal(data)
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeMemoryCursor decodes a base64 cursor string into cursor data for memory storage
func decodeMemoryCursor(cursor string) (time.Time, string, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}

	var data struct {
		CreatedAt int64  `json:"createdAt"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, data.CreatedAt), data.ID, nil
}

func (m *memory) ListProductionVideos(ctx context.Context, query model.ListAssetsQuery) (*model.ListAssetsResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]*model.ProductionVideoAsset, 0)
	for _, a := range m.assets {
		if query.Category != "" && !strings.EqualFold(a.Category, query.Category) {
			continue
		}
		if query.Featured != nil && a.IsFeatured != *query.Featured {
			continue
		}
		filtered = append(filtered, a)
	}
	// Newest first, then by id for stable ordering
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	startIndex := 0
	if query.Cursor != "" {
		lastCreatedAt, lastID, err := decodeMemoryCursor(query.Cursor)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		startIndex = len(filtered)
		for i, a := range filtered {
			if a.CreatedAt.Before(lastCreatedAt) || (a.CreatedAt.Equal(lastCreatedAt) && a.ID > lastID) {
				startIndex = i
				break
			}
		}
	}

	endIndex := startIndex + clampLimit(query.Limit, len(filtered)-startIndex)
	page := make([]model.ProductionVideoAsset, 0, endIndex-startIndex)
	for _, a := range filtered[startIndex:endIndex] {
		page = append(page, *a)
	}

	result := &model.ListAssetsResult{Assets: page}
	if endIndex < len(filtered) && len(page) > 0 {
		last := page[len(page)-1]
		result.NextCursor = encodeMemoryCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

func (m *memory) IncrementDownloadCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.assets[id]
	if !exists {
		return ErrNotFound
	}
	a.DownloadCount++
	return nil
}

func (m *memory) ListOrphanedProductionVideos(ctx context.Context) ([]model.ProductionVideoAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ProductionVideoAsset, 0)
	for stagingID, assetID := range m.assetsByStage {
		v, exists := m.staging[stagingID]
		if !exists {
			continue
		}
		linked := v.Status == model.StagingApproved && v.ProductionVideoID != nil && *v.ProductionVideoID == assetID
		if !linked {
			out = append(out, *m.assets[assetID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memory) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.subscriptions[userID]
	if !exists {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *memory) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if customerID == "" {
		return nil, ErrNotFound
	}
	for _, s := range m.subscriptions {
		if s.BillingCustomerID == customerID {
			out := *s
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memory) UpsertSubscription(ctx context.Context, sub model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := m.subscriptions[sub.UserID]; exists {
		sub.CreatedAt = existing.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	m.subscriptions[sub.UserID] = &sub
	return nil
}

func (m *memory) IncrementTrialDownloadsUsed(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.subscriptions[userID]
	if !exists {
		return ErrNotFound
	}
	s.TrialDownloadsUsed++
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memory) CreateDownloadRecord(ctx context.Context, rec model.DownloadHistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.downloads[rec.UserID] {
		if existing.ID == rec.ID {
			return ErrConflict
		}
	}
	recCopy := rec
	m.downloads[rec.UserID] = append(m.downloads[rec.UserID], &recCopy)
	return nil
}

func (m *memory) CountDistinctDownloads(ctx context.Context, userID string, since, until time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range m.downloads[userID] {
		if rec.DownloadedAt.Before(since) || !rec.DownloadedAt.Before(until) {
			continue
		}
		seen[rec.VideoID] = struct{}{}
	}
	return len(seen), nil
}

func (m *memory) HasDownloaded(ctx context.Context, userID, videoID string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.downloads[userID] {
		if rec.VideoID == videoID && !rec.DownloadedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memory) ListDownloadRecords(ctx context.Context, userID string, limit int) ([]model.DownloadHistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.downloads[userID]
	out := make([]model.DownloadHistoryRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if _, gone := m.hidden[recs[i].ID]; gone {
			continue
		}
		out = append(out, *recs[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DownloadedAt.After(out[j].DownloadedAt)
	})
	return out[:clampLimit(limit, len(out))], nil
}

func (m *memory) DeleteDownloadRecord(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.downloads[userID] {
		if rec.ID != id {
			continue
		}
		if _, gone := m.hidden[id]; gone {
			return ErrNotFound
		}
		m.hidden[id] = struct{}{}
		return nil
	}
	return ErrNotFound
}

func (m *memory) GetUserRole(ctx context.Context, userID string) (model.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, exists := m.roles[userID]; exists {
		return r.Role, nil
	}
	return model.RoleUser, nil
}

func (m *memory) SetUserRole(ctx context.Context, role model.UserRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if role.UpdatedAt.IsZero() {
		role.UpdatedAt = time.Now().UTC()
	}
	m.roles[role.UserID] = &role
	return nil
}

func (m *memory) BillingEventProcessed(ctx context.Context, providerEventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.billingEvents[providerEventID]
	return exists, nil
}

func (m *memory) RecordBillingEvent(ctx context.Context, receipt model.BillingEventReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.billingEvents[receipt.ProviderEventID]; exists {
		return ErrConflict
	}
	m.billingEvents[receipt.ProviderEventID] = &receipt
	return nil
}
