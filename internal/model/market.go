// internal/model/market.go
// Package model defines the data structures used throughout the marketplace service.
// These structures represent staged and published video clips, subscriptions,
// and the download history that entitlement is computed from.
package model

import (
	"time"
)

// StagingStatus is the review state of a staged clip.
type StagingStatus string

const (
	StagingPending  StagingStatus = "pending"
	StagingApproved StagingStatus = "approved"
	StagingRejected StagingStatus = "rejected"
)

// CategoryBeauty is the only category that carries a sub-category.
const CategoryBeauty = "beauty"

// StagingVideo is one uploaded candidate clip awaiting review.
// Rows are never deleted; they form the audit trail of the review queue.
// This corresponds to the staging_videos table in storage.
type StagingVideo struct {
	ID                string        `json:"id" db:"id"`
	Title             string        `json:"title" db:"title"`
	Description       string        `json:"description" db:"description"`
	Category          string        `json:"category" db:"category"`
	BeautySubCategory string        `json:"beautySubCategory,omitempty" db:"beauty_sub_category"`
	Tags              Tags          `json:"tags" db:"tags"`
	Duration          int           `json:"duration" db:"duration"`     // Seconds
	Resolution        string        `json:"resolution" db:"resolution"` // e.g. "1920x1080"
	StoragePath       string        `json:"storagePath,omitempty" db:"storage_path"`
	LegacyFilePath    string        `json:"legacyFilePath,omitempty" db:"file_path"` // Pre-storage_path ingest field
	ThumbnailPath     string        `json:"thumbnailPath,omitempty" db:"thumbnail_path"`
	ThumbnailURL      string        `json:"thumbnailUrl,omitempty" db:"thumbnail_url"`
	DownloadCount     int           `json:"downloadCount" db:"download_count"`
	Status            StagingStatus `json:"status" db:"status"`
	RejectionReason   *string       `json:"rejectionReason" db:"rejection_reason"`
	ReviewedBy        *string       `json:"reviewedBy" db:"reviewed_by"`
	ApprovedBy        *string       `json:"approvedBy" db:"approved_by"`
	ApprovedAt        *time.Time    `json:"approvedAt" db:"approved_at"`
	ProductionVideoID *string       `json:"productionVideoId" db:"production_video_id"`
	FinalStoragePath  *string       `json:"finalStoragePath" db:"final_storage_path"`
	CreatedAt         time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time     `json:"updatedAt" db:"updated_at"`
}

// SourcePath returns the object path the clip can be relocated from,
// preferring the explicit storage path over the legacy field.
func (s StagingVideo) SourcePath() string {
	if s.StoragePath != "" {
		return s.StoragePath
	}
	return s.LegacyFilePath
}

// ProductionVideoAsset is a published clip visible to subscribers.
// This corresponds to the production_videos table in storage.
type ProductionVideoAsset struct {
	ID                string    `json:"id" db:"id"`
	SourceStagingID   string    `json:"sourceStagingId" db:"source_staging_id"`
	Title             string    `json:"title" db:"title"`
	Description       string    `json:"description" db:"description"`
	Category          string    `json:"category" db:"category"`
	BeautySubCategory string    `json:"beautySubCategory,omitempty" db:"beauty_sub_category"`
	Tags              Tags      `json:"tags" db:"tags"`
	Duration          int       `json:"duration" db:"duration"`
	Resolution        string    `json:"resolution" db:"resolution"`
	FileURL           string    `json:"fileUrl" db:"file_url"`
	ThumbnailURL      string    `json:"thumbnailUrl" db:"thumbnail_url"`
	StoragePath       string    `json:"storagePath" db:"storage_path"`
	ThumbnailPath     string    `json:"thumbnailPath,omitempty" db:"thumbnail_path"`
	IsFeatured        bool      `json:"isFeatured" db:"is_featured"`
	DownloadCount     int       `json:"downloadCount" db:"download_count"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
}

// Plan is a subscription tier.
type Plan string

const (
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// SubscriptionStatus is the internal billing state vocabulary.
type SubscriptionStatus string

const (
	StatusTrial    SubscriptionStatus = "trial"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

// Subscription is the single billing row per user.
// This corresponds to the subscriptions table in storage.
type Subscription struct {
	UserID                string             `json:"userId" db:"user_id"`
	Plan                  Plan               `json:"plan" db:"plan"`
	Status                SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodStart    *time.Time         `json:"currentPeriodStart" db:"current_period_start"`
	CurrentPeriodEnd      *time.Time         `json:"currentPeriodEnd" db:"current_period_end"`
	MonthlyDownloadLimit  int                `json:"monthlyDownloadLimit" db:"monthly_download_limit"`
	TrialDownloadsLimit   int                `json:"trialDownloadsLimit" db:"trial_downloads_limit"`
	TrialDownloadsUsed    int                `json:"trialDownloadsUsed" db:"trial_downloads_used"`
	TrialDaysRemaining    int                `json:"trialDaysRemaining" db:"trial_days_remaining"`
	TrialStart            *time.Time         `json:"trialStart" db:"trial_start"`
	TrialEnd              *time.Time         `json:"trialEnd" db:"trial_end"`
	CancelAtPeriodEnd     bool               `json:"cancelAtPeriodEnd" db:"cancel_at_period_end"`
	BillingCustomerID     string             `json:"billingCustomerId,omitempty" db:"stripe_customer_id"`
	BillingSubscriptionID string             `json:"billingSubscriptionId,omitempty" db:"stripe_subscription_id"`
	CreatedAt             time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time          `json:"updatedAt" db:"updated_at"`
}

// DownloadHistoryRecord is one successful download. Rows are append-only
// from the entitlement point of view.
// This corresponds to the download_history table in storage.
type DownloadHistoryRecord struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"userId" db:"user_id"`
	VideoID      string    `json:"videoId" db:"video_id"`
	DownloadedAt time.Time `json:"downloadedAt" db:"downloaded_at"`
	IPAddress    string    `json:"ipAddress,omitempty" db:"ip_address"`
	UserAgent    string    `json:"userAgent,omitempty" db:"user_agent"`
}

// Role is a user's authorization role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// UserRole stores a role grant alongside the user record.
// This corresponds to the user_roles table in storage.
type UserRole struct {
	UserID    string    `json:"userId" db:"user_id"`
	Role      Role      `json:"role" db:"role"`
	GrantedBy string    `json:"grantedBy,omitempty" db:"granted_by"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// BillingEventReceipt marks a provider event as applied.
// This corresponds to the billing_events table in storage.
type BillingEventReceipt struct {
	ProviderEventID string    `json:"providerEventId" db:"provider_event_id"`
	Type            string    `json:"type" db:"type"`
	ProcessedAt     time.Time `json:"processedAt" db:"processed_at"`
}

// ApprovalOverrides carries reviewer-supplied metadata. Nil fields fall back
// to the staged values.
type ApprovalOverrides struct {
	Title             *string `json:"title,omitempty"`
	Description       *string `json:"description,omitempty"`
	Category          *string `json:"category,omitempty"`
	Tags              *Tags   `json:"tags,omitempty"`
	Duration          *int    `json:"duration,omitempty"`
	Resolution        *string `json:"resolution,omitempty"`
	BeautySubCategory *string `json:"beautySubCategory,omitempty"`
}

// ApprovalResult links the staging row to the catalog row it produced.
type ApprovalResult struct {
	Staging         StagingVideo         `json:"staging"`
	Asset           ProductionVideoAsset `json:"asset"`
	AlreadyApproved bool                 `json:"alreadyApproved"`
}

// StagingApproval is the set of fields written when a staging row is approved.
type StagingApproval struct {
	ApprovedBy        string
	ApprovedAt        time.Time
	ProductionVideoID string
	FinalStoragePath  string
	ThumbnailPath     string
	ThumbnailURL      string
}

// PeriodKind names the accounting window used for an entitlement read.
type PeriodKind string

const (
	PeriodBillingPeriod PeriodKind = "billing_period"
	PeriodCalendarMonth PeriodKind = "calendar_month"
	PeriodTrial         PeriodKind = "trial"
	PeriodNone          PeriodKind = "none"
)

// Entitlement is the answer to "how many more downloads may this user perform".
type Entitlement struct {
	UserID             string             `json:"userId"`
	Plan               Plan               `json:"plan,omitempty"`
	Status             SubscriptionStatus `json:"status,omitempty"`
	Remaining          int                `json:"remaining"`
	Limit              int                `json:"limit"`
	Used               int                `json:"used"`
	PeriodKind         PeriodKind         `json:"periodKind"`
	PeriodStart        time.Time          `json:"periodStart"`
	PeriodEnd          time.Time          `json:"periodEnd"`
	TrialDaysRemaining *int               `json:"trialDaysRemaining,omitempty"`
}

// ListStagingQuery filters the review queue.
type ListStagingQuery struct {
	Status StagingStatus `json:"status"`
	Limit  int           `json:"limit"`
}

// ListAssetsQuery filters and paginates the published catalog.
type ListAssetsQuery struct {
	Category string `json:"category"`
	Featured *bool  `json:"featured"`
	Limit    int    `json:"limit"`
	Cursor   string `json:"cursor"`
}

// ListAssetsResult is one page of the published catalog.
type ListAssetsResult struct {
	Assets     []ProductionVideoAsset `json:"assets"`
	NextCursor string                 `json:"nextCursor,omitempty"`
}

// DownloadResponse is returned after a recorded download.
type DownloadResponse struct {
	Record      DownloadHistoryRecord `json:"record"`
	DownloadURL string                `json:"downloadUrl"`
	Entitlement Entitlement           `json:"entitlement"`
}

// RejectRequest is the body of a reject call.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// RoleRequest is the body of a role grant call.
type RoleRequest struct {
	Role Role `json:"role"`
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Scanned  int      `json:"scanned"`
	Repaired []string `json:"repaired"`
	Failed   []string `json:"failed,omitempty"`
}
