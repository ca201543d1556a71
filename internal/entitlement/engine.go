// Package entitlement answers how many more downloads a user may perform.
// Reads never mutate state; enforcing the answer is left to the caller.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/billing"
	errordefs "github.com/clipmarket/clipmarket-api-go/internal/errors"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
	"github.com/clipmarket/clipmarket-api-go/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Engine computes entitlements from subscription rows and download history.
type Engine struct {
	store   storage.Store
	catalog *billing.Catalog
	now     func() time.Time
}

// NewEngine creates an engine backed by store.
func NewEngine(store storage.Store, catalog *billing.Catalog) *Engine {
	return &Engine{
		store:   store,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Window is the accounting window downloads are counted in.
type Window struct {
	Kind  model.PeriodKind
	Start time.Time
	End   time.Time
}

// WindowFor picks the accounting window for sub at now. A trial counts from
// trial start. Otherwise the billing period wins when it contains now, and
// the calendar month in UTC is used when it does not.
func WindowFor(sub *model.Subscription, trialDays int, now time.Time) Window {
	if sub == nil {
		return Window{Kind: model.PeriodNone}
	}
	if sub.Status == model.StatusTrial {
		start := sub.CreatedAt
		if sub.TrialStart != nil {
			start = *sub.TrialStart
		}
		end := start.AddDate(0, 0, trialDays)
		if sub.TrialEnd != nil {
			end = *sub.TrialEnd
		}
		return Window{Kind: model.PeriodTrial, Start: start, End: end}
	}
	if sub.CurrentPeriodStart != nil && sub.CurrentPeriodEnd != nil &&
		!now.Before(*sub.CurrentPeriodStart) && now.Before(*sub.CurrentPeriodEnd) {
		return Window{Kind: model.PeriodBillingPeriod, Start: *sub.CurrentPeriodStart, End: *sub.CurrentPeriodEnd}
	}
	return calendarMonth(now)
}

func calendarMonth(now time.Time) Window {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Window{Kind: model.PeriodCalendarMonth, Start: start, End: start.AddDate(0, 1, 0)}
}

// Compute is the entitlement arithmetic. used is the number of distinct
// videos downloaded inside the window.
func (e *Engine) Compute(userID string, sub *model.Subscription, w Window, used int, now time.Time) model.Entitlement {
	ent := model.Entitlement{
		UserID:      userID,
		PeriodKind:  w.Kind,
		PeriodStart: w.Start,
		PeriodEnd:   w.End,
	}
	if sub == nil {
		return ent
	}
	ent.Plan = sub.Plan
	ent.Status = sub.Status

	switch sub.Status {
	case model.StatusTrial:
		limit := sub.TrialDownloadsLimit
		if limit <= 0 {
			limit = e.catalog.TrialLimit
		}
		// The stored counter is authoritative; history only covers a counter that lagged
		ent.Used = max(sub.TrialDownloadsUsed, used)
		ent.Limit = limit
		ent.Remaining = max(0, limit-ent.Used)
		days := billing.TrialDaysRemaining(w.End, now)
		ent.TrialDaysRemaining = &days
	case model.StatusActive:
		limit := sub.MonthlyDownloadLimit
		if limit <= 0 {
			limit = e.catalog.Limit(sub.Plan)
		}
		ent.Used = used
		ent.Limit = limit
		ent.Remaining = max(0, limit-used)
	default:
		// past_due, unpaid and canceled rows do not entitle downloads
		ent.Used = used
		ent.Limit = sub.MonthlyDownloadLimit
		ent.Remaining = 0
	}
	return ent
}

// Read loads the user's subscription and download count and computes the entitlement.
func (e *Engine) Read(ctx context.Context, userID string) (*model.Entitlement, error) {
	ctx, span := telemetry.StartSpan(ctx, "entitlement.Read")
	defer span.End()

	now := e.now()
	sub, err := e.store.GetSubscription(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load subscription: %w", err)
		}
		sub = nil
	}

	w := WindowFor(sub, e.catalog.TrialDays, now)
	used := 0
	if sub != nil {
		used, err = e.store.CountDistinctDownloads(ctx, userID, w.Start, w.End)
		if err != nil {
			return nil, fmt.Errorf("count downloads: %w", err)
		}
	}

	ent := e.Compute(userID, sub, w, used, now)
	span.SetAttributes(
		attribute.String("period_kind", string(ent.PeriodKind)),
		attribute.Int("remaining", ent.Remaining),
		attribute.Int("limit", ent.Limit),
	)
	return &ent, nil
}

// Authorize reads the entitlement and decides whether userID may download
// videoID now. Re-downloading a video already counted in the current window
// is allowed at quota, since it consumes nothing.
func (e *Engine) Authorize(ctx context.Context, userID, videoID string) (*model.Entitlement, error) {
	ent, err := e.Read(ctx, userID)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to read entitlement", err)
	}

	switch ent.Status {
	case model.StatusActive, model.StatusTrial:
	case "":
		return ent, errordefs.New(errordefs.MKT_NO_SUBSCRIPTION, "no subscription", "")
	default:
		return ent, errordefs.NewWithDetails(errordefs.MKT_NO_SUBSCRIPTION,
			"subscription is not active", "", map[string]string{"status": string(ent.Status)})
	}

	if ent.Status == model.StatusTrial && ent.TrialDaysRemaining != nil && *ent.TrialDaysRemaining == 0 {
		return ent, errordefs.New(errordefs.MKT_TRIAL_EXPIRED, "trial period has ended", "")
	}

	if ent.Remaining > 0 {
		return ent, nil
	}

	again, err := e.store.HasDownloaded(ctx, userID, videoID, ent.PeriodStart)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to check download history", err)
	}
	if again {
		return ent, nil
	}
	return ent, errordefs.NewWithDetails(errordefs.MKT_QUOTA_EXCEEDED, "download limit reached for this period", "", map[string]interface{}{
		"limit":      ent.Limit,
		"used":       ent.Used,
		"periodKind": ent.PeriodKind,
		"periodEnd":  ent.PeriodEnd,
	})
}
