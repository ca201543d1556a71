package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/clipmarket/clipmarket-api-go/internal/billing"
	errordefs "github.com/clipmarket/clipmarket-api-go/internal/errors"
	"github.com/clipmarket/clipmarket-api-go/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// handleBillingWebhook handles POST /billing/webhook.
// Non-2xx answers make the provider redeliver, so only failures a retry can
// fix are reported as errors.
func (m *Mux) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleBillingWebhook")
	defer span.End()
	defer r.Body.Close()

	if m.billing == nil || m.webhookSecret == "" {
		m.fail(ctx, w, errordefs.New(errordefs.MKT_UNAVAILABLE, "billing webhook not configured", ""))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		m.fail(ctx, w, errordefs.New(errordefs.MKT_BAD_REQUEST, "failed to read webhook payload", ""))
		return
	}

	ev, err := billing.DecodeStripeEvent(payload, r.Header.Get("Stripe-Signature"), m.webhookSecret)
	if err != nil {
		m.metrics.IncBillingEvent("unknown", "rejected")
		m.fail(ctx, w, errordefs.Wrap(errordefs.MKT_SIGNATURE, "webhook signature rejected", err))
		return
	}
	span.SetAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", string(ev.Type)),
	)

	outcome, _, err := m.billing.Apply(ctx, ev)
	if err != nil {
		m.metrics.IncBillingEvent(string(ev.Type), "error")
		details := map[string]string{"eventId": ev.ID}
		switch {
		case errors.Is(err, billing.ErrUnknownSubscriber):
			// The checkout event may not have been applied yet
			m.fail(ctx, w, errordefs.NewWithDetails(errordefs.MKT_NOT_FOUND, "no subscriber for event", "", details).WithRetryable(true))
		case errors.Is(err, billing.ErrUnknownPlan):
			m.fail(ctx, w, errordefs.NewWithDetails(errordefs.MKT_VALIDATION, "event does not resolve to a plan", "", details))
		default:
			m.fail(ctx, w, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to apply billing event", err).WithRetryable(true))
		}
		return
	}

	m.metrics.IncBillingEvent(string(ev.Type), string(outcome))
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"eventId":  ev.ID,
		"outcome":  outcome,
	})
}
