package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/auth"
	errordefs "github.com/clipmarket/clipmarket-api-go/internal/errors"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/schema"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
	"github.com/clipmarket/clipmarket-api-go/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// decodeBody validates the request body against the named schema and decodes
// it into out. An empty body leaves out untouched.
func (m *Mux) decodeBody(w http.ResponseWriter, r *http.Request, schemaName string, out interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errordefs.New(errordefs.MKT_BAD_REQUEST, "failed to read request body", "")
	}
	if err := m.validator.Validate(schemaName, body); err != nil {
		return errordefs.NewWithDetails(errordefs.MKT_VALIDATION, "request body failed validation", "", err.Error())
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errordefs.New(errordefs.MKT_VALIDATION, "invalid JSON", "")
	}
	return nil
}

// handleListStaging handles GET /v1/admin/staging?status=
// An empty status lists the pending queue; "all" lists every row.
func (m *Mux) handleListStaging(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleListStaging")
	defer span.End()

	query := model.ListStagingQuery{Limit: parseLimit(r)}
	switch status := r.URL.Query().Get("status"); status {
	case "":
		query.Status = model.StagingPending
	case "all":
	case string(model.StagingPending), string(model.StagingApproved), string(model.StagingRejected):
		query.Status = model.StagingStatus(status)
	default:
		m.fail(ctx, w, errordefs.NewWithDetails(errordefs.MKT_VALIDATION, "unknown status filter", "", status))
		return
	}
	span.SetAttributes(attribute.String("status", string(query.Status)))

	rows, err := m.s.ListStagingVideos(ctx, query)
	if err != nil {
		m.fail(ctx, w, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to list staging videos", err))
		return
	}
	m.writeSuccess(w, http.StatusOK, rows)
}

// handleGetStaging handles GET /v1/admin/staging/{id}
func (m *Mux) handleGetStaging(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleGetStaging")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("staging_id", id))

	staged, err := m.s.GetStagingVideo(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.fail(ctx, w, errordefs.New(errordefs.MKT_NOT_FOUND, "staging video not found", ""))
			return
		}
		m.fail(ctx, w, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to get staging video", err))
		return
	}
	m.writeSuccess(w, http.StatusOK, staged)
}

// handleApprove handles POST /v1/admin/staging/{id}/approve.
// A fresh approval answers 201; a repeated one answers 200 with the existing asset.
func (m *Mux) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleApprove")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("staging_id", id))

	var ov model.ApprovalOverrides
	if err := m.decodeBody(w, r, schema.Approve, &ov); err != nil {
		m.fail(ctx, w, err)
		return
	}

	reviewer, _ := auth.FromContext(ctx)
	result, err := m.workflow.Approve(ctx, reviewer, id, ov)
	if err != nil {
		m.fail(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyApproved {
		status = http.StatusOK
	}
	m.writeSuccess(w, status, result)
}

// handleReject handles POST /v1/admin/staging/{id}/reject
func (m *Mux) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleReject")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("staging_id", id))

	var req model.RejectRequest
	if err := m.decodeBody(w, r, schema.Reject, &req); err != nil {
		m.fail(ctx, w, err)
		return
	}

	reviewer, _ := auth.FromContext(ctx)
	staged, err := m.workflow.Reject(ctx, reviewer, id, req.Reason)
	if err != nil {
		m.fail(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, staged)
}

// handleReconcile handles POST /v1/admin/reconcile
func (m *Mux) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleReconcile")
	defer span.End()

	operator, _ := auth.FromContext(ctx)
	report, err := m.workflow.Reconcile(ctx, operator)
	if err != nil {
		m.fail(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, report)
}

// handleSetRole handles PUT /v1/admin/users/{id}/role
func (m *Mux) handleSetRole(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "server.handleSetRole")
	defer span.End()

	userID := r.PathValue("id")
	span.SetAttributes(attribute.String("target_user_id", userID))

	var req model.RoleRequest
	if err := m.decodeBody(w, r, schema.Role, &req); err != nil {
		m.fail(ctx, w, err)
		return
	}

	granter, _ := auth.FromContext(ctx)
	role := model.UserRole{
		UserID:    userID,
		Role:      req.Role,
		GrantedBy: granter.UserID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := m.s.SetUserRole(ctx, role); err != nil {
		m.fail(ctx, w, errordefs.Wrap(errordefs.MKT_INTERNAL, "failed to update role", err))
		return
	}

	slog.Info("user role updated", "user_id", userID, "role", role.Role, "granted_by", granter.UserID)
	m.writeSuccess(w, http.StatusOK, role)
}
