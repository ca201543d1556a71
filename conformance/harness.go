// Package conformance provides a harness that drives the marketplace HTTP
// surface end to end: review queue, entitlement and download flows.
package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/approval"
	"github.com/clipmarket/clipmarket-api-go/internal/auth"
	"github.com/clipmarket/clipmarket-api-go/internal/billing"
	"github.com/clipmarket/clipmarket-api-go/internal/download"
	"github.com/clipmarket/clipmarket-api-go/internal/entitlement"
	"github.com/clipmarket/clipmarket-api-go/internal/event"
	"github.com/clipmarket/clipmarket-api-go/internal/media"
	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/clipmarket/clipmarket-api-go/internal/server"
	"github.com/clipmarket/clipmarket-api-go/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Harness runs the service behind an httptest server.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	reloc  *media.MemoryRelocator
	pub    event.Publisher
	cfg    Config
	run    string // Prefix that keeps ids unique across runs against a shared database
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL; empty uses in-memory storage
	DatabaseDSN string

	// NATSURL enables event streaming; empty records events in memory
	NATSURL string

	JWTIssuer   string
	JWTAudience string
	JWTSecret   string
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		s, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to test database: %w", err)
		}
		store = s
	} else {
		store = storage.NewMemory()
	}

	var pub event.Publisher
	if cfg.NATSURL != "" {
		pub = event.NewPublisher(cfg.NATSURL, nil)
	} else {
		pub = event.NewRecorder()
	}

	verifier, err := auth.NewVerifier(auth.Options{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Secret:   cfg.JWTSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verifier: %w", err)
	}

	reloc := media.NewMemoryRelocator("https://objects.conformance.test")
	catalog := billing.NewCatalog(nil, 3, 7)

	mux := server.NewMux(server.Options{
		Store:        store,
		Verifier:     verifier,
		Workflow:     approval.New(store, reloc, nil, pub, nil, approval.Options{}),
		Entitlements: entitlement.NewEngine(store, catalog),
		Downloads:    download.NewRecorder(store, pub, nil),
		Billing:      billing.NewMapper(store, catalog, pub),
		Relocator:    reloc,
	})

	return &Harness{
		server: httptest.NewServer(mux),
		store:  store,
		reloc:  reloc,
		pub:    pub,
		cfg:    cfg,
		run:    uuid.New().String()[:8],
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
	if closer, ok := h.store.(interface{ Close() }); ok {
		closer.Close()
	}
}

// id namespaces a fixture id for this run.
func (h *Harness) id(name string) string {
	return h.run + "-" + name
}

// token signs an access token for sub.
func (h *Harness) token(t *testing.T, sub string, admin bool) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"iss": h.cfg.JWTIssuer,
		"aud": h.cfg.JWTAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if admin {
		claims["app_metadata"] = map[string]interface{}{"role": "admin"}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type apiError struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// call performs a request and decodes the data or error envelope.
func (h *Harness) call(t *testing.T, method, path, tok, body string, out interface{}) (int, *apiError) {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *apiError       `json:"error"`
	}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	if env.Error == nil && out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data of %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode, env.Error
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("ApproveScenario", h.testApproveScenario)
	t.Run("QuotaScenario", h.testQuotaScenario)
	t.Run("RejectScenario", h.testRejectScenario)
	t.Run("ReconcilePartialApproval", h.testReconcile)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func (h *Harness) seedStaging(t *testing.T, id, title, path string) {
	t.Helper()
	h.reloc.Put(path)
	now := time.Now().UTC()
	err := h.store.CreateStagingVideo(context.Background(), model.StagingVideo{
		ID:          id,
		Title:       title,
		Category:    "beauty",
		StoragePath: path,
		Status:      model.StagingPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("seed staging %s: %v", id, err)
	}
}

// testApproveScenario approves a pending clip with no overrides.
func (h *Harness) testApproveScenario(t *testing.T) {
	id := h.id("clip-a")
	h.seedStaging(t, id, "Clip A", "staging/"+id+".mp4")

	var result model.ApprovalResult
	status, apiErr := h.call(t, http.MethodPost, "/v1/admin/staging/"+id+"/approve", h.token(t, "reviewer-1", true), "", &result)
	if status != http.StatusCreated {
		t.Fatalf("approve status = %d, error = %+v", status, apiErr)
	}

	asset := result.Asset
	if asset.Title != "Clip A" || asset.Category != "beauty" {
		t.Errorf("asset = %+v", asset)
	}
	if !strings.HasPrefix(asset.StoragePath, "videos/beauty/clip-a-") || !strings.HasSuffix(asset.StoragePath, ".mp4") {
		t.Errorf("StoragePath = %q, want videos/beauty/clip-a-<ts>.mp4", asset.StoragePath)
	}
	if !h.reloc.Exists(asset.StoragePath) || h.reloc.Exists("staging/"+id+".mp4") {
		t.Error("object was not moved to the production path")
	}

	var staged model.StagingVideo
	h.call(t, http.MethodGet, "/v1/admin/staging/"+id, h.token(t, "reviewer-1", true), "", &staged)
	if staged.Status != model.StagingApproved || staged.ProductionVideoID == nil || *staged.ProductionVideoID != asset.ID {
		t.Errorf("staging row = %+v, want approved and linked to %s", staged, asset.ID)
	}

	// Approving again returns the same asset without another move
	var again model.ApprovalResult
	status, _ = h.call(t, http.MethodPost, "/v1/admin/staging/"+id+"/approve", h.token(t, "reviewer-2", true), "", &again)
	if status != http.StatusOK || !again.AlreadyApproved || again.Asset.ID != asset.ID {
		t.Errorf("repeat approve = %d %+v", status, again)
	}
}

// testQuotaScenario refuses a download once the monthly limit is consumed.
func (h *Harness) testQuotaScenario(t *testing.T) {
	ctx := context.Background()
	user := h.id("subscriber")
	if err := h.store.UpsertSubscription(ctx, model.Subscription{
		UserID:               user,
		Plan:                 model.PlanStandard,
		Status:               model.StatusActive,
		MonthlyDownloadLimit: 15,
	}); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	for i := 0; i < 15; i++ {
		if err := h.store.CreateDownloadRecord(ctx, model.DownloadHistoryRecord{
			ID:           uuid.New().String(),
			UserID:       user,
			VideoID:      fmt.Sprintf("%s-v%d", h.run, i),
			DownloadedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}
	next := h.id("v16")
	if err := h.store.CreateProductionVideo(ctx, model.ProductionVideoAsset{
		ID: next, SourceStagingID: h.id("staging-v16"), Title: "Sixteen", StoragePath: "videos/general/v16.mp4", CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	tok := h.token(t, user, false)

	var ent model.Entitlement
	h.call(t, http.MethodGet, "/v1/me/entitlement", tok, "", &ent)
	if ent.Remaining != 0 || ent.Used != 15 || ent.Limit != 15 {
		t.Errorf("entitlement = %+v, want remaining 0 of 15", ent)
	}

	status, apiErr := h.call(t, http.MethodPost, "/v1/videos/"+next+"/download", tok, "", nil)
	if status != http.StatusPaymentRequired || apiErr == nil || apiErr.Code != "MKT_QUOTA_EXCEEDED" {
		t.Fatalf("16th download = %d %+v, want 402 MKT_QUOTA_EXCEEDED", status, apiErr)
	}

	recs, err := h.store.ListDownloadRecords(ctx, user, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 15 {
		t.Errorf("history rows = %d, want 15 (refused download must not be recorded)", len(recs))
	}
}

// testRejectScenario rejects a clip and then refuses to approve it.
func (h *Harness) testRejectScenario(t *testing.T) {
	id := h.id("clip-c")
	h.seedStaging(t, id, "Clip C", "staging/"+id+".mp4")
	tok := h.token(t, "reviewer-9", true)

	var staged model.StagingVideo
	status, _ := h.call(t, http.MethodPost, "/v1/admin/staging/"+id+"/reject", tok, `{"reason":"blurry footage"}`, &staged)
	if status != http.StatusOK {
		t.Fatalf("reject status = %d", status)
	}
	if staged.Status != model.StagingRejected ||
		staged.RejectionReason == nil || *staged.RejectionReason != "blurry footage" ||
		staged.ReviewedBy == nil || *staged.ReviewedBy != "reviewer-9" {
		t.Errorf("rejected row = %+v", staged)
	}

	status, apiErr := h.call(t, http.MethodPost, "/v1/admin/staging/"+id+"/approve", tok, "", nil)
	if status != http.StatusConflict || apiErr == nil || apiErr.Code != "MKT_ALREADY_PROCESSED" {
		t.Errorf("approve after reject = %d %+v, want 409 MKT_ALREADY_PROCESSED", status, apiErr)
	}
	if !h.reloc.Exists("staging/" + id + ".mp4") {
		t.Error("rejected clip should not be moved")
	}
}

// testReconcile finishes an approval whose staging row was never updated.
func (h *Harness) testReconcile(t *testing.T) {
	ctx := context.Background()
	id := h.id("clip-p")
	h.seedStaging(t, id, "Clip P", "staging/"+id+".mp4")
	if err := h.store.CreateProductionVideo(ctx, model.ProductionVideoAsset{
		ID:              h.id("asset-p"),
		SourceStagingID: id,
		Title:           "Clip P",
		Category:        "beauty",
		StoragePath:     "videos/beauty/clip-p.mp4",
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	var report model.ReconcileReport
	status, apiErr := h.call(t, http.MethodPost, "/v1/admin/reconcile", h.token(t, "operator", true), "", &report)
	if status != http.StatusOK {
		t.Fatalf("reconcile = %d %+v", status, apiErr)
	}
	repaired := false
	for _, r := range report.Repaired {
		if r == id {
			repaired = true
		}
	}
	if !repaired {
		t.Errorf("report = %+v, want %s repaired", report, id)
	}

	staged, err := h.store.GetStagingVideo(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if staged.Status != model.StagingApproved || staged.ProductionVideoID == nil || *staged.ProductionVideoID != h.id("asset-p") {
		t.Errorf("staging row after reconcile = %+v", staged)
	}
}
