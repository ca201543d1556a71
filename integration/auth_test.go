// Package integration exercises the HTTP surface against an external key set,
// the way production tokens from the identity provider are verified.
package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
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
)

const (
	issuer   = "https://auth.clipmarket.test"
	audience = "authenticated"
	keyID    = "signing-key-1"
)

type env struct {
	api     *httptest.Server
	store   storage.Store
	reloc   *media.MemoryRelocator
	priv    ed25519.PrivateKey
	fetches *atomic.Int32
}

// newEnv serves a JWKS document for a fresh Ed25519 key and wires the API
// to verify tokens against it.
func newEnv(t *testing.T) *env {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	fetches := &atomic.Int32{}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(auth.JWKS{Keys: []auth.JWK{{
			Kty: "OKP", Kid: keyID, Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := auth.NewVerifier(auth.Options{Issuer: issuer, Audience: audience, JWKSURL: jwksServer.URL})
	if err != nil {
		t.Fatal(err)
	}

	store := storage.NewMemory()
	reloc := media.NewMemoryRelocator("https://objects.test")
	pubr := event.NewRecorder()
	catalog := billing.NewCatalog(nil, 3, 7)
	mux := server.NewMux(server.Options{
		Store:        store,
		Verifier:     verifier,
		Workflow:     approval.New(store, reloc, nil, pubr, nil, approval.Options{}),
		Entitlements: entitlement.NewEngine(store, catalog),
		Downloads:    download.NewRecorder(store, pubr, nil),
		Billing:      billing.NewMapper(store, catalog, pubr),
		Relocator:    reloc,
	})
	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)

	return &env{api: api, store: store, reloc: reloc, priv: priv, fetches: fetches}
}

// sign creates an EdDSA token for subject; extra claims are merged in.
func (e *env) sign(t *testing.T, kid, subject string, extra jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(e.priv)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (e *env) do(t *testing.T, method, path, tok string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.api.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != nil {
		return resp.StatusCode, body.Error.Code
	}
	return resp.StatusCode, ""
}

func TestJWKSTokensAcceptedEndToEnd(t *testing.T) {
	e := newEnv(t)
	tok := e.sign(t, keyID, "user-1", nil)

	for i := 0; i < 3; i++ {
		status, code := e.do(t, http.MethodGet, "/v1/me/entitlement", tok)
		if status != http.StatusOK {
			t.Fatalf("GET /v1/me/entitlement = %d %s", status, code)
		}
	}
	if got := e.fetches.Load(); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1", got)
	}
}

func TestJWKSRejections(t *testing.T) {
	e := newEnv(t)

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": issuer, "aud": audience, "sub": "mallory", "exp": time.Now().Add(time.Hour).Unix(),
	})
	forged.Header["kid"] = keyID
	forgedToken, err := forged.SignedString(otherKey)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		tok  string
		code string
	}{
		{"unknown kid", e.sign(t, "rotated-away", "user-1", nil), "MKT_JWT_INVALID"},
		{"wrong signing key", forgedToken, "MKT_JWT_INVALID"},
		{"wrong audience", e.sign(t, keyID, "user-1", jwt.MapClaims{"aud": "someone-else"}), "MKT_JWT_INVALID"},
		{"expired", e.sign(t, keyID, "user-1", jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}), "MKT_JWT_EXPIRED"},
		{"not a jwt", "abc.def", "MKT_JWT_MALFORMED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := e.do(t, http.MethodGet, "/v1/me/entitlement", tt.tok)
			if status != http.StatusUnauthorized || code != tt.code {
				t.Errorf("got %d %s, want 401 %s", status, code, tt.code)
			}
		})
	}
}

func TestAdminFromClaimOrStoredRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	claimAdmin := e.sign(t, keyID, "admin-1", jwt.MapClaims{"app_metadata": map[string]interface{}{"role": "admin"}})
	if status, code := e.do(t, http.MethodGet, "/v1/admin/staging", claimAdmin); status != http.StatusOK {
		t.Errorf("claim admin = %d %s, want 200", status, code)
	}

	plain := e.sign(t, keyID, "moderator-1", nil)
	if status, code := e.do(t, http.MethodGet, "/v1/admin/staging", plain); status != http.StatusForbidden || code != "MKT_AUTHZ" {
		t.Errorf("plain user = %d %s, want 403 MKT_AUTHZ", status, code)
	}

	if err := e.store.SetUserRole(ctx, model.UserRole{UserID: "moderator-1", Role: model.RoleAdmin, GrantedBy: "admin-1", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if status, code := e.do(t, http.MethodGet, "/v1/admin/staging", plain); status != http.StatusOK {
		t.Errorf("stored admin = %d %s, want 200", status, code)
	}
}

func TestApproveWithJWKSAdmin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.reloc.Put("staging/sunset.mov")
	if err := e.store.CreateStagingVideo(ctx, model.StagingVideo{
		ID: "stg-1", Title: "Sunset Over Water", Category: "Nature", StoragePath: "staging/sunset.mov",
		Status: model.StagingPending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	admin := e.sign(t, keyID, "admin-1", jwt.MapClaims{"app_metadata": map[string]interface{}{"role": "admin"}})
	status, code := e.do(t, http.MethodPost, "/v1/admin/staging/stg-1/approve", admin)
	if status != http.StatusCreated {
		t.Fatalf("approve = %d %s, want 201", status, code)
	}

	staged, err := e.store.GetStagingVideo(ctx, "stg-1")
	if err != nil {
		t.Fatal(err)
	}
	if staged.ApprovedBy == nil || *staged.ApprovedBy != "admin-1" {
		t.Errorf("ApprovedBy = %v, want admin-1", staged.ApprovedBy)
	}
	if staged.FinalStoragePath == nil || !strings.HasPrefix(*staged.FinalStoragePath, "videos/nature/sunset-over-water-") {
		t.Errorf("FinalStoragePath = %v", staged.FinalStoragePath)
	}
}
