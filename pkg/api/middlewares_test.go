package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
)

func authProbe(t *testing.T, am *AuthMiddleware, wrap func(http.Handler) http.Handler,
	headers map[string]string) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()

	var captured *http.Request
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/probe", nil)
	for name, value := range headers {
		r.Header.Set(name, value)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w, captured
}

func TestPublicKeyMiddleware(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	key := testAPIKey()
	business.keys[key.PublicKey] = key
	am := &AuthMiddleware{Keys: business}

	w, r := authProbe(t, am, am.PublicKey, map[string]string{common.HeaderAPIKey: key.PublicKey})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %v", w.Code)
	}
	if got := apiKeyFromContext(r.Context()); got == nil || got.PublicKey != key.PublicKey {
		t.Errorf("key not propagated: %+v", got)
	}

	w, _ = authProbe(t, am, am.PublicKey, map[string]string{common.HeaderAPIKey: "pk_live_unknown"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unknown key status %v", w.Code)
	}

	w, _ = authProbe(t, am, am.PublicKey, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing header status %v", w.Code)
	}
}

func TestPublicKeyMiddlewareOriginAllowList(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	key := testAPIKey()
	key.AllowedOrigins = []string{"https://shop.example.com"}
	business.keys[key.PublicKey] = key
	am := &AuthMiddleware{Keys: business}

	w, _ := authProbe(t, am, am.PublicKey, map[string]string{
		common.HeaderAPIKey: key.PublicKey,
		"Origin":            "https://shop.example.com",
	})
	if w.Code != http.StatusNoContent {
		t.Errorf("allowed origin status %v", w.Code)
	}

	w, _ = authProbe(t, am, am.PublicKey, map[string]string{
		common.HeaderAPIKey: key.PublicKey,
		"Origin":            "https://evil.example.com",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status %v", w.Code)
	}

	// no Origin header means server-to-server traffic
	w, _ = authProbe(t, am, am.PublicKey, map[string]string{common.HeaderAPIKey: key.PublicKey})
	if w.Code != http.StatusNoContent {
		t.Errorf("origin-less request status %v", w.Code)
	}

	// a wildcard entry lifts the restriction
	key.AllowedOrigins = []string{"*"}
	w, _ = authProbe(t, am, am.PublicKey, map[string]string{
		common.HeaderAPIKey: key.PublicKey,
		"Origin":            "https://anything.example.com",
	})
	if w.Code != http.StatusNoContent {
		t.Errorf("wildcard origin status %v", w.Code)
	}
}

func TestPublicKeyMiddlewareDemoFallback(t *testing.T) {
	t.Parallel()

	am := &AuthMiddleware{Keys: newFakeBusiness(), DemoPublicKey: "pk_demo"}

	w, r := authProbe(t, am, am.PublicKey, map[string]string{common.HeaderAPIKey: "pk_demo"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %v", w.Code)
	}

	key := apiKeyFromContext(r.Context())
	if key == nil || !key.IsDemo {
		t.Errorf("demo key not synthesized: %+v", key)
	}
}

func secretProbe(t *testing.T, am *AuthMiddleware, key *db.APIKey, secret string) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()

	var captured *http.Request
	handler := am.Secret(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/probe", nil)
	r = r.WithContext(authedContext(key, "10.0.0.1", false))
	if len(secret) > 0 {
		r.Header.Set(common.HeaderSecretKey, secret)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w, captured
}

func TestSecretMiddleware(t *testing.T) {
	t.Parallel()

	am := &AuthMiddleware{DemoSecret: "demo-secret"}
	key := testAPIKey()

	w, r := secretProbe(t, am, key, "sk_live_test")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %v", w.Code)
	}
	if !secretVerified(r.Context()) {
		t.Error("secret flag not propagated")
	}

	if w, _ = secretProbe(t, am, key, "sk_live_wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status %v", w.Code)
	}

	if w, _ = secretProbe(t, am, key, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing secret status %v", w.Code)
	}

	// demo keys validate against the configured demo secret, not the hash
	demo := testAPIKey()
	demo.IsDemo = true

	if w, _ = secretProbe(t, am, demo, "demo-secret"); w.Code != http.StatusNoContent {
		t.Errorf("demo secret status %v", w.Code)
	}
	if w, _ = secretProbe(t, am, demo, "sk_live_test"); w.Code != http.StatusUnauthorized {
		t.Errorf("demo key with real secret status %v", w.Code)
	}
}

func TestAdminMiddleware(t *testing.T) {
	t.Parallel()

	am := &AuthMiddleware{AdminToken: "admin-token"}

	w, _ := authProbe(t, am, am.Admin, map[string]string{common.HeaderAdminToken: "admin-token"})
	if w.Code != http.StatusNoContent {
		t.Errorf("status %v", w.Code)
	}

	w, _ = authProbe(t, am, am.Admin, map[string]string{common.HeaderAdminToken: "wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong token status %v", w.Code)
	}

	// an unconfigured token disables the surface entirely
	unset := &AuthMiddleware{}
	w, _ = authProbe(t, unset, unset.Admin, map[string]string{common.HeaderAdminToken: ""})
	if w.Code != http.StatusForbidden {
		t.Errorf("unset token status %v", w.Code)
	}
}
