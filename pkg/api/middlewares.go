package api

import (
	"context"
	"crypto/hmac"
	"log/slog"
	"net/http"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
)

// KeySource is the credential side of the business store.
type KeySource interface {
	GetAPIKey(ctx context.Context, publicKey string) (*db.APIKey, error)
}

// AuthMiddleware resolves the public key header into the key row and,
// for verify endpoints, checks the secret. Demo keys compare against
// the configured demo secret instead of the stored hash.
type AuthMiddleware struct {
	Keys KeySource
	// DemoPublicKey is recognized without a relational row, so the hosted
	// demo works on an empty database.
	DemoPublicKey string
	DemoSecret    string
	AdminToken    string
}

func (am *AuthMiddleware) demoKey(publicKey string) *db.APIKey {
	if len(am.DemoPublicKey) == 0 || publicKey != am.DemoPublicKey {
		return nil
	}

	return &db.APIKey{PublicKey: publicKey, Name: "demo", IsDemo: true}
}

func apiKeyFromContext(ctx context.Context) *db.APIKey {
	if key, ok := ctx.Value(common.APIKeyContextKey).(*db.APIKey); ok {
		return key
	}

	return nil
}

func secretVerified(ctx context.Context) bool {
	verified, ok := ctx.Value(common.SecretVerifiedContextKey).(bool)
	return ok && verified
}

// PublicKey authenticates the issuance phase: the key row must exist.
func (am *AuthMiddleware) PublicKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		publicKey := r.Header.Get(common.HeaderAPIKey)
		if len(publicKey) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		key, err := am.Keys.GetAPIKey(ctx, publicKey)
		if err != nil {
			if demo := am.demoKey(publicKey); demo != nil && err == db.ErrRecordNotFound {
				key, err = demo, nil
			}
		}
		if err != nil {
			switch err {
			case db.ErrRecordNotFound:
				slog.Log(ctx, common.LevelTrace, "Unknown api key", "publicKey", publicKey)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			case db.ErrInvalidInput:
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			default:
				slog.ErrorContext(ctx, "Failed to resolve api key", common.ErrAttr(err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
			return
		}

		if origin := r.Header.Get("Origin"); !key.OriginAllowed(origin) {
			slog.WarnContext(ctx, "Origin not in the key's allow-list", "publicKey", key.PublicKey, "origin", origin)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		ctx = context.WithValue(ctx, common.APIKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Secret authenticates the verify phase on top of PublicKey.
func (am *AuthMiddleware) Secret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := apiKeyFromContext(ctx)
		if key == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		secret := r.Header.Get(common.HeaderSecretKey)
		var valid bool
		if key.IsDemo {
			valid = len(am.DemoSecret) > 0 && hmac.Equal([]byte(secret), []byte(am.DemoSecret))
		} else {
			valid = len(secret) > 0 && key.VerifySecret(secret)
		}

		if !valid {
			slog.WarnContext(ctx, "Secret key mismatch", "publicKey", key.PublicKey, "demo", key.IsDemo)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx = context.WithValue(ctx, common.SecretVerifiedContextKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Admin gates the IP management endpoints behind a static token.
func (am *AuthMiddleware) Admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(am.AdminToken) == 0 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		token := r.Header.Get(common.HeaderAdminToken)
		if !hmac.Equal([]byte(token), []byte(am.AdminToken)) {
			slog.WarnContext(r.Context(), "Admin token mismatch", "path", r.URL.Path)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
