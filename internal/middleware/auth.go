package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/PortNumber53/botbuilder/backend/internal/models"
)

type identityKey struct{}

// Claims are the identity provider's access-token claims. The subject is the user ID.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

var (
	errMissingToken = errors.New("missing bearer token")
	errNoSecret     = errors.New("authentication is not configured")
)

// Authenticator verifies HS256 bearer tokens signed with secret and stores the
// caller's identity on the request context. Requests without a valid token get 401.
func Authenticator(secret string) func(http.Handler) http.Handler {
	return authenticator(secret, time.Now)
}

func authenticator(secret string, now func() time.Time) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := verify(r, key, now)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func verify(r *http.Request, key []byte, now func() time.Time) (models.Identity, error) {
	if len(key) == 0 {
		return models.Identity{}, errNoSecret
	}
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return models.Identity{}, errMissingToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return models.Identity{}, err
	}
	if claims.Subject == "" {
		return models.Identity{}, errors.New("token has no subject")
	}
	return models.Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "unauthorized", Details: err.Error()})
}

// WithIdentity returns a copy of ctx carrying the caller's identity.
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by Authenticator.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(models.Identity)
	return identity, ok && identity.UserID != ""
}
