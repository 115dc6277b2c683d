// Package auth resolves bearer credentials into principals and profiles and
// guards the protected routes.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/llmgate/gemini-proxy/internal/apierror"
)

// ErrInvalidToken is returned by a Verifier when the credential is rejected.
// Any other verifier error is treated as a transient identity-provider
// failure, not as a rejection.
var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated end-user identity resolved from a bearer
// credential.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (p *Principal) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (p *Principal) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// Profile is the user's account record in the external store.
type Profile struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Tier      string    `json:"tier"` // free|pro|premium|enterprise
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Verifier is the identity collaborator's token-verification call. A single
// attempt is made per request; no retries.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*Principal, error)
}

// ProfileStore loads a principal's profile, creating a default free-tier
// active profile on first use. Creation must be idempotent under concurrent
// first use.
type ProfileStore interface {
	GetOrCreate(ctx context.Context, userID, email string) (*Profile, error)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	principalKey contextKey = "principal"
	profileKey   contextKey = "profile"
	requestIDKey contextKey = "request_id"
)

const bearerPrefix = "Bearer "

const verifyCacheTTL = 5 * time.Minute

// NewMiddleware builds the auth gate. The Redis cache holds verified
// token->principal results only; the profile (and its active flag) is loaded
// fresh from the store on every request.
func NewMiddleware(verifier Verifier, profiles ProfileStore, cache *redis.Client, development bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			// Prefix check is case-sensitive.
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				apierror.Write(w, apierror.AuthenticationRequired())
				return
			}
			token := strings.TrimPrefix(authHeader, bearerPrefix)

			principal, err := verify(ctx, verifier, cache, token)
			if err != nil {
				if errors.Is(err, ErrInvalidToken) {
					apierror.Write(w, apierror.InvalidCredential())
					return
				}
				log.Printf("auth: identity provider error: %v", err)
				apierror.Write(w, apierror.AuthService("identity provider unavailable"))
				return
			}

			profile, err := profiles.GetOrCreate(ctx, principal.ID, principal.Email)
			if err != nil {
				log.Printf("auth: profile load failed for user %s: %v", principal.ID, err)
				apierror.Write(w, apierror.Internal(err, development))
				return
			}
			if !profile.Active {
				apierror.Write(w, apierror.AccountInactive())
				return
			}

			w.Header().Set("X-User-ID", principal.ID)

			ctx = context.WithValue(ctx, principalKey, principal)
			ctx = context.WithValue(ctx, profileKey, profile)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verify checks the cache first, then makes the single verification attempt.
func verify(ctx context.Context, verifier Verifier, cache *redis.Client, token string) (*Principal, error) {
	var cacheKey string
	if cache != nil {
		h := sha256.Sum256([]byte(token))
		cacheKey = fmt.Sprintf("verify:%s", hex.EncodeToString(h[:]))

		var principal Principal
		err := cache.Get(ctx, cacheKey).Scan(&principal)
		if err == nil {
			return &principal, nil
		} else if err != redis.Nil {
			log.Printf("auth: redis error: %v", err)
		}
	}

	principal, err := verifier.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if principal == nil || principal.ID == "" {
		return nil, ErrInvalidToken
	}

	if cache != nil {
		_ = cache.Set(ctx, cacheKey, principal, verifyCacheTTL).Err()
	}

	return principal, nil
}

// Helpers to extract from context
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

func GetProfile(ctx context.Context) *Profile {
	if p, ok := ctx.Value(profileKey).(*Profile); ok {
		return p
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func WithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileKey, p)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
