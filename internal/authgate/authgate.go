// Package authgate implements the two credential types named in spec §6:
// an opaque API-key header on the metered surface, and an admin-key header
// gating administrative operations. It is deliberately thin — whether an
// API key is actually valid, active, and in-budget is a pipeline concern
// (KeyStore.GetKey), not an HTTP-layer concern. This package only extracts
// and, for the admin key, authenticates the credential.
package authgate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/metergate/meterproxy/internal/adminlimit"
	"github.com/metergate/meterproxy/internal/apikeyhash"
)

type contextKey string

const apiKeyContextKey contextKey = "meterproxy_api_key"

// APIKeyHeader and AdminKeyHeader are the two credential headers spec §6 names.
const (
	APIKeyHeader   = "X-API-Key"
	AdminKeyHeader = "X-Admin-Key"
)

// ExtractAPIKey pulls the caller's opaque API key from the request, checking
// the X-API-Key header first and an Authorization: Bearer fallback second.
func ExtractAPIKey(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// WithAPIKey stores the extracted API key on the request context so
// downstream handlers and the pipeline's RequestContext can read it without
// re-parsing headers.
func WithAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ExtractAPIKey(r)
		ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// APIKeyFromContext returns the API key stashed by WithAPIKey, or "".
func APIKeyFromContext(ctx context.Context) string {
	k, _ := ctx.Value(apiKeyContextKey).(string)
	return k
}

// AdminAuthenticator holds the bcrypt digest of the admin secret and
// authenticates admin requests against it. The file on disk never holds the
// cleartext secret past the moment it is generated.
type AdminAuthenticator struct {
	hash    string
	limiter *adminlimit.Limiter
}

// WithRateLimiter attaches a brute-force guard to the authenticator. Without
// one, Middleware authenticates every attempt with no throttling.
func (a *AdminAuthenticator) WithRateLimiter(l *adminlimit.Limiter) *AdminAuthenticator {
	a.limiter = l
	return a
}

// LoadOrCreateAdminKey reads the admin key's bcrypt digest from path,
// generating a new secret and persisting its digest on first launch (spec §6
// CLI surface: "print the generated admin key on first launch"). The
// returned plaintext key is only ever non-empty when generated is true —
// there is no way to recover it from the stored digest afterward.
func LoadOrCreateAdminKey(path string) (auth *AdminAuthenticator, plaintext string, generated bool, err error) {
	if data, rerr := os.ReadFile(path); rerr == nil {
		hash := strings.TrimSpace(string(data))
		if hash != "" {
			return &AdminAuthenticator{hash: hash}, "", false, nil
		}
	}

	raw := make([]byte, 24)
	if _, rerr := rand.Read(raw); rerr != nil {
		return nil, "", false, fmt.Errorf("generating admin key: %w", rerr)
	}
	key := "admin_" + hex.EncodeToString(raw)

	hash, herr := apikeyhash.Hash(key)
	if herr != nil {
		return nil, "", false, fmt.Errorf("hashing admin key: %w", herr)
	}

	if werr := os.WriteFile(path, []byte(hash+"\n"), 0600); werr != nil {
		return nil, "", false, fmt.Errorf("persisting admin key: %w", werr)
	}

	return &AdminAuthenticator{hash: hash}, key, true, nil
}

// Middleware requires the X-Admin-Key header to match the stored digest.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if a.limiter != nil {
			res, err := a.limiter.Allow(r.Context(), ip)
			if err == nil && !res.Allowed {
				respondError(w, http.StatusTooManyRequests, "rate_limited", "too many failed admin attempts, try again later")
				return
			}
		}

		got := r.Header.Get(AdminKeyHeader)
		if got == "" || !apikeyhash.Verify(a.hash, got) {
			if a.limiter != nil {
				_ = a.limiter.RecordFailure(r.Context(), ip)
			}
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin key")
			return
		}

		if a.limiter != nil {
			_ = a.limiter.Reset(r.Context(), ip)
		}
		next.ServeHTTP(w, r)
	})
}

// respondError writes the same {"error","message"} JSON body as
// httpserver.RespondError; httpserver imports this package, so it cannot be
// imported back.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// clientIP returns the request's originating address for rate-limit keying,
// preferring the first X-Forwarded-For hop if present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}
