package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"wagate/internal/domain"
	"wagate/internal/metrics"
)

// TokenPrefix marks gateway API tokens.
const TokenPrefix = "xiw_"

// GenerateToken returns a new random API token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// HashToken is the form in which tokens are stored and looked up.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type ctxKey struct{}

func identityFrom(ctx context.Context) domain.Identity {
	id, _ := ctx.Value(ctxKey{}).(domain.Identity)
	return id
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		var ident domain.Identity
		if s.cfg.AdminToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(s.cfg.AdminToken)) == 1 {
			ident = domain.Identity{
				UserID:    s.cfg.AdminUserID,
				Username:  "admin",
				Role:      domain.RoleAdmin,
				ActorType: "user",
				AuthType:  "admin_token",
			}
		} else {
			resolved, err := s.cfg.Store.ResolveToken(r.Context(), HashToken(raw))
			if err != nil {
				s.logger.Error("token lookup failed", "err", err)
				internalError(w)
				return
			}
			if resolved == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}
			ident = *resolved
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, ident)))
	})
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identityFrom(r.Context()).Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// canAccess reports whether ident may operate instanceID.
func canAccess(ident domain.Identity, instanceID int64) bool {
	if ident.Role == domain.RoleAdmin || ident.AllowedInstances == nil {
		return true
	}
	return slices.Contains(ident.AllowedInstances, instanceID)
}

func (s *Server) instanceAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if !canAccess(identityFrom(r.Context()), id) {
			writeError(w, http.StatusForbidden, "NOT_ASSIGNED", "you are not assigned to instance "+strconv.FormatInt(id, 10))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateKey(ident domain.Identity) string {
	if ident.TokenID != 0 {
		return "token:" + strconv.FormatInt(ident.TokenID, 10)
	}
	return "admin"
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.cfg.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.cfg.Limiter.Allow(r.Context(), rateKey(identityFrom(r.Context())), s.cfg.RequestsPerMinute)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			metrics.RateLimited.Inc()
			retry := int(time.Until(d.ResetAt).Seconds()) + 1
			h.Set("Retry-After", strconv.Itoa(max(retry, 1)))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
