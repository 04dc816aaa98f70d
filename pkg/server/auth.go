package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/raterudder/forecaster/pkg/log"
)

// adminMiddleware requires a verified bearer token whose email is an admin.
// Without a configured issuer every request is allowed.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		email, err := s.authenticateToken(ctx, parts[1])
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !slices.Contains(s.adminEmails, email) {
			log.Ctx(ctx).WarnContext(ctx, "unauthorized email for admin endpoint", slog.String("email", email))
			writeJSONError(w, "unauthorized", http.StatusForbidden)
			return
		}

		ctx = log.WithAttrs(ctx, slog.String("email", email))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateToken verifies token and returns its email claim.
func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	idToken, err := s.verifier(ctx, token)
	if err != nil {
		return "", fmt.Errorf("failed to verify token: %w", err)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to read token claims: %w", err)
	}
	if claims.Email == "" {
		return "", errors.New("token has no email claim")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return "", errors.New("token email is not verified")
	}
	return claims.Email, nil
}
