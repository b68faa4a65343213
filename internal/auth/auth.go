// Package auth provides JWT authentication for the task API. A token names
// the owner it acts for and the firm that owner belongs to.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by the auth service.
var (
	ErrInvalidToken = errors.New("auth: invalid or expired JWT token")
	ErrMissingOwner = errors.New("auth: owner id is required")
)

// UserClaims holds the authenticated caller extracted from a JWT.
type UserClaims struct {
	OwnerID   string    `json:"owner_id"`
	FirmID    string    `json:"firm_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues and validates JWTs.
type Service struct {
	jwtSecret []byte
	jwtTTL    time.Duration
}

// NewService creates a new auth service. A non-positive ttl means 24 hours.
func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    ttl,
	}
}

// IssueToken creates a signed JWT for ownerID acting within firmID.
func (s *Service) IssueToken(ownerID, firmID string) (string, error) {
	if ownerID == "" {
		return "", ErrMissingOwner
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  ownerID,
		"firm": firmID,
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies a JWT token and returns the caller's claims.
func (s *Service) ValidateJWT(_ context.Context, tokenStr string) (*UserClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	owner, _ := claims["sub"].(string)
	if owner == "" {
		return nil, ErrInvalidToken
	}
	firm, _ := claims["firm"].(string)

	iat, _ := claims.GetIssuedAt()
	exp, _ := claims.GetExpirationTime()
	if iat == nil || exp == nil {
		return nil, ErrInvalidToken
	}

	return &UserClaims{
		OwnerID:   owner,
		FirmID:    firm,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// --- JWT Middleware ---

type contextKey string

const userClaimsKey contextKey = "userClaims"

// JWTMiddleware returns a Chi middleware that validates JWT tokens from the
// Authorization header and injects UserClaims into the request context.
// Invalid or missing tokens result in a 401 response. Browsers cannot set
// headers on an EventSource, so an access_token query parameter is accepted
// as well.
func (s *Service) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearerToken(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid authorization header")
			return
		}

		claims, err := s.ValidateJWT(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, userClaimsKey, claims)
}

// ClaimsFromContext extracts UserClaims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *UserClaims {
	claims, _ := ctx.Value(userClaimsKey).(*UserClaims)
	return claims
}
