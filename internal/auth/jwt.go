package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("authorization header is required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims are the JWT claims understood by the service. The subject is
// the member id.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens issued by the identity provider.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewVerifier creates a verifier for tokens signed with secret. Empty
// issuer or audience disables that check.
func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// Verify parses tokenString and returns the caller it identifies.
func (v *Verifier) Verify(tokenString string) (Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: subject is not a member id", ErrInvalidToken)
	}
	return Caller{Subject: subject, Admin: claims.Admin}, nil
}

// Sign issues a token for c valid for ttl.
func (v *Verifier) Sign(c Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Admin: c.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Authenticate is the middleware that validates bearer tokens and stores
// the caller in the request context.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const bearerPrefix = "Bearer "

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) || strings.TrimPrefix(header, bearerPrefix) == "" {
			unauthorized(w, ErrMissingToken)
			return
		}

		caller, err := v.Verify(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			slog.Warn("Token verification failed", "error", err)
			unauthorized(w, ErrInvalidToken)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "unauthenticated",
		"message":   err.Error(),
		"retryable": false,
	})
}
