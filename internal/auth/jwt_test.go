package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier(t *testing.T) {
	v := NewVerifier("test-secret", "referralnet", "members")
	member := uuid.New()

	t.Run("round trip", func(t *testing.T) {
		token, err := v.Sign(Caller{Subject: member, Admin: true}, time.Hour)
		require.NoError(t, err)

		caller, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, member, caller.Subject)
		assert.True(t, caller.Admin)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.Sign(Caller{Subject: member}, -time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewVerifier("other-secret", "referralnet", "members")
		token, err := other.Sign(Caller{Subject: member}, time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewVerifier("test-secret", "referralnet", "admins")
		token, err := other.Sign(Caller{Subject: member}, time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("subject must be a uuid", func(t *testing.T) {
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "someone@example.com",
			Issuer:    "referralnet",
			Audience:  jwt.ClaimStrings{"members"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthenticate(t *testing.T) {
	v := NewVerifier("test-secret", "", "")
	member := uuid.New()
	token, err := v.Sign(Caller{Subject: member}, time.Hour)
	require.NoError(t, err)

	var seen Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := v.Authenticate(next)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid token", header: "Bearer " + token, status: http.StatusNoContent},
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-jwt", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/referrals/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), `"unauthenticated"`)
			}
		})
	}
	assert.Equal(t, member, seen.Subject)
}

func TestCallerFrom(t *testing.T) {
	_, ok := CallerFrom(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)

	ctx := WithCaller(httptest.NewRequest(http.MethodGet, "/", nil).Context(), System())
	c, ok := CallerFrom(ctx)
	require.True(t, ok)
	assert.True(t, c.Admin)
	assert.Equal(t, uuid.Nil, c.Subject)
}
