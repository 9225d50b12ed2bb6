package membership_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referralnet/internal/auth"
	"referralnet/internal/membership"
)

type testServer struct {
	*fixture
	verifier *auth.Verifier
	public   http.Handler
	internal http.Handler
}

func newTestServer(t *testing.T, opts ...membership.Option) *testServer {
	f := newFixture(t, opts...)
	verifier := auth.NewVerifier("test-secret", "referralnet", "")
	h := membership.NewHandler(f.svc)

	public := chi.NewRouter()
	public.Use(verifier.Authenticate)
	h.PublicRoutes(public)

	internal := chi.NewRouter()
	h.InternalRoutes(internal)

	return &testServer{fixture: f, verifier: verifier, public: public, internal: internal}
}

func (s *testServer) token(t *testing.T, c auth.Caller) string {
	token, err := s.verifier.Sign(c, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHandlerRegistrationFlow(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()
	token := s.token(t, auth.Caller{Subject: id})

	rr := s.do(t, s.public, http.MethodPost, "/v1/members/profile", token, map[string]interface{}{
		"phone":    "+15550001111",
		"pin_hash": "0123456789abcdef0123456789abcdef",
		"profile":  map[string]string{"full_name": "Ada Lovelace", "email": "ada@example.com"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, true, decode(t, rr)["ok"])

	rr = s.do(t, s.public, http.MethodPost, "/v1/referral-code", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	code, _ := decode(t, rr)["code"].(string)
	assert.True(t, membership.IsWellFormed(code))

	rr = s.do(t, s.public, http.MethodPost, "/v1/registry/reconcile", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, false, body["fixed"])
	assert.Equal(t, code, body["code"])
	assert.NotEmpty(t, body["message"])

	rr = s.do(t, s.public, http.MethodGet, "/v1/referrals/stats", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats membership.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, code, stats.Code)
	assert.Equal(t, "Member", stats.RoleName)
	assert.NotNil(t, stats.RecentReferrals)
}

func TestHandlerErrors(t *testing.T) {
	s := newTestServer(t, membership.WithCodeGenerator(sequence("TALAAA222")))
	member := s.register(t, "")
	memberToken := s.token(t, auth.Caller{Subject: member})
	s.code(t, member)

	phoneless := uuid.New()
	s.store.Seed(membership.Member{ID: phoneless, FullName: "No Phone", ReferrerCode: membership.RootCode})
	blocked := s.register(t, "")

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       interface{}
		wantStatus int
		wantError  string
		retryable  bool
	}{
		{
			name:       "missing token",
			method:     http.MethodPost,
			path:       "/v1/referral-code",
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthenticated",
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			path:       "/v1/members/profile",
			token:      s.token(t, auth.Caller{Subject: uuid.New()}),
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_argument",
		},
		{
			name:       "phone already claimed",
			method:     http.MethodPost,
			path:       "/v1/members/profile",
			token:      s.token(t, auth.Caller{Subject: uuid.New()}),
			body:       map[string]interface{}{"phone": s.member(t, member).Phone, "pin_hash": "0123456789abcdef", "profile": map[string]string{"full_name": "Dup"}},
			wantStatus: http.StatusConflict,
			wantError:  "already_exists",
		},
		{
			name:       "unknown member",
			method:     http.MethodPost,
			path:       "/v1/referral-code",
			token:      s.token(t, auth.Caller{Subject: uuid.New()}),
			wantStatus: http.StatusNotFound,
			wantError:  "not_found",
		},
		{
			name:       "missing phone",
			method:     http.MethodPost,
			path:       "/v1/referral-code",
			token:      s.token(t, auth.Caller{Subject: phoneless}),
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "failed_precondition",
		},
		{
			name:       "code space exhausted",
			method:     http.MethodPost,
			path:       "/v1/referral-code",
			token:      s.token(t, auth.Caller{Subject: blocked}),
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "resource_exhausted",
			retryable:  true,
		},
		{
			name:       "admin only",
			method:     http.MethodPost,
			path:       "/v1/admin/reconcile-all",
			token:      memberToken,
			wantStatus: http.StatusForbidden,
			wantError:  "permission_denied",
		},
		{
			name:       "bad history id",
			method:     http.MethodGet,
			path:       "/v1/admin/members/nope/history",
			token:      s.token(t, auth.System()),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_argument",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, s.public, tt.method, tt.path, tt.token, tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())

			body := decode(t, rr)
			assert.Equal(t, tt.wantError, body["error"])
			assert.Equal(t, tt.retryable, body["retryable"])
			if tt.retryable {
				assert.NotEmpty(t, rr.Header().Get("Retry-After"))
			}
		})
	}
}

func TestHandlerAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	member := s.register(t, "")
	s.code(t, member)
	admin := s.token(t, auth.System())

	rr := s.do(t, s.public, http.MethodPost, "/v1/admin/reconcile-all", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(0), body["fixed"])
	assert.Equal(t, float64(1), body["skipped"])

	rr = s.do(t, s.public, http.MethodGet, "/v1/admin/members/"+member.String()+"/history", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var entries []membership.JournalEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, membership.EventMemberRegistered, entries[0].Type)

	rr = s.do(t, s.public, http.MethodGet, "/v1/admin/members/"+uuid.NewString()+"/history", admin, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerInternalRoutes(t *testing.T) {
	s := newTestServer(t)
	a := s.register(t, "")
	code := s.code(t, a)

	orphan := uuid.New()
	s.store.Seed(membership.Member{ID: orphan, Phone: "+15559990000", FullName: "Orphan"})

	rr := s.do(t, s.internal, http.MethodPost, "/internal/orphans/resolve", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, float64(1), decode(t, rr)["fixed_count"])

	late := uuid.New()
	s.store.Seed(membership.Member{ID: late, Phone: "+15559990001", FullName: "Late", ReferrerCode: code})

	rr = s.do(t, s.internal, http.MethodPost, "/internal/members/"+late.String()+"/process", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, []interface{}{a.String(), s.root.String()}, body["credited"])

	rr = s.do(t, s.internal, http.MethodPost, "/internal/members/"+a.String()+"/evaluate-role", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode(t, rr)
	assert.Equal(t, false, body["promoted"])

	rr = s.do(t, s.internal, http.MethodPost, "/internal/members/"+uuid.NewString()+"/evaluate-role", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
