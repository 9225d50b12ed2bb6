// tests/integration/main_test.go
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referralnet/internal/auth"
	"referralnet/internal/clients"
	"referralnet/internal/membership"
)

// TestSuite talks to a running referral service. Start it with
// STORE_DRIVER=postgres and point REFERRAL_API_URL at the public listener.
type TestSuite struct {
	baseURL  string
	verifier *auth.Verifier
	client   *http.Client
}

func setupTestSuite(t *testing.T) *TestSuite {
	baseURL := os.Getenv("REFERRAL_API_URL")
	if baseURL == "" {
		t.Skip("REFERRAL_API_URL not set, skipping integration test")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		t.Skip("JWT_SECRET not set, skipping integration test")
	}
	return &TestSuite{
		baseURL:  baseURL,
		verifier: auth.NewVerifier(secret, os.Getenv("JWT_ISSUER"), os.Getenv("JWT_AUDIENCE")),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (ts *TestSuite) call(t *testing.T, method, path string, member uuid.UUID, body interface{}, out interface{}) int {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.baseURL+path, &buf)
	require.NoError(t, err)

	token, err := ts.verifier.Sign(auth.Caller{Subject: member}, time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (ts *TestSuite) register(t *testing.T, referrer string) uuid.UUID {
	id := uuid.New()
	status := ts.call(t, http.MethodPost, "/v1/members/profile", id, map[string]interface{}{
		"phone":         fmt.Sprintf("+1555%07d", rand.Intn(10000000)),
		"pin_hash":      "0123456789abcdef0123456789abcdef",
		"profile":       map[string]string{"full_name": "Integration " + id.String()[:8]},
		"referrer_code": referrer,
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	return id
}

func TestReferralFlow(t *testing.T) {
	ts := setupTestSuite(t)

	a := ts.register(t, "")

	var issued struct {
		Code string `json:"code"`
	}
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodPost, "/v1/referral-code", a, nil, &issued))
	assert.True(t, membership.IsWellFormed(issued.Code))

	ts.register(t, issued.Code)

	var stats membership.Stats
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/v1/referrals/stats", a, nil, &stats))
	assert.Equal(t, issued.Code, stats.Code)
	assert.Equal(t, int64(1), stats.DirectCount)
	assert.Equal(t, int64(1), stats.TeamCount)
	assert.Len(t, stats.RecentReferrals, 1)
}

func TestConcurrentCodeIssuanceIsIdempotent(t *testing.T) {
	ts := setupTestSuite(t)
	member := ts.register(t, "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	codes := make(map[string]int)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var issued struct {
				Code string `json:"code"`
			}
			if ts.call(t, http.MethodPost, "/v1/referral-code", member, nil, &issued) == http.StatusOK {
				mu.Lock()
				codes[issued.Code]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, codes, 1, "Every concurrent request should observe the same code")
}

func TestInternalTriggers(t *testing.T) {
	ts := setupTestSuite(t)
	internalURL := os.Getenv("REFERRAL_INTERNAL_URL")
	if internalURL == "" {
		t.Skip("REFERRAL_INTERNAL_URL not set, skipping internal trigger test")
	}
	triggers := clients.NewTriggerClient(internalURL)
	ctx := context.Background()

	member := ts.register(t, "")

	first, err := triggers.ResolveOrphans(ctx)
	require.NoError(t, err)
	second, err := triggers.ResolveOrphans(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first.Fixed, 0)
	assert.Zero(t, second.Fixed, "A second orphan pass must not change anything")

	role, err := triggers.EvaluateRole(ctx, member)
	require.NoError(t, err)
	assert.False(t, role.Promoted)
}
