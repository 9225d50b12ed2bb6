package clients

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referralnet/internal/membership"
	"referralnet/internal/store/memstore"
)

func TestTriggerClient(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	root := uuid.New()
	svc := membership.NewService(store, nil, nil, nil, membership.Config{RootMemberID: root})
	require.NoError(t, svc.Bootstrap(ctx))

	router := chi.NewRouter()
	membership.NewHandler(svc).InternalRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	client := NewTriggerClient(server.URL)

	orphan := uuid.New()
	store.Seed(membership.Member{ID: orphan, Phone: "+15550001111", FullName: "Orphan"})

	orphans, err := client.ResolveOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, orphans.Fixed)

	processed, err := client.ProcessMember(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, processed.OK)
	assert.Equal(t, []uuid.UUID{root}, processed.Credited)

	role, err := client.EvaluateRole(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, role.Promoted)

	_, err = client.EvaluateRole(ctx, uuid.New())
	assert.ErrorContains(t, err, "404")
}
