package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/internal/api"
	"github.com/wesm/prtrail/internal/ratelimit"
	"github.com/wesm/prtrail/internal/testutil"
)

func newTestRegistry(t *testing.T, endpoints ...Endpoint) *Registry {
	t.Helper()
	reg := New(testutil.NewDB(t), ratelimit.New(ratelimit.DefaultConfig()), nil)
	require.NoError(t, reg.SyncConfigured(context.Background(), endpoints))
	return reg
}

func TestListActive(t *testing.T) {
	reg := newTestRegistry(t,
		Endpoint{Label: "public", Token: "a"},
		Endpoint{Label: "enterprise", APIPath: "https://ghe.example.com/api/v3"},
		Endpoint{Label: "other", Token: "c", Repositories: []string{"acme/a"}},
	)

	active := reg.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, "public", active[0].Label)
	assert.Equal(t, "other", active[1].Label)
	assert.Less(t, active[0].ID, active[1].ID)
	assert.Equal(t, api.DefaultAPIPath, active[0].APIPath)

	assert.Len(t, reg.Servers(), 3)
	ep, ok := reg.Endpoint(active[1].ID)
	require.True(t, ok)
	assert.Equal(t, []string{"acme/a"}, ep.Repositories)
	assert.Equal(t, "c", reg.Token(active[1].ID))
}

func TestRecordResponse(t *testing.T) {
	reg := newTestRegistry(t, Endpoint{Label: "public", Token: "a"})
	id := reg.ListActive()[0].ID

	_, known := reg.Quota(id)
	assert.False(t, known)

	reset := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.RecordResponse(id, "4990", "5000", "1893456000")
	q, known := reg.Quota(id)
	require.True(t, known)
	assert.Equal(t, ratelimit.Quota{Limit: 5000, Remaining: 4990, ResetAt: reset}, q)

	reg.RecordResponse(id, "", "", "")
	reg.RecordResponse(id, "lots", "5000", "1893456000")
	q, _ = reg.Quota(id)
	assert.Equal(t, 4990, q.Remaining, "last known quota is kept")

	reg.RecordResponse(id, "-3", "5000", "1893456000")
	q, _ = reg.Quota(id)
	assert.Equal(t, 0, q.Remaining)
	assert.Equal(t, 0, reg.ListActive()[0].RateRemaining)
}

func TestSyncConfiguredDropsUnconfigured(t *testing.T) {
	store := testutil.NewDB(t)
	ctx := context.Background()
	reg := New(store, ratelimit.New(ratelimit.DefaultConfig()), nil)
	require.NoError(t, reg.SyncConfigured(ctx, []Endpoint{{Label: "a", Token: "x"}, {Label: "b", Token: "y"}}))
	require.Len(t, reg.ListActive(), 2)
	dropped := reg.ListActive()[1].ID

	require.NoError(t, reg.SyncConfigured(ctx, []Endpoint{{Label: "a", Token: "x"}}))
	assert.Len(t, reg.ListActive(), 1)
	assert.False(t, reg.Configured(dropped))

	stored, err := store.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2, "removal happens in the next cycle")
}

func TestAddRepository(t *testing.T) {
	reg := newTestRegistry(t, Endpoint{Label: "public", Token: "a"})
	id := reg.ListActive()[0].ID

	require.NoError(t, reg.AddRepository(id, "acme/widgets"))
	require.NoError(t, reg.AddRepository(id, "ACME/widgets"))
	assert.Error(t, reg.AddRepository(id, "widgets"))
	assert.Error(t, reg.AddRepository(id, "a/b/c"))
	assert.Error(t, reg.AddRepository(id+100, "acme/widgets"))

	ep, _ := reg.Endpoint(id)
	assert.Equal(t, []string{"acme/widgets"}, ep.Repositories)
}
