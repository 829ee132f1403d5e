package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/notify"
	"github.com/wesm/prtrail/internal/ratelimit"
	"github.com/wesm/prtrail/internal/registry"
	"github.com/wesm/prtrail/internal/sync"
	"github.com/wesm/prtrail/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeScheduler struct {
	refreshes int
}

func (f *fakeScheduler) Status() sync.Status {
	return sync.Status{ConsecutiveFailures: 2, Failed: true, LastOutcome: "failed"}
}

func (f *fakeScheduler) Refresh() bool {
	f.refreshes++
	return f.refreshes == 1
}

func (f *fakeScheduler) Cancel() bool { return false }

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRouter(t *testing.T) (http.Handler, *fakeScheduler) {
	t.Helper()
	ctx := context.Background()
	store := testutil.NewDB(t)
	reg := registry.New(store, ratelimit.New(ratelimit.DefaultConfig()), nil)
	require.NoError(t, reg.SyncConfigured(ctx, []registry.Endpoint{{Label: "public", Token: "t"}}))
	id := reg.ListActive()[0].ID
	reg.RecordResponse(id, "4000", "5000", "1893456000")

	r, err := store.Load(ctx)
	require.NoError(t, err)
	r.Repos.Upsert(&models.Repository{
		Base:     models.Base{ServerID: id, ExternalID: 10, UpdatedAt: t0},
		FullName: "acme/a", Owner: "acme", Active: true,
	})
	for i, section := range []models.Section{models.SectionMine, models.SectionAll, models.SectionAll} {
		r.PullRequests.Upsert(&models.PullRequest{
			Base:         models.Base{ServerID: id, ExternalID: int64(100 + i), UpdatedAt: t0},
			RepositoryID: 10, Number: i + 1, Title: "pr", Section: section, SortIndex: i,
			UnreadComments: 1,
		})
	}
	_, err = store.Commit(ctx, r, &db.RunRecord{ID: "run-1", Trigger: "manual", Outcome: "succeeded", StartedAt: t0, FinishedAt: t0})
	require.NoError(t, err)

	hub := notify.NewHub(nil)
	hub.Publish(models.Notification{Type: models.NewPR, Title: "first"}, models.Notification{Type: models.NewComment, Title: "second"})

	sched := &fakeScheduler{}
	return NewRouter(NewHandler(store, reg, sched, hub, nil), []string{"http://localhost:3000"}), sched
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	h, _ := setupRouter(t)
	code, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"ok"`, string(body["status"]))
}

func TestStatus(t *testing.T) {
	h, _ := setupRouter(t)
	code, body := get(t, h, "/api/v1/status")
	require.Equal(t, http.StatusOK, code)

	var servers []serverStatus
	require.NoError(t, json.Unmarshal(body["servers"], &servers))
	require.Len(t, servers, 1)
	assert.Equal(t, "public", servers[0].Label)
	require.NotNil(t, servers[0].Quota)
	assert.Equal(t, 4000, servers[0].Quota.Remaining)

	var sched sync.Status
	require.NoError(t, json.Unmarshal(body["scheduler"], &sched))
	assert.Equal(t, 2, sched.ConsecutiveFailures)
	assert.Contains(t, body, "last_run")
}

func TestSectionsAndPulls(t *testing.T) {
	h, _ := setupRouter(t)

	code, body := get(t, h, "/api/v1/sections")
	require.Equal(t, http.StatusOK, code)
	var sections []sectionCount
	require.NoError(t, json.Unmarshal(body["sections"], &sections))
	require.Len(t, sections, len(models.Sections))
	assert.Equal(t, sectionCount{Section: "mine", Pulls: 1, Unread: 1}, sections[0])
	assert.Equal(t, sectionCount{Section: "all", Pulls: 2, Unread: 2}, sections[4])

	code, body = get(t, h, "/api/v1/pulls?section=all")
	require.Equal(t, http.StatusOK, code)
	var pulls []db.PullSummary
	require.NoError(t, json.Unmarshal(body["pulls"], &pulls))
	require.Len(t, pulls, 2)
	assert.Equal(t, "acme/a", pulls[0].Repository)

	code, body = get(t, h, "/api/v1/pulls?section=closed")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body["pulls"]))

	code, _ = get(t, h, "/api/v1/pulls?section=bogus")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNotifications(t *testing.T) {
	h, _ := setupRouter(t)
	code, body := get(t, h, "/api/v1/notifications?limit=1")
	require.Equal(t, http.StatusOK, code)
	var notes []struct {
		Type  string `json:"type"`
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(body["notifications"], &notes))
	require.Len(t, notes, 1)
	assert.Equal(t, "second", notes[0].Title)
	assert.Equal(t, "new_comment", notes[0].Type)

	code, _ = get(t, h, "/api/v1/notifications?limit=many")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRefresh(t *testing.T) {
	h, sched := setupRouter(t)
	for _, want := range []string{`true`, `false`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		var body map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.JSONEq(t, want, string(body["queued"]))
	}
	assert.Equal(t, 2, sched.refreshes)
}

func TestCORS(t *testing.T) {
	h, _ := setupRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
