package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func pr(id int64, updated time.Time, title string) *models.PullRequest {
	return &models.PullRequest{
		Base:  models.Base{ServerID: 1, ExternalID: id, CreatedAt: t0, UpdatedAt: updated},
		Title: title,
	}
}

func TestCollectionUpsert(t *testing.T) {
	c := NewCollection[models.PullRequest]()

	_, action := c.Upsert(pr(1, t0, "first"))
	assert.Equal(t, models.ActionNoteNew, action)

	c.ResetActions()
	c.MarkPendingDelete(nil)

	stored, action := c.Upsert(pr(1, t0, "stale title"))
	assert.Equal(t, models.ActionNone, action, "same timestamp is unchanged")
	assert.Equal(t, "first", stored.Title, "no field mutation when not newer")

	c.MarkPendingDelete(nil)
	stored, action = c.Upsert(pr(1, t0.Add(-time.Hour), "older"))
	assert.Equal(t, models.ActionNone, action)
	assert.Equal(t, "first", stored.Title)

	stored, action = c.Upsert(pr(1, t0.Add(time.Hour), "second"))
	assert.Equal(t, models.ActionNoteUpdated, action)
	assert.Equal(t, "second", stored.Title)
	assert.Len(t, c.Dirty(), 1)
}

func TestCollectionUpsertKeepsNewWithinCycle(t *testing.T) {
	c := NewCollection[models.PullRequest]()
	c.Upsert(pr(1, t0, "first"))
	_, action := c.Upsert(pr(1, t0.Add(time.Minute), "again"))
	assert.Equal(t, models.ActionNoteNew, action)
}

func TestCollectionUntimedKinds(t *testing.T) {
	c := NewCollection[models.Label]()
	label := func(name string) *models.Label {
		return &models.Label{Base: models.Base{ServerID: 1, ExternalID: 9}, PullRequestID: 3, Name: name}
	}
	c.Upsert(label("bug"))
	c.ResetActions()

	_, action := c.Upsert(label("bug"))
	assert.Equal(t, models.ActionNone, action)

	_, action = c.Upsert(label("defect"))
	assert.Equal(t, models.ActionNoteUpdated, action)
}

func TestCollectionRetainAndPurge(t *testing.T) {
	c := NewCollection[models.PullRequest]()
	for i := int64(1); i <= 4; i++ {
		c.Load(pr(i, t0, "x"))
	}

	assert.Equal(t, 4, c.MarkPendingDelete(nil))
	assert.Equal(t, 1, c.Retain(func(p *models.PullRequest) bool { return p.ExternalID == 2 }))

	gone := c.Purge(func(p *models.PullRequest) bool { return p.Action == models.ActionPendingDelete })
	require.Len(t, gone, 3)
	assert.Equal(t, []int64{1, 3, 4}, []int64{gone[0].ExternalID, gone[1].ExternalID, gone[2].ExternalID})
	assert.Equal(t, 1, c.Len())
	assert.Len(t, c.Purged(), 3)
}

func TestReplicaPurgeCascades(t *testing.T) {
	r := New()
	r.Servers[1] = &models.Server{ID: 1}
	r.Repos.Load(&models.Repository{Base: models.Base{ServerID: 1, ExternalID: 10}})
	r.PullRequests.Load(&models.PullRequest{Base: models.Base{ServerID: 1, ExternalID: 100}, RepositoryID: 10})
	r.PullRequests.Load(&models.PullRequest{Base: models.Base{ServerID: 1, ExternalID: 101}, RepositoryID: 11})
	r.Comments.Load(&models.Comment{Base: models.Base{ServerID: 1, ExternalID: 1}, PullRequestID: 100})
	r.Comments.Load(&models.Comment{Base: models.Base{ServerID: 1, ExternalID: 2}, PullRequestID: 101})
	r.Labels.Load(&models.Label{Base: models.Base{ServerID: 1, ExternalID: 1}, PullRequestID: 100})

	r.PurgeRepositories(func(repo *models.Repository) bool { return repo.ExternalID == 10 })
	assert.Equal(t, 1, r.PullRequests.Len())
	assert.Equal(t, 1, r.Comments.Len())
	assert.Zero(t, r.Labels.Len())

	r.PurgeServer(1)
	assert.Zero(t, r.PullRequests.Len())
	assert.Zero(t, r.Comments.Len())
	assert.Equal(t, []int64{1}, r.PurgedServers())
}

func TestReplicaCursors(t *testing.T) {
	r := New()
	key := models.FeedKey{ServerID: 1, Path: "user/orgs"}
	r.LoadCursor(key, "a")
	assert.Empty(t, r.DirtyCursors())

	r.SetCursor(key, "a")
	assert.Empty(t, r.DirtyCursors())

	r.SetCursor(key, "b")
	assert.Equal(t, map[models.FeedKey]string{key: "b"}, r.DirtyCursors())

	r.DropCursor(key)
	assert.Equal(t, map[models.FeedKey]string{key: ""}, r.DirtyCursors())
}
