package prune

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	me  = 1
	you = 2
)

func newReplica() *replica.Replica {
	r := replica.New()
	r.Servers[1] = &models.Server{ID: 1, UserID: me, UserLogin: "me"}
	r.Repos.Load(&models.Repository{Base: models.Base{ServerID: 1, ExternalID: 10, UpdatedAt: t0}, FullName: "acme/a", Active: true})
	return r
}

func addPR(r *replica.Replica, id, author int64, state models.PRState, mergedBy int64) *models.PullRequest {
	p := &models.PullRequest{
		Base:         models.Base{ServerID: 1, ExternalID: id, UpdatedAt: t0},
		RepositoryID: 10,
		UserID:       author,
		State:        state,
		MergedByID:   mergedBy,
	}
	r.PullRequests.Load(p)
	r.Comments.Load(&models.Comment{Base: models.Base{ServerID: 1, ExternalID: id * 100, UpdatedAt: t0}, PullRequestID: id, UserID: you})
	r.Labels.Load(&models.Label{Base: models.Base{ServerID: 1, ExternalID: id * 1000}, PullRequestID: id, Name: "bug"})
	return p
}

func has(r *replica.Replica, id int64) bool {
	_, ok := r.PullRequests.Find(models.Key{ServerID: 1, ExternalID: id})
	return ok
}

func TestOwnOpenPullRequestsAreNeverPurged(t *testing.T) {
	r := newReplica()
	addPR(r, 1, me, models.StateOpen, 0)
	addPR(r, 2, you, models.StateOpen, 0)
	r.MarkServerPendingDelete(1)
	r.Repos.Retain(nil)

	rep := Prune(r, models.Settings{MergeHandling: models.KeepNone, CloseHandling: models.KeepNone})
	assert.True(t, has(r, 1))
	assert.False(t, has(r, 2))
	assert.Equal(t, 1, rep.Kept)
	assert.Equal(t, 1, rep.PullRequests)
	assert.Equal(t, 1, rep.Comments, "comments of the purged pull request go with it")
	assert.Equal(t, 1, rep.Labels)
	assert.Equal(t, 1, r.Comments.Len())

	pr, _ := r.PullRequests.Find(models.Key{ServerID: 1, ExternalID: 1})
	assert.Equal(t, models.ActionNone, pr.Action)
}

func TestMergedByMeIsDropped(t *testing.T) {
	r := newReplica()
	addPR(r, 1, me, models.StateMerged, 0)
	addPR(r, 2, me, models.StateMerged, you)
	addPR(r, 3, you, models.StateMerged, me)
	r.MarkServerPendingDelete(1)
	r.Repos.Retain(nil)

	Prune(r, models.Settings{MergeHandling: models.KeepAll, DontKeepPRsMergedByMe: true})
	assert.False(t, has(r, 1), "merged by unknown, authored by me")
	assert.True(t, has(r, 2), "merged by someone else")
	assert.False(t, has(r, 3))
}

func TestHandlingPolicies(t *testing.T) {
	cases := []struct {
		policy models.HandlingPolicy
		keep   []bool // mine, participated, other
	}{
		{models.KeepMine, []bool{true, false, false}},
		{models.KeepMineAndParticipated, []bool{true, true, false}},
		{models.KeepAll, []bool{true, true, true}},
		{models.KeepNone, []bool{false, false, false}},
	}
	for _, tc := range cases {
		for _, state := range []models.PRState{models.StateMerged, models.StateClosed} {
			r := newReplica()
			addPR(r, 1, me, state, you)
			participated := addPR(r, 2, you, state, you)
			participated.Body = "ping @me"
			addPR(r, 3, you, state, you)
			r.MarkServerPendingDelete(1)
			r.Repos.Retain(nil)

			Prune(r, models.Settings{MergeHandling: tc.policy, CloseHandling: tc.policy})
			assert.Equal(t, tc.keep, []bool{has(r, 1), has(r, 2), has(r, 3)}, "%v %v", tc.policy, state)
		}
	}
}

func TestRepositoryPurgeCascades(t *testing.T) {
	r := newReplica()
	addPR(r, 1, me, models.StateOpen, 0)
	r.Orgs.Load(&models.Organization{Base: models.Base{ServerID: 1, ExternalID: 5}, Login: "acme"})
	r.MarkServerPendingDelete(1)

	rep := Prune(r, models.DefaultSettings())
	assert.Equal(t, 1, rep.Repositories)
	assert.Equal(t, 1, rep.PullRequests, "a deleted repository takes even my own pull requests")
	assert.Equal(t, 1, rep.Organizations)
	assert.Zero(t, r.Comments.Len())
	assert.Zero(t, r.Labels.Len())
	assert.Equal(t, 5, rep.Total())
}

func TestUntouchedRecordsSurvive(t *testing.T) {
	r := newReplica()
	addPR(r, 1, you, models.StateOpen, 0)

	rep := Prune(r, models.Settings{MergeHandling: models.KeepNone, CloseHandling: models.KeepNone})
	require.Zero(t, rep.Total())
	assert.True(t, has(r, 1))
}
