package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newReplica() *replica.Replica {
	r := replica.New()
	r.Servers[1] = &models.Server{ID: 1, UserID: 1, UserLogin: "me", LastSyncAt: t0}
	return r
}

func types(notes []models.Notification) []models.NotificationType {
	out := make([]models.NotificationType, len(notes))
	for i, n := range notes {
		out[i] = n.Type
	}
	return out
}

func TestDerivePullRequests(t *testing.T) {
	r := newReplica()
	at := func(m int) models.Base {
		return models.Base{ServerID: 1, UpdatedAt: t0.Add(time.Duration(m) * time.Minute)}
	}
	add := func(id int64, m int, p models.PullRequest) *models.PullRequest {
		p.Base = at(m)
		p.ExternalID = id
		r.PullRequests.Upsert(&p)
		return &p
	}

	add(1, 1, models.PullRequest{UserID: 2, UserLogin: "you", Section: models.SectionAll})
	add(2, 2, models.PullRequest{UserID: 1, Section: models.SectionMine})
	add(3, 3, models.PullRequest{UserID: 2, Section: models.SectionNone})
	r.ResetActions()

	reopened, _ := r.PullRequests.Find(models.Key{ServerID: 1, ExternalID: 2})
	reopened.Reopened = true
	reopened.StateChanged = true
	merged := add(4, 4, models.PullRequest{UserID: 1, State: models.StateMerged, Section: models.SectionMerged})
	merged.Action = models.ActionNone
	merged.StateChanged = true
	merged.MergedAt = t0.Add(4 * time.Minute)
	assigned := add(5, 5, models.PullRequest{UserID: 2, Section: models.SectionMine, NewAssignment: true})
	hidden, _ := r.PullRequests.Find(models.Key{ServerID: 1, ExternalID: 3})
	hidden.Reopened = true

	notes := Derive(r, models.DefaultSettings())
	assert.Equal(t, []models.NotificationType{models.PRReopened, models.PRMerged, models.NewPRAssigned}, types(notes))
	assert.Equal(t, assigned.ExternalID, notes[2].PullRequestID)

	r.ResetActions()
	add(6, 6, models.PullRequest{UserID: 2, UserLogin: "you", Section: models.SectionAll})
	notes = Derive(r, models.DefaultSettings())
	require.Len(t, notes, 1)
	assert.Equal(t, models.NewPR, notes[0].Type)
	assert.Equal(t, "you", notes[0].Actor)
}

func TestDeriveComments(t *testing.T) {
	r := newReplica()
	mine := &models.PullRequest{Base: models.Base{ServerID: 1, ExternalID: 1, UpdatedAt: t0}, UserID: 1, Section: models.SectionMine}
	other := &models.PullRequest{Base: models.Base{ServerID: 1, ExternalID: 2, UpdatedAt: t0}, UserID: 2, Section: models.SectionAll}
	r.PullRequests.Load(mine)
	r.PullRequests.Load(other)

	comment := func(id, pr, author int64, login, body string) {
		r.Comments.Upsert(&models.Comment{
			Base:          models.Base{ServerID: 1, ExternalID: id, CreatedAt: t0.Add(time.Duration(id) * time.Second), UpdatedAt: t0},
			PullRequestID: pr, UserID: author, UserLogin: login, Body: body,
		})
	}
	comment(10, 1, 2, "you", "nice")
	comment(11, 1, 2, "you", "@me look")
	comment(12, 1, 1, "me", "thanks")
	comment(13, 1, 3, "bot", "deployed")
	comment(14, 2, 2, "you", "elsewhere")

	s := models.DefaultSettings()
	s.CommentAuthorBlacklist = []string{"BOT"}
	notes := Derive(r, s)
	assert.Equal(t, []models.NotificationType{models.NewComment, models.NewMention}, types(notes))

	s.ShowCommentsEverywhere = true
	notes = Derive(r, s)
	assert.Len(t, notes, 3)
}

func TestDeriveRepositories(t *testing.T) {
	r := newReplica()
	r.Orgs.Load(&models.Organization{Base: models.Base{ServerID: 1, ExternalID: 5}, Login: "Acme"})
	r.Repos.Upsert(&models.Repository{Base: models.Base{ServerID: 1, ExternalID: 10, UpdatedAt: t0}, FullName: "acme/a", Owner: "acme"})
	r.Repos.Upsert(&models.Repository{Base: models.Base{ServerID: 1, ExternalID: 11, UpdatedAt: t0}, FullName: "else/b", Owner: "else"})
	r.Repos.Upsert(&models.Repository{Base: models.Base{ServerID: 1, ExternalID: 12, UpdatedAt: t0}, FullName: "else/c", Owner: "else", ManuallyAdded: true})

	notes := Derive(r, models.DefaultSettings())
	assert.ElementsMatch(t, []models.NotificationType{models.NewRepoAnnouncement, models.NewRepoSubscribed}, types(notes))
}

func TestFirstSyncIsQuiet(t *testing.T) {
	r := newReplica()
	r.Servers[1].LastSyncAt = time.Time{}
	r.PullRequests.Upsert(&models.PullRequest{Base: models.Base{ServerID: 1, ExternalID: 1, UpdatedAt: t0}, UserID: 2, Section: models.SectionAll})
	assert.Empty(t, Derive(r, models.DefaultSettings()))
}

func TestHub(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe()

	hub.Publish(models.Notification{Type: models.NewPR, Title: "a"}, models.Notification{Type: models.NewComment, Title: "b"})
	assert.Equal(t, "a", (<-ch).Title)
	assert.Equal(t, "b", (<-ch).Title)

	recent := hub.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Title, "newest first")

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	hub.Publish(models.Notification{Title: "c"})
	assert.Len(t, hub.Recent(0), 3)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(nil)
	_, cancel := hub.Subscribe()
	defer cancel()

	notes := make([]models.Notification, subscriberBuffer+10)
	hub.Publish(notes...)

	notes = make([]models.Notification, recentCapacity)
	for i := range notes {
		notes[i].CommentID = int64(i)
	}
	hub.Publish(notes...)
	recent := hub.Recent(0)
	require.Len(t, recent, recentCapacity)
	assert.Equal(t, int64(recentCapacity-1), recent[0].CommentID)
}
