package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	r *replica.Replica
}

func newFixture() *fixture {
	r := replica.New()
	r.Servers[1] = &models.Server{ID: 1, UserID: 1, UserLogin: "me"}
	r.Repos.Load(&models.Repository{
		Base:     models.Base{ServerID: 1, ExternalID: 10, UpdatedAt: t0},
		FullName: "acme/widgets", Active: true,
	})
	r.Repos.Load(&models.Repository{
		Base:     models.Base{ServerID: 1, ExternalID: 11, UpdatedAt: t0},
		FullName: "acme/archive", Active: true, Archived: true,
	})
	return &fixture{r: r}
}

func (f *fixture) pr(id int64, author int64, login string, mutate ...func(*models.PullRequest)) *models.PullRequest {
	p := &models.PullRequest{
		Base:         models.Base{ServerID: 1, ExternalID: id, CreatedAt: t0, UpdatedAt: t0.Add(time.Duration(id) * time.Minute)},
		RepositoryID: 10,
		Number:       int(id),
		Title:        "PR",
		UserID:       author,
		UserLogin:    login,
	}
	for _, m := range mutate {
		m(p)
	}
	f.r.PullRequests.Load(p)
	return p
}

func (f *fixture) comment(id, prID, author int64, login, body string, at time.Time) {
	f.r.Comments.Load(&models.Comment{
		Base:          models.Base{ServerID: 1, ExternalID: id, CreatedAt: at, UpdatedAt: at},
		PullRequestID: prID, UserID: author, UserLogin: login, Body: body,
	})
}

func (f *fixture) status(id, prID int64, state, desc string, at time.Time) {
	f.r.Statuses.Load(&models.Status{
		Base:          models.Base{ServerID: 1, ExternalID: id, CreatedAt: at, UpdatedAt: at},
		PullRequestID: prID, State: state, Description: desc,
	})
}

func TestSectionPrecedence(t *testing.T) {
	f := newFixture()
	mine := f.pr(1, 1, "me")
	merged := f.pr(2, 1, "me", func(p *models.PullRequest) { p.State = models.StateMerged })
	closed := f.pr(3, 2, "you", func(p *models.PullRequest) { p.State = models.StateClosed })
	commented := f.pr(4, 2, "you")
	mentioned := f.pr(5, 2, "you", func(p *models.PullRequest) { p.Body = "cc @Me please" })
	assigned := f.pr(6, 2, "you", func(p *models.PullRequest) { p.AssignedToMe = true })
	other := f.pr(7, 2, "you", func(p *models.PullRequest) { p.Body = "cc @meg" })
	archived := f.pr(8, 1, "me", func(p *models.PullRequest) { p.RepositoryID = 11 })
	orphan := f.pr(9, 1, "me", func(p *models.PullRequest) { p.RepositoryID = 99 })
	f.comment(100, 4, 1, "me", "looks fine", t0)

	s := models.DefaultSettings()
	s.HideArchivedRepos = true
	res := Classify(f.r, s)

	assert.Equal(t, models.SectionMine, mine.Section)
	assert.Equal(t, models.SectionMerged, merged.Section)
	assert.Equal(t, models.SectionClosed, closed.Section)
	assert.Equal(t, models.SectionParticipated, commented.Section)
	assert.Equal(t, models.SectionParticipated, mentioned.Section)
	assert.Equal(t, models.SectionParticipated, assigned.Section)
	assert.Equal(t, models.SectionAll, other.Section)
	assert.Equal(t, models.SectionNone, archived.Section)
	assert.Equal(t, models.SectionNone, orphan.Section)
	assert.Equal(t, 3, res.Sections[models.SectionParticipated])

	s.AssignedHandling = models.AssignedMoveToMine
	s.DisplayPolicy = models.DisplayMineAndParticipated
	Classify(f.r, s)
	assert.Equal(t, models.SectionMine, assigned.Section)
	assert.Equal(t, models.SectionNone, other.Section)

	s.AssignedHandling = models.AssignedDoNothing
	Classify(f.r, s)
	assert.Equal(t, models.SectionNone, assigned.Section)
}

func TestClassifyIsIdempotent(t *testing.T) {
	f := newFixture()
	f.pr(1, 1, "me")
	f.pr(2, 2, "you")
	f.pr(3, 2, "you")
	f.comment(100, 2, 2, "you", "hi", t0.Add(time.Hour))

	first := Classify(f.r, models.DefaultSettings())
	assert.Equal(t, 3, first.Changed)
	assert.Len(t, f.r.PullRequests.Dirty(), 3)

	second := Classify(f.r, models.DefaultSettings())
	assert.Zero(t, second.Changed)
	assert.Equal(t, first.Sections, second.Sections)
}

func TestSortOrder(t *testing.T) {
	f := newFixture()
	a := f.pr(3, 2, "you", func(p *models.PullRequest) { p.Title = "beta"; p.UpdatedAt = t0 })
	b := f.pr(1, 2, "you", func(p *models.PullRequest) { p.Title = "Alpha"; p.UpdatedAt = t0 })
	c := f.pr(2, 2, "you", func(p *models.PullRequest) { p.Title = "gamma"; p.UpdatedAt = t0.Add(time.Hour) })

	Classify(f.r, models.DefaultSettings())
	assert.Equal(t, 0, c.SortIndex, "most recent activity first")
	assert.Equal(t, 1, b.SortIndex, "ties broken by id")
	assert.Equal(t, 2, a.SortIndex)

	s := models.DefaultSettings()
	s.SortMethod = models.SortTitle
	s.SortDescending = false
	Classify(f.r, s)
	assert.Equal(t, []int{0, 1, 2}, []int{b.SortIndex, a.SortIndex, c.SortIndex})
}

func TestUnreadComments(t *testing.T) {
	f := newFixture()
	mine := f.pr(1, 1, "me")
	other := f.pr(2, 2, "you")
	f.comment(100, 1, 2, "you", "first", t0.Add(1*time.Minute))
	f.comment(101, 1, 1, "me", "reply", t0.Add(2*time.Minute))
	f.comment(102, 1, 2, "you", "second", t0.Add(3*time.Minute))
	f.comment(103, 1, 3, "ci-bot", "built", t0.Add(4*time.Minute))
	f.comment(104, 2, 2, "you", "elsewhere", t0.Add(5*time.Minute))

	s := models.DefaultSettings()
	s.CommentAuthorBlacklist = []string{"CI-Bot"}
	res := Classify(f.r, s)

	assert.Equal(t, 4, mine.TotalComments)
	assert.Equal(t, 1, mine.UnreadComments, "only comments after my reply, not blacklisted")
	assert.Equal(t, t0.Add(2*time.Minute), mine.LatestReadCommentAt)

	assert.Equal(t, 0, other.UnreadComments, "quiet sections do not count")
	assert.Equal(t, t0.Add(5*time.Minute), other.LatestReadCommentAt, "quiet sections catch up")
	assert.Equal(t, 1, res.Unread)

	s.ShowCommentsEverywhere = true
	f.comment(105, 2, 2, "you", "later", t0.Add(6*time.Minute))
	Classify(f.r, s)
	assert.Equal(t, 1, other.UnreadComments)
}

func TestStatusFilter(t *testing.T) {
	f := newFixture()
	pr := f.pr(1, 1, "me")
	f.status(200, 1, "failure", "lint failed", t0)
	f.status(201, 1, "success", "build passed", t0)
	f.status(202, 1, "success", "build passed", t0.Add(time.Minute))

	statuses := f.r.Statuses.ByParent()[pr.Key()]
	all := DisplayedStatuses(statuses, models.StatusFilter{})
	require.Len(t, all, 2, "duplicates collapse to the newest")
	assert.Equal(t, int64(202), all[0].ExternalID)

	include := DisplayedStatuses(statuses, models.StatusFilter{Mode: models.StatusFilterInclude, Terms: []string{"BUILD"}})
	require.Len(t, include, 1)
	exclude := DisplayedStatuses(statuses, models.StatusFilter{Mode: models.StatusFilterExclude, Terms: []string{"build"}})
	require.Len(t, exclude, 1)
	assert.Equal(t, "lint failed", exclude[0].Description)

	s := models.DefaultSettings()
	s.HideFailingPRs = true
	Classify(f.r, s)
	assert.Equal(t, models.SectionNone, pr.Section)

	s.StatusFilter = models.StatusFilter{Mode: models.StatusFilterExclude, Terms: []string{"lint"}}
	Classify(f.r, s)
	assert.Equal(t, models.SectionMine, pr.Section)
}

func TestMergedByMe(t *testing.T) {
	srv := &models.Server{UserID: 1, UserLogin: "me"}
	assert.True(t, MergedByMe(srv, &models.PullRequest{MergedByID: 1}))
	assert.False(t, MergedByMe(srv, &models.PullRequest{MergedByID: 2, UserID: 1}))
	assert.True(t, MergedByMe(srv, &models.PullRequest{UserID: 1}), "falls back to the author")
	assert.True(t, MergedByMe(srv, &models.PullRequest{MergedByLogin: "ME"}))
}

func TestMentions(t *testing.T) {
	assert.True(t, Mentions("thanks @me!", "me"))
	assert.True(t, Mentions("@me", "me"))
	assert.False(t, Mentions("@meg and @me-too", "me"))
	assert.True(t, Mentions("@meg and @me", "me"))
	assert.False(t, Mentions("email me@example.com", ""))
}
