// Package classify assigns every surviving pull request its display
// section, position and unread count. It derives everything from the
// current replica and settings, so running it twice gives the same result.
package classify

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

// Result summarizes one classification pass
type Result struct {
	Sections map[models.Section]int
	Unread   int
	// Changed counts pull requests whose derived fields moved.
	Changed int
}

// IsMe reports whether the user identified by id or login owns srv's token.
// Ids win when both sides know them.
func IsMe(srv *models.Server, id int64, login string) bool {
	if srv == nil {
		return false
	}
	if id != 0 && srv.UserID != 0 {
		return id == srv.UserID
	}
	return login != "" && strings.EqualFold(login, srv.UserLogin)
}

func AuthoredByMe(srv *models.Server, pr *models.PullRequest) bool {
	return IsMe(srv, pr.UserID, pr.UserLogin)
}

// MergedByMe falls back to authorship when the merger is unknown.
func MergedByMe(srv *models.Server, pr *models.PullRequest) bool {
	if pr.MergedByID == 0 && pr.MergedByLogin == "" {
		return AuthoredByMe(srv, pr)
	}
	return IsMe(srv, pr.MergedByID, pr.MergedByLogin)
}

// Mentions reports whether body contains @login as a whole word.
func Mentions(body, login string) bool {
	if login == "" {
		return false
	}
	text := strings.ToLower(body)
	needle := "@" + strings.ToLower(login)
	for {
		i := strings.Index(text, needle)
		if i < 0 {
			return false
		}
		end := i + len(needle)
		if end == len(text) || !isLoginChar(text[end]) {
			return true
		}
		text = text[end:]
	}
}

func isLoginChar(c byte) bool {
	return c == '-' || c == '_' || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9')
}

// Participated reports whether the user commented on pr, was mentioned in
// it, or is assigned to it while assignment counts as participation.
func Participated(srv *models.Server, pr *models.PullRequest, comments []*models.Comment, policy models.AssignmentPolicy) bool {
	if pr.AssignedToMe && policy == models.AssignedMoveToParticipated {
		return true
	}
	if srv == nil {
		return false
	}
	if Mentions(pr.Body, srv.UserLogin) {
		return true
	}
	for _, c := range comments {
		if IsMe(srv, c.UserID, c.UserLogin) || Mentions(c.Body, srv.UserLogin) {
			return true
		}
	}
	return false
}

// OpenSection places an open pull request, ignoring repository visibility.
func OpenSection(srv *models.Server, pr *models.PullRequest, comments []*models.Comment, s models.Settings) models.Section {
	switch {
	case AuthoredByMe(srv, pr):
		return models.SectionMine
	case pr.AssignedToMe && s.AssignedHandling == models.AssignedMoveToMine:
		return models.SectionMine
	case Participated(srv, pr, comments, s.AssignedHandling):
		return models.SectionParticipated
	default:
		return models.SectionAll
	}
}

// Input is everything the section of one pull request depends on
type Input struct {
	Server     *models.Server
	Repository *models.Repository
	PR         *models.PullRequest
	Comments   []*models.Comment
	Statuses   []*models.Status
}

// Section returns the display section of a pull request.
func Section(in Input, s models.Settings) models.Section {
	if !visible(in.Repository, s) {
		return models.SectionNone
	}
	switch in.PR.State {
	case models.StateMerged:
		return models.SectionMerged
	case models.StateClosed:
		return models.SectionClosed
	}

	sec := OpenSection(in.Server, in.PR, in.Comments, s)
	if !displayed(s.DisplayPolicy, sec) {
		return models.SectionNone
	}
	if s.HideFailingPRs && !passing(DisplayedStatuses(in.Statuses, s.StatusFilter)) {
		return models.SectionNone
	}
	return sec
}

func visible(repo *models.Repository, s models.Settings) bool {
	switch {
	case repo == nil:
		return false
	case repo.Hidden, repo.Inaccessible, !repo.Active:
		return false
	case repo.Archived && s.HideArchivedRepos:
		return false
	}
	return true
}

func displayed(p models.DisplayPolicy, sec models.Section) bool {
	switch p {
	case models.DisplayHide:
		return false
	case models.DisplayMine:
		return sec == models.SectionMine
	case models.DisplayMineAndParticipated:
		return sec == models.SectionMine || sec == models.SectionParticipated
	default:
		return true
	}
}

func passing(statuses []*models.Status) bool {
	for _, st := range statuses {
		if st.State != "success" {
			return false
		}
	}
	return true
}

// DisplayedStatuses applies the status filter and keeps the newest status
// for each (description, target url) pair, newest first.
func DisplayedStatuses(statuses []*models.Status, f models.StatusFilter) []*models.Status {
	sorted := slices.Clone(statuses)
	slices.SortFunc(sorted, func(a, b *models.Status) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ExternalID, b.ExternalID))
	})

	type pair struct{ description, target string }
	seen := make(map[pair]bool)
	var out []*models.Status
	for _, st := range sorted {
		if !statusMatches(st, f) {
			continue
		}
		k := pair{st.Description, st.TargetURL}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, st)
	}
	return out
}

func statusMatches(st *models.Status, f models.StatusFilter) bool {
	if f.Mode == models.StatusFilterAll || len(f.Terms) == 0 {
		return true
	}
	desc := strings.ToLower(st.Description)
	hit := slices.ContainsFunc(f.Terms, func(term string) bool {
		return term != "" && strings.Contains(desc, strings.ToLower(term))
	})
	if f.Mode == models.StatusFilterInclude {
		return hit
	}
	return !hit
}

type derived struct {
	section    models.Section
	total      int
	unread     int
	latestRead time.Time
}

// Classify recomputes the section, unread counts and sort index of every
// pull request in r and marks the ones that changed for writing.
func Classify(r *replica.Replica, s models.Settings) Result {
	res := Result{Sections: make(map[models.Section]int)}
	comments := r.Comments.ByParent()
	statuses := r.Statuses.ByParent()

	buckets := make(map[models.Section][]*models.PullRequest)
	next := make(map[*models.PullRequest]derived)
	for _, pr := range r.PullRequests.All() {
		repo, _ := r.RepositoryOf(pr)
		srv := r.Servers[pr.ServerID]
		cs := comments[pr.Key()]

		d := derived{
			section: Section(Input{
				Server:     srv,
				Repository: repo,
				PR:         pr,
				Comments:   cs,
				Statuses:   statuses[pr.Key()],
			}, s),
			total: len(cs),
		}
		d.unread, d.latestRead = unread(srv, pr, cs, d.section, s)
		next[pr] = d
		buckets[d.section] = append(buckets[d.section], pr)
	}

	for sec, prs := range buckets {
		index := make(map[*models.PullRequest]int, len(prs))
		if sec != models.SectionNone {
			sortSection(r, prs, s)
			for i, pr := range prs {
				index[pr] = i
			}
		}
		for _, pr := range prs {
			d := next[pr]
			if pr.Section != d.section || pr.SortIndex != index[pr] || pr.TotalComments != d.total ||
				pr.UnreadComments != d.unread || !pr.LatestReadCommentAt.Equal(d.latestRead) {
				pr.Section = d.section
				pr.SortIndex = index[pr]
				pr.TotalComments = d.total
				pr.UnreadComments = d.unread
				pr.LatestReadCommentAt = d.latestRead
				r.PullRequests.Touch(pr)
				res.Changed++
			}
			if sec != models.SectionNone {
				res.Sections[sec]++
				res.Unread += d.unread
			}
		}
	}
	return res
}

// unread counts comments by others newer than the read marker. Only loud
// sections count; elsewhere the marker catches up with the newest comment.
// The user's own newest comment marks everything before it as read.
func unread(srv *models.Server, pr *models.PullRequest, comments []*models.Comment, sec models.Section, s models.Settings) (int, time.Time) {
	latestRead := pr.LatestReadCommentAt
	loud := sec == models.SectionMine || sec == models.SectionParticipated ||
		(s.ShowCommentsEverywhere && sec != models.SectionNone)

	if !loud {
		for _, c := range comments {
			if c.CreatedAt.After(latestRead) {
				latestRead = c.CreatedAt
			}
		}
		return 0, latestRead
	}

	for _, c := range comments {
		if IsMe(srv, c.UserID, c.UserLogin) && c.CreatedAt.After(latestRead) {
			latestRead = c.CreatedAt
		}
	}
	n := 0
	for _, c := range comments {
		if IsMe(srv, c.UserID, c.UserLogin) || s.Blacklisted(c.UserLogin) {
			continue
		}
		if c.CreatedAt.After(latestRead) {
			n++
		}
	}
	return n, latestRead
}

func sortSection(r *replica.Replica, prs []*models.PullRequest, s models.Settings) {
	repoName := func(pr *models.PullRequest) string {
		if repo, ok := r.RepositoryOf(pr); ok {
			return strings.ToLower(repo.FullName)
		}
		return ""
	}
	primary := func(a, b *models.PullRequest) int {
		switch s.SortMethod {
		case models.SortCreationDate:
			return a.CreatedAt.Compare(b.CreatedAt)
		case models.SortTitle:
			return cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		case models.SortRepository:
			return cmp.Or(cmp.Compare(repoName(a), repoName(b)), cmp.Compare(a.Number, b.Number))
		default:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		}
	}
	slices.SortFunc(prs, func(a, b *models.PullRequest) int {
		c := primary(a, b)
		if s.SortDescending {
			c = -c
		}
		return cmp.Or(c, cmp.Compare(a.ExternalID, b.ExternalID), cmp.Compare(a.ServerID, b.ServerID))
	})
}
