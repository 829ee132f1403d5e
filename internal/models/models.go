package models

import (
	"slices"
	"time"
)

// Key identifies a record inside one server. Parent is the owning pull
// request for comments, statuses and labels and zero for everything else.
type Key struct {
	ServerID   int64
	Parent     int64
	ExternalID int64
}

// Base is the shape shared by every synchronized entity
type Base struct {
	ServerID   int64
	ExternalID int64
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Action is per-cycle bookkeeping and is never persisted.
	Action LifecycleAction
}

// Meta returns the shared fields of an entity.
func (b *Base) Meta() *Base { return b }

// Server represents a remote API server and its sync state
type Server struct {
	ID      int64
	Label   string
	APIPath string
	WebPath string
	Token   string

	UserID    int64
	UserLogin string

	RateLimit     int
	RateRemaining int
	RateResetAt   time.Time

	LastEventAt       time.Time
	LastSyncAt        time.Time
	LastSyncSucceeded bool
}

// Organization represents a GitHub organization the user belongs to
type Organization struct {
	Base
	Login     string
	AvatarURL string
}

func (o *Organization) Key() Key { return Key{ServerID: o.ServerID, ExternalID: o.ExternalID} }

// Timestamped reports whether the remote side carries updated_at for this kind.
func (o *Organization) Timestamped() bool { return false }

func (o *Organization) Absorb(src *Organization) bool {
	if o.Login == src.Login && o.AvatarURL == src.AvatarURL {
		return false
	}
	o.Login = src.Login
	o.AvatarURL = src.AvatarURL
	return true
}

// Repository represents a GitHub repository
type Repository struct {
	Base
	FullName string
	Owner    string
	Private  bool
	Fork     bool
	Archived bool
	WebURL   string
	PushedAt time.Time

	Active        bool
	Hidden        bool
	Dirty         bool
	Inaccessible  bool
	ManuallyAdded bool
	LastDirtied   time.Time
}

func (r *Repository) Key() Key { return Key{ServerID: r.ServerID, ExternalID: r.ExternalID} }

func (r *Repository) Timestamped() bool { return true }

func (r *Repository) Absorb(src *Repository) bool {
	changed := r.FullName != src.FullName || r.Owner != src.Owner ||
		r.Private != src.Private || r.Fork != src.Fork || r.Archived != src.Archived ||
		r.WebURL != src.WebURL || !r.PushedAt.Equal(src.PushedAt) || !r.UpdatedAt.Equal(src.UpdatedAt)
	r.FullName = src.FullName
	r.Owner = src.Owner
	r.Private = src.Private
	r.Fork = src.Fork
	r.Archived = src.Archived
	r.WebURL = src.WebURL
	r.PushedAt = src.PushedAt
	r.UpdatedAt = src.UpdatedAt
	return changed
}

// PullRequest represents a GitHub pull request together with the fields
// derived locally on every cycle (section, ordering, unread counts).
type PullRequest struct {
	Base
	RepositoryID  int64
	Number        int
	Title         string
	Body          string
	State         PRState
	Mergeable     Mergeable
	UserID        int64
	UserLogin     string
	UserAvatarURL string
	Assignees     []string
	MergedByID    int64
	MergedByLogin string
	HeadSHA       string
	WebURL        string
	ClosedAt      time.Time
	MergedAt      time.Time

	AssignedToMe        bool
	Section             Section
	SortIndex           int
	TotalComments       int
	UnreadComments      int
	LatestReadCommentAt time.Time

	// DetailsStale is set when comments or statuses could not be refreshed
	// and forces a refetch on the next cycle.
	DetailsStale bool

	// Set during a cycle for notification derivation only.
	Reopened      bool
	NewAssignment bool
	StateChanged  bool
}

func (p *PullRequest) Key() Key { return Key{ServerID: p.ServerID, ExternalID: p.ExternalID} }

func (p *PullRequest) Timestamped() bool { return true }

func (p *PullRequest) Absorb(src *PullRequest) bool {
	changed := p.RepositoryID != src.RepositoryID || p.Number != src.Number ||
		p.Title != src.Title || p.Body != src.Body || p.State != src.State ||
		p.Mergeable != src.Mergeable || p.UserID != src.UserID ||
		p.UserLogin != src.UserLogin || p.UserAvatarURL != src.UserAvatarURL ||
		!slices.Equal(p.Assignees, src.Assignees) || p.MergedByID != src.MergedByID ||
		p.MergedByLogin != src.MergedByLogin || p.HeadSHA != src.HeadSHA || p.WebURL != src.WebURL ||
		!p.ClosedAt.Equal(src.ClosedAt) || !p.MergedAt.Equal(src.MergedAt) ||
		!p.UpdatedAt.Equal(src.UpdatedAt)
	p.RepositoryID = src.RepositoryID
	p.Number = src.Number
	p.Title = src.Title
	p.Body = src.Body
	p.State = src.State
	p.Mergeable = src.Mergeable
	p.UserID = src.UserID
	p.UserLogin = src.UserLogin
	p.UserAvatarURL = src.UserAvatarURL
	p.Assignees = slices.Clone(src.Assignees)
	p.MergedByID = src.MergedByID
	p.MergedByLogin = src.MergedByLogin
	p.HeadSHA = src.HeadSHA
	p.WebURL = src.WebURL
	p.ClosedAt = src.ClosedAt
	p.MergedAt = src.MergedAt
	p.UpdatedAt = src.UpdatedAt
	return changed
}

// IsOpen reports whether the pull request is neither closed nor merged.
func (p *PullRequest) IsOpen() bool { return p.State == StateOpen }

// Comment represents an issue or review comment on a pull request
type Comment struct {
	Base
	PullRequestID int64
	UserID        int64
	UserLogin     string
	Body          string
	WebURL        string
	Review        bool
}

func (c *Comment) Key() Key {
	return Key{ServerID: c.ServerID, Parent: c.PullRequestID, ExternalID: c.ExternalID}
}

func (c *Comment) Timestamped() bool { return true }

func (c *Comment) Absorb(src *Comment) bool {
	changed := c.Body != src.Body || c.UserID != src.UserID || c.UserLogin != src.UserLogin ||
		c.WebURL != src.WebURL || !c.UpdatedAt.Equal(src.UpdatedAt)
	c.UserID = src.UserID
	c.UserLogin = src.UserLogin
	c.Body = src.Body
	c.WebURL = src.WebURL
	c.Review = src.Review
	c.UpdatedAt = src.UpdatedAt
	return changed
}

// Status represents a commit status reported against a pull request head
type Status struct {
	Base
	PullRequestID int64
	State         string
	Description   string
	TargetURL     string
	Context       string
	CreatorID     int64
	CreatorLogin  string
}

func (s *Status) Key() Key {
	return Key{ServerID: s.ServerID, Parent: s.PullRequestID, ExternalID: s.ExternalID}
}

func (s *Status) Timestamped() bool { return true }

func (s *Status) Absorb(src *Status) bool {
	changed := s.State != src.State || s.Description != src.Description ||
		s.TargetURL != src.TargetURL || s.Context != src.Context ||
		s.CreatorID != src.CreatorID || !s.UpdatedAt.Equal(src.UpdatedAt)
	s.State = src.State
	s.Description = src.Description
	s.TargetURL = src.TargetURL
	s.Context = src.Context
	s.CreatorID = src.CreatorID
	s.CreatorLogin = src.CreatorLogin
	s.UpdatedAt = src.UpdatedAt
	return changed
}

// Label represents a label attached to a pull request
type Label struct {
	Base
	PullRequestID int64
	Name          string
	Color         string
}

func (l *Label) Key() Key {
	return Key{ServerID: l.ServerID, Parent: l.PullRequestID, ExternalID: l.ExternalID}
}

func (l *Label) Timestamped() bool { return false }

func (l *Label) Absorb(src *Label) bool {
	if l.Name == src.Name && l.Color == src.Color {
		return false
	}
	l.Name = src.Name
	l.Color = src.Color
	return true
}

// FeedKey identifies a conditional-fetch cursor
type FeedKey struct {
	ServerID int64
	Path     string
}
