package api

import (
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/wesm/prtrail/internal/models"
)

func stamp(ts *github.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.Time.UTC()
}

// requireUpdated rejects records whose change timestamp is absent; without it
// last-write-wins cannot be decided.
func requireUpdated(kind string, id int64, ts *github.Timestamp) (time.Time, error) {
	if ts == nil || ts.Time.IsZero() {
		return time.Time{}, decodeError(kind, "%s %d has no updated_at", kind, id)
	}
	return ts.Time.UTC(), nil
}

// ConvertGitHubOrganization converts a GitHub organization to our model
func ConvertGitHubOrganization(serverID int64, org *github.Organization) (*models.Organization, error) {
	if org.GetID() == 0 {
		return nil, decodeError("organization", "organization %q has no id", org.GetLogin())
	}
	return &models.Organization{
		Base: models.Base{
			ServerID:   serverID,
			ExternalID: org.GetID(),
			CreatedAt:  stamp(org.CreatedAt),
			UpdatedAt:  stamp(org.UpdatedAt),
		},
		Login:     org.GetLogin(),
		AvatarURL: org.GetAvatarURL(),
	}, nil
}

// ConvertGitHubRepository converts a GitHub repository to our model
func ConvertGitHubRepository(serverID int64, repo *github.Repository) (*models.Repository, error) {
	updated, err := requireUpdated("repository", repo.GetID(), repo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &models.Repository{
		Base: models.Base{
			ServerID:   serverID,
			ExternalID: repo.GetID(),
			CreatedAt:  stamp(repo.CreatedAt),
			UpdatedAt:  updated,
		},
		FullName: repo.GetFullName(),
		Owner:    repo.GetOwner().GetLogin(),
		Private:  repo.GetPrivate(),
		Fork:     repo.GetFork(),
		Archived: repo.GetArchived(),
		WebURL:   repo.GetHTMLURL(),
		PushedAt: stamp(repo.PushedAt),
	}, nil
}

// ConvertGitHubPullRequest converts a GitHub pull request to our model.
// repositoryID is used when the payload does not embed its base repository.
func ConvertGitHubPullRequest(serverID, repositoryID int64, pr *github.PullRequest) (*models.PullRequest, []*models.Label, error) {
	updated, err := requireUpdated("pull request", pr.GetID(), pr.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}

	if id := pr.GetBase().GetRepo().GetID(); id != 0 {
		repositoryID = id
	}

	out := &models.PullRequest{
		Base: models.Base{
			ServerID:   serverID,
			ExternalID: pr.GetID(),
			CreatedAt:  stamp(pr.CreatedAt),
			UpdatedAt:  updated,
		},
		RepositoryID:  repositoryID,
		Number:        pr.GetNumber(),
		Title:         pr.GetTitle(),
		Body:          pr.GetBody(),
		State:         prState(pr),
		Mergeable:     models.MergeableFrom(pr.Mergeable),
		UserID:        pr.GetUser().GetID(),
		UserLogin:     pr.GetUser().GetLogin(),
		UserAvatarURL: pr.GetUser().GetAvatarURL(),
		MergedByID:    pr.GetMergedBy().GetID(),
		MergedByLogin: pr.GetMergedBy().GetLogin(),
		HeadSHA:       pr.GetHead().GetSHA(),
		WebURL:        pr.GetHTMLURL(),
		ClosedAt:      stamp(pr.ClosedAt),
		MergedAt:      stamp(pr.MergedAt),
	}
	for _, a := range pr.Assignees {
		if login := a.GetLogin(); login != "" {
			out.Assignees = append(out.Assignees, login)
		}
	}

	labels := make([]*models.Label, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, &models.Label{
			Base:          models.Base{ServerID: serverID, ExternalID: l.GetID()},
			PullRequestID: pr.GetID(),
			Name:          l.GetName(),
			Color:         l.GetColor(),
		})
	}
	return out, labels, nil
}

func prState(pr *github.PullRequest) models.PRState {
	switch {
	case pr.MergedAt != nil || pr.GetMerged():
		return models.StateMerged
	case strings.EqualFold(pr.GetState(), "closed"):
		return models.StateClosed
	default:
		return models.StateOpen
	}
}

// ConvertGitHubIssueComment converts a conversation comment to our model
func ConvertGitHubIssueComment(serverID, pullRequestID int64, c *github.IssueComment) (*models.Comment, error) {
	updated, err := requireUpdated("comment", c.GetID(), c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &models.Comment{
		Base: models.Base{
			ServerID:   serverID,
			ExternalID: c.GetID(),
			CreatedAt:  stamp(c.CreatedAt),
			UpdatedAt:  updated,
		},
		PullRequestID: pullRequestID,
		UserID:        c.GetUser().GetID(),
		UserLogin:     c.GetUser().GetLogin(),
		Body:          c.GetBody(),
		WebURL:        c.GetHTMLURL(),
	}, nil
}

// ConvertGitHubReviewComment converts a review comment to our model
func ConvertGitHubReviewComment(serverID, pullRequestID int64, c *github.PullRequestComment) (*models.Comment, error) {
	updated, err := requireUpdated("review comment", c.GetID(), c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &models.Comment{
		Base: models.Base{
			ServerID:   serverID,
			ExternalID: c.GetID(),
			CreatedAt:  stamp(c.CreatedAt),
			UpdatedAt:  updated,
		},
		PullRequestID: pullRequestID,
		UserID:        c.GetUser().GetID(),
		UserLogin:     c.GetUser().GetLogin(),
		Body:          c.GetBody(),
		WebURL:        c.GetHTMLURL(),
		Review:        true,
	}, nil
}

// ConvertGitHubStatus converts a commit status to our model
func ConvertGitHubStatus(serverID, pullRequestID int64, s *github.RepoStatus) (*models.Status, error) {
	updated, err := requireUpdated("status", s.GetID(), s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &models.Status{
		Base: models.Base{
			ServerID:   serverID,
			ExternalID: s.GetID(),
			CreatedAt:  stamp(s.CreatedAt),
			UpdatedAt:  updated,
		},
		PullRequestID: pullRequestID,
		State:         s.GetState(),
		Description:   s.GetDescription(),
		TargetURL:     s.GetTargetURL(),
		Context:       s.GetContext(),
		CreatorID:     s.GetCreator().GetID(),
		CreatorLogin:  s.GetCreator().GetLogin(),
	}, nil
}
