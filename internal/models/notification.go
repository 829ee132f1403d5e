package models

import "time"

// NotificationType enumerates the activity events emitted after a cycle
type NotificationType int

const (
	NewComment NotificationType = iota
	NewPR
	PRMerged
	PRReopened
	NewMention
	PRClosed
	NewRepoSubscribed
	NewRepoAnnouncement
	NewPRAssigned
)

var notificationNames = [...]string{
	NewComment:          "new_comment",
	NewPR:               "new_pr",
	PRMerged:            "pr_merged",
	PRReopened:          "pr_reopened",
	NewMention:          "new_mention",
	PRClosed:            "pr_closed",
	NewRepoSubscribed:   "new_repo_subscribed",
	NewRepoAnnouncement: "new_repo_announcement",
	NewPRAssigned:       "new_pr_assigned",
}

func (t NotificationType) String() string {
	if int(t) < len(notificationNames) {
		return notificationNames[t]
	}
	return "unknown"
}

func (t NotificationType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Notification is one (type, item) event for the presentation layer
type Notification struct {
	Type          NotificationType `json:"type"`
	ServerID      int64            `json:"server_id"`
	RepositoryID  int64            `json:"repository_id,omitempty"`
	PullRequestID int64            `json:"pull_request_id,omitempty"`
	CommentID     int64            `json:"comment_id,omitempty"`
	Title         string           `json:"title"`
	Actor         string           `json:"actor,omitempty"`
	URL           string           `json:"url,omitempty"`
	At            time.Time        `json:"at"`
}
