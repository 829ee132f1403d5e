package models

import "strings"

// StatusFilter restricts which statuses are displayed for a pull request
type StatusFilter struct {
	Mode  StatusFilterMode
	Terms []string
}

// Settings is the classification and retention policy in effect for a cycle
type Settings struct {
	SortMethod     SortMethod
	SortDescending bool

	MergeHandling         HandlingPolicy
	CloseHandling         HandlingPolicy
	DontKeepPRsMergedByMe bool
	AssignedHandling      AssignmentPolicy

	DisplayPolicy     DisplayPolicy
	HideNewRepos      bool
	HideArchivedRepos bool

	StatusFilter   StatusFilter
	HideFailingPRs bool

	CommentAuthorBlacklist []string
	ShowCommentsEverywhere bool
}

// DefaultSettings returns the policy used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		SortMethod:       SortRecentActivity,
		SortDescending:   true,
		MergeHandling:    KeepMine,
		CloseHandling:    KeepMine,
		AssignedHandling: AssignedMoveToParticipated,
		DisplayPolicy:    DisplayAll,
	}
}

// Blacklisted reports whether comments by login should never notify.
func (s Settings) Blacklisted(login string) bool {
	for _, blocked := range s.CommentAuthorBlacklist {
		if strings.EqualFold(blocked, login) {
			return true
		}
	}
	return false
}
