package models

import (
	"fmt"
	"strings"
)

// LifecycleAction tracks what the current cycle did to a record
type LifecycleAction int

const (
	ActionNone LifecycleAction = iota
	ActionPendingDelete
	ActionNoteNew
	ActionNoteUpdated
)

func (a LifecycleAction) String() string {
	switch a {
	case ActionPendingDelete:
		return "pending_delete"
	case ActionNoteNew:
		return "new"
	case ActionNoteUpdated:
		return "updated"
	default:
		return "none"
	}
}

// PRState is the remote state of a pull request
type PRState int

const (
	StateOpen PRState = iota
	StateClosed
	StateMerged
)

func (s PRState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateMerged:
		return "merged"
	default:
		return "open"
	}
}

// Mergeable is GitHub's tri-state mergeability flag
type Mergeable int

const (
	MergeableUnknown Mergeable = iota
	MergeableYes
	MergeableNo
)

// MergeableFrom converts GitHub's nullable boolean.
func MergeableFrom(v *bool) Mergeable {
	switch {
	case v == nil:
		return MergeableUnknown
	case *v:
		return MergeableYes
	default:
		return MergeableNo
	}
}

// Section is the display bucket a pull request is classified into
type Section int

const (
	SectionNone Section = iota
	SectionMine
	SectionParticipated
	SectionMerged
	SectionClosed
	SectionAll
)

// Sections lists the displayed sections in display order.
var Sections = []Section{SectionMine, SectionParticipated, SectionMerged, SectionClosed, SectionAll}

var sectionNames = map[Section]string{
	SectionNone:         "none",
	SectionMine:         "mine",
	SectionParticipated: "participated",
	SectionMerged:       "merged",
	SectionClosed:       "closed",
	SectionAll:          "all",
}

func (s Section) String() string {
	if name, ok := sectionNames[s]; ok {
		return name
	}
	return fmt.Sprintf("section(%d)", int(s))
}

// ParseSection accepts the lower-case section names.
func ParseSection(v string) (Section, error) {
	for s, name := range sectionNames {
		if strings.EqualFold(v, name) {
			return s, nil
		}
	}
	return SectionNone, fmt.Errorf("unknown section %q", v)
}

// SortMethod selects the primary ordering key inside a section
type SortMethod int

const (
	SortCreationDate SortMethod = iota
	SortRecentActivity
	SortTitle
	SortRepository
)

// HandlingPolicy decides which merged or closed pull requests are retained
type HandlingPolicy int

const (
	KeepMine HandlingPolicy = iota
	KeepMineAndParticipated
	KeepAll
	KeepNone
)

// AssignmentPolicy decides where pull requests assigned to the user go
type AssignmentPolicy int

const (
	AssignedMoveToMine AssignmentPolicy = iota
	AssignedMoveToParticipated
	AssignedDoNothing
)

// DisplayPolicy decides which open pull requests of a repository are shown
type DisplayPolicy int

const (
	DisplayHide DisplayPolicy = iota
	DisplayMine
	DisplayMineAndParticipated
	DisplayAll
)

// StatusFilterMode selects how status terms filter displayed statuses
type StatusFilterMode int

const (
	StatusFilterAll StatusFilterMode = iota
	StatusFilterInclude
	StatusFilterExclude
)

// Config spellings of the policy enums.
var (
	sortMethodNames = map[string]SortMethod{
		"creation_date":   SortCreationDate,
		"recent_activity": SortRecentActivity,
		"title":           SortTitle,
		"repository":      SortRepository,
	}
	handlingNames = map[string]HandlingPolicy{
		"keep_mine":                  KeepMine,
		"keep_mine_and_participated": KeepMineAndParticipated,
		"keep_all":                   KeepAll,
		"keep_none":                  KeepNone,
	}
	assignmentNames = map[string]AssignmentPolicy{
		"move_to_mine":         AssignedMoveToMine,
		"move_to_participated": AssignedMoveToParticipated,
		"do_nothing":           AssignedDoNothing,
	}
	displayNames = map[string]DisplayPolicy{
		"hide":                  DisplayHide,
		"mine":                  DisplayMine,
		"mine_and_participated": DisplayMineAndParticipated,
		"all":                   DisplayAll,
	}
	statusFilterNames = map[string]StatusFilterMode{
		"all":     StatusFilterAll,
		"include": StatusFilterInclude,
		"exclude": StatusFilterExclude,
	}
)

func lookup[T any](names map[string]T, kind, v string) (T, error) {
	if e, ok := names[strings.ToLower(strings.TrimSpace(v))]; ok {
		return e, nil
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q", kind, v)
}

func ParseSortMethod(v string) (SortMethod, error) {
	return lookup(sortMethodNames, "sort method", v)
}

func ParseHandlingPolicy(v string) (HandlingPolicy, error) {
	return lookup(handlingNames, "handling policy", v)
}

func ParseAssignmentPolicy(v string) (AssignmentPolicy, error) {
	return lookup(assignmentNames, "assignment policy", v)
}

func ParseDisplayPolicy(v string) (DisplayPolicy, error) {
	return lookup(displayNames, "display policy", v)
}

func ParseStatusFilterMode(v string) (StatusFilterMode, error) {
	return lookup(statusFilterNames, "status filter mode", v)
}
