// Package ui renders the local store for the terminal.
package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss/table"

	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/ratelimit"
)

// ServerLine is one row of the server overview
type ServerLine struct {
	Label        string
	Login        string
	LastSyncAt   time.Time
	Succeeded    bool
	Quota        *ratelimit.Quota
	Warning      bool
	BackoffUntil time.Time
}

// RenderTitle renders a title banner
func RenderTitle(title string) string {
	return TitleStyle.Render(title)
}

// RenderServers renders the configured servers with their sync and quota state.
func RenderServers(servers []ServerLine, now time.Time) string {
	if len(servers) == 0 {
		return MutedStyle.Render("No servers configured. Run: prtrail init")
	}
	t := NewTable("SERVER", "USER", "LAST SYNC", "QUOTA", "STATE")
	for _, s := range servers {
		login := s.Login
		if login == "" {
			login = "-"
		}
		t.Row(s.Label, login, FormatAge(s.LastSyncAt, now), formatQuota(s.Quota), serverState(s, now))
	}
	return t.Render()
}

func serverState(s ServerLine, now time.Time) string {
	switch {
	case s.BackoffUntil.After(now):
		return WarningStyle.Render("backoff " + s.BackoffUntil.Sub(now).Round(time.Second).String())
	case s.LastSyncAt.IsZero():
		return MutedStyle.Render("never synced")
	case !s.Succeeded:
		return ErrorStyle.Render("failed")
	case s.Warning:
		return WarningStyle.Render("low quota")
	default:
		return SuccessStyle.Render("ok")
	}
}

func formatQuota(q *ratelimit.Quota) string {
	if q == nil || q.Limit == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", q.Remaining, q.Limit)
}

// RenderSections renders the pull request and unread counts per section.
func RenderSections(counts map[models.Section][2]int) string {
	var b strings.Builder
	for i, s := range models.Sections {
		if i > 0 {
			b.WriteString("  ")
		}
		n := counts[s]
		b.WriteString(HeaderStyle.Render(s.String()))
		b.WriteString(" " + strconv.Itoa(n[0]))
		if n[1] > 0 {
			b.WriteString(WarningStyle.Render(fmt.Sprintf(" (%d unread)", n[1])))
		}
	}
	return b.String()
}

// RenderPulls renders pull requests grouped by section, in stored order.
func RenderPulls(pulls []db.PullSummary) string {
	if len(pulls) == 0 {
		return MutedStyle.Render("No pull requests to show.")
	}
	var (
		b  strings.Builder
		t  *table.Table
		in models.Section
	)
	flush := func() {
		if t != nil {
			b.WriteString(t.Render())
			b.WriteString("\n")
		}
	}
	for _, p := range pulls {
		if t == nil || p.Section != in {
			flush()
			in = p.Section
			b.WriteString(HeaderStyle.Render(strings.ToUpper(in.String())))
			b.WriteString("\n")
			t = NewTable("REPOSITORY", "#", "TITLE", "AUTHOR", "STATE", "COMMENTS")
		}
		t.Row(p.Repository, strconv.Itoa(p.Number), truncate(p.Title, 60), p.Author,
			StateStyle(p.State).Render(p.State), formatComments(p.TotalComments, p.UnreadComments))
	}
	flush()
	return b.String()
}

func formatComments(total, unread int) string {
	if unread == 0 {
		return strconv.Itoa(total)
	}
	return fmt.Sprintf("%d (%d new)", total, unread)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// FormatAge renders how long ago t was, relative to now.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
