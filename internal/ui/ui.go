// Package ui renders cache state for the terminal. Output is styled only
// when it goes to a terminal that supports colour.
package ui

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
)

// Renderer formats tasks, labels and outbox records.
type Renderer struct {
	r      *lipgloss.Renderer
	styled bool

	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	faint  lipgloss.Style
	bold   lipgloss.Style
	banner lipgloss.Style
}

// NewRenderer creates a renderer for out. Styling is disabled when out is
// not a terminal or NO_COLOR is set.
func NewRenderer(out io.Writer) *Renderer {
	r := lipgloss.NewRenderer(out)
	styled := isTerminal(out) && !termenv.EnvNoColor()
	if !styled {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Renderer{
		r:      r,
		styled: styled,
		ok:     r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		faint:  r.NewStyle().Faint(true),
		bold:   r.NewStyle().Bold(true),
		banner: r.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Styled reports whether output carries ANSI styling.
func (u *Renderer) Styled() bool {
	return u.styled
}

// Banner is the one-line sync summary, e.g. "2 pending · 1 failed".
func (u *Renderer) Banner(counts store.Counts, online bool) string {
	var parts []string
	if !online {
		parts = append(parts, u.warn.Render("offline"))
	}
	switch {
	case counts.Pending == 0 && counts.Failed == 0:
		parts = append(parts, u.ok.Render("all changes synced"))
	default:
		if counts.Pending > 0 {
			parts = append(parts, u.warn.Render(fmt.Sprintf("%d pending", counts.Pending)))
		}
		if counts.Failed > 0 {
			parts = append(parts, u.bad.Render(fmt.Sprintf("%d failed", counts.Failed)))
		}
	}
	line := strings.Join(parts, " · ")
	if !u.styled {
		return line
	}
	return u.banner.Render(line)
}

// Task renders one task on a single line.
func (u *Renderer) Task(t *schema.Task) string {
	var b strings.Builder

	box := "[ ]"
	if t.Done {
		box = u.ok.Render("[x]")
	}
	b.WriteString(box)
	b.WriteString(" ")
	b.WriteString(u.faint.Render(FormatID(t.ID)))
	b.WriteString(" ")
	if t.Priority > 0 {
		b.WriteString(u.bold.Render(strings.Repeat("!", t.Priority)))
		b.WriteString(" ")
	}
	b.WriteString(t.Title)

	if t.DueAt != nil {
		due := "due " + t.DueAt.Local().Format("Jan 2 15:04")
		if !t.Done && t.DueAt.Before(time.Now()) {
			b.WriteString("  " + u.bad.Render(due))
		} else {
			b.WriteString("  " + u.faint.Render(due))
		}
	}
	for _, l := range t.Labels {
		b.WriteString(" ")
		b.WriteString(u.Label(l))
	}
	if s := u.syncState(t.SyncState); s != "" {
		b.WriteString("  ")
		b.WriteString(s)
	}
	return b.String()
}

// Tasks renders a list, one task per line.
func (u *Renderer) Tasks(tasks []*schema.Task) string {
	if len(tasks) == 0 {
		return u.faint.Render("no tasks")
	}
	lines := make([]string, len(tasks))
	for i, t := range tasks {
		lines[i] = u.Task(t)
	}
	return strings.Join(lines, "\n")
}

// Label renders a label tag in its own colour.
func (u *Renderer) Label(l *schema.Label) string {
	style := u.r.NewStyle()
	if l.HexColor != "" {
		style = style.Foreground(lipgloss.Color("#" + l.HexColor))
	}
	return style.Render("#" + l.Title)
}

// LabelLine renders a label with its id and sync state.
func (u *Renderer) LabelLine(l *schema.Label) string {
	line := u.faint.Render(FormatID(l.ID)) + " " + u.Label(l)
	if s := u.syncState(l.SyncState); s != "" {
		line += "  " + s
	}
	return line
}

// Action renders one outbox record.
func (u *Renderer) Action(a *store.PendingAction) string {
	status := string(a.Status)
	switch a.Status {
	case store.StatusFailed:
		status = u.bad.Render(status)
	case store.StatusPending, store.StatusProcessing:
		status = u.warn.Render(status)
	case store.StatusCompleted:
		status = u.ok.Render(status)
	}

	line := fmt.Sprintf("%-5d %-12s %-5s %-8s %s", a.ID, a.ActionType, a.EntityType, FormatID(a.EntityID), status)
	if a.RetryCount > 0 {
		line += fmt.Sprintf(" (retries: %d)", a.RetryCount)
	}
	if a.LastError != "" {
		line += "\n      " + u.faint.Render(a.LastError)
	}
	return line
}

func (u *Renderer) syncState(s schema.SyncState) string {
	switch s {
	case schema.SyncStatePending:
		return u.warn.Render("⟳ pending")
	case schema.SyncStateLocalOnly:
		return u.bad.Render("✗ not synced")
	default:
		return ""
	}
}

// formatID shows temporary ids with a marker so they are not mistaken for
// server ids.
func FormatID(id int64) string {
	if schema.IsTempID(id) {
		return fmt.Sprintf("~%d", -id)
	}
	return fmt.Sprintf("#%d", id)
}

// ParseID reverses FormatID. A bare number is taken as a server id.
func ParseID(s string) (int64, error) {
	s = strings.TrimPrefix(s, "#")
	temp := strings.HasPrefix(s, "~")
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "~"), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	if temp {
		return -n, nil
	}
	return n, nil
}
