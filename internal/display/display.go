// Package display provides terminal formatting for smail output.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/daviddao/smail/internal/types"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	PhishingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626")).Bold(true)
	SafeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	WarnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
)

// VerdictDot returns a colored dot for a verdict.
func VerdictDot(v types.Verdict) string {
	switch v {
	case types.VerdictPhishing:
		return PhishingStyle.Render("●")
	case types.VerdictSafe:
		return SafeStyle.Render("○")
	default:
		return Dim.Render("·")
	}
}

// VerdictLabel returns a styled, fixed-width verdict label.
func VerdictLabel(v types.Verdict) string {
	label := fmt.Sprintf("%-8s", strings.ToUpper(string(v)))
	switch v {
	case types.VerdictPhishing:
		return PhishingStyle.Render(label)
	case types.VerdictSafe:
		return SafeStyle.Render(label)
	default:
		return label
	}
}

// Confidence renders a confidence percentage, highlighting strong scores.
func Confidence(pct int) string {
	s := fmt.Sprintf("%3d%%", pct)
	switch {
	case pct >= 90:
		return PhishingStyle.Render(s)
	case pct >= 70:
		return WarnStyle.Render(s)
	default:
		return Dim.Render(s)
	}
}

// AccountLabel returns a short label for an account.
// Derives the label from the domain (e.g., "user@example.com" -> "example").
func AccountLabel(account string) string {
	if idx := strings.Index(account, "@"); idx > 0 {
		domain := account[idx+1:]
		if dotIdx := strings.Index(domain, "."); dotIdx > 0 {
			return domain[:dotIdx]
		}
		return domain
	}
	return account
}

// TimeAgo formats t relative to now.
func TimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Local().Format("Jan 2")
	}
}

// Truncate shortens a string to maxLen runes, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(Success.Render("✓") + " " + msg)
}

// ErrorMsg prints a red X + message to stderr.
func ErrorMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, ErrStyle.Render("✗")+" "+msg)
}

// Header prints a section header.
func Header(title string) {
	fmt.Println(Bold.Render(title))
}

// SubHeader prints a dim subsection label.
func SubHeader(title string) {
	fmt.Println(Muted.Render(title))
}

// RecordLine formats one scan record as a single terminal line.
func RecordLine(r types.ScanRecord) string {
	sender := Truncate(orDefault(r.Sender, "(unknown sender)"), 28)
	subject := Truncate(orDefault(r.Subject, "(no subject)"), 48)
	return fmt.Sprintf("%s %s %s  %-28s  %s  %s",
		VerdictDot(r.Verdict), VerdictLabel(r.Verdict), Confidence(r.Confidence),
		sender, subject, Dim.Render(TimeAgo(r.ScannedAt)))
}

// Threats prints phishing records in a tree with their reasons.
func Threats(w io.Writer, records []types.ScanRecord) {
	for i, r := range records {
		connector := "├─"
		prefix := "  │  "
		if i == len(records)-1 {
			connector = "└─"
			prefix = "     "
		}
		fmt.Fprintf(w, "  %s %s\n", Muted.Render(connector), RecordLine(r))
		if r.Reason != "" {
			fmt.Fprintf(w, "%s%s\n", Muted.Render(prefix), Dim.Render(Truncate(r.Reason, 80)))
		}
	}
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
