package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/benjamonnguyen/leakwatch"
)

const (
	colorRed    = lipgloss.Color("1")
	colorGreen  = lipgloss.Color("2")
	colorYellow = lipgloss.Color("3")
	colorCyan   = lipgloss.Color("6")
	colorFaint  = lipgloss.Color("8")
)

// time_received as reported by the backend
const timeReceivedFormat = "02/01/06 15:04:05"

var (
	faintStyle = lipgloss.NewStyle().Foreground(colorFaint).Bold(false)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	cardStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorFaint).
			Padding(0, 1)
	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(colorRed).
			Padding(0, 1)
)

func card(title, body string, width int) string {
	style := cardStyle
	if width > 0 {
		style = style.Width(width - 2)
	}
	return style.Render(titleStyle.Render(title) + "\n" + body)
}

func badge(text string, c lipgloss.Color) string {
	return lipgloss.NewStyle().Foreground(c).Bold(true).Render(text)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// outletText renders an outlet the way the front panel labels it.
func outletText(title string, o leakwatch.Outlet) (string, lipgloss.Color) {
	switch {
	case !o.Enabled:
		return title + ": disabled", colorYellow
	case o.State:
		return title + ": on", colorGreen
	default:
		return title + ": off", colorYellow
	}
}

func levelColor(l leakwatch.Level) lipgloss.Color {
	switch l {
	case leakwatch.LevelDebug:
		return colorFaint
	case leakwatch.LevelWarning:
		return colorYellow
	case leakwatch.LevelError, leakwatch.LevelCritical:
		return colorRed
	default:
		return lipgloss.Color("7")
	}
}

func formatEvent(e leakwatch.Event) string {
	return fmt.Sprintf("%s %s %s",
		faintStyle.Render(e.Timestamp),
		lipgloss.NewStyle().Foreground(levelColor(e.Level)).Width(8).Render(string(e.Level)),
		e.Message,
	)
}

// lastReceive shows the backend's receive time with its age, falling back to the
// raw value when it cannot be parsed.
func lastReceive(raw string, now time.Time) string {
	t, err := time.ParseInLocation(timeReceivedFormat, raw, time.Local)
	if err != nil {
		return raw
	}
	return fmt.Sprintf("%s (%s)", raw, lastSeen(t, now))
}

func lastSeen(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func statusString(v int) string {
	return fmt.Sprintf("0x%X", v)
}

// table renders rows as left-aligned columns separated by two spaces.
func table(header []string, rows [][]string) string {
	all := rows
	if header != nil {
		all = append([][]string{header}, rows...)
	}
	if len(all) == 0 {
		return faintStyle.Render("no data")
	}
	widths := make([]int, len(all[0]))
	for _, r := range all {
		for i, cell := range r {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var sb strings.Builder
	for ri, r := range all {
		cells := make([]string, len(r))
		for i, cell := range r {
			cells[i] = lipgloss.NewStyle().Width(widths[i]).Render(cell)
		}
		text := strings.Join(cells, "  ")
		if header != nil && ri == 0 {
			text = faintStyle.Render(text)
		}
		sb.WriteString(text)
		if ri < len(all)-1 {
			sb.WriteRune('\n')
		}
	}
	return sb.String()
}
