package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"node.town/ragvoice/backend"
	"node.town/ragvoice/turn"
)

var (
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00aaff"))
	agentStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff8800"))
	systemStyle  = lipgloss.NewStyle().Faint(true).Italic(true)
	interimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff3333"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("#25A065")).Padding(0, 1)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#B58900")).Padding(0, 1)
)

func formatEntry(e turn.Entry) string {
	stamp := e.Timestamp.Format("15:04:05")
	switch e.Role {
	case turn.RoleUser:
		return fmt.Sprintf("%s %s %s", stamp, userStyle.Render("you"), e.Content)
	case turn.RoleAgent:
		return fmt.Sprintf("%s %s %s", stamp, agentStyle.Render("agent"), e.Content)
	default:
		return fmt.Sprintf("%s %s", stamp, systemStyle.Render(e.Content))
	}
}

func renderSources(w io.Writer, sources []backend.Source) {
	if len(sources) == 0 {
		fmt.Fprintln(w, "No sources.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Source", "Excerpt"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(true)
	table.SetColWidth(60)
	table.SetAutoFormatHeaders(true)

	for i, src := range sources {
		table.Append([]string{fmt.Sprintf("%d", i+1), src.Source, excerpt(src.Text, 120)})
	}
	table.Render()
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
