package ui

import "github.com/charmbracelet/lipgloss"

type Style struct {
	Header            lipgloss.Style
	SelectedMessage   lipgloss.Style
	UnselectedMessage lipgloss.Style
	FocusedMessage    lipgloss.Style
	ErrorMessage      lipgloss.Style
	BranchBadge       lipgloss.Style
	StatusBar         lipgloss.Style
}

func DefaultStyles() *Style {
	return &Style{
		Header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1),
		SelectedMessage: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(0, 1),
		UnselectedMessage: lipgloss.NewStyle().
			Border(lipgloss.HiddenBorder()).
			Padding(0, 1),
		FocusedMessage: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1),
		ErrorMessage: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(0, 1),
		BranchBadge: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),
		StatusBar: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Padding(0, 1),
	}
}
