package ui

import "github.com/charmbracelet/lipgloss"

// ComposeLayout joins the signal and volume panels horizontally,
// with menu bar on top and status bar on bottom.
func ComposeLayout(menuBar, signalPanel, volumePanel, statusBar string) string {
	middle := lipgloss.JoinHorizontal(lipgloss.Top, signalPanel, volumePanel)
	return lipgloss.JoinVertical(lipgloss.Left, menuBar, middle, statusBar)
}
