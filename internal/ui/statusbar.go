package ui

import (
	"fmt"
	"strings"

	"archer-volume.klederson.com/internal/control"
	"github.com/charmbracelet/lipgloss"
)

// RenderStatusBar renders the bottom status bar. A non-empty toast replaces
// the regular info line.
func RenderStatusBar(width int, st control.Status, toast string) string {
	var content string
	if toast != "" {
		content = StyleStateError.Render("[!] ") + StyleStatusBar.Foreground(ColorWarning).Render(toast)
	} else {
		session := "-"
		if st.Session != "" {
			session = st.Session[:min(8, len(st.Session))]
		}
		info := fmt.Sprintf(" Sink: %s  Range: %s  Target: %dm  Initial: %s  Session: %s",
			st.Sink, st.Range, st.TargetDistance, initialLabel(st.InitialVolume), session)
		content = StateBadge(st.State) + StyleStatusBar.Foreground(ColorGreen).Render(info)
	}

	// Toasts can be long error chains; keep the bar on one line.
	if lipgloss.Width(content) > width {
		content = lipgloss.NewStyle().MaxWidth(width).Render(content)
	}
	gap := max(0, width-lipgloss.Width(content))
	return StyleStatusBar.Width(width).Render(content + strings.Repeat(" ", gap))
}

func initialLabel(level int) string {
	if level == 0 {
		return "off"
	}
	return fmt.Sprintf("%d", level)
}
