package ui

import (
	"fmt"
	"strings"

	"archer-volume.klederson.com/internal/config"
	"archer-volume.klederson.com/internal/control"
	"github.com/charmbracelet/lipgloss"
)

// RenderMenuBar renders the top menu bar.
func RenderMenuBar(width int, state control.State, simulated bool) string {
	title := fmt.Sprintf(" %s v%s ", config.AppName, config.AppVersion)

	keys := []struct{ key, label string }{
		{"C", "onnect"},
		{"D", "isconnect"},
		{"A", "uto"},
		{"R", "etry"},
		{"Q", "uit"},
	}
	if state == control.StatePermissionsRequired {
		keys = append([]struct{ key, label string }{{"P", "ermissions"}}, keys...)
	}

	menu := ""
	for _, k := range keys {
		menu += "  " + StyleMenuKey.Render("["+k.key+"]") + StyleMenuLabel.Render(k.label)
	}

	source := StyleMenuLabel.Render("LIVE")
	if simulated {
		source = StyleSimulated.Render("SIMULATED")
	}

	left := StyleMenuKey.Render(title) + menu
	right := StateBadge(state) + "  " + source + " "

	gap := max(0, width-lipgloss.Width(left)-lipgloss.Width(right))
	return StyleMenuBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

// StateBadge renders the connection state in its color.
func StateBadge(state control.State) string {
	label := strings.ToUpper(state.String())
	switch state {
	case control.StateConnected:
		return StyleStateConnected.Render(label)
	case control.StateScanning, control.StateInitializing, control.StateDisconnecting:
		return StyleStateBusy.Render(label)
	case control.StatePermissionsRequired:
		return StyleStateError.Render(label)
	default:
		return StyleStateIdle.Render(label)
	}
}
