package ui

import (
	"fmt"
	"strings"

	"archer-volume.klederson.com/internal/config"
	"archer-volume.klederson.com/internal/control"
	"archer-volume.klederson.com/internal/rssi"
	"archer-volume.klederson.com/internal/volume"
)

// RenderVolumePanel shows auto mode, the volume range with the current
// level, the target distance presets and the key help.
func RenderVolumePanel(st control.Status, width, height int) string {
	innerW := max(20, width-4)

	auto := StyleOff.Render(" OFF ")
	if st.AutoMode {
		auto = StyleOn.Render(" ON ")
	}

	current := "-"
	if st.Volume > 0 {
		current = fmt.Sprintf("%d", st.Volume)
	}

	lines := []string{
		StylePanelTitle.Render("VOLUME"),
		StyleSeparator.Render(strings.Repeat("-", innerW)),
		"",
		StyleLabel.Render("  Auto      ") + auto,
		StyleLabel.Render("  Current   ") + StyleValue.Render(current),
		StyleLabel.Render("  Range     ") + StyleValue.Render(st.Range.String()),
		"",
		"  " + renderLevelScale(st.Range, st.Volume),
		StyleLabel.Render("  Loudest   ") + StyleValue.Render(renderLevelSignal(st.Range.Max, st.Range)),
		StyleLabel.Render("  Quietest  ") + StyleValue.Render(renderLevelSignal(st.Range.Min, st.Range)),
		"",
		StyleLabel.Render("  Target    ") + renderDistances(st.TargetDistance),
		StyleLabel.Render("  Initial   ") + StyleValue.Render(initialLabel(st.InitialVolume)),
		"",
	}

	if st.HasSignal {
		lines = append(lines, StyleLabel.Render("  Mapped    ")+
			StyleValue.Render(fmt.Sprintf("%d", volume.Map(st.Signal, st.Range))))
		lines = append(lines, "")
	}

	help := []string{
		"[A] auto on/off     [T] target",
		"[-/+] max volume    [[/]] min volume",
		"[Up/Down] manual    [I] initial",
	}
	for _, h := range help {
		lines = append(lines, StyleHelp.Render("  "+h))
	}

	for len(lines) < height-2 {
		lines = append(lines, "")
	}
	return StylePanelBorder.Width(width - 2).Height(height - 2).Render(strings.Join(lines, "\n"))
}

// renderLevelScale draws 1..10 with the configured range highlighted and
// the current level marked.
func renderLevelScale(r volume.Range, current int) string {
	var sb strings.Builder
	for level := config.VolumeFloor; level <= config.VolumeCeil; level++ {
		cell := fmt.Sprintf("%2d", level)
		switch {
		case level == current:
			sb.WriteString(StyleOn.Render(cell))
		case r.Contains(level):
			sb.WriteString(StyleValue.Render(cell))
		default:
			sb.WriteString(StyleOff.Render(cell))
		}
		sb.WriteByte(' ')
	}
	return sb.String()
}

// renderLevelSignal shows where level kicks in: the signal that maps to it
// and the distance that signal stands for.
func renderLevelSignal(level int, r volume.Range) string {
	sig := volume.SignalFor(level, r)
	return fmt.Sprintf("%2d at %.0f dBm (~%.1fm)", level, sig, rssi.ToDistance(sig))
}

func renderDistances(selected int) string {
	parts := make([]string, 0, len(config.TargetDistances))
	for _, d := range config.TargetDistances {
		label := fmt.Sprintf("%dm", d)
		if d == selected {
			parts = append(parts, StyleOn.Render(label))
		} else {
			parts = append(parts, StyleOff.Render(label))
		}
	}
	return strings.Join(parts, " ")
}
