package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"archer-volume.klederson.com/internal/control"
	"archer-volume.klederson.com/internal/rssi"
	"archer-volume.klederson.com/internal/volume"
	"github.com/charmbracelet/lipgloss"
)

// RenderSignalPanel shows the connected speaker, its smoothed signal and
// the signal history.
func RenderSignalPanel(st control.Status, width, height int, history []float64, now time.Time) string {
	innerW := max(20, width-4)

	lines := []string{
		StylePanelTitle.Render("SPEAKER"),
		StyleSeparator.Render(strings.Repeat("-", innerW)),
		"",
	}

	name, id, since := "-", "-", "-"
	if st.Connected {
		name = st.Device.DisplayName()
		id = st.Device.ID
		since = formatSince(st.ConnectedAt, now)
	}
	signal := "-"
	if st.HasSignal {
		signal = fmt.Sprintf("%.1f dBm", st.Signal)
	}

	fields := []struct{ label, value string }{
		{"Name", name},
		{"ID", id},
		{"Connected", since},
		{"Signal", signal},
		{"Strength", fmt.Sprintf("%.0f%%", volume.Strength(st.Signal))},
		{"Distance", fmt.Sprintf("~%.1fm", rssi.ToDistance(st.Signal))},
	}
	for _, f := range fields {
		lines = append(lines, StyleLabel.Render(fmt.Sprintf("  %-10s", f.label))+StyleValue.Render(f.value))
	}
	lines = append(lines, "")

	barWidth := max(10, innerW-22)
	lines = append(lines, StyleLabel.Render("  Signal ")+renderSignalBar(st.Signal, barWidth)+
		StyleValue.Render(fmt.Sprintf(" %ddBm", int(st.Signal))))
	lines = append(lines, "")

	if len(history) > 0 {
		lines = append(lines, StyleLabel.Render("  History:"))
		spark := renderSparkline(history, max(10, innerW-4))
		lines = append(lines, "  "+lipgloss.NewStyle().Foreground(ColorGreen).Render(spark))
	} else if !st.Connected {
		lines = append(lines, StyleHelp.Render("  Not connected. Press [C] to scan for a speaker."))
	}

	for len(lines) < height-2 {
		lines = append(lines, "")
	}

	style := StylePanelBorder
	if st.Connected {
		style = StylePanelActive
	}
	return style.Width(width - 2).Height(height - 2).Render(strings.Join(lines, "\n"))
}

func renderSignalBar(signal float64, width int) string {
	filled := int(math.Round(volume.Normalize(signal) * float64(width)))

	bar := strings.Repeat("|", filled) + strings.Repeat("-", width-filled)
	filledPart := lipgloss.NewStyle().Foreground(lipgloss.Color(proximityColor(signal))).Render(bar[:filled])
	emptyPart := lipgloss.NewStyle().Foreground(ColorDimGreen).Render(bar[filled:])
	return StyleHelp.Render("[") + filledPart + emptyPart + StyleHelp.Render("]")
}

func renderSparkline(values []float64, width int) string {
	if len(values) == 0 {
		return ""
	}

	chars := []byte{'_', '.', '-', '~', '^'}

	minV, maxV := values[0], values[0]
	for _, v := range values {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	rng := math.Max(1, maxV-minV)

	start := max(0, len(values)-width)

	var sb strings.Builder
	for _, v := range values[start:] {
		idx := int((v - minV) / rng * float64(len(chars)-1))
		idx = min(max(idx, 0), len(chars)-1)
		sb.WriteByte(chars[idx])
	}
	return sb.String()
}

func proximityColor(signal float64) string {
	switch {
	case signal > -50:
		return "#00FF41"
	case signal > -60:
		return "#00CC33"
	case signal > -70:
		return "#00AA22"
	case signal > -80:
		return "#008F11"
	default:
		return "#005511"
	}
}

func formatSince(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
}
