package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/glimpsedev/glimpse/internal/trmnl"
)

var (
	logoStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headStyle  = lipgloss.NewStyle().Background(lipgloss.Color("236")).Foreground(lipgloss.Color("252"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("114"))
)

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	if m.entering {
		b.WriteString(labelStyle.Render("Enter API key (enter to save, esc to cancel)"))
		b.WriteString("\n")
		b.WriteString(m.keyInput.View())
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.renderScreen())
	b.WriteString("\n")
	b.WriteString(m.renderDevices())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	parts := []string{logoStyle.Render("glimpse")}

	if d := m.snapshot.SelectedDevice; d != nil {
		parts = append(parts, valueStyle.Render(deviceLabel(*d)))
	} else {
		parts = append(parts, labelStyle.Render("no device"))
	}

	refresh := "refresh in " + m.countdown
	if m.snapshot.InBackoff(time.Now()) {
		refresh = "retry in " + m.countdown
	}
	parts = append(parts, labelStyle.Render(refresh))

	if m.fetching {
		parts = append(parts, m.spinner.View()+labelStyle.Render("fetching"))
	}
	if m.snapshot.LastError != "" {
		parts = append(parts, errStyle.Render(m.snapshot.LastError))
	}

	line := strings.Join(parts, "  ")
	if m.width > 0 {
		return headStyle.Width(m.width).Render(line)
	}
	return headStyle.Render(line)
}

func (m Model) renderScreen() string {
	img := m.snapshot.CurrentImage
	if img == nil {
		return labelStyle.Render("No screen cached yet. Press r to fetch.") + "\n"
	}

	var b strings.Builder
	write := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-9s", label)))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}
	name := img.Filename
	if name == "" {
		name = "(unnamed)"
	}
	write("screen", name)
	write("source", img.SourceURL)
	write("fetched", fmt.Sprintf("%s (%s)", img.FetchedAt.Local().Format("15:04:05"), humanSize(embeddedSize(img.Data))))
	if img.PreviewPath != "" {
		write("preview", img.PreviewPath)
	}
	if !m.snapshot.NextFetch.IsZero() {
		write("next", m.snapshot.NextFetch.Local().Format("15:04:05"))
	}
	return b.String()
}

func (m Model) renderDevices() string {
	if len(m.snapshot.Devices) == 0 {
		return labelStyle.Render("No devices. Press l to load your devices or a to enter an API key.") + "\n"
	}

	var b strings.Builder
	b.WriteString(labelStyle.Render("devices"))
	b.WriteString("\n")
	for _, d := range m.snapshot.Devices {
		marker := "  "
		style := valueStyle
		if m.snapshot.SelectedDevice != nil && d.ID == m.snapshot.SelectedDevice.ID {
			marker = "> "
			style = selStyle
		}
		b.WriteString(style.Render(marker + deviceLabel(d)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderFooter() string {
	hints := "r refresh  n next  s special  d device  l reload  a api key  R reset  q quit"
	footer := hintStyle.Render(hints)
	if strings.Contains(m.snapshot.LastError, "logged in") && m.loginURL != "" {
		footer += "\n" + hintStyle.Render("log in at ") + valueStyle.Render(m.loginURL)
	}
	return footer
}

func deviceLabel(d trmnl.Device) string {
	if d.Name != "" {
		return d.Name
	}
	if d.FriendlyID != "" {
		return d.FriendlyID
	}
	return fmt.Sprintf("device %d", d.ID)
}

// embeddedSize estimates the decoded byte count of a data URL payload.
func embeddedSize(dataURL string) int {
	i := strings.Index(dataURL, ",")
	if i < 0 {
		return 0
	}
	return len(dataURL[i+1:]) * 3 / 4
}

func humanSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
