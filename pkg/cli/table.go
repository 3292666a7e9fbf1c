package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme for terminal output.
type Theme struct {
	Primary lipgloss.Color // Main accent color
	Dim     lipgloss.Color // Dimmed/help text color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Header lipgloss.Style
	Border lipgloss.Style
	Cell   lipgloss.Style
	Dim    lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Cell:   lipgloss.NewStyle(),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// DefaultStyles returns the styles of DefaultTheme.
func DefaultStyles() Styles { return NewStyles(DefaultTheme) }

// Table is a simple column-aligned table.
type Table struct {
	Headers []string
	Rows    [][]string

	// MaxWidth caps each cell; longer cells are truncated with "…". Zero
	// means no cap.
	MaxWidth int

	// Footer is printed dimmed below the rows, if set.
	Footer string
}

// Append adds a row.
func (t *Table) Append(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Render renders the table to a string.
func (t *Table) Render(s Styles) string {
	widths := make([]int, len(t.Headers))
	cell := func(row []string, i int) string {
		if i >= len(row) {
			return ""
		}
		text := row[i]
		if t.MaxWidth > 1 && lipgloss.Width(text) > t.MaxWidth {
			text = truncateString(text, t.MaxWidth-1) + "…"
		}
		return text
	}
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i := range widths {
			widths[i] = max(widths[i], lipgloss.Width(cell(row, i)))
		}
	}

	var lines []string
	line := func(style lipgloss.Style, row []string) string {
		parts := make([]string, len(widths))
		for i, w := range widths {
			text := cell(row, i)
			parts[i] = style.Render(text) + strings.Repeat(" ", w-lipgloss.Width(text))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	lines = append(lines, line(s.Header, t.Headers))
	seps := make([]string, len(widths))
	for i, w := range widths {
		seps[i] = strings.Repeat("─", w)
	}
	lines = append(lines, s.Border.Render(strings.Join(seps, "  ")))
	for _, row := range t.Rows {
		lines = append(lines, line(s.Cell, row))
	}
	if t.Footer != "" {
		lines = append(lines, s.Dim.Render(t.Footer))
	}
	return strings.Join(lines, "\n")
}

// truncateString safely truncates a string to the given width,
// handling multi-byte characters correctly.
func truncateString(s string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(s)
	currentWidth := 0
	for i, r := range runes {
		w := lipgloss.Width(string(r))
		if currentWidth+w > width {
			return string(runes[:i])
		}
		currentWidth += w
	}
	return s
}
