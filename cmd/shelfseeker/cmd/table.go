package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)
	rowEvenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	rowOddStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// maxCellWidth keeps long titles from pushing the table off screen.
const maxCellWidth = 48

// renderTable lays rows out in padded columns with a styled header.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for r := range rows {
		for i := range rows[r] {
			if i >= len(widths) {
				break
			}
			rows[r][i] = truncate(rows[r][i], maxCellWidth)
			if w := lipgloss.Width(rows[r][i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	b.WriteString(renderRow(headers, widths, headerStyle))
	b.WriteString("\n")
	for r, row := range rows {
		style := rowEvenStyle
		if r%2 == 1 {
			style = rowOddStyle
		}
		b.WriteString(renderRow(row, widths, style))
		b.WriteString("\n")
	}
	return b.String()
}

func renderRow(cells []string, widths []int, style lipgloss.Style) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		parts[i] = style.Copy().Width(w + 2).Render(cell)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
