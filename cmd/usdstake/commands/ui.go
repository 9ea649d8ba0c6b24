package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"
)

// Palette
var (
	ColorAccent  = lipgloss.Color("#10b981") // Emerald
	ColorSuccess = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#eab308")
	ColorMuted   = lipgloss.Color("#6b7280")
	ColorDim     = lipgloss.Color("#4b5563")
	ColorWhite   = lipgloss.Color("#f9fafb")
)

var (
	StyleHeader  = lipgloss.NewStyle().Bold(true).Foreground(ColorWhite)
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorSuccess)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorWarning)
	StyleLabel   = lipgloss.NewStyle().Foreground(ColorMuted).Width(14)
	StyleValue   = lipgloss.NewStyle().Foreground(ColorWhite)

	StyleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDim).
			Padding(0, 1)

	StyleTableHeader = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent).Padding(0, 1)
	StyleTableRow    = lipgloss.NewStyle().Foreground(ColorWhite).Padding(0, 1)
	StyleTableRowAlt = lipgloss.NewStyle().Foreground(ColorMuted).Padding(0, 1)
)

// isTTY reports whether w is a terminal. Buffers and pipes get plain text.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// StatusBox renders a titled box of key-value fields.
func StatusBox(w io.Writer, title string, fields [][2]string) string {
	if !isTTY(w) {
		return statusBoxPlain(title, fields)
	}
	var sb strings.Builder
	sb.WriteString(StyleHeader.Render(title))
	for _, f := range fields {
		sb.WriteString("\n" + StyleLabel.Render(f[0]) + StyleValue.Render(f[1]))
	}
	return StyleBox.Render(sb.String()) + "\n"
}

func statusBoxPlain(title string, fields [][2]string) string {
	var sb strings.Builder
	sb.WriteString(title + "\n")
	sb.WriteString(strings.Repeat("=", len(title)) + "\n")
	for _, f := range fields {
		fmt.Fprintf(&sb, "%-14s %s\n", f[0]+":", f[1])
	}
	return sb.String()
}

// RenderTable renders rows under headers.
func RenderTable(w io.Writer, headers []string, rows [][]string) string {
	if !isTTY(w) {
		return renderTablePlain(headers, rows)
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorDim)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return StyleTableHeader
			case row%2 == 0:
				return StyleTableRow
			default:
				return StyleTableRowAlt
			}
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String() + "\n"
}

func renderTablePlain(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], len(cell))
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string) {
		parts := make([]string, 0, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts = append(parts, fmt.Sprintf("%-*s", widths[i], cell))
		}
		sb.WriteString(strings.TrimRight(strings.Join(parts, "  "), " ") + "\n")
	}
	writeRow(headers)
	seps := make([]string, len(widths))
	for i, w := range widths {
		seps[i] = strings.Repeat("-", w)
	}
	writeRow(seps)
	for _, row := range rows {
		writeRow(row)
	}
	return sb.String()
}

// Success prints a success line.
func Success(w io.Writer, msg string) {
	if isTTY(w) {
		fmt.Fprintln(w, StyleSuccess.Render("✓ "+msg))
		return
	}
	fmt.Fprintln(w, "[OK] "+msg)
}

// Warning prints a warning line.
func Warning(w io.Writer, msg string) {
	if isTTY(w) {
		fmt.Fprintln(w, StyleWarning.Render("! "+msg))
		return
	}
	fmt.Fprintln(w, "[WARN] "+msg)
}

// WithSpinner runs fn behind a spinner on terminals.
func WithSpinner(w io.Writer, msg string, fn func() error) error {
	if !isTTY(w) {
		return fn()
	}
	var fnErr error
	err := spinner.New().
		Title(msg).
		Action(func() {
			fnErr = fn()
		}).
		Run()
	if err != nil {
		return err
	}
	return fnErr
}

// FormatAddress shortens a hex address for tables.
func FormatAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:8] + "…" + addr[len(addr)-4:]
}
