// Package output provides consistent CLI output formatting with colors and progress indicators.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette.
const (
	ColorLime     = "154"
	ColorLimeDim  = "106"
	ColorGray     = "245"
	ColorDarkGray = "238"
	ColorRed      = "196"
	ColorYellow   = "220"
)

// Styles holds the styles used for terminal output.
type Styles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Path    lipgloss.Style
	Score   lipgloss.Style
	Dim     lipgloss.Style
	Bar     lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorLime)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Path:    lipgloss.NewStyle().Bold(true),
		Score:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLimeDim)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Bar:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
	}
}

// NoColorStyles returns unstyled components for plain mode.
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header:  plain,
		Success: plain,
		Warning: plain,
		Error:   plain,
		Path:    plain,
		Score:   plain,
		Dim:     plain,
		Bar:     plain,
	}
}

// IsTerminal reports whether w is a terminal that accepts colors.
// NO_COLOR disables colors regardless of the terminal.
func IsTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Writer provides formatted output for CLI.
type Writer struct {
	out      io.Writer
	useColor bool
	styles   Styles
}

// New creates a Writer, colored when out is a terminal.
func New(out io.Writer) *Writer {
	return NewWithColor(out, IsTerminal(out))
}

// NewWithColor creates a Writer with colors forced on or off.
func NewWithColor(out io.Writer, color bool) *Writer {
	styles := NoColorStyles()
	if color {
		styles = DefaultStyles()
	}
	return &Writer{out: out, useColor: color, styles: styles}
}

// Styles returns the styles of the writer.
func (w *Writer) Styles() Styles {
	return w.styles
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status(w.styles.Success.Render("✓"), msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.styles.Warning.Render("!"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status(w.styles.Error.Render("✗"), msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Header prints a bold heading line.
func (w *Writer) Header(msg string) {
	_, _ = fmt.Fprintln(w.out, w.styles.Header.Render(msg))
}

// KeyValue prints an aligned "key: value" line.
func (w *Writer) KeyValue(key string, value any) {
	_, _ = fmt.Fprintf(w.out, "  %s %v\n", w.styles.Dim.Render(fmt.Sprintf("%-14s", key+":")), value)
}

// Result prints one ranked search hit followed by an indented excerpt.
func (w *Writer) Result(rank int, path, title string, score float64, excerpt string) {
	line := fmt.Sprintf("%2d. %s  %s", rank, w.styles.Path.Render(path), w.styles.Score.Render(fmt.Sprintf("%.4f", score)))
	if title != "" && title != path {
		line += "  " + w.styles.Dim.Render(title)
	}
	_, _ = fmt.Fprintln(w.out, line)
	if excerpt == "" {
		return
	}
	for _, l := range strings.Split(excerpt, "\n") {
		_, _ = fmt.Fprintf(w.out, "      %s\n", l)
	}
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Progress prints a progress bar with message. On a terminal the line is
// redrawn in place; otherwise only completion is printed.
func (w *Writer) Progress(current, total int, msg string) {
	if total <= 0 {
		return
	}
	if !w.useColor && current < total {
		return
	}

	pct := float64(current) / float64(total) * 100
	bar := w.styles.Bar.Render(renderProgressBar(current, total, 30))

	_, _ = fmt.Fprintf(w.out, "\r[%s] %3.0f%% %s", bar, pct, truncate(msg, 48))
	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s + strings.Repeat(" ", n-len(r))
	}
	return "..." + string(r[len(r)-n+3:])
}

// renderProgressBar creates a text progress bar.
func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}

	filled := int(float64(current) / float64(total) * float64(width))
	filled = max(0, min(filled, width))

	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
