// Package output provides styled terminal output helpers (success, error,
// warning, item and location formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/marcus/shelf/internal/models"
)

var (
	// Styles
	titleStyle    = lipgloss.NewStyle().Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	quantityStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	syncStyles    = map[models.SyncStatus]lipgloss.Style{
		models.SyncPending:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.SyncSynced:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.SyncConflict: lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.SyncError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// OutputMode determines output format
type OutputMode int

const (
	ModeShort OutputMode = iota
	ModeLong
	ModeJSON
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeConflict     = "conflict"
	ErrCodeDatabase     = "database_error"
	ErrCodeSync         = "sync_error"
	ErrCodeNoSession    = "no_session"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	JSONErrorWithDetails(code, message, nil)
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]interface{}) {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	result := map[string]interface{}{
		"error": errObj,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// ShortID returns the first 8 characters of an id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Truncate shortens s to width terminal cells, keeping ANSI styling intact.
func Truncate(s string, width int) string {
	if width <= 0 || ansi.StringWidth(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "…")
}

// FormatSyncStatus formats a sync status with color
func FormatSyncStatus(s models.SyncStatus) string {
	style, ok := syncStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatQuantity returns "xN" for N > 1, empty otherwise.
func FormatQuantity(q int) string {
	if q <= 1 {
		return ""
	}
	return quantityStyle.Render(fmt.Sprintf("x%d", q))
}

// FormatItemShort formats an item on one line, cut to width cells.
func FormatItemShort(it models.ItemState, locName string, width int) string {
	parts := []string{subtleStyle.Render(ShortID(it.ID)), titleStyle.Render(it.Title)}
	if q := FormatQuantity(it.Quantity); q != "" {
		parts = append(parts, q)
	}
	if it.Category != "" {
		parts = append(parts, subtleStyle.Render("#"+it.Category))
	}
	if locName != "" {
		parts = append(parts, subtleStyle.Render("@ "+locName))
	}
	return Truncate(strings.Join(parts, "  "), width)
}

// FormatItemLong formats every field of an item. path is the location
// chain from the root, possibly empty.
func FormatItemLong(it models.ItemState, path []models.LocationState) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(it.Title))
	if it.Deleted {
		sb.WriteString(" " + errorStyle.Render("[deleted]"))
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "ID: %s\n", it.ID)
	fmt.Fprintf(&sb, "Quantity: %d\n", it.Quantity)
	if it.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", it.Category)
	}
	if it.Barcode != "" {
		fmt.Fprintf(&sb, "Barcode: %s\n", it.Barcode)
	}
	if it.Price != nil {
		fmt.Fprintf(&sb, "Price: %.2f\n", *it.Price)
	}
	if len(path) > 0 {
		fmt.Fprintf(&sb, "Location: %s\n", LocationPath(path))
	}
	fmt.Fprintf(&sb, "Version: %d (last by %s, %s)\n", it.Version, it.LastDevice, FormatTimeAgo(it.UpdatedAt))
	if len(it.Extra) > 0 {
		sb.WriteString(SectionHeader("extra"))
		keys := make([]string, 0, len(it.Extra))
		for k := range it.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, len(keys))
		for i, k := range keys {
			lines[i] = fmt.Sprintf("%s: %v", k, it.Extra[k])
		}
		sb.WriteString(strings.Join(IndentLines(lines, 2), "\n") + "\n")
	}
	if it.Notes != "" {
		sb.WriteString(SectionHeader("notes"))
		rendered, err := RenderMarkdown(it.Notes)
		if err != nil {
			rendered = it.Notes
		}
		lines := strings.Split(strings.TrimRight(rendered, "\n"), "\n")
		sb.WriteString(strings.Join(IndentLines(lines, 2), "\n") + "\n")
	}
	return sb.String()
}

// LocationPath joins location names with " > ".
func LocationPath(path []models.LocationState) string {
	names := make([]string, len(path))
	for i, l := range path {
		names[i] = l.Name
	}
	return strings.Join(names, " > ")
}

// LocationTree renders locations as an indented tree. children maps a
// parent id ("" for roots) to its children in display order; counts holds
// live items per location.
func LocationTree(children map[string][]models.LocationState, counts map[string]int) []string {
	var lines []string
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, l := range children[parent] {
			line := strings.Repeat("  ", depth) + titleStyle.Render(l.Name) + " " + subtleStyle.Render(ShortID(l.ID))
			if n := counts[l.ID]; n > 0 {
				line += subtleStyle.Render(fmt.Sprintf(" (%d)", n))
			}
			lines = append(lines, line)
			walk(l.ID, depth+1)
		}
	}
	walk("", 0)
	return lines
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nNOTES:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}
