package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/opencode-ai/sequencer/internal/models"
	"golang.org/x/term"
)

// ANSI palette indexes.
const (
	colorRed     = "1"
	colorGreen   = "2"
	colorYellow  = "3"
	colorBlue    = "4"
	colorMagenta = "5"
	colorCyan    = "6"
	colorMuted   = "8"
)

// colorEnabled is swapped in tests.
var colorEnabled = func() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

var headerStyle = lipgloss.NewStyle().Bold(true)

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func colorize(text, color string) string {
	if !colorEnabled() || color == "" {
		return text
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(text)
}

func header(text string) string {
	if !colorEnabled() {
		return text
	}
	return headerStyle.Render(text)
}

func formatRunStatus(status models.RunStatus) string {
	label, color := statusLabelForRun(status)
	return colorize(formatStatusLabel(label, string(status)), color)
}

func statusLabelForRun(status models.RunStatus) (string, string) {
	switch status {
	case models.RunStatusCompleted:
		return "OK", colorGreen
	case models.RunStatusRunning:
		return "BUSY", colorCyan
	case models.RunStatusAbandoned:
		return "WARN", colorYellow
	default:
		return "ERR", colorRed
	}
}

func formatEventType(eventType models.EventType) string {
	return colorize(string(eventType), colorForEvent(eventType))
}

func colorForEvent(eventType models.EventType) string {
	switch eventType {
	case models.EventTypeSequenceStarted:
		return colorCyan
	case models.EventTypeSequenceCompleted:
		return colorGreen
	case models.EventTypeGroupDispatched, models.EventTypeGroupChainComplete:
		return colorMagenta
	case models.EventTypeMessagePublished:
		return colorBlue
	default:
		return colorMuted
	}
}

func formatStatusLabel(label, status string) string {
	normalized := strings.TrimSpace(status)
	if normalized != "" {
		normalized = strings.ReplaceAll(normalized, "_", " ")
	}
	if normalized == "" {
		return label
	}
	return fmt.Sprintf("%s %s", label, normalized)
}
