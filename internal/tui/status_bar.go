package tui

import (
	"fmt"
	"strings"

	"reelay/pkg/taskstream"
)

// StatusBarModel manages the bottom status bar
type StatusBarModel struct {
	Styles   Styles
	Width    int
	Endpoint string

	Stream           taskstream.Status
	Running          bool
	AwaitingApproval string // tool name blocking on a y/n decision
	TotalTokens      int
}

// NewStatusBarModel creates a new status bar
func NewStatusBarModel(styles Styles) StatusBarModel {
	return StatusBarModel{Styles: styles}
}

// View renders the status bar
func (s StatusBarModel) View() string {
	var parts []string

	switch {
	case s.Stream.Matches("open"):
		parts = append(parts, s.Styles.StatusConnected.Render("* connected"))
	case s.Stream.Matches("connecting.resume"):
		parts = append(parts, s.Styles.StatusReconnecting.Render(
			fmt.Sprintf("~ reconnecting (%d)", s.Stream.Attempt)))
	case s.Stream.Matches("connecting"):
		parts = append(parts, s.Styles.StatusReconnecting.Render("~ connecting"))
	case s.Stream.Matches("closed.error"):
		parts = append(parts, s.Styles.StatusDisconnected.Render("x disconnected"))
	default:
		// closed.complete, closed.client, or no connection yet. The next
		// message dials a fresh one, so this is just the resting state.
		parts = append(parts, s.Styles.Muted.Render("- idle"))
	}

	if s.Endpoint != "" {
		url := s.Endpoint
		url = strings.TrimPrefix(url, "ws://")
		url = strings.TrimPrefix(url, "wss://")
		if len(url) > 25 {
			url = url[:22] + "..."
		}
		parts = append(parts, s.Styles.Muted.Render(url))
	}

	if s.AwaitingApproval != "" {
		parts = append(parts, s.Styles.StatusReconnecting.Render("approve "+s.AwaitingApproval+"? y/n"))
	} else if s.Running {
		parts = append(parts, s.Styles.Accent.Render("task running"))
	}

	if s.TotalTokens > 0 {
		parts = append(parts, s.Styles.Muted.Render(fmt.Sprintf("%d tok", s.TotalTokens)))
	}

	content := strings.Join(parts, "  |  ")
	return s.Styles.StatusBar.Width(s.Width).Render(content)
}
