package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Styles holds the TUI styling definitions
type Styles struct {
	App lipgloss.Style

	// Chat
	UserBubble      lipgloss.Style
	AssistantBubble lipgloss.Style
	UserLabel       lipgloss.Style
	AssistantLabel  lipgloss.Style
	NoticeLine      lipgloss.Style
	Divider         lipgloss.Style

	// Tool activity
	ToolRunning  lipgloss.Style
	ToolWaiting  lipgloss.Style
	ToolComplete lipgloss.Style
	ToolError    lipgloss.Style

	// Status bar
	StatusBar          lipgloss.Style
	StatusConnected    lipgloss.Style
	StatusDisconnected lipgloss.Style
	StatusReconnecting lipgloss.Style

	// Input area and the approval prompt that replaces it
	InputStyle     lipgloss.Style
	ApprovalPrompt lipgloss.Style

	// Thinking indicator (KITT scanner)
	ThinkingBar   lipgloss.Style
	ThinkingTrack lipgloss.Style

	// General
	Muted       lipgloss.Style
	Bold        lipgloss.Style
	Accent      lipgloss.Style
	WhiteCursor lipgloss.Style
}

// DefaultStyles creates the default style set using the default renderer.
func DefaultStyles() Styles {
	return NewStyles(lipgloss.DefaultRenderer())
}

// NewStyles creates the style set using the given renderer.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		App: r.NewStyle(),

		// Chat
		UserBubble: r.NewStyle().
			Foreground(lipgloss.Color("75")).
			Padding(0, 1).
			MarginLeft(4),
		AssistantBubble: r.NewStyle().
			Foreground(lipgloss.Color("252")).
			Padding(0, 1).
			MarginRight(4),
		UserLabel: r.NewStyle().
			Foreground(lipgloss.Color("75")).
			Bold(true),
		AssistantLabel: r.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true),
		NoticeLine: r.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true).
			Padding(0, 1),
		Divider: r.NewStyle().
			Foreground(lipgloss.Color("238")),

		// Tool activity
		ToolRunning: r.NewStyle().
			Foreground(lipgloss.Color("81")),
		ToolWaiting: r.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true),
		ToolComplete: r.NewStyle().
			Foreground(lipgloss.Color("76")),
		ToolError: r.NewStyle().
			Foreground(lipgloss.Color("196")),

		// Status bar
		StatusBar: r.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
		StatusConnected: r.NewStyle().
			Foreground(lipgloss.Color("76")).
			Bold(true),
		StatusDisconnected: r.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
		StatusReconnecting: r.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true),

		// Input
		InputStyle: r.NewStyle().
			BorderTop(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("238")),
		ApprovalPrompt: r.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true).
			Padding(1, 1),

		// Thinking indicator (KITT scanner)
		ThinkingBar: r.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true),
		ThinkingTrack: r.NewStyle().
			Foreground(lipgloss.Color("238")),

		// General
		Muted: r.NewStyle().
			Foreground(lipgloss.Color("245")),
		Bold: r.NewStyle().
			Bold(true),
		Accent: r.NewStyle().
			Foreground(lipgloss.Color("213")),
		WhiteCursor: r.NewStyle().
			Foreground(lipgloss.Color("15")),
	}
}
