package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"

	"reelay/pkg/conversation"
	"reelay/pkg/protocol"
)

const maxToolLines = 10
const maxNotices = 4

// toolActivity is one line of the live task trace: a tool invocation and
// where it currently stands.
type toolActivity struct {
	ID     string
	Name   string
	Status string // running, needs approval, approved, rejected, done, error, cancelled
	Detail string
}

// ChatView renders the reduced conversation state into a scrollable viewport:
// finalized messages, the in-flight fragment, the tool trace of the current
// task, and a short tail of transient notices.
type ChatView struct {
	Viewport      viewport.Model
	Styles        Styles
	AssistantName string
	Width         int
	Height        int

	state         conversation.State
	tools         []toolActivity
	notices       []string
	thinkingFrame int
}

// NewChatView creates a chat view.
func NewChatView(styles Styles, assistantName string) ChatView {
	vp := viewport.New(80, 20)
	vp.SetContent("")
	name := assistantName
	if name == "" {
		name = "Studio"
	}
	return ChatView{
		Viewport:      vp,
		Styles:        styles,
		AssistantName: name,
	}
}

// SetSize updates the viewport dimensions
func (c *ChatView) SetSize(width, height int) {
	c.Width = width
	c.Height = height
	c.Viewport.Width = width
	c.Viewport.Height = height
	c.refreshContent()
}

// SetState swaps in the latest reduced conversation and re-renders.
func (c *ChatView) SetState(s conversation.State) {
	c.state = s
	c.refreshContent()
	c.Viewport.GotoBottom()
}

// UpsertTool records or advances one invocation in the task trace. An empty
// name keeps whatever an earlier status line already knew.
func (c *ChatView) UpsertTool(id, name, status, detail string) {
	for i := range c.tools {
		if c.tools[i].ID == id {
			if name != "" {
				c.tools[i].Name = name
			}
			c.tools[i].Status = status
			if detail != "" {
				c.tools[i].Detail = detail
			}
			c.refreshContent()
			c.Viewport.GotoBottom()
			return
		}
	}
	c.tools = append(c.tools, toolActivity{ID: id, Name: name, Status: status, Detail: detail})
	if len(c.tools) > maxToolLines {
		c.tools = c.tools[len(c.tools)-maxToolLines:]
	}
	c.refreshContent()
	c.Viewport.GotoBottom()
}

// ClearTools drops the trace of the previous task.
func (c *ChatView) ClearTools() {
	c.tools = nil
	c.refreshContent()
}

// AddNotice appends a transient system line.
func (c *ChatView) AddNotice(text string) {
	c.notices = append(c.notices, text)
	if len(c.notices) > maxNotices {
		c.notices = c.notices[len(c.notices)-maxNotices:]
	}
	c.refreshContent()
	c.Viewport.GotoBottom()
}

// ClearNotices drops the transient lines.
func (c *ChatView) ClearNotices() {
	c.notices = nil
	c.refreshContent()
}

// Notices returns the current transient lines, most recent last.
func (c *ChatView) Notices() []string {
	return c.notices
}

// ThinkingTick advances the KITT scanner animation by one frame and refreshes.
func (c *ChatView) ThinkingTick() {
	c.thinkingFrame++
	c.refreshContent()
	c.Viewport.GotoBottom()
}

// renderKITTBar renders a KITT-style bouncing scanner bar while the task runs
// with nothing streamed yet.
func (c *ChatView) renderKITTBar() string {
	const trackWidth = 16
	const barWidth = 3

	maxPos := trackWidth - barWidth
	cycle := 2 * maxPos
	pos := c.thinkingFrame % cycle
	if pos > maxPos {
		pos = cycle - pos // bounce back
	}

	label := fmt.Sprintf("  %s is working  ", c.AssistantName)
	styledLabel := c.Styles.Muted.Render(label)

	var styled strings.Builder
	styled.WriteString(c.Styles.ThinkingTrack.Render("["))
	for i := 0; i < trackWidth; i++ {
		if i >= pos && i < pos+barWidth {
			styled.WriteString(c.Styles.ThinkingBar.Render("="))
		} else {
			styled.WriteString(c.Styles.ThinkingTrack.Render(" "))
		}
	}
	styled.WriteString(c.Styles.ThinkingTrack.Render("]"))

	return styledLabel + styled.String()
}

// refreshContent rebuilds the viewport content from the reduced state
func (c *ChatView) refreshContent() {
	var sb strings.Builder
	maxWidth := c.Width - 6 // padding
	if maxWidth < 20 {
		maxWidth = 20
	}

	for i, msg := range c.state.Messages {
		if i > 0 {
			sb.WriteString(c.Styles.Divider.Render(strings.Repeat("─", maxWidth)))
			sb.WriteString("\n")
		}
		sb.WriteString(c.renderMessage(msg, maxWidth))
		sb.WriteString("\n")
	}

	for _, tool := range c.tools {
		sb.WriteString(c.renderToolLine(tool))
		sb.WriteString("\n")
	}

	if f := c.state.OpenFragment(); f != nil {
		sb.WriteString(c.renderFragment(*f, maxWidth))
		sb.WriteString("\n")
	} else if c.state.Running {
		sb.WriteString(c.renderKITTBar() + "\n")
	}

	if c.state.LoadingHistory {
		sb.WriteString(c.Styles.Muted.Render("  loading history...") + "\n")
	}

	for _, n := range c.notices {
		sb.WriteString(c.Styles.NoticeLine.Render(n))
		sb.WriteString("\n")
	}

	c.Viewport.SetContent(sb.String())
}

// renderMessage renders a single finalized turn
func (c *ChatView) renderMessage(msg protocol.Message, maxWidth int) string {
	var sb strings.Builder

	label := c.Styles.AssistantLabel.Render(c.AssistantName)
	bubble := c.Styles.AssistantBubble
	if msg.Role == protocol.RoleUser {
		label = c.Styles.UserLabel.Render("You")
		bubble = c.Styles.UserBubble
	}
	ts := c.Styles.Muted.Render(formatTimestamp(msg.CreatedAt))
	sb.WriteString(fmt.Sprintf("%s %s\n", label, ts))

	var text strings.Builder
	for _, b := range msg.Blocks {
		switch b.Type {
		case protocol.BlockText:
			text.WriteString(b.Text)
		case protocol.BlockThinking:
			// Internal reasoning stays collapsed to a marker.
			text.WriteString("(thinking)")
		case protocol.BlockFile:
			text.WriteString("[attached: " + b.Path + "]")
		case protocol.BlockImage:
			text.WriteString("[image]")
		case protocol.BlockToolUse:
			sb.WriteString(c.Styles.ToolComplete.Render("  > used "+b.ToolName) + "\n")
		case protocol.BlockToolResult:
			// Results render through the tool trace, not the transcript.
		}
	}
	if t := text.String(); t != "" {
		sb.WriteString(bubble.Render(wrapText(t, maxWidth)))
	}

	return sb.String()
}

// renderFragment renders content still arriving from the server.
func (c *ChatView) renderFragment(f conversation.Fragment, maxWidth int) string {
	switch f.Kind {
	case conversation.FragmentToolUse:
		line := fmt.Sprintf("  > [%s] preparing", f.ToolName)
		if f.ToolInput != "" {
			line += " " + truncateInput(f.ToolInput, 60)
		}
		return c.Styles.ToolRunning.Render(line)
	default:
		label := c.Styles.AssistantLabel.Render(c.AssistantName)
		wrapped := wrapText(f.Text, maxWidth)
		return label + "\n" + c.Styles.AssistantBubble.Render(wrapped) + " _"
	}
}

// renderToolLine renders one entry of the task trace
func (c *ChatView) renderToolLine(tool toolActivity) string {
	switch tool.Status {
	case "running":
		return c.Styles.ToolRunning.Render(fmt.Sprintf("  > [%s] running...", tool.Name))
	case "needs approval":
		line := fmt.Sprintf("  ? [%s] waiting for approval", tool.Name)
		if tool.Detail != "" {
			line += " " + tool.Detail
		}
		return c.Styles.ToolWaiting.Render(line)
	case "approved":
		return c.Styles.ToolRunning.Render(fmt.Sprintf("  > [%s] approved, running...", tool.Name))
	case "rejected":
		return c.Styles.ToolError.Render(fmt.Sprintf("  x [%s] rejected", tool.Name))
	case "done":
		line := fmt.Sprintf("  + [%s] done", tool.Name)
		if tool.Detail != "" {
			line += ": " + tool.Detail
		}
		return c.Styles.ToolComplete.Render(line)
	case "error":
		return c.Styles.ToolError.Render(fmt.Sprintf("  x [%s] error: %s", tool.Name, tool.Detail))
	case "cancelled":
		return c.Styles.ToolError.Render(fmt.Sprintf("  x [%s] cancelled", tool.Name))
	default:
		return c.Styles.Muted.Render(fmt.Sprintf("  ? [%s] %s", tool.Name, tool.Status))
	}
}

// View renders the chat viewport
func (c ChatView) View() string {
	return c.Viewport.View()
}

// formatTimestamp renders a message time, local clock
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("15:04")
}

// truncateInput shortens a streamed input document for the one-line preview.
func truncateInput(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// wrapText wraps text to fit within maxWidth
func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}

	var result strings.Builder
	lines := strings.Split(text, "\n")

	for i, line := range lines {
		if i > 0 {
			result.WriteString("\n")
		}

		if len(line) <= maxWidth {
			result.WriteString(line)
			continue
		}

		words := strings.Fields(line)
		currentLine := ""
		for _, word := range words {
			if currentLine == "" {
				currentLine = word
			} else if len(currentLine)+1+len(word) <= maxWidth {
				currentLine += " " + word
			} else {
				result.WriteString(currentLine + "\n")
				currentLine = word
			}
		}
		if currentLine != "" {
			result.WriteString(currentLine)
		}
	}

	return result.String()
}
