package tui

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"reelay/pkg/conversation"
	"reelay/pkg/protocol"
	"reelay/pkg/taskstream"
)

const statusTickEvery = 500 * time.Millisecond

// ModelConfig holds the collaborators for creating a TUI model
type ModelConfig struct {
	API           HistoryClient
	Dial          func() (TaskStream, error)
	Endpoint      string // for the status bar
	AssistantName string
	// Renderer is the Lip Gloss renderer to use for styling. If nil, the
	// default renderer (local terminal) is used.
	Renderer *lipgloss.Renderer
}

// approvalRequest is the tool invocation currently blocked on a y/n decision.
type approvalRequest struct {
	ToolID   string
	ToolName string
}

// Model is the root BubbleTea model
type Model struct {
	config ModelConfig
	styles Styles

	chat      ChatView
	statusBar StatusBarModel
	input     textarea.Model

	reducer *conversation.Reducer
	state   conversation.State

	api    HistoryClient
	dial   func() (TaskStream, error)
	stream TaskStream

	approval *approvalRequest

	width, height int
	quitting      bool
	thinking      bool
	totalTokens   int
}

// NewModel creates the root TUI model
func NewModel(config ModelConfig) Model {
	r := config.Renderer
	if r == nil {
		r = lipgloss.DefaultRenderer()
	}
	styles := NewStyles(r)

	ti := textarea.New()
	ti.Placeholder = "Describe the next cut... (Enter to send, Alt+Enter for new line)"
	ti.ShowLineNumbers = false
	ti.SetHeight(3)
	ti.SetWidth(80)
	ti.Focus()
	ti.CharLimit = 4000
	ti.Cursor.SetChar("█")
	ti.Cursor.Style = styles.WhiteCursor
	ti.Cursor.Blink = false

	statusBar := NewStatusBarModel(styles)
	statusBar.Endpoint = config.Endpoint

	return Model{
		config:    config,
		styles:    styles,
		chat:      NewChatView(styles, config.AssistantName),
		statusBar: statusBar,
		input:     ti,
		reducer:   conversation.New(),
		api:       config.API,
		dial:      config.Dial,
	}
}

// Init connects the stream and loads the persisted history.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.connectCmd(), m.fetchHistoryCmd(), statusTick())
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()

	case tea.KeyMsg:
		cmd, handled := m.handleKeyMsg(msg)
		if m.quitting {
			return m, tea.Quit
		}
		if handled {
			return m, cmd
		}
		if cmd != nil {
			cmds = append(cmds, cmd)
		}

	case streamReadyMsg:
		if msg.err != nil {
			m.chat.AddNotice("connect failed: " + msg.err.Error())
			break
		}
		if m.stream != nil {
			// An interactive send dialed first; retire the latecomer.
			stale := msg.stream
			cmds = append(cmds, func() tea.Msg { stale.Close(); return nil })
			break
		}
		m.stream = msg.stream
		m.statusBar.Stream = msg.stream.Status()
		cmds = append(cmds, waitForEvent(msg.stream))

	case streamEventMsg:
		if msg.stream != m.stream {
			break // frame from a replaced connection
		}
		cmds = append(cmds, m.handleEvent(msg.event)...)
		cmds = append(cmds, waitForEvent(msg.stream))

	case streamClosedMsg:
		if msg.stream != m.stream {
			break // a fresh connection already took over
		}
		m.stream = nil
		m.statusBar.Stream = msg.status
		m.approval = nil
		m.statusBar.AwaitingApproval = ""
		if m.state.Running {
			// The link died without a terminal event and retries ran out.
			m.state = m.state.WithRunning(false)
			m.chat.SetState(m.state)
			m.statusBar.Running = false
		}
		if msg.status.Matches("closed.error") && msg.err != nil {
			m.chat.AddNotice("connection lost: " + msg.err.Error())
		}

	case historyMsg:
		if msg.err != nil {
			m.state = m.state.WithLoadingHistory(false)
			m.chat.SetState(m.state)
			m.chat.AddNotice("history load failed: " + msg.err.Error())
			break
		}
		m.state = m.state.WithHistory(msg.messages)
		m.chat.SetState(m.state)

	case historyClearedMsg:
		if msg.err != nil {
			m.chat.AddNotice("clear failed: " + msg.err.Error())
			break
		}
		m.chat.ClearTools()
		m.chat.ClearNotices()
		m.state = m.state.WithLoadingHistory(true)
		m.chat.SetState(m.state)
		cmds = append(cmds, m.fetchHistoryCmd())

	case statusTickMsg:
		if m.stream != nil {
			m.statusBar.Stream = m.stream.Status()
		}
		cmds = append(cmds, statusTick())

	case thinkingTickMsg:
		if m.state.Running && m.state.OpenFragment() == nil {
			m.chat.ThinkingTick()
			cmds = append(cmds, thinkingTick())
		} else {
			m.thinking = false
		}
	}

	var tiCmd tea.Cmd
	m.input, tiCmd = m.input.Update(msg)
	if tiCmd != nil {
		cmds = append(cmds, tiCmd)
	}

	return m, tea.Batch(cmds...)
}

// handleEvent routes one envelope: side-band kinds update the tool trace and
// the approval prompt, then the reducer folds the event into chat state.
func (m *Model) handleEvent(ev protocol.Event) []tea.Cmd {
	var cmds []tea.Cmd

	switch e := ev.(type) {
	case *protocol.ToolUseEvent:
		m.chat.UpsertTool(e.ToolID, e.ToolName, "running", "")
	case *protocol.ToolUsePendingApprovalEvent:
		m.approval = &approvalRequest{ToolID: e.ToolID, ToolName: e.ToolName}
		m.statusBar.AwaitingApproval = e.ToolName
		m.chat.UpsertTool(e.ToolID, e.ToolName, "needs approval", truncateInput(e.Input, 60))
	case *protocol.ToolUseApprovedEvent:
		m.clearApproval(e.ToolID)
		m.chat.UpsertTool(e.ToolID, "", "approved", "")
	case *protocol.ToolUseRejectedEvent:
		m.clearApproval(e.ToolID)
		m.chat.UpsertTool(e.ToolID, "", "rejected", "")
	case *protocol.ToolUseResultEvent:
		m.chat.UpsertTool(e.ToolID, "", "done", truncateInput(e.Result, 60))
	case *protocol.ToolUseErrorEvent:
		m.chat.UpsertTool(e.ToolID, "", "error", e.Error)
	case *protocol.ToolUseCancelledEvent:
		m.clearApproval(e.ToolID)
		m.chat.UpsertTool(e.ToolID, "", "cancelled", "")
	case *protocol.UsageEvent:
		m.totalTokens += e.TotalTokens
		m.statusBar.TotalTokens = m.totalTokens
	case *protocol.CancelledEvent:
		m.chat.AddNotice("task cancelled (" + e.Reason + ")")
	}

	st, sig := m.reducer.Apply(m.state, ev)
	m.state = st
	m.statusBar.Running = st.Running
	m.chat.SetState(st)

	if sig.HistoryChanged {
		m.state = m.state.WithLoadingHistory(true)
		m.chat.SetState(m.state)
		cmds = append(cmds, m.fetchHistoryCmd())
	}
	if sig.Err != nil {
		m.chat.AddNotice(sig.Err.Error())
	}
	if cmd := m.maybeThink(); cmd != nil {
		cmds = append(cmds, cmd)
	}
	return cmds
}

// clearApproval drops the prompt when the named invocation resolves.
func (m *Model) clearApproval(toolID string) {
	if m.approval != nil && m.approval.ToolID == toolID {
		m.approval = nil
		m.statusBar.AwaitingApproval = ""
	}
}

// handleKeyMsg processes keyboard input.
// Returns (cmd, handled) where handled=true prevents the textarea from also
// processing the key.
func (m *Model) handleKeyMsg(msg tea.KeyMsg) (tea.Cmd, bool) {
	key := msg.String()

	switch key {
	case "ctrl+c":
		m.quit()
		return tea.Quit, true

	case "pgup":
		m.chat.Viewport.HalfViewUp()
		return nil, true

	case "pgdown":
		m.chat.Viewport.HalfViewDown()
		return nil, true
	}

	// A pending approval turns the input area into a y/n prompt.
	if m.approval != nil {
		switch key {
		case "y", "Y":
			m.resolveApproval(true)
		case "n", "N":
			m.resolveApproval(false)
		}
		return nil, true
	}

	switch key {
	case "alt+enter":
		m.input.InsertString("\n")
		return nil, true

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return nil, true
		}
		m.input.Reset()
		if strings.HasPrefix(text, "/") {
			return m.slashCommand(text), true
		}
		return m.startTask(text), true
	}

	return nil, false
}

// resolveApproval answers the pending prompt. The prompt clears immediately;
// the server confirms with an approved or rejected event.
func (m *Model) resolveApproval(approved bool) {
	req := m.approval
	m.approval = nil
	m.statusBar.AwaitingApproval = ""
	if m.stream == nil {
		m.chat.AddNotice("not connected; the approval was dropped")
		return
	}
	if err := m.stream.Approve(approved); err != nil {
		m.chat.AddNotice("approval failed: " + err.Error())
		return
	}
	if !approved && req != nil {
		m.chat.AddNotice("rejected " + req.ToolName)
	}
}

// slashCommand handles the local command set.
func (m *Model) slashCommand(text string) tea.Cmd {
	switch text {
	case "/cancel":
		if m.stream == nil {
			m.chat.AddNotice("no task is running")
			return nil
		}
		if err := m.stream.Cancel(); err != nil {
			if errors.Is(err, taskstream.ErrNoActiveTask) {
				m.chat.AddNotice("no task is running")
			} else {
				m.chat.AddNotice("cancel failed: " + err.Error())
			}
			return nil
		}
		// Optimistic: the server confirms with a cancelled event.
		m.state = m.state.WithRunning(false)
		m.chat.SetState(m.state)
		m.statusBar.Running = false
		return nil

	case "/clear":
		return m.clearHistoryCmd()

	case "/quit", "/exit":
		m.quit()
		return tea.Quit

	case "/help", "/commands":
		m.chat.AddNotice(strings.Join([]string{
			"Commands:",
			"  /cancel        stop the running task",
			"  /clear         wipe the conversation history",
			"  /quit, /exit   leave",
			"Keys: y/n answer approval prompts, PgUp/PgDn scroll, Alt+Enter newline, Ctrl+C quit",
		}, "\n"))
		return nil

	default:
		m.chat.AddNotice("unknown command " + text + " (try /help)")
		return nil
	}
}

// startTask sends the prompt, dialing a fresh connection when the previous
// one finished with its task.
func (m *Model) startTask(text string) tea.Cmd {
	var cmds []tea.Cmd

	if m.stream == nil {
		cmd, err := m.openStream()
		if err != nil {
			m.chat.AddNotice("connect failed: " + err.Error())
			return nil
		}
		cmds = append(cmds, cmd)
	}

	err := m.stream.Start(text, nil)
	if errors.Is(err, taskstream.ErrNotConnected) {
		// Stale handle from a task that already closed out.
		cmd, derr := m.openStream()
		if derr != nil {
			m.chat.AddNotice("connect failed: " + derr.Error())
			return nil
		}
		cmds = append(cmds, cmd)
		err = m.stream.Start(text, nil)
	}
	switch {
	case errors.Is(err, taskstream.ErrTaskRunning):
		m.chat.AddNotice("a task is already running; /cancel it first")
		return tea.Batch(cmds...)
	case err != nil:
		m.chat.AddNotice("send failed: " + err.Error())
		return tea.Batch(cmds...)
	}

	m.chat.ClearTools()
	m.chat.ClearNotices()
	m.state = m.state.WithRunning(true)
	m.chat.SetState(m.state)
	m.statusBar.Running = true
	if cmd := m.maybeThink(); cmd != nil {
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

// openStream dials a new connection and installs it on the model.
func (m *Model) openStream() (tea.Cmd, error) {
	s, err := m.dial()
	if err != nil {
		return nil, err
	}
	m.stream = s
	m.statusBar.Stream = s.Status()
	return waitForEvent(s), nil
}

// maybeThink starts the scanner animation when the task runs with nothing
// streamed yet. At most one tick chain is live at a time.
func (m *Model) maybeThink() tea.Cmd {
	if m.state.Running && m.state.OpenFragment() == nil && !m.thinking {
		m.thinking = true
		return thinkingTick()
	}
	return nil
}

func (m *Model) quit() {
	m.quitting = true
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
}

// updateLayout recalculates sub-model dimensions
func (m *Model) updateLayout() {
	statusBarHeight := 1
	inputHeight := 4 // textarea + border

	chatHeight := m.height - statusBarHeight - inputHeight
	if chatHeight < 5 {
		chatHeight = 5
	}

	m.statusBar.Width = m.width
	m.input.SetWidth(m.width - 2)
	m.chat.SetSize(m.width, chatHeight)
}

// View renders the entire TUI
func (m Model) View() string {
	if m.quitting {
		return "That's a wrap.\n"
	}

	var sections []string
	sections = append(sections, m.chat.View())

	if m.approval != nil {
		prompt := m.styles.ApprovalPrompt.Render(
			"Run " + m.approval.ToolName + "? press y to approve, n to reject")
		sections = append(sections, m.styles.InputStyle.Width(m.width).Render(prompt))
	} else {
		sections = append(sections, m.styles.InputStyle.Width(m.width).Render(m.input.View()))
	}

	sections = append(sections, m.statusBar.View())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// connectCmd dials the initial connection off the update loop.
func (m Model) connectCmd() tea.Cmd {
	dial := m.dial
	return func() tea.Msg {
		s, err := dial()
		return streamReadyMsg{stream: s, err: err}
	}
}

// fetchHistoryCmd loads the authoritative message list over REST.
func (m Model) fetchHistoryCmd() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		msgs, err := api.History(context.Background())
		return historyMsg{messages: msgs, err: err}
	}
}

// clearHistoryCmd wipes the server-side history.
func (m Model) clearHistoryCmd() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		return historyClearedMsg{err: api.Clear(context.Background())}
	}
}

// waitForEvent blocks on the next envelope from the stream.
func waitForEvent(s TaskStream) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-s.Events()
		if !ok {
			return streamClosedMsg{stream: s, status: s.Status(), err: s.Err()}
		}
		return streamEventMsg{stream: s, event: ev}
	}
}

func statusTick() tea.Cmd {
	return tea.Tick(statusTickEvery, func(time.Time) tea.Msg {
		return statusTickMsg{}
	})
}

func thinkingTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(time.Time) tea.Msg {
		return thinkingTickMsg{}
	})
}
