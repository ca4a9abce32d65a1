package tui

import (
	"context"
	"fmt"
	"io"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"reelay/pkg/taskstream"
)

// Run starts the terminal client and blocks until the user leaves.
func Run(opts Options) error {
	wsURL, err := opts.wsEndpoint()
	if err != nil {
		return err
	}
	base, err := opts.httpBase()
	if err != nil {
		return err
	}

	// The alt screen owns the terminal; retries surface through the status
	// bar instead of log lines.
	quiet := log.New(io.Discard, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := func() (TaskStream, error) {
		return taskstream.Dial(ctx, wsURL,
			taskstream.WithToken(opts.Token),
			taskstream.WithLogger(quiet),
		)
	}

	model := NewModel(ModelConfig{
		API:           NewAPIClient(base, opts.Token),
		Dial:          dial,
		Endpoint:      wsURL,
		AssistantName: opts.assistantName(),
	})

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("terminal client error: %w", err)
	}

	if m, ok := finalModel.(Model); ok && m.stream != nil {
		m.stream.Close()
	}
	return nil
}
