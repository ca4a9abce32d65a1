package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelay/pkg/protocol"
)

// recorder collects emitted events; safe for the approval-gate tests where
// the runner lives on its own goroutine.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) sink(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) kinds() []protocol.EventType {
	events := r.all()
	kinds := make([]protocol.EventType, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind()
	}
	return kinds
}

func newTestEmitter() (*Emitter, *recorder) {
	rec := &recorder{}
	return NewEmitter(rec.sink), rec
}

func TestStoryboardHappyPath(t *testing.T) {
	em, rec := newTestEmitter()
	em.SetAutoApprove(true)

	r := &StoryboardRunner{}
	res, err := r.Run(context.Background(), Task{Prompt: "teaser for the launch video"}, em)
	require.NoError(t, err)
	assert.Greater(t, res.InputTokens, 0)
	assert.Greater(t, res.OutputTokens, 0)

	assert.Equal(t, []protocol.EventType{
		protocol.EventText,
		protocol.EventText,
		protocol.EventToolUse,
		protocol.EventToolUseInput,
		protocol.EventToolUseInput,
		protocol.EventToolUsePendingApproval,
		protocol.EventToolUseApproved,
		protocol.EventToolUseResult,
		protocol.EventMessage,
	}, rec.kinds())

	// The chunked input must reassemble into valid JSON naming the prompt.
	var input string
	var toolID string
	for _, ev := range rec.all() {
		switch e := ev.(type) {
		case *protocol.ToolUseEvent:
			toolID = e.ToolID
			assert.Equal(t, "compose_preview", e.ToolName)
		case *protocol.ToolUseInputEvent:
			assert.Equal(t, toolID, e.ToolID)
			input += e.PartialInput
		}
	}
	var parsed previewInput
	require.NoError(t, json.Unmarshal([]byte(input), &parsed))
	assert.Equal(t, "teaser for the launch video", parsed.Source)

	// Stamping is the sink's job: events leave the emitter without IDs.
	for _, ev := range rec.all() {
		assert.Empty(t, ev.ID(), "emitter must not stamp %s", ev.Kind())
	}

	final, ok := rec.all()[len(rec.all())-1].(*protocol.MessageEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.RoleAssistant, final.Message.Role)
	assert.Equal(t, "", em.InFlightTool(), "finished tool must not linger in flight")
}

func TestStoryboardRejectionSkipsTheTool(t *testing.T) {
	em, rec := newTestEmitter()
	r := &StoryboardRunner{}

	var res Result
	var runErr error
	done := make(chan struct{})
	go func() {
		res, runErr = r.Run(context.Background(), Task{Prompt: "delete all scenes"}, em)
		close(done)
	}()

	require.Eventually(t, func() bool { return em.PendingToolID() != "" },
		2*time.Second, 5*time.Millisecond, "runner should reach the approval gate")
	require.True(t, em.Resolve(false))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish after rejection")
	}

	require.NoError(t, runErr)
	assert.Greater(t, res.OutputTokens, 0)

	kinds := rec.kinds()
	assert.Contains(t, kinds, protocol.EventToolUseRejected)
	assert.NotContains(t, kinds, protocol.EventToolUseResult, "a rejected tool must not execute")
	assert.Equal(t, protocol.EventMessage, kinds[len(kinds)-1], "run still finalizes a message")
}

func TestStoryboardCancelledAtApprovalGate(t *testing.T) {
	em, _ := newTestEmitter()
	r := &StoryboardRunner{}
	ctx, cancel := context.WithCancel(context.Background())

	var runErr error
	done := make(chan struct{})
	go func() {
		_, runErr = r.Run(ctx, Task{Prompt: "long think"}, em)
		close(done)
	}()

	require.Eventually(t, func() bool { return em.PendingToolID() != "" },
		2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not observe cancellation")
	}

	assert.ErrorIs(t, runErr, context.Canceled)
	assert.NotEmpty(t, em.InFlightTool(), "the abandoned tool stays in flight for the session to close out")
	assert.Empty(t, em.PendingToolID(), "the gate must clear on cancellation")
}

func TestResolveWithoutPendingGate(t *testing.T) {
	em, _ := newTestEmitter()
	assert.False(t, em.Resolve(true), "nothing pending means nothing to resolve")
}

func TestScenarioValidation(t *testing.T) {
	tests := []struct {
		name    string
		sc      Scenario
		wantErr bool
	}{
		{"no steps", Scenario{}, true},
		{"two actions in one step", Scenario{Steps: []Step{{Text: "hi", Delay: "1s"}}}, true},
		{"empty step", Scenario{Steps: []Step{{}}}, true},
		{"bad delay", Scenario{Steps: []Step{{Delay: "soon"}}}, true},
		{"tool without name", Scenario{Steps: []Step{{Tool: &ToolStep{}}}}, true},
		{"tool with result and error", Scenario{Steps: []Step{
			{Tool: &ToolStep{Name: "x", Result: "{}", Error: "boom"}},
		}}, true},
		{"message without text", Scenario{Steps: []Step{{Message: &MessageStep{}}}}, true},
		{"valid", Scenario{Steps: []Step{
			{Text: "hello"},
			{Delay: "5ms"},
			{Tool: &ToolStep{Name: "render"}},
			{Message: &MessageStep{Text: "done"}},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScriptRunnerPlaysScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	scenario := `name: render-smoke
usage:
  input_tokens: 11
  output_tokens: 42
steps:
  - text: "Loading the cut list. "
  - delay: 1ms
  - tool:
      name: render_frames
      input_chunks: ['{"range":', '"0-120"}']
      result: '{"frames":121}'
  - tool:
      name: publish_preview
      approval: true
  - message:
      text: Preview published to the review channel.
`
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "render-smoke", sc.Name)

	em, rec := newTestEmitter()
	em.SetAutoApprove(true)

	r := &ScriptRunner{Scenario: sc}
	assert.Equal(t, "script:render-smoke", r.Name())

	res, err := r.Run(context.Background(), Task{Prompt: "whatever"}, em)
	require.NoError(t, err)
	assert.Equal(t, 11, res.InputTokens)
	assert.Equal(t, 42, res.OutputTokens)

	assert.Equal(t, []protocol.EventType{
		protocol.EventText,
		protocol.EventToolUse,
		protocol.EventToolUseInput,
		protocol.EventToolUseInput,
		protocol.EventToolUseResult,
		protocol.EventToolUse,
		protocol.EventToolUsePendingApproval,
		protocol.EventToolUseApproved,
		protocol.EventToolUseResult,
		protocol.EventMessage,
	}, rec.kinds())
}

func TestScriptRunnerRejectionSkipsExecution(t *testing.T) {
	sc := &Scenario{
		Name: "guarded",
		Steps: []Step{
			{Tool: &ToolStep{Name: "wipe_timeline", Approval: true, Result: `{"wiped":true}`}},
			{Message: &MessageStep{Text: "done either way"}},
		},
	}
	require.NoError(t, sc.Validate())

	em, rec := newTestEmitter()
	r := &ScriptRunner{Scenario: sc}

	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = r.Run(context.Background(), Task{}, em)
		close(done)
	}()

	require.Eventually(t, func() bool { return em.PendingToolID() != "" },
		2*time.Second, 5*time.Millisecond)
	require.True(t, em.Resolve(false))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish")
	}
	require.NoError(t, runErr)

	kinds := rec.kinds()
	assert.Contains(t, kinds, protocol.EventToolUseRejected)
	assert.NotContains(t, kinds, protocol.EventToolUseResult)
	assert.Equal(t, protocol.EventMessage, kinds[len(kinds)-1])
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
