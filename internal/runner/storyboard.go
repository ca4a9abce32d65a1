package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reelay/pkg/protocol"
)

// StoryboardRunner is the builtin runner. It walks one deterministic
// storyboard: acknowledge the prompt, invoke compose_preview with streamed
// input, gate it on approval, and finalize an assistant message. Every
// envelope kind a real agent would produce shows up in this flow.
type StoryboardRunner struct {
	// Delay is the pause between steps, giving the stream a lifelike
	// cadence. Zero runs the storyboard flat out.
	Delay time.Duration
}

type previewInput struct {
	Composition string   `json:"composition"`
	Source      string   `json:"source"`
	Attachments []string `json:"attachments,omitempty"`
}

type previewResult struct {
	Composition string `json:"composition"`
	PreviewPath string `json:"previewPath"`
}

func (r *StoryboardRunner) Name() string { return "storyboard" }

// Run executes the storyboard. Cancellation is observed between steps and
// inside the approval gate.
func (r *StoryboardRunner) Run(ctx context.Context, task Task, em *Emitter) (Result, error) {
	var outChars int
	say := func(text string) {
		em.Text(text)
		outChars += len(text)
	}

	if err := r.pause(ctx); err != nil {
		return Result{}, err
	}
	say("On it. ")
	if err := r.pause(ctx); err != nil {
		return Result{}, err
	}
	say(fmt.Sprintf("Storyboarding %q into the preview composition.", task.Prompt))

	input, err := json.Marshal(previewInput{
		Composition: "Main",
		Source:      task.Prompt,
		Attachments: task.FileAttachments,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode preview input: %w", err)
	}

	toolID := uuid.New().String()
	if err := r.pause(ctx); err != nil {
		return Result{}, err
	}
	em.ToolUse(toolID, "compose_preview")

	// Input arrives in two chunks so clients exercise delta assembly.
	half := len(input) / 2
	em.ToolInput(toolID, string(input[:half]))
	if err := r.pause(ctx); err != nil {
		return Result{}, err
	}
	em.ToolInput(toolID, string(input[half:]))

	approved, err := em.RequestApproval(ctx, toolID, "compose_preview", string(input))
	if err != nil {
		return Result{}, err
	}
	if !approved {
		say(" Understood, leaving the preview untouched.")
		em.Message(assistantMessage("No changes applied. Tell me what to storyboard instead."))
		return r.result(task, outChars), nil
	}

	if err := r.pause(ctx); err != nil {
		return Result{}, err
	}
	result, err := json.Marshal(previewResult{
		Composition: "Main",
		PreviewPath: "/remotion/compositions/Main",
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode preview result: %w", err)
	}
	em.ToolResult(toolID, string(result))

	final := fmt.Sprintf("Preview updated. The storyboard for %q is live in the preview pane.", task.Prompt)
	em.Message(assistantMessage(final))
	outChars += len(final)

	return r.result(task, outChars), nil
}

func (r *StoryboardRunner) pause(ctx context.Context) error {
	if r.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.Delay):
		return nil
	}
}

// result derives a deterministic token estimate from the text volume.
func (r *StoryboardRunner) result(task Task, outChars int) Result {
	inChars := len(task.Prompt)
	for _, f := range task.FileAttachments {
		inChars += len(f)
	}
	return Result{
		InputTokens:  inChars/4 + 1,
		OutputTokens: outChars/4 + 1,
	}
}

func assistantMessage(text string) protocol.Message {
	return protocol.Message{
		Role:      protocol.RoleAssistant,
		Blocks:    []protocol.Block{protocol.TextBlock(text)},
		CreatedAt: time.Now().UTC(),
	}
}
