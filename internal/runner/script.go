package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted task: a named sequence of steps the ScriptRunner
// plays back verbatim. Scenarios stand in for the real agent during
// development and in end-to-end tests of the studio shell.
type Scenario struct {
	Name  string     `yaml:"name"`
	Usage *UsageSpec `yaml:"usage,omitempty"`
	Steps []Step     `yaml:"steps"`
}

// UsageSpec overrides the token accounting reported for the scenario.
type UsageSpec struct {
	InputTokens  int `yaml:"input_tokens"`
	OutputTokens int `yaml:"output_tokens"`
}

// Step is one scripted action. Exactly one of the fields may be set.
type Step struct {
	Text    string       `yaml:"text,omitempty"`
	Delay   string       `yaml:"delay,omitempty"` // time.ParseDuration syntax
	Tool    *ToolStep    `yaml:"tool,omitempty"`
	Message *MessageStep `yaml:"message,omitempty"`
}

// ToolStep scripts a tool invocation.
type ToolStep struct {
	Name        string   `yaml:"name"`
	InputChunks []string `yaml:"input_chunks,omitempty"`
	Approval    bool     `yaml:"approval,omitempty"`
	Result      string   `yaml:"result,omitempty"`
	Error       string   `yaml:"error,omitempty"`
}

// MessageStep finalizes an assistant message.
type MessageStep struct {
	Text string `yaml:"text"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file %s: %w", path, err)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &sc, nil
}

// Validate checks that each step has exactly one action and parseable fields.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	for i, step := range s.Steps {
		set := 0
		if step.Text != "" {
			set++
		}
		if step.Delay != "" {
			set++
			if _, err := time.ParseDuration(step.Delay); err != nil {
				return fmt.Errorf("step %d: bad delay %q: %w", i+1, step.Delay, err)
			}
		}
		if step.Tool != nil {
			set++
			if step.Tool.Name == "" {
				return fmt.Errorf("step %d: tool step needs a name", i+1)
			}
			if step.Tool.Result != "" && step.Tool.Error != "" {
				return fmt.Errorf("step %d: tool step cannot have both result and error", i+1)
			}
		}
		if step.Message != nil {
			set++
			if step.Message.Text == "" {
				return fmt.Errorf("step %d: message step needs text", i+1)
			}
		}
		if set != 1 {
			return fmt.Errorf("step %d: exactly one of text, delay, tool, message must be set", i+1)
		}
	}
	return nil
}

// ScriptRunner plays a scenario through the emitter.
type ScriptRunner struct {
	Scenario *Scenario
}

func (r *ScriptRunner) Name() string {
	if r.Scenario != nil && r.Scenario.Name != "" {
		return "script:" + r.Scenario.Name
	}
	return "script"
}

// Run plays the steps in order, observing cancellation between steps, inside
// delays, and at the approval gate.
func (r *ScriptRunner) Run(ctx context.Context, task Task, em *Emitter) (Result, error) {
	if r.Scenario == nil {
		return Result{}, fmt.Errorf("script runner has no scenario")
	}

	var outChars int
	for _, step := range r.Scenario.Steps {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		switch {
		case step.Text != "":
			em.Text(step.Text)
			outChars += len(step.Text)

		case step.Delay != "":
			d, _ := time.ParseDuration(step.Delay)
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(d):
			}

		case step.Tool != nil:
			if err := r.playTool(ctx, step.Tool, em); err != nil {
				return Result{}, err
			}

		case step.Message != nil:
			em.Message(assistantMessage(step.Message.Text))
			outChars += len(step.Message.Text)
		}
	}

	if u := r.Scenario.Usage; u != nil {
		return Result{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}, nil
	}
	return Result{
		InputTokens:  len(task.Prompt)/4 + 1,
		OutputTokens: outChars/4 + 1,
	}, nil
}

func (r *ScriptRunner) playTool(ctx context.Context, tool *ToolStep, em *Emitter) error {
	toolID := uuid.New().String()
	em.ToolUse(toolID, tool.Name)

	var input string
	for _, chunk := range tool.InputChunks {
		em.ToolInput(toolID, chunk)
		input += chunk
	}

	if tool.Approval {
		approved, err := em.RequestApproval(ctx, toolID, tool.Name, input)
		if err != nil {
			return err
		}
		if !approved {
			// A rejected tool never executes; the scenario moves on.
			return nil
		}
	}

	if tool.Error != "" {
		em.ToolError(toolID, tool.Error)
		return nil
	}
	result := tool.Result
	if result == "" {
		result = "{}"
	}
	em.ToolResult(toolID, result)
	return nil
}
