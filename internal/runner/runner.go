// Package runner executes chat-driven studio tasks and streams their progress
// as protocol events through an Emitter. Runners are deliberately deterministic
// stand-ins for a remote agent: they exercise the full event lifecycle (text
// deltas, tool invocations, approval gates, final messages) without calling
// out to a model.
package runner

import "context"

// Task describes one piece of work started by a client.
type Task struct {
	Prompt          string
	FileAttachments []string
	ChatID          string
}

// Result is what a runner reports after finishing cleanly.
type Result struct {
	InputTokens  int
	OutputTokens int
}

// Runner executes a task, speaking only through the emitter.
type Runner interface {
	Name() string
	Run(ctx context.Context, task Task, em *Emitter) (Result, error)
}
