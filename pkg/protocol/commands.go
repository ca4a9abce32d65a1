package protocol

import "encoding/json"

// Action discriminates the client-to-server command union.
type Action string

const (
	ActionStartTask   Action = "startTask"
	ActionResumeTask  Action = "resumeTask"
	ActionCancelTask  Action = "cancelTask"
	ActionApproveTool Action = "approveTool"
)

// Command is the head common to every client-to-server frame.
type Command struct {
	Action Action `json:"action"`
}

// StartTask begins a new task from the user's prompt.
type StartTask struct {
	Command
	Task            string   `json:"task"`
	FileAttachments []string `json:"fileAttachments,omitempty"`
}

// ResumeTask reattaches to a running task. LastEventID is the resume
// cursor; the server replays buffered envelopes with strictly greater IDs.
type ResumeTask struct {
	Command
	LastEventID string `json:"lastEventId,omitempty"`
}

// CancelTask requests cooperative cancellation of the running task.
type CancelTask struct {
	Command
}

// ApproveTool resolves a pending tool approval.
type ApproveTool struct {
	Command
	Approved bool `json:"approved"`
}

// NewStartTask builds a startTask command.
func NewStartTask(task string, fileAttachments []string) *StartTask {
	return &StartTask{
		Command:         Command{Action: ActionStartTask},
		Task:            task,
		FileAttachments: fileAttachments,
	}
}

// NewResumeTask builds a resumeTask command with the given cursor.
func NewResumeTask(lastEventID string) *ResumeTask {
	return &ResumeTask{
		Command:     Command{Action: ActionResumeTask},
		LastEventID: lastEventID,
	}
}

// NewCancelTask builds a cancelTask command.
func NewCancelTask() *CancelTask {
	return &CancelTask{Command: Command{Action: ActionCancelTask}}
}

// NewApproveTool builds an approveTool command.
func NewApproveTool(approved bool) *ApproveTool {
	return &ApproveTool{
		Command:  Command{Action: ActionApproveTool},
		Approved: approved,
	}
}

// ParseCommand decodes a client frame into its concrete command struct.
// An unrecognized action decodes to the bare *Command; the server answers
// those with an error envelope instead of dropping the connection.
func ParseCommand(data []byte) (interface{}, error) {
	var base Command
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	switch base.Action {
	case ActionStartTask:
		var cmd StartTask
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		return &cmd, nil

	case ActionResumeTask:
		var cmd ResumeTask
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		return &cmd, nil

	case ActionCancelTask:
		var cmd CancelTask
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		return &cmd, nil

	case ActionApproveTool:
		var cmd ApproveTool
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		return &cmd, nil

	default:
		return &base, nil
	}
}
