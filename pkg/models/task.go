package models

import "time"

// TaskState is the lifecycle state of a chat task.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskPaused  TaskState = "PAUSED"
	TaskDone    TaskState = "DONE"
	TaskFailed  TaskState = "FAILED"
	TaskAborted TaskState = "ABORTED"
)

// IsTerminal reports whether the state is final. Terminal states are sticky:
// a task never leaves DONE, FAILED, or ABORTED.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskAborted:
		return true
	}
	return false
}

// Task is one unit of chat work: a user message turned into a plan and
// executed. At most one task per channel-session key is RUNNING or PAUSED
// at any instant; the rest queue behind it in FIFO order.
type Task struct {
	ID        string     `json:"id"`
	Key       ChannelKey `json:"key"`
	SessionID string     `json:"session_id,omitempty"`
	Message   string     `json:"message"`
	State     TaskState  `json:"state"`
	Result    string     `json:"result,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskError describes why a task reached FAILED. It doubles as a Go error
// so the pipeline can hand a coded failure to the orchestrator.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
