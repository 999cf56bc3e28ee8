package model

import "time"

type InputKind string

const (
	InputText     InputKind = "text"
	InputFileList InputKind = "fileList"
)

// NodeInputConfig is a value provided by the desktop for one input node.
// Value is a string for InputText and a list of paths or FileReferences
// for InputFileList.
type NodeInputConfig struct {
	NodeID    string    `json:"nodeId"`
	InputKind InputKind `json:"inputType"`
	Value     any       `json:"value"`
}

// ExecutionInputConfig maps node id to its input. It is keyed in the
// bridge by workflow id, as plugin code can only see its workflow id.
type ExecutionInputConfig map[string]NodeInputConfig

type ContentKind string

const (
	ContentMarkdown ContentKind = "markdown"
	ContentText     ContentKind = "text"
	ContentFile     ContentKind = "file"
)

type OutputResult struct {
	NodeID        string         `json:"nodeId"`
	NodeName      string         `json:"nodeName"`
	ContentKind   ContentKind    `json:"contentType"`
	Content       string         `json:"content"`
	FileReference *FileReference `json:"fileReference,omitempty"`
	ReceivedAt    time.Time      `json:"receivedAt,omitzero"`
}

// FileReference describes a file copied into the managed data folder.
// It is immutable once created.
type FileReference struct {
	ID              string    `json:"id"`
	OriginalName    string    `json:"originalName"`
	OriginalPath    string    `json:"originalPath"`
	DestinationPath string    `json:"destinationPath"`
	Size            int64     `json:"size"`
	MimeType        string    `json:"mimeType"`
	Extension       string    `json:"extension"`
	CopiedAt        time.Time `json:"copiedAt"`
	ContentHash     string    `json:"contentHash,omitempty"`
}

type PopupStatus string

const (
	PopupIdle      PopupStatus = "idle"
	PopupRunning   PopupStatus = "running"
	PopupCompleted PopupStatus = "completed"
	PopupFailed    PopupStatus = "failed"
)

// PopupExecutionState tracks the desktop side of one workflow's execution.
type PopupExecutionState struct {
	Status            PopupStatus `json:"status"`
	WorkflowID        string      `json:"workflowId"`
	EngineExecutionID string      `json:"executionId,omitempty"`
	StartedAt         time.Time   `json:"startedAt,omitzero"`
	FinishedAt        time.Time   `json:"finishedAt,omitzero"`
	Error             string      `json:"error,omitempty"`
}

// CanTransition reports whether moving to next keeps the state machine
// going forward: idle -> running -> completed|failed.
func (s PopupExecutionState) CanTransition(next PopupStatus) bool {
	switch s.Status {
	case "", PopupIdle:
		return next == PopupRunning
	case PopupRunning:
		return next == PopupCompleted || next == PopupFailed
	default:
		return false
	}
}

type ExecutionStatus string

const (
	ExecutionRunning  ExecutionStatus = "running"
	ExecutionWaiting  ExecutionStatus = "waiting"
	ExecutionSuccess  ExecutionStatus = "success"
	ExecutionError    ExecutionStatus = "error"
	ExecutionTimeout  ExecutionStatus = "timeout"
	ExecutionCanceled ExecutionStatus = "canceled"
)

// Terminal reports whether no further polling is needed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionError, ExecutionTimeout, ExecutionCanceled:
		return true
	}
	return false
}

// ExecutionResult is the final outcome of one polled execution.
type ExecutionResult struct {
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	Status      ExecutionStatus `json:"status"`
	Outputs     []OutputResult  `json:"outputs"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
}
