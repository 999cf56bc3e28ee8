package engine

import (
	"strings"
	"time"
)

// Node is one step of a workflow. ID may be absent in older exports, the
// name is always present and unique within a workflow.
type Node struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	TypeVersion float64        `json:"typeVersion,omitempty"`
	Position    []float64      `json:"position,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Disabled    bool           `json:"disabled,omitempty"`
}

// Key identifies the node, preferring its id.
func (n Node) Key() string {
	if n.ID != "" {
		return n.ID
	}
	return n.Name
}

type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Active      bool           `json:"active"`
	Nodes       []Node         `json:"nodes"`
	Connections map[string]any `json:"connections"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// PrimaryTrigger returns the first enabled trigger node, falling back to the
// first node.
func (w Workflow) PrimaryTrigger() (Node, bool) {
	for _, n := range w.Nodes {
		if !n.Disabled && strings.Contains(strings.ToLower(n.Type), "trigger") {
			return n, true
		}
	}
	if len(w.Nodes) > 0 {
		return w.Nodes[0], true
	}
	return Node{}, false
}

type Trigger struct {
	Name string `json:"name"`
}

type runRequest struct {
	WorkflowData       Workflow `json:"workflowData"`
	TriggerToStartFrom *Trigger `json:"triggerToStartFrom,omitempty"`
}

type runResponse struct {
	ExecutionID string `json:"executionId"`
	Data        *struct {
		ExecutionID string `json:"executionId"`
	} `json:"data,omitempty"`
}

// Status words reported by the engine.
const (
	StatusNew      = "new"
	StatusRunning  = "running"
	StatusWaiting  = "waiting"
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCrashed  = "crashed"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

type Execution struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	Finished   bool           `json:"finished"`
	Mode       string         `json:"mode,omitempty"`
	Status     string         `json:"status"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	StoppedAt  *time.Time     `json:"stoppedAt,omitempty"`
	Data       *ExecutionData `json:"data,omitempty"`
}

type ExecutionData struct {
	ResultData ResultData `json:"resultData"`
}

type ResultData struct {
	RunData map[string][]NodeRun `json:"runData"`
	Error   *ExecutionError      `json:"error,omitempty"`
}

// NodeRun is one run of a node. Data maps an output name, usually "main",
// to the items of each output branch.
type NodeRun struct {
	Data  map[string][][]Item `json:"data,omitempty"`
	Error *ExecutionError     `json:"error,omitempty"`
}

type Item struct {
	JSON map[string]any `json:"json"`
}

type ExecutionError struct {
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.Description != "" {
		return e.Message + ": " + e.Description
	}
	return e.Message
}

// ErrorMessage returns the top level error of a finished execution, if any.
func (e Execution) ErrorMessage() string {
	if e.Data != nil && e.Data.ResultData.Error != nil {
		return e.Data.ResultData.Error.Error()
	}
	return ""
}
