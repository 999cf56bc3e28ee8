package poller

import (
	"strings"

	"github.com/deskflow/deskhost/internal/engine"
)

type NodeRole string

const (
	RolePromptInput   NodeRole = "promptInput"
	RoleFileSelector  NodeRole = "fileSelector"
	RoleResultDisplay NodeRole = "resultDisplay"
)

// DefaultPrefixes are the node type prefixes the desktop plugin loads
// under: as a custom extension and as an installed community package. A new
// loading mechanism has to be added here explicitly.
var DefaultPrefixes = []string{"CUSTOM.", "n8n-nodes-deskhost."}

type AnalyzedNode struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Role       NodeRole       `json:"role"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type Analysis struct {
	WorkflowID     string         `json:"workflowId"`
	WorkflowName   string         `json:"workflowName"`
	PromptInputs   []AnalyzedNode `json:"promptInputs"`
	FileSelectors  []AnalyzedNode `json:"fileSelectors"`
	ResultDisplays []AnalyzedNode `json:"resultDisplays"`
	IsSupported    bool           `json:"isSupported"`
}

// Classify sorts the plugin nodes of wf by role. Nodes of other types are
// ignored.
func Classify(wf engine.Workflow, prefixes []string) Analysis {
	a := Analysis{
		WorkflowID:     wf.ID,
		WorkflowName:   wf.Name,
		PromptInputs:   []AnalyzedNode{},
		FileSelectors:  []AnalyzedNode{},
		ResultDisplays: []AnalyzedNode{},
	}
	for _, n := range wf.Nodes {
		role, ok := roleOf(n.Type, prefixes)
		if !ok {
			continue
		}
		node := AnalyzedNode{
			ID:         n.Key(),
			Name:       n.Name,
			Type:       n.Type,
			Role:       role,
			Parameters: n.Parameters,
		}
		switch role {
		case RolePromptInput:
			a.PromptInputs = append(a.PromptInputs, node)
		case RoleFileSelector:
			a.FileSelectors = append(a.FileSelectors, node)
		case RoleResultDisplay:
			a.ResultDisplays = append(a.ResultDisplays, node)
		}
	}
	a.IsSupported = len(a.PromptInputs)+len(a.FileSelectors)+len(a.ResultDisplays) > 0
	return a
}

func roleOf(nodeType string, prefixes []string) (NodeRole, bool) {
	for _, prefix := range prefixes {
		name, ok := strings.CutPrefix(nodeType, prefix)
		if !ok {
			continue
		}
		switch role := NodeRole(name); role {
		case RolePromptInput, RoleFileSelector, RoleResultDisplay:
			return role, true
		}
	}
	return "", false
}
