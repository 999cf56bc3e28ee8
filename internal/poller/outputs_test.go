package poller

import (
	"testing"

	"github.com/deskflow/deskhost/internal/engine"
	"github.com/deskflow/deskhost/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRunDataOutputs(t *testing.T) {
	t.Parallel()
	exec := engine.Execution{Data: &engine.ExecutionData{ResultData: engine.ResultData{
		RunData: map[string][]engine.NodeRun{
			"Show": {
				{Data: map[string][][]engine.Item{"main": {{{JSON: map[string]any{"content": "old"}}}}}},
				{Data: map[string][][]engine.Item{"main": {{
					{JSON: map[string]any{"content": "plain", "contentType": "text"}},
					{JSON: map[string]any{"fileReference": map[string]any{
						"id":              "f1",
						"destinationPath": "/data/out.pdf",
						"size":            12,
					}}},
					{JSON: map[string]any{"unrelated": true}},
				}}}},
			},
			"Other": {
				{Data: map[string][][]engine.Item{"main": {{{JSON: map[string]any{"content": "ignored"}}}}}},
			},
		},
	}}}

	out := runDataOutputs(exec, []AnalyzedNode{{ID: "n3", Name: "Show"}, {ID: "n9", Name: "Never ran"}})
	require.Len(t, out, 2)
	require.Equal(t, model.OutputResult{NodeID: "n3", NodeName: "Show", ContentKind: model.ContentText, Content: "plain"}, out[0])
	require.Equal(t, model.ContentFile, out[1].ContentKind)
	require.Equal(t, "/data/out.pdf", out[1].FileReference.DestinationPath)
	require.EqualValues(t, 12, out[1].FileReference.Size)

	require.Empty(t, runDataOutputs(engine.Execution{}, []AnalyzedNode{{Name: "Show"}}))
}

func TestMergeOutputs(t *testing.T) {
	t.Parallel()
	ref := &model.FileReference{DestinationPath: "/data/a.pdf"}
	runData := []model.OutputResult{
		{NodeID: "n1", Content: "a"},
		{NodeID: "n1", FileReference: ref},
	}
	pushed := []model.OutputResult{
		{NodeID: "n1", Content: "a", NodeName: "dup"},
		{NodeID: "n2", Content: "a"},
		{NodeID: "n1", FileReference: &model.FileReference{DestinationPath: "/data/a.pdf"}},
		{NodeID: "n1", Content: "b"},
	}
	out := mergeOutputs(runData, pushed)
	require.Equal(t, []model.OutputResult{
		{NodeID: "n1", Content: "a"},
		{NodeID: "n1", FileReference: ref},
		{NodeID: "n2", Content: "a"},
		{NodeID: "n1", Content: "b"},
	}, out)

	require.NotNil(t, mergeOutputs(nil, nil))
}

func TestReferencedPaths(t *testing.T) {
	t.Parallel()
	inputs := model.ExecutionInputConfig{
		"b": {InputKind: model.InputFileList, Value: []model.FileReference{
			{OriginalPath: "/src/x", DestinationPath: "/data/x"},
			{OriginalPath: "/src/y"},
		}},
		"a": {InputKind: model.InputFileList, Value: []any{"/data/x", map[string]any{"path": "/data/z"}, 42}},
		"c": {InputKind: model.InputText, Value: "/not/a/file"},
		"d": {InputKind: model.InputFileList, Value: "/data/single"},
	}
	require.Equal(t, []string{"/data/x", "/data/z", "/src/y", "/data/single"}, referencedPaths(inputs))
}
