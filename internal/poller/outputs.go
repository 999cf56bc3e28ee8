package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"os"
	"slices"

	"github.com/deskflow/deskhost/internal/engine"
	"github.com/deskflow/deskhost/internal/model"
	"github.com/deskflow/deskhost/internal/parallel"
)

const statLimit = 8

// runDataOutputs extracts what result display nodes produced from the
// engine run data. Only the last run of every node counts.
func runDataOutputs(exec engine.Execution, displays []AnalyzedNode) []model.OutputResult {
	if exec.Data == nil {
		return nil
	}
	var out []model.OutputResult
	for _, node := range displays {
		runs := exec.Data.ResultData.RunData[node.Name]
		if len(runs) == 0 {
			continue
		}
		for _, branch := range runs[len(runs)-1].Data["main"] {
			for _, item := range branch {
				if r, ok := outputFromItem(node, item); ok {
					out = append(out, r)
				}
			}
		}
	}
	return out
}

func outputFromItem(node AnalyzedNode, item engine.Item) (model.OutputResult, bool) {
	content, _ := item.JSON["content"].(string)
	kind, _ := item.JSON["contentType"].(string)

	var ref *model.FileReference
	if raw, ok := item.JSON["fileReference"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err == nil {
			var fr model.FileReference
			if json.Unmarshal(b, &fr) == nil && fr.DestinationPath != "" {
				ref = &fr
			}
		}
	}
	if content == "" && ref == nil {
		return model.OutputResult{}, false
	}

	r := model.OutputResult{
		NodeID:        node.ID,
		NodeName:      node.Name,
		ContentKind:   model.ContentKind(kind),
		Content:       content,
		FileReference: ref,
	}
	if r.ContentKind == "" {
		r.ContentKind = model.ContentMarkdown
		if content == "" {
			r.ContentKind = model.ContentFile
		}
	}
	return r, true
}

// mergeOutputs appends pushed results to the run data ones, skipping those
// which are already present.
func mergeOutputs(runData, pushed []model.OutputResult) []model.OutputResult {
	type key struct {
		node, content, file string
	}
	keyOf := func(r model.OutputResult) key {
		k := key{node: r.NodeID, content: r.Content}
		if r.FileReference != nil {
			k.file = r.FileReference.DestinationPath
		}
		return k
	}

	out := make([]model.OutputResult, 0, len(runData)+len(pushed))
	seen := make(map[key]struct{}, len(runData)+len(pushed))
	for _, list := range [][]model.OutputResult{runData, pushed} {
		for _, r := range list {
			k := keyOf(r)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// referencedPaths lists the file paths file selector inputs point to. A value
// is a path, a list of paths, or file references.
func referencedPaths(inputs model.ExecutionInputConfig) []string {
	var paths []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	for _, nodeID := range slices.Sorted(maps.Keys(inputs)) {
		in := inputs[nodeID]
		if in.InputKind != model.InputFileList {
			continue
		}
		for _, p := range pathsOf(in.Value) {
			add(p)
		}
	}
	return paths
}

func pathsOf(v any) []string {
	switch v := v.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case model.FileReference:
		return []string{refPath(v)}
	case []model.FileReference:
		out := make([]string, 0, len(v))
		for _, r := range v {
			out = append(out, refPath(r))
		}
		return out
	case map[string]any:
		for _, k := range []string{"destinationPath", "path", "originalPath"} {
			if s, ok := v[k].(string); ok && s != "" {
				return []string{s}
			}
		}
	case []any:
		var out []string
		for _, e := range v {
			out = append(out, pathsOf(e)...)
		}
		return out
	}
	return nil
}

func refPath(r model.FileReference) string {
	if r.DestinationPath != "" {
		return r.DestinationPath
	}
	return r.OriginalPath
}

// missingFiles returns the paths which don't exist, in input order.
func missingFiles(ctx context.Context, paths []string) ([]string, error) {
	exists, err := parallel.Map(ctx, statLimit, paths, func(_ context.Context, path string) (bool, error) {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, fs.ErrNotExist):
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		return nil, err
	}
	var missing []string
	for i, ok := range exists {
		if !ok {
			missing = append(missing, paths[i])
		}
	}
	return missing, nil
}
