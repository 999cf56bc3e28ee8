package bridge

import (
	"maps"
	"slices"
	"sync"

	"github.com/deskflow/deskhost/internal/model"
)

// Store keeps the ephemeral per workflow data exchanged with plugin nodes.
// Keys are workflow ids, as node code can't see the desktop execution id.
type Store interface {
	SetConfig(workflowID string, cfg model.ExecutionInputConfig)
	Config(workflowID string) (model.ExecutionInputConfig, bool)
	DeleteConfig(workflowID string)

	AppendResult(workflowID string, r model.OutputResult) int
	Results(workflowID string) []model.OutputResult
	ClearResults(workflowID string)

	SetNodeFiles(workflowID, nodeID string, files []model.FileReference)
	NodeFiles(workflowID, nodeID string) []model.FileReference
	DeleteNodeFiles(workflowID, nodeID string)
}

type nodeKey struct {
	workflowID string
	nodeID     string
}

// MemoryStore is a process local Store. Each of the three maps has its own
// lock; values are copied in and out.
type MemoryStore struct {
	configMx sync.Mutex
	configs  map[string]model.ExecutionInputConfig

	resultsMx sync.Mutex
	results   map[string][]model.OutputResult

	filesMx sync.Mutex
	files   map[nodeKey][]model.FileReference
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]model.ExecutionInputConfig),
		results: make(map[string][]model.OutputResult),
		files:   make(map[nodeKey][]model.FileReference),
	}
}

// SetConfig replaces whatever config was stored for the workflow.
func (s *MemoryStore) SetConfig(workflowID string, cfg model.ExecutionInputConfig) {
	s.configMx.Lock()
	defer s.configMx.Unlock()
	s.configs[workflowID] = maps.Clone(cfg)
}

func (s *MemoryStore) Config(workflowID string) (model.ExecutionInputConfig, bool) {
	s.configMx.Lock()
	defer s.configMx.Unlock()
	cfg, ok := s.configs[workflowID]
	return maps.Clone(cfg), ok
}

func (s *MemoryStore) DeleteConfig(workflowID string) {
	s.configMx.Lock()
	defer s.configMx.Unlock()
	delete(s.configs, workflowID)
}

// AppendResult adds r and returns the number of results stored for the workflow.
func (s *MemoryStore) AppendResult(workflowID string, r model.OutputResult) int {
	s.resultsMx.Lock()
	defer s.resultsMx.Unlock()
	s.results[workflowID] = append(s.results[workflowID], r)
	return len(s.results[workflowID])
}

func (s *MemoryStore) Results(workflowID string) []model.OutputResult {
	s.resultsMx.Lock()
	defer s.resultsMx.Unlock()
	out := slices.Clone(s.results[workflowID])
	if out == nil {
		out = []model.OutputResult{}
	}
	return out
}

func (s *MemoryStore) ClearResults(workflowID string) {
	s.resultsMx.Lock()
	defer s.resultsMx.Unlock()
	delete(s.results, workflowID)
}

func (s *MemoryStore) SetNodeFiles(workflowID, nodeID string, files []model.FileReference) {
	s.filesMx.Lock()
	defer s.filesMx.Unlock()
	s.files[nodeKey{workflowID, nodeID}] = slices.Clone(files)
}

func (s *MemoryStore) NodeFiles(workflowID, nodeID string) []model.FileReference {
	s.filesMx.Lock()
	defer s.filesMx.Unlock()
	out := slices.Clone(s.files[nodeKey{workflowID, nodeID}])
	if out == nil {
		out = []model.FileReference{}
	}
	return out
}

func (s *MemoryStore) DeleteNodeFiles(workflowID, nodeID string) {
	s.filesMx.Lock()
	defer s.filesMx.Unlock()
	delete(s.files, nodeKey{workflowID, nodeID})
}
