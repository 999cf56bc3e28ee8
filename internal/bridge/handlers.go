package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/deskflow/deskhost/internal/log"
	"github.com/deskflow/deskhost/internal/model"
)

// Handler returns the bridge router. Callers run inside the engine on the
// same machine, so CORS is permissive and there is no authentication.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/files/select", s.handleSelectFiles)
	r.Post("/files/copy", s.handleCopyFiles)
	r.Get("/config/data-folder", s.handleDataFolder)

	r.Post("/execution-config", s.handleSetConfig)
	r.Get("/execution-config/{workflowID}", s.handleGetConfig)
	r.Get("/execution-config/{workflowID}/{nodeID}", s.handleGetNodeConfig)
	r.Delete("/execution-config/{workflowID}", s.handleDeleteConfig)

	r.Post("/execution-result", s.handleAppendResult)
	r.Get("/execution-results/{workflowID}", s.handleResults)

	r.Route("/node-files/{workflowID}/{nodeID}", func(r chi.Router) {
		r.Post("/", s.handleSetNodeFiles)
		r.Get("/", s.handleNodeFiles)
		r.Delete("/", s.handleDeleteNodeFiles)
	})

	if s.events != nil {
		r.Get("/events", s.events.ServeHTTP)
	}
	return r
}

type healthResponse struct {
	Status        string `json:"status"`
	Port          int    `json:"port"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Port:          s.Port(),
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleSelectFiles(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !s.decode(w, r, "", &req) {
		return
	}
	writeJSON(w, http.StatusOK, selectFiles(r.Context(), s.dialog, req))
}

func (s *Server) handleCopyFiles(w http.ResponseWriter, r *http.Request) {
	var req CopyRequest
	if !s.decode(w, r, "", &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.copier.Copy(r.Context(), req))
}

type dataFolderResponse struct {
	Success        bool   `json:"success"`
	DataFolder     string `json:"dataFolder"`
	ImportsFolder  string `json:"importsFolder"`
	FreeSpaceBytes uint64 `json:"freeSpaceBytes"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleDataFolder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := dataFolderResponse{
		DataFolder:    s.settings.DataDir,
		ImportsFolder: s.settings.importsDir(),
	}
	if err := os.MkdirAll(resp.ImportsFolder, 0o755); err != nil {
		resp.Error = "creating imports folder: " + err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	usage, err := disk.UsageWithContext(ctx, s.settings.DataDir)
	if err != nil {
		slog.WarnContext(ctx, "free space unknown", "dir", s.settings.DataDir, "error", err)
	} else {
		resp.FreeSpaceBytes = usage.Free
	}
	resp.Success = true
	writeJSON(w, http.StatusOK, resp)
}

type setConfigRequest struct {
	WorkflowID string                     `json:"workflowId"`
	Nodes      model.ExecutionInputConfig `json:"nodes"`
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	if !s.decode(w, r, schemaExecutionConfig, &req) {
		return
	}
	if req.Nodes == nil {
		req.Nodes = model.ExecutionInputConfig{}
	}
	for id, node := range req.Nodes {
		if node.NodeID == "" {
			node.NodeID = id
			req.Nodes[id] = node
		}
	}
	s.store.SetConfig(req.WorkflowID, req.Nodes)
	slog.DebugContext(log.WithCorrelation(r.Context(), req.WorkflowID), "execution config stored", "nodes", len(req.Nodes))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "workflowId": req.WorkflowID, "nodeCount": len(req.Nodes)})
}

type configResponse struct {
	Success           bool                       `json:"success"`
	HasExternalConfig bool                       `json:"hasExternalConfig"`
	Nodes             model.ExecutionInputConfig `json:"nodes,omitempty"`
	Config            *model.NodeInputConfig     `json:"config,omitempty"`
}

// handleGetConfig answers hasExternalConfig false when nothing is stored:
// the node then falls back to its own parameters.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.store.Config(chi.URLParam(r, "workflowID"))
	if !ok {
		writeJSON(w, http.StatusOK, configResponse{Success: true})
		return
	}
	writeJSON(w, http.StatusOK, configResponse{Success: true, HasExternalConfig: true, Nodes: cfg})
}

func (s *Server) handleGetNodeConfig(w http.ResponseWriter, r *http.Request) {
	cfg, _ := s.store.Config(chi.URLParam(r, "workflowID"))
	node, ok := cfg[chi.URLParam(r, "nodeID")]
	if !ok {
		writeJSON(w, http.StatusOK, configResponse{Success: true})
		return
	}
	writeJSON(w, http.StatusOK, configResponse{Success: true, HasExternalConfig: true, Config: &node})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	s.store.DeleteConfig(workflowID)
	s.store.ClearResults(workflowID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type resultRequest struct {
	WorkflowID string `json:"workflowId"`
	model.OutputResult
}

func (s *Server) handleAppendResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if !s.decode(w, r, schemaExecutionResult, &req) {
		return
	}
	count := s.store.AppendResult(req.WorkflowID, req.OutputResult)
	slog.DebugContext(log.WithCorrelation(r.Context(), req.WorkflowID), "execution result stored", "node_id", req.NodeID, "count", count)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": count})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results := s.store.Results(chi.URLParam(r, "workflowID"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
}

type nodeFilesRequest struct {
	Files []model.FileReference `json:"files"`
}

func (s *Server) handleSetNodeFiles(w http.ResponseWriter, r *http.Request) {
	var req nodeFilesRequest
	if !s.decode(w, r, "", &req) {
		return
	}
	s.store.SetNodeFiles(chi.URLParam(r, "workflowID"), chi.URLParam(r, "nodeID"), req.Files)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(req.Files)})
}

func (s *Server) handleNodeFiles(w http.ResponseWriter, r *http.Request) {
	files := s.store.NodeFiles(chi.URLParam(r, "workflowID"), chi.URLParam(r, "nodeID"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "files": files})
}

func (s *Server) handleDeleteNodeFiles(w http.ResponseWriter, r *http.Request) {
	s.store.DeleteNodeFiles(chi.URLParam(r, "workflowID"), chi.URLParam(r, "nodeID"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// decode reads a size limited JSON body into v, validating it against the
// named request schema first when one is given.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, v any) bool {
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	b, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if schema != "" {
		if err := validateBody(schema, b); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// requestLogger logs every request at debug level and tags the request
// context with its id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		slog.DebugContext(ctx, "bridge request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
