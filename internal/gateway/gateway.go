// Package gateway is the External Interface: REST endpoints over the two
// queues plus the WebSocket bridge from the Event Hub to inference stream
// subscribers.
package gateway

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/enqueue"
	"github.com/basket/dispatchd/internal/priority"
	"github.com/basket/dispatchd/internal/store"
	"github.com/basket/dispatchd/internal/worker"
)

// Config wires the gateway's collaborators.
type Config struct {
	Store   *store.Store
	Enqueue *enqueue.Service
	Bus     *bus.Hub
	Cancels *worker.CancelRegistry
	Logger  *slog.Logger

	// AuthToken, when non-empty, gates every endpoint behind a bearer
	// token. Empty means open local access.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed on /admin/health.
	ConfigFingerprint string
}

// Server serves the HTTP API.
type Server struct {
	cfg       Config
	startedAt time.Time
}

// New constructs a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "gateway")
	return &Server{cfg: cfg, startedAt: time.Now()}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /executions/run", s.handleRunExecution)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /inference/chat", s.handleChat)
	mux.HandleFunc("GET /inference/{id}", s.handleGetInference)
	mux.HandleFunc("POST /inference/{id}/cancel", s.handleCancelInference)
	mux.HandleFunc("GET /inference/{id}/stream", s.handleInferenceStream)
	mux.HandleFunc("GET /admin/health", s.handleHealth)
	mux.HandleFunc("GET /admin/metrics", s.handlePrometheusMetrics)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.cfg.Logger.Error("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type runExecutionRequest struct {
	AgentID string          `json:"agent_id"`
	Input   json.RawMessage `json:"input"`
}

func (s *Server) handleRunExecution(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req runExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage(`{}`)
	}

	// The manual-run payload wraps the caller's input the way the reference
	// executor expects; custom executors see the same opaque blob.
	payload, err := json.Marshal(map[string]json.RawMessage{"input": req.Input})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid input")
		return
	}

	id, err := s.cfg.Enqueue.EnqueueExecution(r.Context(), enqueue.ExecutionRequest{
		AgentID: req.AgentID,
		Payload: string(payload),
		Source:  priority.SourceManualRun,
	})
	if err != nil {
		s.cfg.Logger.Error("enqueue execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "QUEUED"})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")
	exec, err := s.cfg.Store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("get execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	events, err := s.cfg.Store.ListNodeEvents(r.Context(), id)
	if err != nil {
		s.cfg.Logger.Error("list node events", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, executionDTO(exec, events))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")
	err := s.cfg.Store.RequestCancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("request cancel", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if s.cfg.Cancels != nil {
		s.cfg.Cancels.Signal(id)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

type chatRequest struct {
	ModelID    string          `json:"model_id"`
	Messages   json.RawMessage `json:"messages"`
	Parameters json.RawMessage `json:"parameters"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ModelID) == "" {
		s.writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages is required")
		return
	}
	if len(req.Parameters) == 0 {
		req.Parameters = json.RawMessage(`{}`)
	}

	id, err := s.cfg.Enqueue.EnqueueInference(r.Context(), enqueue.InferenceRequest{
		ModelID:    req.ModelID,
		Prompt:     string(req.Messages),
		Parameters: string(req.Parameters),
		Source:     priority.SourceChat,
	})
	if err != nil {
		s.cfg.Logger.Error("enqueue inference", "error", err)
		s.writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "QUEUED"})
}

func (s *Server) handleGetInference(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")
	task, err := s.cfg.Store.GetInferenceTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "inference task not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("get inference task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, inferenceDTO(task))
}

func (s *Server) handleCancelInference(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")
	err := s.cfg.Store.RequestInferenceCancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "inference task not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("request inference cancel", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if s.cfg.Cancels != nil {
		s.cfg.Cancels.Signal(id)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

// --- row DTOs ---

type nodeEventJSON struct {
	EventID            int64   `json:"event_id"`
	NodeID             string  `json:"node_id"`
	Status             string  `json:"status"`
	IntermediateOutput *string `json:"intermediate_output,omitempty"`
	StartedAt          *string `json:"started_at,omitempty"`
	CompletedAt        *string `json:"completed_at,omitempty"`
	ErrorLog           *string `json:"error_log,omitempty"`
}

type executionJSON struct {
	ExecutionID       string          `json:"execution_id"`
	AgentID           string          `json:"agent_id"`
	Status            string          `json:"status"`
	ParentExecutionID *string         `json:"parent_execution_id,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	FinalResult       *string         `json:"final_result,omitempty"`
	BasePriority      int             `json:"base_priority"`
	Priority          int             `json:"priority"`
	EnqueueTS         int64           `json:"enqueue_ts"`
	LeaseID           *string         `json:"lease_id,omitempty"`
	LeaseExpiresAt    *string         `json:"lease_expires_at,omitempty"`
	CreatedAt         string          `json:"created_at"`
	StartedAt         *string         `json:"started_at,omitempty"`
	CompletedAt       *string         `json:"completed_at,omitempty"`
	ErrorLog          *string         `json:"error_log,omitempty"`
	NodeEvents        []nodeEventJSON `json:"node_events"`
}

type inferenceJSON struct {
	TaskID          string          `json:"task_id"`
	ModelID         string          `json:"model_id"`
	Status          string          `json:"status"`
	Prompt          json.RawMessage `json:"prompt"`
	Parameters      json.RawMessage `json:"parameters"`
	Result          *string         `json:"result,omitempty"`
	BasePriority    int             `json:"base_priority"`
	Priority        int             `json:"priority"`
	EnqueueTS       int64           `json:"enqueue_ts"`
	LeaseID         *string         `json:"lease_id,omitempty"`
	LeaseExpiresAt  *string         `json:"lease_expires_at,omitempty"`
	CreatedAt       string          `json:"created_at"`
	StartedAt       *string         `json:"started_at,omitempty"`
	CompletedAt     *string         `json:"completed_at,omitempty"`
	TokensPerSecond *float64        `json:"tokens_per_second,omitempty"`
	ErrorLog        *string         `json:"error_log,omitempty"`
}

func executionDTO(e *store.Execution, events []*store.NodeEvent) executionJSON {
	out := executionJSON{
		ExecutionID:       e.ID,
		AgentID:           e.AgentID,
		Status:            string(e.Status),
		ParentExecutionID: optString(e.ParentExecutionID),
		Payload:           rawOrNull(e.Payload),
		FinalResult:       optString(e.FinalResult),
		BasePriority:      e.BasePriority,
		Priority:          e.Priority,
		EnqueueTS:         e.EnqueueTS,
		LeaseID:           optString(e.LeaseID),
		LeaseExpiresAt:    optTime(e.LeaseExpiresAt),
		CreatedAt:         e.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:         optTime(e.StartedAt),
		CompletedAt:       optTime(e.CompletedAt),
		ErrorLog:          optString(e.ErrorLog),
		NodeEvents:        make([]nodeEventJSON, 0, len(events)),
	}
	for _, ev := range events {
		out.NodeEvents = append(out.NodeEvents, nodeEventJSON{
			EventID:            ev.EventID,
			NodeID:             ev.NodeID,
			Status:             ev.Status,
			IntermediateOutput: optString(ev.IntermediateOutput),
			StartedAt:          optTime(ev.StartedAt),
			CompletedAt:        optTime(ev.CompletedAt),
			ErrorLog:           optString(ev.ErrorLog),
		})
	}
	return out
}

func inferenceDTO(t *store.InferenceTask) inferenceJSON {
	return inferenceJSON{
		TaskID:          t.ID,
		ModelID:         t.ModelID,
		Status:          string(t.Status),
		Prompt:          rawOrNull(t.Prompt),
		Parameters:      rawOrNull(t.Parameters),
		Result:          optString(t.Result),
		BasePriority:    t.BasePriority,
		Priority:        t.Priority,
		EnqueueTS:       t.EnqueueTS,
		LeaseID:         optString(t.LeaseID),
		LeaseExpiresAt:  optTime(t.LeaseExpiresAt),
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:       optTime(t.StartedAt),
		CompletedAt:     optTime(t.CompletedAt),
		TokensPerSecond: optFloat(t.TokensPerSecond),
		ErrorLog:        optString(t.ErrorLog),
	}
}

func optString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func optTime(nt sql.NullTime) *string {
	if !nt.Valid {
		return nil
	}
	s := nt.Time.UTC().Format(time.RFC3339)
	return &s
}

func optFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	return &nf.Float64
}

// rawOrNull returns the stored blob as raw JSON when it is valid JSON, and
// as a JSON string otherwise, so a malformed stored payload cannot break the
// whole row's marshaling.
func rawOrNull(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
