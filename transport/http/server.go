// Package http implements the Task Execution Core's external HTTP surface
// (spec §6): task submission, SSE streaming, result/trace retrieval, health,
// and webhook ingest. Routing follows the teacher's manual goahttp.Muxer
// mount idiom (example/cmd/assistant/http.go) rather than design-generated
// servers, since this surface has no Goa design of its own.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/crew"
	"github.com/taskcore/engine/decisiongraph"
	"github.com/taskcore/engine/executor"
	"github.com/taskcore/engine/store/pulsestream"
	"github.com/taskcore/engine/store/schedule"
	"github.com/taskcore/engine/store/session"
	"github.com/taskcore/engine/telemetry"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

// ResultStore persists and retrieves completed TaskResults (store/tracestore
// satisfies this).
type ResultStore interface {
	Save(ctx context.Context, result executor.TaskResult) error
	Load(ctx context.Context, taskID string) (executor.TaskResult, error)
}

// HealthReporter reports the liveness of external collaborators for GET
// /health.
type HealthReporter interface {
	// Providers returns provider name -> reachable.
	Providers(ctx context.Context) map[string]bool
}

// SessionStore backs the session lifecycle routes (store/session satisfies
// this).
type SessionStore interface {
	Create(ctx context.Context, id string, now time.Time) (session.Session, error)
	Load(ctx context.Context, id string) (session.Session, error)
	End(ctx context.Context, id string, endedAt time.Time) (session.Session, error)
	Touch(ctx context.Context, id string, now time.Time) error
	List(ctx context.Context, limit int64) ([]session.Session, error)
}

// ScheduleStore backs the schedule management routes (store/schedule
// satisfies this).
type ScheduleStore interface {
	Upsert(ctx context.Context, sch schedule.Schedule) error
	Load(ctx context.Context, id string) (schedule.Schedule, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]schedule.Schedule, error)
}

// StreamPublisher mirrors SSE events onto a reconnectable, cross-process
// stream (store/pulsestream satisfies this) so a client that drops an SSE
// connection mid-task can resume from a fresh subscriber on the same stream
// name instead of losing the rest of the run.
type StreamPublisher interface {
	Publish(ctx context.Context, taskID string, ev pulsestream.Event) (string, error)
	Destroy(ctx context.Context, taskID string) error
}

// Server bundles the collaborators the HTTP surface dispatches to.
type Server struct {
	Executor      *executor.Executor
	Crew          *crew.Crew
	Registry      *toolregistry.Registry
	Results       ResultStore
	Sessions      SessionStore
	Schedules     ScheduleStore
	Streams       StreamPublisher
	Health        HealthReporter
	Router        RouterHealth
	Logger        telemetry.Logger
	WebhookSecret string

	started time.Time
	mu      sync.Mutex
	active  map[string]bool
	mux     goahttp.Muxer
}

// New constructs a Server. startedAt should be the process start time, used
// to compute GET /health's uptime.
func New(startedAt time.Time) *Server {
	return &Server{started: startedAt, active: make(map[string]bool)}
}

// Mount registers every route on mux, mirroring the teacher's
// handleHTTPServer: debug/pprof handlers are the caller's responsibility
// (mounted separately in debug builds), this only mounts the domain routes.
func (s *Server) Mount(mux goahttp.Muxer) {
	s.mux = mux
	mux.Handle("POST", "/tasks", s.handleCreateTask)
	mux.Handle("POST", "/tasks/stream", s.handleStreamTask)
	mux.Handle("GET", "/tasks/{id}", s.handleGetTask)
	mux.Handle("GET", "/tasks/{id}/trace", s.handleGetTrace)
	mux.Handle("GET", "/tasks/{id}/decisions", s.handleGetDecisions)
	mux.Handle("GET", "/health", s.handleHealth)
	mux.Handle("POST", "/webhook", s.handleWebhook)
	mux.Handle("POST", "/crews", s.handleRunCrew)
	mux.Handle("POST", "/crews/stream", s.handleRunCrewStream)
	mux.Handle("POST", "/sessions", s.handleCreateSession)
	mux.Handle("GET", "/sessions", s.handleListSessions)
	mux.Handle("GET", "/sessions/{id}", s.handleGetSession)
	mux.Handle("POST", "/sessions/{id}/end", s.handleEndSession)
	mux.Handle("PUT", "/schedules/{id}", s.handleUpsertSchedule)
	mux.Handle("GET", "/schedules", s.handleListSchedules)
	mux.Handle("GET", "/schedules/{id}", s.handleGetSchedule)
	mux.Handle("DELETE", "/schedules/{id}", s.handleDeleteSchedule)
}

type createTaskRequest struct {
	Description string `json:"description"`
	Budget      string `json:"budget"`
	SessionID   string `json:"sessionId"`
}

type createTaskResponse struct {
	TaskID        string       `json:"taskId"`
	Status        string       `json:"status"`
	Result        string       `json:"result"`
	BudgetUsed    budget.Usage `json:"budgetUsed"`
	StepsExecuted int          `json:"stepsExecuted"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	preset := budget.Preset(req.Budget)
	if preset == "" {
		preset = budget.Medium
	}
	if !budget.IsValidPreset(preset) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown budget preset %q", req.Budget))
		return
	}

	taskID := newTaskID()
	s.markActive(taskID, true)
	defer s.markActive(taskID, false)
	s.touchSession(r.Context(), req.SessionID)

	env := budget.Create(preset)
	result := s.Executor.Run(r.Context(), env, executor.Input{TaskID: taskID, Description: req.Description})
	if s.Results != nil {
		_ = s.Results.Save(r.Context(), result)
	}

	writeJSON(w, http.StatusOK, createTaskResponse{
		TaskID: taskID, Status: string(result.Status), Result: result.Text,
		BudgetUsed: env.Usage(), StepsExecuted: len(result.Steps),
	})
}

func (s *Server) handleStreamTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	preset := budget.Preset(req.Budget)
	if preset == "" {
		preset = budget.Medium
	}
	if !budget.IsValidPreset(preset) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown budget preset %q", req.Budget))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	taskID := newTaskID()
	s.markActive(taskID, true)
	defer s.markActive(taskID, false)
	s.touchSession(r.Context(), req.SessionID)

	s.publishSSE(r.Context(), w, flusher, taskID, "progress", map[string]any{"taskId": taskID, "status": "running"})

	env := budget.Create(preset)
	result := s.Executor.Run(r.Context(), env, executor.Input{TaskID: taskID, Description: req.Description})
	if s.Results != nil {
		_ = s.Results.Save(r.Context(), result)
	}
	if result.Text != "" {
		s.publishSSE(r.Context(), w, flusher, taskID, "chunk", map[string]any{"taskId": taskID, "content": result.Text})
	}
	s.publishSSE(r.Context(), w, flusher, taskID, "result", createTaskResponse{
		TaskID: taskID, Status: string(result.Status), Result: result.Text,
		BudgetUsed: env.Usage(), StepsExecuted: len(result.Steps),
	})
	if s.Streams != nil {
		_ = s.Streams.Destroy(r.Context(), taskID)
	}
}

// publishSSE writes an SSE frame to the connected client and, when a
// StreamPublisher is configured, mirrors the same event onto the task's
// reconnectable cross-process stream.
func (s *Server) publishSSE(ctx context.Context, w http.ResponseWriter, f http.Flusher, taskID, event string, data any) {
	writeSSE(w, f, event, data)
	if s.Streams != nil {
		_, _ = s.Streams.Publish(ctx, taskID, pulsestream.Event{Name: event, Data: data})
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	if s.Results == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	result, err := s.Results.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	if s.Results == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	result, err := s.Results.Load(r.Context(), id)
	if err != nil || result.Trace == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, result.Trace)
}

// handleGetDecisions derives the causal decision graph from a task's stored
// trace on demand rather than persisting it redundantly alongside Trace.
func (s *Server) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	id := s.pathVar(r, "id")
	if s.Results == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	result, err := s.Results.Load(r.Context(), id)
	if err != nil || result.Trace == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, decisiongraph.Build(result.Trace))
}

type healthResponse struct {
	Status             string          `json:"status"`
	Providers          map[string]bool `json:"providers"`
	Tools              []string        `json:"tools"`
	ActiveTasks        int             `json:"activeTasks"`
	Memory             memoryStats     `json:"memory"`
	Uptime             string          `json:"uptime"`
	ClusterEscalations int             `json:"clusterEscalations,omitempty"`
}

// RouterHealth reports cluster-wide escalation telemetry (modelrouter.Router
// satisfies this).
type RouterHealth interface {
	ClusterEscalationCount() int
}

type memoryStats struct {
	AllocBytes uint64 `json:"allocBytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var providerHealth map[string]bool
	if s.Health != nil {
		providerHealth = s.Health.Providers(r.Context())
		for _, up := range providerHealth {
			if !up {
				status = "degraded"
			}
		}
	}
	var tools []string
	if s.Registry != nil {
		tools = s.Registry.Names()
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	var clusterEscalations int
	if s.Router != nil {
		clusterEscalations = s.Router.ClusterEscalationCount()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status: status, Providers: providerHealth, Tools: tools,
		ActiveTasks: s.activeCount(), Memory: memoryStats{AllocBytes: mem.Alloc},
		Uptime: time.Since(s.started).String(), ClusterEscalations: clusterEscalations,
	})
}

type webhookRequest struct {
	Text      string `json:"text"`
	Message   string `json:"message"`
	Content   string `json:"content"`
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
	Username  string `json:"username"`
	ThreadID  string `json:"threadId"`
}

type webhookResponse struct {
	Text     string         `json:"text"`
	ThreadID string         `json:"threadId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// handleWebhook implements spec §6's webhook ingest contract: 400 on missing
// text, 401 on a bad bearer secret, 500 on internal failure.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.WebhookSecret != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.WebhookSecret {
			writeError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
	}
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := firstNonEmpty(req.Text, req.Message, req.Content)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	taskID := newTaskID()
	env := budget.Create(budget.Medium)
	result := s.Executor.Run(r.Context(), env, executor.Input{TaskID: taskID, Description: text})
	if result.Status == executor.StatusFailed {
		writeError(w, http.StatusInternalServerError, result.Error)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		Text: result.Text, ThreadID: req.ThreadID,
		Metadata: map[string]any{"taskId": taskID, "userId": req.UserID, "channelId": req.ChannelID},
	})
}

// crewRunRequest wraps a crew.CrewDefinition with the budget preset the
// parent envelope is created from (spec §4.8: "crew budget preset").
type crewRunRequest struct {
	Definition crew.CrewDefinition `json:"definition"`
	Budget     string              `json:"budget"`
}

func (s *Server) handleRunCrew(w http.ResponseWriter, r *http.Request) {
	if s.Crew == nil {
		writeError(w, http.StatusServiceUnavailable, "crew orchestrator not configured")
		return
	}
	var req crewRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Definition.Agents) == 0 {
		writeError(w, http.StatusBadRequest, "at least one agent is required")
		return
	}
	preset := budget.Preset(req.Budget)
	if preset == "" {
		preset = budget.Medium
	}
	if !budget.IsValidPreset(preset) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown budget preset %q", req.Budget))
		return
	}

	env := budget.Create(preset)
	tr := trace.New("crew-"+newTaskID(), time.Now)
	result := s.Crew.RunCrew(r.Context(), req.Definition, env, tr.Root)
	tr.Close()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunCrewStream(w http.ResponseWriter, r *http.Request) {
	if s.Crew == nil {
		writeError(w, http.StatusServiceUnavailable, "crew orchestrator not configured")
		return
	}
	var req crewRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Definition.Agents) == 0 {
		writeError(w, http.StatusBadRequest, "at least one agent is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	preset := budget.Preset(req.Budget)
	if preset == "" {
		preset = budget.Medium
	}
	if !budget.IsValidPreset(preset) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown budget preset %q", req.Budget))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	crewID := "crew-" + newTaskID()
	env := budget.Create(preset)
	tr := trace.New(crewID, time.Now)
	events := s.Crew.ExecuteCrewStream(r.Context(), req.Definition, env, tr.Root)
	for ev := range events {
		s.publishSSE(r.Context(), w, flusher, crewID, string(ev.Type), ev)
	}
	tr.Close()
	if s.Streams != nil {
		_ = s.Streams.Destroy(r.Context(), crewID)
	}
}

// touchSession bumps a session's updatedAt if id is non-empty and a
// SessionStore is configured, creating it first if it doesn't exist yet.
// Failures are logged, not surfaced: a task still runs without its session
// bookkeeping succeeding.
func (s *Server) touchSession(ctx context.Context, id string) {
	if id == "" || s.Sessions == nil {
		return
	}
	now := time.Now()
	if err := s.Sessions.Touch(ctx, id, now); err != nil {
		if _, createErr := s.Sessions.Create(ctx, id, now); createErr != nil && s.Logger != nil {
			s.Logger.Warn(ctx, "session touch/create failed", "sessionId", id, "error", createErr)
		}
	}
}

type createSessionRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = newTaskID()
	}
	sess, err := s.Sessions.Create(r.Context(), req.ID, time.Now())
	if err != nil {
		if errors.Is(err, session.ErrEnded) {
			writeError(w, http.StatusConflict, "session has already ended")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := s.Sessions.Load(r.Context(), s.pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := s.Sessions.End(r.Context(), s.pathVar(r, "id"), time.Now())
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		writeJSON(w, http.StatusOK, []session.Session{})
		return
	}
	sessions, err := s.Sessions.List(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type scheduleRequest struct {
	Cron            string `json:"cron"`
	TaskDescription string `json:"taskDescription"`
	BudgetPreset    string `json:"budgetPreset"`
	Enabled         bool   `json:"enabled"`
}

func (s *Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "schedule store not configured")
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cron == "" || req.TaskDescription == "" {
		writeError(w, http.StatusBadRequest, "cron and taskDescription are required")
		return
	}
	preset := budget.Preset(req.BudgetPreset)
	if preset == "" {
		preset = budget.Medium
	}
	if !budget.IsValidPreset(preset) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown budget preset %q", req.BudgetPreset))
		return
	}
	sch := schedule.Schedule{
		ID: s.pathVar(r, "id"), Cron: req.Cron, TaskDescription: req.TaskDescription,
		BudgetPreset: string(preset), Enabled: req.Enabled,
	}
	if err := s.Schedules.Upsert(r.Context(), sch); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	sch, err := s.Schedules.Load(r.Context(), s.pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err := s.Schedules.Delete(r.Context(), s.pathVar(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeJSON(w, http.StatusOK, []schedule.Schedule{})
		return
	}
	schedules, err := s.Schedules.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) markActive(taskID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.active[taskID] = true
	} else {
		delete(s.active, taskID)
	}
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

var taskSeq struct {
	mu sync.Mutex
	n  int64
}

// newTaskID assigns a process-local, monotonically increasing task id; the
// caller persists the full TaskResult keyed by it, so uniqueness only needs
// to hold within one process's lifetime.
func newTaskID() string {
	taskSeq.mu.Lock()
	defer taskSeq.mu.Unlock()
	taskSeq.n++
	return fmt.Sprintf("task-%d-%d", time.Now().UnixNano(), taskSeq.n)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSSE(w http.ResponseWriter, f http.Flusher, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	f.Flush()
}

func (s *Server) pathVar(r *http.Request, name string) string {
	if s.mux == nil {
		return ""
	}
	return s.mux.Vars(r)[name]
}
