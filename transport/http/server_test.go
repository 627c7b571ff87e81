package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/constitution"
	"github.com/taskcore/engine/crew"
	"github.com/taskcore/engine/decisiongraph"
	"github.com/taskcore/engine/executor"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/store/pulsestream"
	"github.com/taskcore/engine/store/schedule"
	"github.com/taskcore/engine/store/session"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

type respondingProvider struct{}

func (respondingProvider) Chat(context.Context, providers.ModelRequest) (providers.ModelResponse, error) {
	return providers.ModelResponse{Content: `{"action":"respond","text":"hello from crew"}`}, nil
}

func (respondingProvider) ChatStream(context.Context, providers.ModelRequest) (<-chan providers.StreamChunk, error) {
	return nil, nil
}

type fixedResolver struct{ prov providers.Provider }

func (r fixedResolver) Resolve(string) (providers.Provider, bool) { return r.prov, true }

func newTestCrew(t *testing.T) *crew.Crew {
	t.Helper()
	c := constitution.New()
	reg := toolregistry.New(c)
	router := modelrouter.NewRouter(modelrouter.Policy{
		SLM: modelrouter.ModelChoice{Provider: "fake", Model: "fake-slm"},
		LLM: modelrouter.ModelChoice{Provider: "fake", Model: "fake-llm"},
	})
	resolver := fixedResolver{prov: respondingProvider{}}
	pl := planner.New(router, resolver, reg, c, nil)
	ex := executor.New(pl, reg, c, router, resolver, nil)
	return crew.New(pl, ex, reg, c, router, resolver, nil)
}

var errNotFound = errors.New("not found")

func newTestServer(t *testing.T) (*Server, goahttp.Muxer) {
	t.Helper()
	s := New(time.Now())
	s.Registry = toolregistry.New(constitution.New())
	mux := goahttp.NewMuxer()
	s.Mount(mux)
	return s, mux
}

type fakeResultStore struct {
	results map[string]executor.TaskResult
}

func (f *fakeResultStore) Save(ctx context.Context, result executor.TaskResult) error {
	if f.results == nil {
		f.results = make(map[string]executor.TaskResult)
	}
	f.results[result.TaskID] = result
	return nil
}

func (f *fakeResultStore) Load(ctx context.Context, taskID string) (executor.TaskResult, error) {
	r, ok := f.results[taskID]
	if !ok {
		return executor.TaskResult{}, errNotFound
	}
	return r, nil
}

type fakeHealth struct{ providers map[string]bool }

func (f *fakeHealth) Providers(ctx context.Context) map[string]bool { return f.providers }

type fakeSessionStore struct {
	sessions map[string]session.Session
}

func (f *fakeSessionStore) Create(ctx context.Context, id string, now time.Time) (session.Session, error) {
	if f.sessions == nil {
		f.sessions = make(map[string]session.Session)
	}
	if existing, ok := f.sessions[id]; ok {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrEnded
		}
		return existing, nil
	}
	sess := session.Session{ID: id, Status: session.StatusActive, CreatedAt: now, UpdatedAt: now}
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeSessionStore) Load(ctx context.Context, id string) (session.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessionStore) End(ctx context.Context, id string, endedAt time.Time) (session.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	sess.Status = session.StatusEnded
	sess.UpdatedAt = endedAt
	sess.EndedAt = &endedAt
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeSessionStore) Touch(ctx context.Context, id string, now time.Time) error {
	sess, ok := f.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	sess.UpdatedAt = now
	f.sessions[id] = sess
	return nil
}

func (f *fakeSessionStore) List(ctx context.Context, limit int64) ([]session.Session, error) {
	out := make([]session.Session, 0, len(f.sessions))
	for _, sess := range f.sessions {
		out = append(out, sess)
	}
	return out, nil
}

type fakeScheduleStore struct {
	schedules map[string]schedule.Schedule
}

func (f *fakeScheduleStore) Upsert(ctx context.Context, sch schedule.Schedule) error {
	if f.schedules == nil {
		f.schedules = make(map[string]schedule.Schedule)
	}
	f.schedules[sch.ID] = sch
	return nil
}

func (f *fakeScheduleStore) Load(ctx context.Context, id string) (schedule.Schedule, error) {
	sch, ok := f.schedules[id]
	if !ok {
		return schedule.Schedule{}, schedule.ErrNotFound
	}
	return sch, nil
}

func (f *fakeScheduleStore) Delete(ctx context.Context, id string) error {
	delete(f.schedules, id)
	return nil
}

func (f *fakeScheduleStore) List(ctx context.Context) ([]schedule.Schedule, error) {
	out := make([]schedule.Schedule, 0, len(f.schedules))
	for _, sch := range f.schedules {
		out = append(out, sch)
	}
	return out, nil
}

type fakeStreamPublisher struct {
	published int
	destroyed bool
}

func (f *fakeStreamPublisher) Publish(ctx context.Context, taskID string, ev pulsestream.Event) (string, error) {
	f.published++
	return "0-1", nil
}

func (f *fakeStreamPublisher) Destroy(ctx context.Context, taskID string) error {
	f.destroyed = true
	return nil
}

func TestHandleCreateTaskRejectsEmptyDescription(t *testing.T) {
	_, mux := newTestServer(t)
	body, err := json.Marshal(map[string]string{"description": ""})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateTaskRejectsUnknownBudgetPreset(t *testing.T) {
	_, mux := newTestServer(t)
	body, err := json.Marshal(map[string]string{"description": "do a thing", "budget": "bogus"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateTaskRejectsMalformedBody(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetTaskNotFound(t *testing.T) {
	s, mux := newTestServer(t)
	s.Results = &fakeResultStore{}

	req := httptest.NewRequest(http.MethodGet, "/tasks/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetTaskReturnsStoredResult(t *testing.T) {
	s, mux := newTestServer(t)
	store := &fakeResultStore{}
	s.Results = store
	_ = store.Save(context.Background(), executor.TaskResult{TaskID: "task-1", Status: executor.StatusSucceeded, Text: "done"})

	req := httptest.NewRequest(http.MethodGet, "/tasks/task-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got executor.TaskResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "done", got.Text)
}

func TestHandleGetTraceNotFoundWhenResultHasNoTrace(t *testing.T) {
	s, mux := newTestServer(t)
	store := &fakeResultStore{}
	s.Results = store
	_ = store.Save(context.Background(), executor.TaskResult{TaskID: "task-2", Status: executor.StatusSucceeded})

	req := httptest.NewRequest(http.MethodGet, "/tasks/task-2/trace", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetDecisionsNotFoundWhenResultHasNoTrace(t *testing.T) {
	s, mux := newTestServer(t)
	store := &fakeResultStore{}
	s.Results = store
	_ = store.Save(context.Background(), executor.TaskResult{TaskID: "task-3", Status: executor.StatusSucceeded})

	req := httptest.NewRequest(http.MethodGet, "/tasks/task-3/decisions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetDecisionsReturnsGraphForStoredTrace(t *testing.T) {
	s, mux := newTestServer(t)
	store := &fakeResultStore{}
	s.Results = store
	tr := trace.New("task-4", time.Now)
	tr.Root.AddEvent(trace.EventStateTransition, map[string]any{"to": "plan"})
	_ = store.Save(context.Background(), executor.TaskResult{TaskID: "task-4", Status: executor.StatusSucceeded, Trace: tr})

	req := httptest.NewRequest(http.MethodGet, "/tasks/task-4/decisions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got decisiongraph.DecisionGraph
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Nodes, 1)
}

func TestHandleRunCrewUnavailableWithoutCrewConfigured(t *testing.T) {
	_, mux := newTestServer(t)
	body, err := json.Marshal(crewRunRequest{Definition: crew.CrewDefinition{Agents: []crew.AgentDefinition{{ID: "a"}}}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/crews", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleRunCrewRejectsNoAgents(t *testing.T) {
	s, mux := newTestServer(t)
	s.Crew = newTestCrew(t)
	body, err := json.Marshal(crewRunRequest{Definition: crew.CrewDefinition{}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/crews", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunCrewReturnsAggregatedResult(t *testing.T) {
	s, mux := newTestServer(t)
	s.Crew = newTestCrew(t)
	reqBody := crewRunRequest{
		Budget: string(budget.Medium),
		Definition: crew.CrewDefinition{
			Strategy: crew.StrategySequential,
			Agents:   []crew.AgentDefinition{{ID: "a", Instructions: "say hi", Mode: crew.ExecutionDirect}},
		},
	}
	body, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/crews", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got crew.CrewResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.AgentResults, 1)
	assert.Equal(t, "hello from crew", got.AgentResults[0].Text)
}

func TestHandleCreateSessionAssignsIDWhenOmitted(t *testing.T) {
	s, mux := newTestServer(t)
	s.Sessions = &fakeSessionStore{}

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, session.StatusActive, got.Status)
}

func TestHandleEndSessionThenGetReflectsEnded(t *testing.T) {
	s, mux := newTestServer(t)
	store := &fakeSessionStore{}
	s.Sessions = store
	_, err := store.Create(context.Background(), "sess-1", time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/end", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var got session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, session.StatusEnded, got.Status)
}

func TestHandleGetSessionNotFound(t *testing.T) {
	s, mux := newTestServer(t)
	s.Sessions = &fakeSessionStore{}

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUpsertScheduleRejectsMissingFields(t *testing.T) {
	s, mux := newTestServer(t)
	s.Schedules = &fakeScheduleStore{}

	req := httptest.NewRequest(http.MethodPut, "/schedules/daily", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpsertScheduleThenListAndDelete(t *testing.T) {
	s, mux := newTestServer(t)
	s.Schedules = &fakeScheduleStore{}

	body, err := json.Marshal(scheduleRequest{Cron: "0 9 * * *", TaskDescription: "daily report", Enabled: true})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/schedules/daily", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/schedules", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []schedule.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "daily", list[0].ID)

	req = httptest.NewRequest(http.MethodDelete, "/schedules/daily", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/schedules/daily", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStreamTaskMirrorsEventsToStreamPublisher(t *testing.T) {
	s, mux := newTestServer(t)
	s.Executor = newTestExecutorForStream(t)
	streams := &fakeStreamPublisher{}
	s.Streams = streams

	body, err := json.Marshal(createTaskRequest{Description: "say hi"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/tasks/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, streams.published, 2)
	assert.True(t, streams.destroyed)
}

func newTestExecutorForStream(t *testing.T) *executor.Executor {
	t.Helper()
	c := constitution.New()
	reg := toolregistry.New(c)
	router := modelrouter.NewRouter(modelrouter.Policy{
		SLM: modelrouter.ModelChoice{Provider: "fake", Model: "fake-slm"},
		LLM: modelrouter.ModelChoice{Provider: "fake", Model: "fake-llm"},
	})
	resolver := fixedResolver{prov: respondingProvider{}}
	pl := planner.New(router, resolver, reg, c, nil)
	return executor.New(pl, reg, c, router, resolver, nil)
}

func TestHandleHealthReportsDegradedWhenAProviderIsDown(t *testing.T) {
	s, mux := newTestServer(t)
	s.Health = &fakeHealth{providers: map[string]bool{"anthropic": true, "openai": false}}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "degraded", resp.Status)
}

func TestHandleWebhookRejectsBadSecret(t *testing.T) {
	s, mux := newTestServer(t)
	s.WebhookSecret = "s3cret"

	body, err := json.Marshal(map[string]string{"text": "hello"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebhookRejectsMissingText(t *testing.T) {
	_, mux := newTestServer(t)
	body, err := json.Marshal(map[string]string{"userId": "u1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
