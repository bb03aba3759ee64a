package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-dev/agentmesh/internal/v1/auth"
	"github.com/agentmesh-dev/agentmesh/internal/v1/discussion"
	"github.com/agentmesh-dev/agentmesh/internal/v1/health"
	"github.com/agentmesh-dev/agentmesh/internal/v1/hub"
	"github.com/agentmesh-dev/agentmesh/internal/v1/middleware"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
	"github.com/agentmesh-dev/agentmesh/internal/v1/protocol"
	"github.com/agentmesh-dev/agentmesh/internal/v1/ratelimit"
	"github.com/agentmesh-dev/agentmesh/internal/v1/router"
	"github.com/agentmesh-dev/agentmesh/internal/v1/session"
	"github.com/agentmesh-dev/agentmesh/internal/v1/storage"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

const taskSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"task_id": {"type": "string"},
		"priority": {"type": "integer", "minimum": 1}
	},
	"required": ["task_id"]
}`

type testEnv struct {
	engine   *gin.Engine
	projects *project.Registry
	sessions *session.Manager
	service  *DiscussionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemory()
	projects := project.NewRegistry(project.Config{
		MaxSessions:       100,
		MaxProtocols:      100,
		MaxQueueSize:      5,
		AllowCrossProject: true,
	})
	protocols := protocol.NewRegistry(store, projects)
	sessions := session.NewManager(store, projects, session.DefaultOptions())
	dlq := router.NewDLQ(100)
	rtr := router.NewRouter(sessions, protocols, dlq)
	cross := router.NewCrossProjectRouter(projects, rtr)
	svc := NewDiscussionService(sessions, nil, discussion.Options{})

	validator := auth.NewHS256Validator("api-test-secret-1234", "agentmesh-test", "agentmesh-clients", time.Hour)
	authenticator := auth.NewAuthenticator(validator, projects)

	s := &Server{
		Projects:             projects,
		Protocols:            protocols,
		Sessions:             sessions,
		Router:               rtr,
		CrossRouter:          cross,
		Discussions:          svc,
		MeetingHub:           hub.NewHub(hub.KindMeeting, authenticator, hub.Options{OnEvent: svc.HubEventHook}),
		ChatHub:              hub.NewHub(hub.KindChat, authenticator, hub.Options{}),
		StatusHub:            hub.NewHub(hub.KindStatus, authenticator, hub.Options{AllowGuests: true}),
		Health:               health.NewHandler(health.Check{Name: "storage", Pinger: store}),
		AllowDefaultFallback: true,
	}
	return &testEnv{engine: s.Routes(), projects: projects, sessions: sessions, service: svc}
}

// do performs a request in the given project namespace ("" uses the default
// fallback) and decodes the JSON response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path, projectID string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if projectID != "" {
		req.Header.Set(middleware.HeaderXProjectID, projectID)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w
}

func (e *testEnv) createProject(t *testing.T, id string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/projects", "", map[string]any{"id": id, "name": id}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (e *testEnv) registerProtocol(t *testing.T, projectID string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/protocols", projectID, map[string]any{
		"name":         "task_assignment",
		"version":      "1.0.0",
		"schema":       json.RawMessage(taskSchema),
		"capabilities": []string{"point_to_point", "broadcast"},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (e *testEnv) createSession(t *testing.T, projectID, sessionID string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/sessions", projectID, map[string]any{
		"session_id": sessionID,
		"capabilities": types.Capabilities{
			Protocols: map[string][]string{"task_assignment": {"1.0.0"}},
			Features:  []string{"json"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestProjectLifecycle(t *testing.T) {
	e := newTestEnv(t)

	var created struct {
		Project struct {
			ID string `json:"id"`
		} `json:"project"`
		APIKeys map[string]string `json:"api_keys"`
	}
	w := e.do(t, "POST", "/api/v1/projects", "", map[string]any{"id": "acme", "name": "Acme"}, &created)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "acme", created.Project.ID)
	assert.Len(t, created.APIKeys, 1)

	w = e.do(t, "GET", "/api/v1/projects/acme", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Duplicate ID conflicts.
	w = e.do(t, "POST", "/api/v1/projects", "", map[string]any{"id": "acme"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Reserved ID rejected.
	w = e.do(t, "POST", "/api/v1/projects", "", map[string]any{"id": "admin"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Archived projects stop identifying.
	w = e.do(t, "POST", "/api/v1/projects/acme/archive", "", nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, "GET", "/api/v1/sessions", "acme", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, "POST", "/api/v1/projects/acme/restore", "", nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, "GET", "/api/v1/sessions", "acme", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownProjectRejected(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/sessions", "ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestProtocolEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.registerProtocol(t, "")

	var discovered struct {
		Count int `json:"count"`
	}
	w := e.do(t, "GET", "/api/v1/protocols?name=task_assignment", "", nil, &discovered)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, discovered.Count)

	w = e.do(t, "GET", "/api/v1/protocols/task_assignment/1.0.0", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Schema violations come back as a result, not an error status.
	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Path       string `json:"path"`
			Constraint string `json:"constraint"`
		} `json:"errors"`
	}
	w = e.do(t, "POST", "/api/v1/protocols/task_assignment/1.0.0/validate", "",
		map[string]any{"payload": map[string]any{"priority": 0}}, &result)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)

	// Bad identifier casing.
	w = e.do(t, "POST", "/api/v1/protocols", "", map[string]any{
		"name": "TaskAssignment", "version": "1.0.0", "schema": json.RawMessage(`{}`),
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestMessageFlow(t *testing.T) {
	e := newTestEnv(t)
	e.registerProtocol(t, "")
	e.createSession(t, "", "agent-a")
	e.createSession(t, "", "agent-b")

	var delivery struct {
		Outcome string `json:"outcome"`
	}
	w := e.do(t, "POST", "/api/v1/messages/send", "", map[string]any{
		"sender_id":        "agent-a",
		"recipient_id":     "agent-b",
		"protocol_name":    "task_assignment",
		"protocol_version": "1.0.0",
		"payload":          map[string]any{"task_id": "t-1", "priority": 2},
	}, &delivery)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "delivered", delivery.Outcome)

	var inbox struct {
		Count int `json:"count"`
	}
	w = e.do(t, "GET", "/api/v1/sessions/agent-b/messages", "", nil, &inbox)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, inbox.Count)

	// Payload violating the schema maps to 422 with field errors.
	w = e.do(t, "POST", "/api/v1/messages/send", "", map[string]any{
		"sender_id":        "agent-a",
		"recipient_id":     "agent-b",
		"protocol_name":    "task_assignment",
		"protocol_version": "1.0.0",
		"payload":          map[string]any{"priority": 0},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "fields")

	var broadcast struct {
		Delivered int `json:"delivered"`
	}
	w = e.do(t, "POST", "/api/v1/messages/broadcast", "", map[string]any{
		"message": map[string]any{
			"sender_id":        "agent-a",
			"protocol_name":    "task_assignment",
			"protocol_version": "1.0.0",
			"payload":          map[string]any{"task_id": "t-2"},
		},
	}, &broadcast)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, broadcast.Delivered)
}

func TestSessionEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.createSession(t, "", "agent-a")

	w := e.do(t, "POST", "/api/v1/sessions/agent-a/heartbeat", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", "/api/v1/sessions/ghost", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "DELETE", "/api/v1/sessions/agent-a", "", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	var listed struct {
		Count int `json:"count"`
	}
	w = e.do(t, "GET", "/api/v1/sessions?status=disconnected", "", nil, &listed)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, listed.Count)
}

func TestCapabilityEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.createSession(t, "", "agent-a")
	e.createSession(t, "", "agent-b")

	var result struct {
		Compatible      bool              `json:"compatible"`
		CommonProtocols map[string]string `json:"common_protocols"`
	}
	w := e.do(t, "POST", "/api/v1/capabilities/negotiate", "", map[string]any{
		"session_a": "agent-a",
		"session_b": "agent-b",
	}, &result)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, result.Compatible)
	assert.Equal(t, "1.0.0", result.CommonProtocols["task_assignment"])

	var matrix struct {
		Count int `json:"count"`
	}
	w = e.do(t, "GET", "/api/v1/capabilities/matrix", "", nil, &matrix)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, matrix.Count)
}

func TestRelationshipFlow(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "alpha")
	e.createProject(t, "beta")
	e.registerProtocol(t, "alpha")
	e.registerProtocol(t, "beta")
	e.createSession(t, "alpha", "agent-a")
	e.createSession(t, "beta", "agent-b")

	var rel struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	w := e.do(t, "POST", "/api/v1/relationships", "alpha", map[string]any{
		"target":  "beta",
		"forward": map[string]any{"allowed_protocols": []string{"task_assignment"}, "messages_per_minute": 100},
		"reverse": map[string]any{"allowed_protocols": []string{"task_assignment"}, "messages_per_minute": 100},
	}, &rel)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pending", rel.Status)

	// Only the target approves.
	w = e.do(t, "POST", "/api/v1/relationships/"+rel.ID+"/approve", "alpha", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(t, "POST", "/api/v1/relationships/"+rel.ID+"/approve", "beta", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var delivery struct {
		Outcome string `json:"outcome"`
	}
	w = e.do(t, "POST", "/api/v1/relationships/"+rel.ID+"/send", "alpha", map[string]any{
		"sender_id":        "agent-a",
		"recipient_id":     "agent-b",
		"protocol_name":    "task_assignment",
		"protocol_version": "1.0.0",
		"payload":          map[string]any{"task_id": "t-1"},
	}, &delivery)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "delivered", delivery.Outcome)

	w = e.do(t, "POST", "/api/v1/relationships/"+rel.ID+"/revoke", "beta", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, "POST", "/api/v1/relationships/"+rel.ID+"/send", "alpha", map[string]any{
		"sender_id":        "agent-a",
		"recipient_id":     "agent-b",
		"protocol_name":    "task_assignment",
		"protocol_version": "1.0.0",
		"payload":          map[string]any{"task_id": "t-2"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDLQEndpoints(t *testing.T) {
	e := newTestEnv(t)
	var listed struct {
		Count int `json:"count"`
	}
	w := e.do(t, "GET", "/api/v1/dlq", "", nil, &listed)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, listed.Count)

	var cleared struct {
		Removed int `json:"removed"`
	}
	w = e.do(t, "DELETE", "/api/v1/dlq", "", nil, &cleared)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, cleared.Removed)
}

func TestDiscussionEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.createSession(t, "", "agent-a")
	e.createSession(t, "", "agent-b")

	// Unknown participant rejected.
	w := e.do(t, "POST", "/api/v1/discussions", "", map[string]any{
		"topic":        "release?",
		"participants": []string{"agent-a", "ghost"},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var snap struct {
		ID    string `json:"id"`
		Phase string `json:"phase"`
	}
	w = e.do(t, "POST", "/api/v1/discussions", "", map[string]any{
		"topic":           "release?",
		"participants":    []string{"agent-a", "agent-b"},
		"initial_speaker": "agent-b",
	}, &snap)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "opinion_collection", snap.Phase)

	w = e.do(t, "GET", "/api/v1/discussions/"+snap.ID, "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Phase machine enforced over HTTP: no decision before a vote.
	w = e.do(t, "POST", "/api/v1/discussions/"+snap.ID+"/decision", "",
		map[string]any{"decision": "ship"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_phase")

	// Completion is gated on an outcome too.
	w = e.do(t, "POST", "/api/v1/discussions/"+snap.ID+"/complete", "", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Other projects cannot see the discussion.
	e.createProject(t, "alpha")
	w = e.do(t, "GET", "/api/v1/discussions/"+snap.ID, "alpha", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// The hub bridge resolves pending opinion and vote asks from inbound meeting
// events.
func TestDiscussionHubBridge(t *testing.T) {
	e := newTestEnv(t)
	e.createSession(t, "", "agent-a")
	e.createSession(t, "", "agent-b")

	coord, err := e.service.Create(context.Background(), types.DefaultProject, "ship it?",
		[]string{"agent-a", "agent-b"}, "", discussion.Options{ResponseTimeout: 2 * time.Second})
	require.NoError(t, err)

	answers := map[string]map[string]string{
		"agent-a": {"opinion": `{"text":"looks good"}`, "vote": `{"vote":"approve"}`},
		"agent-b": {"opinion": `{"text":"needs tests"}`, "vote": `{"vote":"approve"}`},
	}
	stop := make(chan struct{})
	defer close(stop)
	// Feed answers until the asks resolve; unsolicited events are no-ops.
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for agent, byKind := range answers {
					e.service.HubEventHook(context.Background(), coord.ID(), &hub.Client{ID: agent},
						&hub.Event{Type: "opinion", Payload: json.RawMessage(byKind["opinion"])})
					e.service.HubEventHook(context.Background(), coord.ID(), &hub.Client{ID: agent},
						&hub.Event{Type: "consensus_vote", Payload: json.RawMessage(byKind["vote"])})
				}
			}
		}
	}()

	opinions, err := coord.RequestOpinions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "looks good", opinions["agent-a"])
	assert.Equal(t, "needs tests", opinions["agent-b"])

	result, err := coord.FacilitateConsensus(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.True(t, result.Consensus)
	assert.Equal(t, "approve", result.Decision)
}

func TestPublicPathsSkipIdentification(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/", "/health/live", "/health/ready", "/metrics"} {
		w := e.do(t, "GET", path, "", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

// Completing a discussion announces the outcome to its meeting room.
func TestCompleteDiscussionBroadcastsOutcome(t *testing.T) {
	e := newTestEnv(t)
	e.createSession(t, "", "agent-a")
	e.createSession(t, "", "agent-b")

	rec := &statusRecorder{}
	svc := NewDiscussionService(e.sessions, rec, discussion.Options{})
	coord, err := svc.Create(context.Background(), types.DefaultProject, "ship it?",
		[]string{"agent-a", "agent-b"}, "", discussion.Options{ResponseTimeout: 2 * time.Second})
	require.NoError(t, err)

	// Completion is gated on an outcome.
	_, err = svc.Complete(context.Background(), types.DefaultProject, coord.ID())
	assert.Error(t, err)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, agent := range []string{"agent-a", "agent-b"} {
					svc.HubEventHook(context.Background(), coord.ID(), &hub.Client{ID: agent},
						&hub.Event{Type: "opinion", Payload: json.RawMessage(`{"text":"fine"}`)})
					svc.HubEventHook(context.Background(), coord.ID(), &hub.Client{ID: agent},
						&hub.Event{Type: "consensus_vote", Payload: json.RawMessage(`{"vote":"approve"}`)})
				}
			}
		}
	}()

	_, err = coord.RequestOpinions(context.Background())
	require.NoError(t, err)
	result, err := coord.FacilitateConsensus(context.Background(), time.Time{})
	require.NoError(t, err)
	require.True(t, result.Consensus)

	completed, err := svc.Complete(context.Background(), types.DefaultProject, coord.ID())
	require.NoError(t, err)
	assert.Equal(t, discussion.PhaseCompleted, completed.Phase())

	require.NotEmpty(t, rec.events)
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, "discussion_completed", last.Type)
	assert.Contains(t, string(last.Payload), coord.ID())
	assert.Contains(t, string(last.Payload), "approve")
}

// Requests that leave threshold and timeout unset inherit the service's
// configured defaults.
func TestDiscussionServiceAppliesConfiguredDefaults(t *testing.T) {
	e := newTestEnv(t)
	e.createSession(t, "", "agent-a")
	e.createSession(t, "", "agent-b")

	svc := NewDiscussionService(e.sessions, nil, discussion.Options{ResponseTimeout: 20 * time.Millisecond})
	coord, err := svc.Create(context.Background(), types.DefaultProject, "t",
		[]string{"agent-a", "agent-b"}, "", discussion.Options{})
	require.NoError(t, err)

	// Nobody answers; each ask expires on the configured default instead of
	// the built-in five minutes.
	start := time.Now()
	opinions, err := coord.RequestOpinions(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, discussion.NoResponse, opinions["agent-a"])
	assert.Equal(t, discussion.NoResponse, opinions["agent-b"])
}

// The request budget is accounted per project once identification has run, so
// one busy tenant cannot exhaust another's budget from the same address.
func TestRateLimiterKeysByProject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := storage.NewMemory()
	projects := project.NewRegistry(project.Config{MaxQueueSize: 5})
	protocols := protocol.NewRegistry(store, projects)
	sessions := session.NewManager(store, projects, session.DefaultOptions())
	rtr := router.NewRouter(sessions, protocols, router.NewDLQ(0))
	limiter, err := ratelimit.New("2-M", nil)
	require.NoError(t, err)

	s := &Server{
		Projects:    projects,
		Protocols:   protocols,
		Sessions:    sessions,
		Router:      rtr,
		CrossRouter: router.NewCrossProjectRouter(projects, rtr),
		Discussions: NewDiscussionService(sessions, nil, discussion.Options{}),
		Health:      health.NewHandler(),
		Limiter:     limiter,
	}
	engine := s.Routes()

	ctx := context.Background()
	for _, id := range []string{"alpha", "beta"} {
		_, err := projects.CreateProject(ctx, id, "", project.CreateOptions{})
		require.NoError(t, err)
	}

	get := func(projectID string) int {
		req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		req.Header.Set(middleware.HeaderXProjectID, projectID)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("alpha"))
	assert.Equal(t, http.StatusOK, get("alpha"))
	assert.Equal(t, http.StatusTooManyRequests, get("alpha"))
	// Same source address, different project: separate budget.
	assert.Equal(t, http.StatusOK, get("beta"))
}
