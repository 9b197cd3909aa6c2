package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/config"
	"scotty/internal/errdefs"
	"scotty/internal/orchestrator"
	"scotty/internal/tasks"
	"scotty/internal/ws"
)

const testJWTSecret = "test-secret"

const testPolicy = `
scopes:
  - name: teamA
  - name: teamB
roles:
  - name: viewer
    permissions: [view, logs]
  - name: admin
    permissions: ["*"]
assignments:
  alice@example.com:
    - role: viewer
      scopes: [teamA]
  root@example.com:
    - role: admin
      scopes: ["*"]
apps:
  blog:
    - teamA
  demo:
    - teamB
`

type fakeLifecycle struct {
	mu      sync.Mutex
	calls   []string
	err     error
	created *orchestrator.CreateRequest
	actions []string
}

func (f *fakeLifecycle) record(call string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.err != nil {
		return "", f.err
	}
	return "task-1", nil
}

func (f *fakeLifecycle) Create(ctx context.Context, req orchestrator.CreateRequest) (string, error) {
	f.created = &req
	return f.record("create " + req.Name)
}

func (f *fakeLifecycle) Run(ctx context.Context, name string) (string, error) {
	return f.record("run " + name)
}

func (f *fakeLifecycle) Stop(ctx context.Context, name string) (string, error) {
	return f.record("stop " + name)
}

func (f *fakeLifecycle) Rebuild(ctx context.Context, name string) (string, error) {
	return f.record("rebuild " + name)
}

func (f *fakeLifecycle) Purge(ctx context.Context, name string) (string, error) {
	return f.record("purge " + name)
}

func (f *fakeLifecycle) Destroy(ctx context.Context, name string) (string, error) {
	return f.record("destroy " + name)
}

func (f *fakeLifecycle) Adopt(name string) (*apps.AppData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &apps.AppData{Name: name, Settings: &apps.AppSettings{}}, nil
}

func (f *fakeLifecycle) RunCustomAction(ctx context.Context, appName, actionName, userID string) (string, error) {
	f.mu.Lock()
	f.actions = append(f.actions, appName+"/"+actionName+" by "+userID)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "task-action", nil
}

type fakeSender struct {
	id     string
	userID string
	frames []ws.Envelope
}

func (f *fakeSender) ID() string     { return f.id }
func (f *fakeSender) UserID() string { return f.userID }
func (f *fakeSender) Send(env ws.Envelope) bool {
	f.frames = append(f.frames, env)
	return true
}

type fakeClients struct {
	senders map[string]*fakeSender
}

func (f *fakeClients) Client(id string) (ws.Sender, bool) {
	sender, ok := f.senders[id]
	return sender, ok
}

type fakeLogs struct {
	starts []ws.StartLogStream
}

func (f *fakeLogs) Start(client ws.Sender, req ws.StartLogStream) {
	f.starts = append(f.starts, req)
}

type fakeShell struct {
	err     error
	creates []string
}

func (f *fakeShell) Create(ctx context.Context, clientID, appName, serviceName, shellCmd string) (string, error) {
	f.creates = append(f.creates, clientID+" "+appName+"/"+serviceName+" "+shellCmd)
	if f.err != nil {
		return "", f.err
	}
	return "sess-1", nil
}

type apiHarness struct {
	srv       *Server
	router    http.Handler
	fs        afero.Fs
	registry  *apps.Registry
	tasks     *tasks.Manager
	lifecycle *fakeLifecycle
	clients   *fakeClients
	logs      *fakeLogs
	shell     *fakeShell
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/policy.yaml", []byte(testPolicy), 0o600))
	engine, err := authz.New(authz.Options{Fs: fs, PolicyFile: "/policy.yaml"})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth.JWTSecret = testJWTSecret

	h := &apiHarness{
		fs:        fs,
		registry:  apps.NewRegistry(),
		tasks:     tasks.NewManager(0, 0, nil),
		lifecycle: &fakeLifecycle{},
		clients:   &fakeClients{senders: map[string]*fakeSender{}},
		logs:      &fakeLogs{},
		shell:     &fakeShell{},
	}
	h.registry.Add(&apps.AppData{
		Name:          "blog",
		RootDirectory: "/srv/apps/blog",
		Status:        apps.AppStatusRunning,
		Services:      []apps.ContainerState{{Service: "web", ContainerID: "c-web", Status: apps.ContainerRunning}},
		Settings: &apps.AppSettings{
			Domain:      "example.test",
			Environment: map[string]string{"DB_PASSWORD": "hunter2", "GREETING": "hello"},
		},
	})
	h.registry.Add(&apps.AppData{
		Name:          "demo",
		RootDirectory: "/srv/apps/demo",
		Status:        apps.AppStatusRunning,
		Settings:      &apps.AppSettings{},
	})
	require.NoError(t, fs.MkdirAll("/srv/apps/blog", 0o755))

	h.srv = New(Options{
		Config:    cfg,
		Version:   "test",
		Auth:      engine,
		Registry:  h.registry,
		Fs:        fs,
		Tasks:     h.tasks,
		Lifecycle: h.lifecycle,
		Logs:      h.logs,
		Shell:     h.shell,
		Clients:   h.clients,
	})
	h.router = h.srv.Router()
	return h
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.RegisteredClaims{Subject: subject}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

// do performs a request as the given user; an empty user sends no token.
func (h *apiHarness) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, user))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestInfoIsPublic(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "", http.MethodGet, "/api/v1/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "jwt", body["auth_mode"])
}

func TestMissingTokenIsRejected(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "", http.MethodGet, "/api/v1/authenticated/apps", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBogusTokenIsRejected(t *testing.T) {
	h := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/authenticated/apps", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListAppsFiltersByPermissionAndMasks(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "alice@example.com", http.MethodGet, "/api/v1/authenticated/apps", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// alice only holds teamA; demo is bound to teamB.
	assert.Contains(t, rec.Body.String(), `"blog"`)
	assert.NotContains(t, rec.Body.String(), `"demo"`)

	// Sensitive env values never leave in cleartext.
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, rec.Body.String(), apps.MaskedValue)
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestAppInfoDeniedOutsideScope(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "alice@example.com", http.MethodGet, "/api/v1/authenticated/apps/info/demo", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLifecycleSpawnsTask(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/apps/run/blog", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, []string{"run blog"}, h.lifecycle.calls)
}

func TestViewerMayNotDestroy(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "alice@example.com", http.MethodGet, "/api/v1/authenticated/apps/destroy/blog", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.lifecycle.calls)
}

func TestLifecycleErrorsMapToStatus(t *testing.T) {
	h := newAPIHarness(t)
	h.lifecycle.err = errdefs.Conflict("operation already running")
	rec := h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/apps/stop/blog", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRequiresCreatePermission(t *testing.T) {
	h := newAPIHarness(t)
	payload := map[string]any{
		"app_name": "fresh",
		"files":    map[string]string{"docker-compose.yml": "services: {}"},
	}

	rec := h.do(t, "alice@example.com", http.MethodPost, "/api/v1/authenticated/apps/create", payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/apps/create", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, h.lifecycle.created)
	assert.Equal(t, "fresh", h.lifecycle.created.Name)
	assert.Equal(t, []byte("services: {}"), h.lifecycle.created.Files["docker-compose.yml"])
}

func TestAdoptConflictMapsTo409(t *testing.T) {
	h := newAPIHarness(t)
	h.lifecycle.err = errdefs.Conflict("app blog already has settings")
	rec := h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/apps/adopt/blog", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCustomActionLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	add := map[string]any{
		"name":     "migrate",
		"commands": map[string][]string{"web": {"./migrate.sh"}},
	}

	rec := h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/apps/blog/custom-actions", add)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending"`)

	// Settings were persisted next to the compose file.
	data, err := afero.ReadFile(h.fs, "/srv/apps/blog/"+apps.SettingsFileName)
	require.NoError(t, err)
	assert.Contains(t, string(data), "migrate")

	rec = h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/apps/blog/custom-actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "migrate")

	rec = h.do(t, "root@example.com", http.MethodDelete, "/api/v1/authenticated/apps/blog/custom-actions/migrate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "root@example.com", http.MethodDelete, "/api/v1/authenticated/apps/blog/custom-actions/migrate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestViewerMayNotManageActions(t *testing.T) {
	h := newAPIHarness(t)
	add := map[string]any{
		"name":     "migrate",
		"commands": map[string][]string{"web": {"./migrate.sh"}},
	}
	rec := h.do(t, "alice@example.com", http.MethodPost, "/api/v1/authenticated/apps/blog/custom-actions", add)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprovalWorkflow(t *testing.T) {
	h := newAPIHarness(t)
	add := map[string]any{
		"name":     "migrate",
		"commands": map[string][]string{"web": {"./migrate.sh"}},
	}
	rec := h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/apps/blog/custom-actions", add)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/admin/actions/blog/migrate/approve",
		map[string]any{"comment": "reviewed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"approved"`)

	app := h.registry.Get("blog")
	action := app.Settings.CustomActions["migrate"]
	assert.Equal(t, apps.ActionApproved, action.Status)
	assert.Equal(t, "root@example.com", action.ReviewedBy)

	// Approving twice violates the transition table.
	rec = h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/admin/actions/blog/migrate/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/admin/actions/blog/migrate/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, apps.ActionRevoked, h.registry.Get("blog").Settings.CustomActions["migrate"].Status)
}

func TestRunCustomActionDelegates(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/apps/blog/actions",
		map[string]any{"action_name": "migrate"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"blog/migrate by root@example.com"}, h.lifecycle.actions)
}

func TestAdminEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "alice@example.com", http.MethodGet, "/api/v1/authenticated/admin/permissions", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/admin/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "action_approve")

	rec = h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/admin/scopes",
		map[string]any{"name": "teamC"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/admin/scopes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "teamC")

	rec = h.do(t, "root@example.com", http.MethodPost, "/api/v1/authenticated/admin/assignments",
		map[string]any{"user_id": "bob@example.com", "role": "viewer", "scopes": []string{"teamC"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/admin/assignments", nil)
	assert.Contains(t, rec.Body.String(), "bob@example.com")
}

func TestStartLogStreamChecksClientOwnership(t *testing.T) {
	h := newAPIHarness(t)
	h.clients.senders["ws-root"] = &fakeSender{id: "ws-root", userID: "root@example.com"}
	h.clients.senders["ws-alice"] = &fakeSender{id: "ws-alice", userID: "alice@example.com"}

	// A socket owned by another user cannot be attached to.
	rec := h.do(t, "alice@example.com", http.MethodPost,
		"/api/v1/authenticated/apps/blog/services/web/logs",
		map[string]any{"client_id": "ws-root", "follow": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, "alice@example.com", http.MethodPost,
		"/api/v1/authenticated/apps/blog/services/web/logs",
		map[string]any{"client_id": "ws-alice", "follow": true, "lines": 100})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.logs.starts, 1)
	assert.Equal(t, "blog", h.logs.starts[0].AppName)
	assert.Equal(t, "web", h.logs.starts[0].ServiceName)
	assert.Equal(t, 100, h.logs.starts[0].Lines)
}

func TestLogStreamNeedsLogsPermission(t *testing.T) {
	h := newAPIHarness(t)
	h.clients.senders["ws-alice"] = &fakeSender{id: "ws-alice", userID: "alice@example.com"}
	rec := h.do(t, "alice@example.com", http.MethodPost,
		"/api/v1/authenticated/apps/demo/services/web/logs",
		map[string]any{"client_id": "ws-alice"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.logs.starts)
}

func TestCreateShellSession(t *testing.T) {
	h := newAPIHarness(t)
	h.clients.senders["ws-root"] = &fakeSender{id: "ws-root", userID: "root@example.com"}

	rec := h.do(t, "root@example.com", http.MethodPost,
		"/api/v1/authenticated/apps/blog/services/web/shell",
		map[string]any{"client_id": "ws-root", "shell": "/bin/bash"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, []string{"ws-root blog/web /bin/bash"}, h.shell.creates)
}

func TestShellQuotaMapsTo429(t *testing.T) {
	h := newAPIHarness(t)
	h.clients.senders["ws-root"] = &fakeSender{id: "ws-root", userID: "root@example.com"}
	h.shell.err = errdefs.Quota("shell session limit of 5 reached for blog")

	rec := h.do(t, "root@example.com", http.MethodPost,
		"/api/v1/authenticated/apps/blog/services/web/shell",
		map[string]any{"client_id": "ws-root"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestShellNeedsConnectedClient(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "root@example.com", http.MethodPost,
		"/api/v1/authenticated/apps/blog/services/web/shell",
		map[string]any{"client_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.shell.creates)
}

func TestTaskEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	task := h.tasks.NewTask("blog", "run")
	exitCode := 0
	h.tasks.Finish(task, tasks.StateFinished, &exitCode)

	rec := h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), task.ID)

	rec = h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"blog"`)

	rec = h.do(t, "root@example.com", http.MethodGet, "/api/v1/authenticated/tasks/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
