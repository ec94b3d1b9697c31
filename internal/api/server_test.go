package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackswan-labs/coordd/internal/health"
	"github.com/blackswan-labs/coordd/internal/identity"
	"github.com/blackswan-labs/coordd/internal/lockmgr"
	"github.com/blackswan-labs/coordd/internal/memory"
	"github.com/blackswan-labs/coordd/internal/metrics"
	"github.com/blackswan-labs/coordd/internal/project"
	"github.com/blackswan-labs/coordd/internal/registry"
	"github.com/blackswan-labs/coordd/internal/session"
	"github.com/blackswan-labs/coordd/internal/store"
	"github.com/blackswan-labs/coordd/pkg/tokenstore"
)

// testApp wires a full server against a temp database.
func testApp(t *testing.T) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()

	ds, err := store.New(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	tokens := tokenstore.NewMemoryStore()
	locks := lockmgr.NewManager(ds, logger)
	sessions := session.NewManager(ds, logger)
	reg := registry.New(ds, locks, sessions, tokens, 5*time.Minute, logger)
	projects := project.NewService(ds, identity.NewResolver(64), ".coordd.yaml", logger)
	mem := memory.NewStore(ds, logger)
	issuer := NewIssuer("test-secret", time.Hour, tokens)
	checker := health.NewChecker(logger)
	collector := metrics.New()

	handlers := NewHandlers(projects, reg, locks, mem, sessions, issuer, checker, collector,
		LockLimits{Default: 5 * time.Minute, Max: 30 * time.Minute}, 30*time.Second, "test-operator", logger)

	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		RateLimit:  RateLimitConfig{RPS: 1000, Burst: 2000},
	}, handlers, issuer, collector, logger)

	return srv.App()
}

func doJSON(t *testing.T, app *fiber.App, method, path, token, body string) (*http.Response, Envelope) {
	t.Helper()
	return doRequest(t, app, method, path, token, "", body)
}

// doOperatorJSON is doJSON plus the operator token header.
func doOperatorJSON(t *testing.T, app *fiber.App, method, path, token, operator, body string) (*http.Response, Envelope) {
	t.Helper()
	return doRequest(t, app, method, path, token, operator, body)
}

func doRequest(t *testing.T, app *fiber.App, method, path, token, operator, body string) (*http.Response, Envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if operator != "" {
		req.Header.Set("X-Admin-Token", operator)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	var env Envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return resp, env
}

// registerAgent registers an agent for the given remote and returns its
// ID and bearer token.
func registerAgent(t *testing.T, app *fiber.App, agentType, remote string) (string, string) {
	t.Helper()
	body := fmt.Sprintf(`{"agentType":%q,"remoteOrigin":%q,"capabilities":["go"]}`, agentType, remote)
	resp, env := doJSON(t, app, "POST", "/api/v1/agents/register", "", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)

	data := decodeData[RegisterAgentResponse](t, env)
	require.NotEmpty(t, data.Token)
	require.NotNil(t, data.Agent)
	return data.Agent.AgentID, data.Token
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestServer_Healthz(t *testing.T) {
	app := testApp(t)
	resp, env := doJSON(t, app, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
}

func TestServer_Readyz(t *testing.T) {
	app := testApp(t)
	resp, _ := doJSON(t, app, "GET", "/readyz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RegisterAgent(t *testing.T) {
	app := testApp(t)

	resp, env := doJSON(t, app, "POST", "/api/v1/agents/register", "",
		`{"agentType":"coder","remoteOrigin":"git@github.com:acme/widgets.git"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)

	data := decodeData[RegisterAgentResponse](t, env)
	assert.NotEmpty(t, data.Token)
	assert.Equal(t, "coder", data.Agent.AgentType)
	assert.Equal(t, "github.com/acme/widgets", data.Project.RemoteOrigin)
	assert.Equal(t, data.Project.ProjectKey, data.Agent.ProjectKey)
	require.NotNil(t, data.Coordination)
	assert.Equal(t, 1, data.Coordination.TotalAgents)
	require.NotNil(t, data.Memory)
	assert.Zero(t, data.Memory.TotalMemories)
}

func TestServer_RegisterAgent_MissingType(t *testing.T) {
	app := testApp(t)
	resp, env := doJSON(t, app, "POST", "/api/v1/agents/register", "",
		`{"remoteOrigin":"git@github.com:acme/widgets.git"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestServer_AuthRequired(t *testing.T) {
	app := testApp(t)

	resp, env := doJSON(t, app, "GET", "/api/v1/agents", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_error", env.Error.Code)

	resp, _ = doJSON(t, app, "GET", "/api/v1/agents", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ProjectAutoRegister_Idempotent(t *testing.T) {
	app := testApp(t)

	resp, env := doJSON(t, app, "POST", "/api/v1/projects/auto-register", "",
		`{"remoteOrigin":"https://github.com/acme/widgets.git"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeData[project.Project](t, env)

	resp, env = doJSON(t, app, "GET",
		"/api/v1/projects/auto-register?remoteOrigin=git%40github.com%3Aacme%2Fwidgets.git", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeData[project.Project](t, env)

	assert.Equal(t, first.ProjectKey, second.ProjectKey)
}

func TestServer_LockConflict(t *testing.T) {
	app := testApp(t)
	remote := "git@github.com:acme/widgets.git"
	aID, aTok := registerAgent(t, app, "coder", remote)
	_, bTok := registerAgent(t, app, "reviewer", remote)

	resp, env := doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/files", aTok,
		`{"operation":"lock","filePath":"src/app.js","lockType":"write","duration":300,"reason":"editing"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	// Second agent hits a conflict carrying the holder details.
	bID := pathAgent(t, app, bTok)
	resp, env = doJSON(t, app, "POST", "/api/v1/agents/"+bID+"/files", bTok,
		`{"operation":"lock","filePath":"src/app.js","lockType":"write"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.False(t, env.Success)
	assert.Equal(t, "conflict", env.Error.Code)
	assert.Equal(t, aID, env.Error.Details["holder"])
	assert.Equal(t, "write", env.Error.Details["lock_type"])

	// Check reports the holder without acquiring.
	resp, env = doJSON(t, app, "POST", "/api/v1/agents/"+bID+"/files", bTok,
		`{"operation":"check","filePath":"src/app.js"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decodeData[lockmgr.LockState](t, env)
	assert.True(t, state.Locked)
	require.Len(t, state.Holders, 1)
	assert.Equal(t, aID, state.Holders[0].AgentID)

	// Holder releases; the other agent succeeds.
	resp, _ = doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/files", aTok,
		`{"operation":"unlock","filePath":"src/app.js"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, app, "POST", "/api/v1/agents/"+bID+"/files", bTok,
		`{"operation":"lock","filePath":"src/app.js","lockType":"write"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// pathAgent extracts the caller's agent ID from its own agent listing.
func pathAgent(t *testing.T, app *fiber.App, token string) string {
	t.Helper()
	resp, env := doJSON(t, app, "GET", "/api/v1/agents", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[ListAgentsResponse](t, env)
	require.NotEmpty(t, list.Agents)
	return list.Agents[len(list.Agents)-1].AgentID
}

func TestServer_FileOp_OtherAgentForbidden(t *testing.T) {
	app := testApp(t)
	remote := "git@github.com:acme/widgets.git"
	aID, _ := registerAgent(t, app, "coder", remote)
	_, bTok := registerAgent(t, app, "reviewer", remote)

	resp, env := doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/files", bTok,
		`{"operation":"lock","filePath":"src/app.js"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", env.Error.Code)
}

func TestServer_UnlockWithoutLock(t *testing.T) {
	app := testApp(t)
	aID, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")

	resp, env := doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/files", aTok,
		`{"operation":"unlock","filePath":"never.go"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestServer_Heartbeat(t *testing.T) {
	app := testApp(t)
	aID, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")

	resp, env := doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/heartbeat", aTok,
		`{"status":"busy"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData[HeartbeatResponse](t, env)
	assert.Equal(t, registry.StatusBusy, data.Agent.Status)
	assert.Equal(t, int64(300), data.TTLSeconds)
	assert.Equal(t, int64(30), data.IntervalSeconds)
}

func TestServer_Memory(t *testing.T) {
	app := testApp(t)
	aID, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")

	resp, env := doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/memory", aTok,
		`{"type":"episodic","content":"auth middleware rewritten","importance":8,"tags":["auth"],"context":{"file":"internal/api/auth.go"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	stored := decodeData[memory.Memory](t, env)
	assert.NotEmpty(t, stored.MemoryID)
	assert.NotEmpty(t, stored.SessionID)

	resp, env = doJSON(t, app, "GET",
		"/api/v1/agents/"+aID+"/memory?type=episodic&minImportance=5&summary=true", aTok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData[QueryMemoryResponse](t, env)
	require.Len(t, data.Memories, 1)
	assert.Equal(t, "auth middleware rewritten", data.Memories[0].Content)
	require.NotNil(t, data.Summary)
	assert.Equal(t, 1, data.Summary.TotalMemories)
	assert.Contains(t, data.Summary.RecentFiles, "internal/api/auth.go")
}

func TestServer_MemoryIsolation(t *testing.T) {
	app := testApp(t)
	aID, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")
	bID, bTok := registerAgent(t, app, "coder", "git@github.com:other/repo.git")

	resp, _ := doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/memory", aTok,
		`{"type":"semantic","content":"widgets knowledge"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The other project's agent sees nothing.
	resp, env := doJSON(t, app, "GET", "/api/v1/agents/"+bID+"/memory", bTok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData[QueryMemoryResponse](t, env)
	assert.Empty(t, data.Memories)
}

func TestServer_ListAgents_ForeignProjectForbidden(t *testing.T) {
	app := testApp(t)
	_, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")

	resp, env := doJSON(t, app, "GET", "/api/v1/agents?projectId=proj-other", aTok, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", env.Error.Code)
}

func TestServer_Session(t *testing.T) {
	app := testApp(t)
	aID, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")

	resp, _ := doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/files", aTok,
		`{"operation":"lock","filePath":"src/app.js","lockType":"read"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := doJSON(t, app, "GET", "/api/v1/agents/"+aID+"/session", aTok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeData[session.View](t, env)
	assert.Equal(t, aID, view.Session.AgentID)
	require.Len(t, view.LocksHeld, 1)
	assert.Equal(t, "src/app.js", view.LocksHeld[0].FilePath)
}

func TestServer_UnregisterRevokesToken(t *testing.T) {
	app := testApp(t)
	aID, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")

	resp, _ := doJSON(t, app, "DELETE", "/api/v1/agents/"+aID, aTok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The token dies with the registration, before the JWT expiry.
	resp, env := doJSON(t, app, "GET", "/api/v1/agents", aTok, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_error", env.Error.Code)
}

func TestServer_AggregateMemory(t *testing.T) {
	app := testApp(t)
	aID, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")
	bID, bTok := registerAgent(t, app, "coder", "git@github.com:other/repo.git")

	resp, env := doJSON(t, app, "GET", "/api/v1/agents", aTok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projA := decodeData[ListAgentsResponse](t, env).Agents[0].ProjectKey
	resp, env = doJSON(t, app, "GET", "/api/v1/agents", bTok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projB := decodeData[ListAgentsResponse](t, env).Agents[0].ProjectKey

	resp, _ = doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/memory", aTok,
		`{"type":"episodic","content":"from project a"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, app, "POST", "/api/v1/agents/"+bID+"/memory", bTok,
		`{"type":"episodic","content":"from project b"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env = doOperatorJSON(t, app, "GET",
		"/api/v1/memory/aggregate?projectKeys="+projA+","+projB, aTok, "test-operator", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data struct {
		Projects []memory.ProjectAggregate `json:"projects"`
	}
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Len(t, data.Projects, 2)
	assert.Equal(t, 1, data.Projects[0].Summary.TotalMemories)
	assert.Equal(t, 1, data.Projects[1].Summary.TotalMemories)
}

func TestServer_AggregateMemory_OperatorTokenRequired(t *testing.T) {
	app := testApp(t)
	_, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")
	bID, bTok := registerAgent(t, app, "coder", "git@github.com:other/secret.git")

	resp, _ := doJSON(t, app, "POST", "/api/v1/agents/"+bID+"/memory", bTok,
		`{"type":"semantic","content":"internal design notes"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := doJSON(t, app, "GET", "/api/v1/agents", bTok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projB := decodeData[ListAgentsResponse](t, env).Agents[0].ProjectKey

	// An agent bearer token never reaches across projects.
	resp, env = doJSON(t, app, "GET",
		"/api/v1/memory/aggregate?projectKeys="+projB, aTok, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.False(t, env.Success)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Nil(t, env.Data)

	// A wrong operator token is no better.
	resp, _ = doOperatorJSON(t, app, "GET",
		"/api/v1/memory/aggregate?projectKeys="+projB, aTok, "guessed-wrong", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The caller's own project needs no operator token.
	resp, env = doJSON(t, app, "GET", "/api/v1/agents", aTok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projA := decodeData[ListAgentsResponse](t, env).Agents[0].ProjectKey
	resp, _ = doJSON(t, app, "GET",
		"/api/v1/memory/aggregate?projectKeys="+projA, aTok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_LockDurationCapped(t *testing.T) {
	app := testApp(t)
	aID, aTok := registerAgent(t, app, "coder", "git@github.com:acme/widgets.git")

	resp, env := doJSON(t, app, "POST", "/api/v1/agents/"+aID+"/files", aTok,
		`{"operation":"lock","filePath":"src/app.js","duration":999999}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", env.Error.Code)
}
