package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/hostd"
	"github.com/burrowhq/burrow/pkg/lifecycle"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopBackend struct{}

func (nopBackend) CreateSandbox(context.Context, string) (*hostd.CreateResult, error) {
	return &hostd.CreateResult{}, nil
}
func (nopBackend) SetupSandbox(context.Context, string, hostd.SetupRequest) error { return nil }
func (nopBackend) Exec(context.Context, string, string, time.Duration) (*hostd.ExecResult, error) {
	return &hostd.ExecResult{}, nil
}
func (nopBackend) ListSandboxes(context.Context) ([]hostd.HostSandbox, error) { return nil, nil }
func (nopBackend) DestroySandbox(context.Context, string) error               { return nil }

type fakeSetup struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (f *fakeSetup) Setup(_ context.Context, sb *types.Sandbox) error {
	f.mu.Lock()
	f.calls = append(f.calls, sb.ID)
	f.mu.Unlock()
	select {
	case f.done <- struct{}{}:
	default:
	}
	return nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, sessionID, messageID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID+"/"+messageID)
	f.mu.Unlock()
	select {
	case f.done <- struct{}{}:
	default:
	}
	return nil
}

type apiFixture struct {
	server *httptest.Server
	store  storage.Store
	setup  *fakeSetup
	runner *fakeRunner
	token  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.APIToken = "test-token"
	machine := lifecycle.NewMachine(store, nil)
	poolMgr := pool.NewManager(store, nopBackend{}, nil, cfg.Pool, cfg.Host.PreviewBase)
	setup := &fakeSetup{done: make(chan struct{}, 1)}
	runner := &fakeRunner{done: make(chan struct{}, 1)}

	s := NewServer(store, machine, poolMgr, setup, runner, nil, cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{server: ts, store: store, setup: setup, runner: runner, token: cfg.APIToken}
}

func (f *apiFixture) do(t *testing.T, method, path string, authed bool, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) seedSandbox(t *testing.T, id string, status types.SandboxStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.store.CreateSandbox(&types.Sandbox{
		ID: id, Name: "burrow-" + id, SessionID: "sess-1",
		APISecret: "secret-1", Status: status,
		StatusChangedAt: now, CreatedAt: now,
		StatusHistory: []types.StatusChange{
			{Status: status, Timestamp: now, Reason: "seed"},
		},
	}))
}

func (f *apiFixture) seedSession(t *testing.T, sandboxID string) {
	t.Helper()
	require.NoError(t, f.store.CreateSession(&types.Session{
		ID: "sess-1", RepoID: "repo-1", RepoSlug: "acme/widgets",
		UserID: "user-1", DefaultBranch: "main", SandboxID: sandboxID,
		CreatedAt: time.Now(),
	}))
}

func TestCallbackAdvancesPhase(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSandbox(t, "sb-1", types.SandboxCloning)

	resp := f.do(t, http.MethodPost, "/sandbox-status", false, callbackRequest{
		SandboxName: "burrow-sb-1", APISecret: "secret-1", Status: "installing",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[statusResponse](t, resp).Success)

	sb, err := f.store.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxInstalling, sb.Status)
	historyLen := len(sb.StatusHistory)

	// Duplicate phase is an idempotent success
	resp = f.do(t, http.MethodPost, "/sandbox-status", false, callbackRequest{
		SandboxName: "burrow-sb-1", APISecret: "secret-1", Status: "installing",
	})
	assert.True(t, decodeBody[statusResponse](t, resp).Success)

	// Stale phase is silently accepted
	resp = f.do(t, http.MethodPost, "/sandbox-status", false, callbackRequest{
		SandboxName: "burrow-sb-1", APISecret: "secret-1", Status: "cloning",
	})
	assert.True(t, decodeBody[statusResponse](t, resp).Success)

	sb, err = f.store.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxInstalling, sb.Status)
	assert.Len(t, sb.StatusHistory, historyLen)
}

func TestCallbackRejections(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSandbox(t, "sb-1", types.SandboxCloning)

	// Wrong secret: 200 with success=false so the host never retries
	resp := f.do(t, http.MethodPost, "/sandbox-status", false, callbackRequest{
		SandboxName: "burrow-sb-1", APISecret: "wrong", Status: "installing",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[statusResponse](t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, "secret mismatch", body.Error)

	resp = f.do(t, http.MethodPost, "/sandbox-status", false, callbackRequest{
		SandboxName: "no-such-sandbox", APISecret: "secret-1", Status: "installing",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[statusResponse](t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, "unknown sandbox", body.Error)
}

func TestCallbackFailureGoesUnhealthy(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSandbox(t, "sb-1", types.SandboxInstalling)

	resp := f.do(t, http.MethodPost, "/sandbox-status", false, callbackRequest{
		SandboxName: "burrow-sb-1", APISecret: "secret-1",
		Status: "failed", ErrorMessage: "npm install exited 1",
	})
	assert.True(t, decodeBody[statusResponse](t, resp).Success)

	sb, err := f.store.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxUnhealthy, sb.Status)
	assert.Equal(t, "npm install exited 1", sb.LastError)
}

func TestCallbackRecordsWarmStartHints(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSandbox(t, "sb-1", types.SandboxStarting)

	resp := f.do(t, http.MethodPost, "/sandbox-status", false, callbackRequest{
		SandboxName: "burrow-sb-1", APISecret: "secret-1", Status: "ready",
		Image:      &imageHint{RepoID: "repo-1", Branch: "main", Tag: "img-1", SizeBytes: 42},
		Checkpoint: &checkpointHint{RepoID: "repo-1", Branch: "main", Name: "cp-1"},
	})
	assert.True(t, decodeBody[statusResponse](t, resp).Success)

	img, err := f.store.GetRepoImage("repo-1", "main")
	require.NoError(t, err)
	assert.Equal(t, "img-1", img.Tag)
	assert.Equal(t, types.ImageReady, img.Status)

	cp, err := f.store.GetCheckpoint("repo-1", "main")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", cp.Name)
}

func TestControlRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/sandboxes", false, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/sandboxes", true, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Callback and probes stay open
	resp = f.do(t, http.MethodGet, "/healthz", false, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/readyz", false, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestSandboxPoolHit(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "")
	require.NoError(t, f.store.CreatePoolEntry(&types.PoolEntry{
		ID: "pe-1", Name: "burrow-pool-1", HostID: "hs-pool-1",
		Kind: types.PoolKindGeneric, Status: types.PoolReady, CreatedAt: time.Now(),
	}))

	resp := f.do(t, http.MethodPost, "/sessions/sess-1/sandbox", true, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	sb := decodeBody[sandboxJSON](t, resp)
	assert.Equal(t, "cloning", sb.Status)
	assert.Equal(t, "burrow-pool-1", sb.Name)

	select {
	case <-f.setup.done:
	case <-time.After(2 * time.Second):
		t.Fatal("setup driver was not invoked")
	}

	sess, err := f.store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, sb.ID, sess.SandboxID)

	// Repeated request returns the live sandbox instead of another one
	resp = f.do(t, http.MethodPost, "/sessions/sess-1/sandbox", true, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sb.ID, decodeBody[sandboxJSON](t, resp).ID)
}

func TestRequestSandboxConcurrentRequestsShareOneSandbox(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "")

	const requests = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := f.do(t, http.MethodPost, "/sessions/sess-1/sandbox", true, nil)
			assert.Contains(t, []int{http.StatusOK, http.StatusAccepted}, resp.StatusCode)
			sb := decodeBody[sandboxJSON](t, resp)
			mu.Lock()
			ids[sb.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every request resolved to the same sandbox
	assert.Len(t, ids, 1)

	sandboxes, err := f.store.ListSandboxesBySession("sess-1")
	require.NoError(t, err)
	live := 0
	for _, sb := range sandboxes {
		if sb.Status != types.SandboxDestroyed {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestRequestSandboxPoolMiss(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "")

	resp := f.do(t, http.MethodPost, "/sessions/sess-1/sandbox", true, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	sb := decodeBody[sandboxJSON](t, resp)
	assert.Equal(t, "requested", sb.Status)

	stored, err := f.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	require.Len(t, stored.StatusHistory, 1)
	assert.Equal(t, "user_request", stored.StatusHistory[0].Reason)
}

func TestHeartbeatActivatesReadySandbox(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSandbox(t, "sb-1", types.SandboxReady)
	f.seedSession(t, "sb-1")

	resp := f.do(t, http.MethodPost, "/sessions/sess-1/heartbeat", true, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sb, err := f.store.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxActive, sb.Status)
	assert.WithinDuration(t, time.Now(), sb.LastHeartbeat, 5*time.Second)
}

func TestStopSetsFlag(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "")

	resp := f.do(t, http.MethodPost, "/sessions/sess-1/stop", true, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sess, err := f.store.GetSession("sess-1")
	require.NoError(t, err)
	assert.True(t, sess.StopRequested)
}

func TestPostMessageStartsTurn(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "")
	require.NoError(t, f.store.UpdateSession("sess-1", func(s *types.Session) error {
		s.StopRequested = true
		return nil
	}))

	resp := f.do(t, http.MethodPost, "/sessions/sess-1/messages", true,
		postMessageRequest{Content: "fix the build"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	placeholder := decodeBody[messageJSON](t, resp)
	assert.Equal(t, "assistant", placeholder.Role)

	select {
	case <-f.runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn runner was not invoked")
	}
	f.runner.mu.Lock()
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, "sess-1/"+placeholder.ID, f.runner.calls[0])
	f.runner.mu.Unlock()

	// Posting a new message supersedes the standing stop request
	sess, err := f.store.GetSession("sess-1")
	require.NoError(t, err)
	assert.False(t, sess.StopRequested)

	history, err := f.store.ListRecentMessages("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.RoleUser, history[0].Role)
	assert.Equal(t, "fix the build", history[0].Content)
}

func TestDeleteSandbox(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSandbox(t, "sb-ready", types.SandboxReady)
	f.seedSandbox(t, "sb-setup", types.SandboxInstalling)
	f.seedSandbox(t, "sb-gone", types.SandboxDestroyed)

	cases := []struct {
		id   string
		want types.SandboxStatus
	}{
		{"sb-ready", types.SandboxStopping},
		{"sb-setup", types.SandboxUnhealthy},
		{"sb-gone", types.SandboxDestroyed},
	}
	for _, tc := range cases {
		resp := f.do(t, http.MethodDelete, fmt.Sprintf("/sandboxes/%s", tc.id), true, nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, tc.id)

		sb, err := f.store.GetSandbox(tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, sb.Status, tc.id)
	}

	resp := f.do(t, http.MethodDelete, "/sandboxes/no-such", true, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSandboxesFilterByStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSandbox(t, "sb-1", types.SandboxReady)
	f.seedSandbox(t, "sb-2", types.SandboxCloning)

	resp := f.do(t, http.MethodGet, "/sandboxes?status=ready", true, nil)
	out := decodeBody[[]sandboxJSON](t, resp)
	require.Len(t, out, 1)
	assert.Equal(t, "sb-1", out[0].ID)

	resp = f.do(t, http.MethodGet, "/sandboxes", true, nil)
	assert.Len(t, decodeBody[[]sandboxJSON](t, resp), 2)
}

func TestSandboxResponseOmitsSecret(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSandbox(t, "sb-1", types.SandboxReady)

	resp := f.do(t, http.MethodGet, "/sandboxes/sb-1", true, nil)
	raw := decodeBody[map[string]any](t, resp)
	_, present := raw["apiSecret"]
	assert.False(t, present)
	_, present = raw["APISecret"]
	assert.False(t, present)
}
