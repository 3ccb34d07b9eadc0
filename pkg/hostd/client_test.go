package hostd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient returns a client with zeroed waits so retries are fast
func newTestClient(url string) *Client {
	c := NewClient(url, "host-secret")
	c.backoff = func(int) time.Duration { return 0 }
	c.conflictWait = 0
	return c
}

func TestCreateSandbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer host-secret", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sandboxes", r.URL.Path)

		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "burrow-abc", body["name"])

		json.NewEncoder(w).Encode(CreateResult{ID: "hs-1", HostPort: 3010})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).CreateSandbox(context.Background(), "burrow-abc")
	require.NoError(t, err)
	assert.Equal(t, "hs-1", result.ID)
	assert.Equal(t, 3010, result.HostPort)
}

func TestCreateRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(CreateResult{ID: "hs-1", HostPort: 3010})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).CreateSandbox(context.Background(), "burrow-abc")
	require.NoError(t, err)
	assert.Equal(t, "hs-1", result.ID)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, result.Retries)
}

func TestCreateExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateSandbox(context.Background(), "burrow-abc")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(maxAttempts), calls.Load())
}

func TestCreateHealsNameConflict(t *testing.T) {
	var deleted atomic.Bool
	var creates atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			if creates.Add(1) == 1 {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "name in use", "existingId": "hs-stale",
				})
				return
			}
			json.NewEncoder(w).Encode(CreateResult{ID: "hs-new", HostPort: 3020})
		case r.Method == http.MethodDelete && r.URL.Path == "/sandboxes/hs-stale":
			deleted.Store(true)
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).CreateSandbox(context.Background(), "burrow-abc")
	require.NoError(t, err)
	assert.Equal(t, "hs-new", result.ID)
	assert.True(t, deleted.Load())
	assert.Equal(t, int32(2), creates.Load())
}

func TestSetupNotFoundSurfacesSandboxGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).SetupSandbox(context.Background(), "hs-1", SetupRequest{
		RepoSlug: "foo/bar", TargetBranch: "main",
	})
	assert.ErrorIs(t, err, ErrSandboxGone)
}

func TestSetupOtherClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"missing repoSlug"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).SetupSandbox(context.Background(), "hs-1", SetupRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	// Fatal errors are not retried
	assert.Equal(t, int32(1), calls.Load())
}

func TestExec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sandboxes/hs-1/exec", r.URL.Path)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "npm test", body["command"])
		assert.Equal(t, float64(120), body["timeoutSeconds"])

		json.NewEncoder(w).Encode(ExecResult{ExitCode: 1, Stdout: "1 failing"})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).Exec(context.Background(), "hs-1", "npm test", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "1 failing", result.CombinedOutput())
}

func TestDestroyTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).DestroySandbox(context.Background(), "hs-1")
	assert.NoError(t, err)
}

func TestListSandboxes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sandboxes": []HostSandbox{
				{ID: "hs-1", Name: "burrow-a", State: "running"},
				{ID: "hs-2", Name: "burrow-b", State: "running"},
			},
		})
	}))
	defer srv.Close()

	sandboxes, err := newTestClient(srv.URL).ListSandboxes(context.Background())
	require.NoError(t, err)
	assert.Len(t, sandboxes, 2)
}

func TestCombinedOutput(t *testing.T) {
	assert.Equal(t, "all", (&ExecResult{Output: "all"}).CombinedOutput())
	assert.Equal(t, "out", (&ExecResult{Stdout: "out"}).CombinedOutput())
	assert.Equal(t, "err", (&ExecResult{Stderr: "err"}).CombinedOutput())
	assert.Equal(t, "out\nerr", (&ExecResult{Stdout: "out", Stderr: "err"}).CombinedOutput())
}

type fakeBranchChecker map[string]bool

func (f fakeBranchChecker) BranchExists(_ context.Context, _, branch string) (bool, error) {
	return f[branch], nil
}

func TestResolveBranch(t *testing.T) {
	gh := fakeBranchChecker{"main": true, "feature-x": true}

	branch, fellBack, err := ResolveBranch(context.Background(), gh, "foo/bar", "feature-x", "main")
	require.NoError(t, err)
	assert.Equal(t, "feature-x", branch)
	assert.False(t, fellBack)

	branch, fellBack, err = ResolveBranch(context.Background(), gh, "foo/bar", "nonexistent", "main")
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.True(t, fellBack)

	// Empty target short-circuits to the default without a lookup
	branch, fellBack, err = ResolveBranch(context.Background(), gh, "foo/bar", "", "main")
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.False(t, fellBack)
}
