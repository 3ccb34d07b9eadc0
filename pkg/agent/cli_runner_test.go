package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/hostd"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCLIFixture(t *testing.T, workingBranch string) (*CLIRunner, *agentBackend, storage.Store, *fakePullClient) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateSession(&types.Session{
		ID:            "sess-1",
		RepoID:        "repo-1",
		RepoSlug:      "acme/widgets",
		UserID:        "user-1",
		DefaultBranch: "main",
		WorkingBranch: workingBranch,
		CreatedAt:     time.Now(),
	}))
	require.NoError(t, store.CreateSandbox(&types.Sandbox{
		ID: "sb-1", Name: "burrow-sb1", SessionID: "sess-1", HostID: "hs-1",
		APISecret: "s", Status: types.SandboxActive, StatusChangedAt: time.Now(),
		CreatedAt: time.Now(),
		StatusHistory: []types.StatusChange{
			{Status: types.SandboxActive, Timestamp: time.Now(), Reason: "seed"},
		},
	}))
	require.NoError(t, store.CreateMessage(&types.Message{
		ID: "msg-u", SessionID: "sess-1", Role: types.RoleUser,
		Content: "add a healthcheck endpoint", CreatedAt: time.Now().Add(-time.Second),
	}))
	require.NoError(t, store.CreateMessage(&types.Message{
		ID: "msg-a", SessionID: "sess-1", Role: types.RoleAssistant,
		CreatedAt: time.Now(),
	}))

	backend := &agentBackend{}
	gh := &fakePullClient{branches: map[string]bool{"main": true}}
	runner := NewCLIRunner(store, backend, NewCommitter(gh), config.Default().Agent, "/usr/local/bin/agent", time.Minute)
	runner.pollInterval = 5 * time.Millisecond
	return runner, backend, store, gh
}

func TestCLIRunnerCompletesTurn(t *testing.T) {
	runner, backend, store, gh := newCLIFixture(t, "burrow/healthcheck")

	progress := `{"type":"text","text":"Adding the endpoint."}
{"type":"text","text":"Wired it into the router."}
{"type":"result","subtype":"success"}`

	backend.handler = func(cmd string) (*hostd.ExecResult, error) {
		switch {
		case strings.Contains(cmd, "nohup"):
			return &hostd.ExecResult{ExitCode: 0}, nil
		case strings.HasPrefix(cmd, "cat "+cliProgressPath):
			return &hostd.ExecResult{ExitCode: 0, Stdout: progress}, nil
		case strings.Contains(cmd, "git diff --name-only"):
			return &hostd.ExecResult{ExitCode: 0, Stdout: "src/health.ts\n"}, nil
		case strings.Contains(cmd, "git show HEAD:"):
			return &hostd.ExecResult{ExitCode: 0, Stdout: "old content"}, nil
		case strings.Contains(cmd, "cat 'src/health.ts'"):
			return &hostd.ExecResult{ExitCode: 0, Stdout: "new content"}, nil
		}
		return &hostd.ExecResult{ExitCode: 0}, nil
	}

	require.NoError(t, runner.Run(context.Background(), "sess-1", "msg-a"))

	// Launch carried the user prompt
	var launch string
	for _, cmd := range backend.execs {
		if strings.Contains(cmd, "nohup") {
			launch = cmd
		}
	}
	assert.Contains(t, launch, "add a healthcheck endpoint")
	assert.Contains(t, launch, "--output-format stream-json")

	m, err := store.GetMessage("msg-a")
	require.NoError(t, err)
	assert.Contains(t, m.Content, "Adding the endpoint.")
	assert.Contains(t, m.Content, "Wired it into the router.")

	// Changes derived from git diff and committed
	changes, err := store.ListFileChangesBySession("sess-1")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Len(t, changes[0].Files, 1)
	assert.Equal(t, "src/health.ts", changes[0].Files[0].Path)
	assert.Equal(t, "new content", changes[0].Files[0].Content)
	assert.Equal(t, "old content", changes[0].Files[0].OriginalContent)
	assert.True(t, changes[0].Committed)
	require.Len(t, gh.commits, 1)
}

func TestCLIRunnerErrorResult(t *testing.T) {
	runner, backend, store, gh := newCLIFixture(t, "burrow/fix")

	progress := `{"type":"text","text":"Starting."}
{"type":"result","subtype":"error","error":"context window exceeded"}`

	backend.handler = func(cmd string) (*hostd.ExecResult, error) {
		if strings.HasPrefix(cmd, "cat "+cliProgressPath) {
			return &hostd.ExecResult{ExitCode: 0, Stdout: progress}, nil
		}
		return &hostd.ExecResult{ExitCode: 0}, nil
	}

	require.NoError(t, runner.Run(context.Background(), "sess-1", "msg-a"))

	m, err := store.GetMessage("msg-a")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.Content, "Sorry, I ran into an error:"))
	assert.Contains(t, m.Content, "context window exceeded")

	// Errored turns never commit
	assert.Empty(t, gh.commits)
}

func TestCLIRunnerStopSignalsProcess(t *testing.T) {
	runner, backend, store, gh := newCLIFixture(t, "burrow/fix")

	backend.handler = func(cmd string) (*hostd.ExecResult, error) {
		if strings.HasPrefix(cmd, "cat "+cliProgressPath) {
			// First progress read flips the stop flag, mimicking the
			// user pressing stop mid-run
			err := store.UpdateSession("sess-1", func(s *types.Session) error {
				s.StopRequested = true
				return nil
			})
			require.NoError(t, err)
			return &hostd.ExecResult{ExitCode: 0, Stdout: `{"type":"text","text":"Working."}`}, nil
		}
		return &hostd.ExecResult{ExitCode: 0}, nil
	}

	require.NoError(t, runner.Run(context.Background(), "sess-1", "msg-a"))

	signalled := false
	for _, cmd := range backend.execs {
		if strings.Contains(cmd, "kill -INT") {
			signalled = true
		}
	}
	assert.True(t, signalled)

	m, err := store.GetMessage("msg-a")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(m.Content, "*(Stopped)*"))
	assert.Empty(t, gh.commits)
}

func TestCLIRunnerConsume(t *testing.T) {
	r := &CLIRunner{}

	text, done, err := r.consume(`{"type":"text","text":"a"}` + "\n" + `{"type":"text","text":"b"}`)
	assert.Equal(t, "a\nb", text)
	assert.False(t, done)
	assert.NoError(t, err)

	// Garbage lines are skipped
	text, done, err = r.consume("not json\n" + `{"type":"text","text":"a"}` + "\n" + `{"type":"result","subtype":"success"}`)
	assert.Equal(t, "a", text)
	assert.True(t, done)
	assert.NoError(t, err)

	_, done, err = r.consume(`{"type":"result","subtype":"error"}`)
	assert.True(t, done)
	assert.EqualError(t, err, "agent cli failed")
}
