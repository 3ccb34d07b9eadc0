package storage

import (
	"testing"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSandbox(id string, status types.SandboxStatus, changedAt time.Time) *types.Sandbox {
	return &types.Sandbox{
		ID:              id,
		Name:            "sbx-" + id,
		SessionID:       "session-" + id,
		Status:          status,
		StatusChangedAt: changedAt,
		CreatedAt:       changedAt,
		StatusHistory: []types.StatusChange{
			{Status: status, Timestamp: changedAt, Reason: "test_seed"},
		},
	}
}

func TestSandboxCRUD(t *testing.T) {
	store := newTestStore(t)

	sb := newTestSandbox("a1", types.SandboxRequested, time.Now())
	require.NoError(t, store.CreateSandbox(sb))

	got, err := store.GetSandbox("a1")
	require.NoError(t, err)
	assert.Equal(t, sb.Name, got.Name)
	assert.Equal(t, types.SandboxRequested, got.Status)

	byName, err := store.GetSandboxByName("sbx-a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", byName.ID)

	require.NoError(t, store.DeleteSandbox("a1"))
	_, err = store.GetSandbox("a1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSandboxByName("sbx-a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSandboxRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)

	sb := newTestSandbox("a1", types.SandboxRequested, time.Now())
	require.NoError(t, store.CreateSandbox(sb))
	assert.Error(t, store.CreateSandbox(sb))
}

func TestListSandboxesByStatusOrdersOldestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	require.NoError(t, store.CreateSandbox(newTestSandbox("new", types.SandboxRequested, base.Add(30*time.Minute))))
	require.NoError(t, store.CreateSandbox(newTestSandbox("old", types.SandboxRequested, base)))
	require.NoError(t, store.CreateSandbox(newTestSandbox("mid", types.SandboxRequested, base.Add(10*time.Minute))))
	require.NoError(t, store.CreateSandbox(newTestSandbox("other", types.SandboxCloning, base)))

	got, err := store.ListSandboxesByStatus(types.SandboxRequested, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
	assert.Equal(t, "new", got[2].ID)
}

func TestListSandboxesByStatusHonorsCutoffAndLimit(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"s0", "s1", "s2", "s3"} {
		sb := newTestSandbox(id, types.SandboxInstalling, base.Add(time.Duration(i)*10*time.Minute))
		require.NoError(t, store.CreateSandbox(sb))
	}

	// Cutoff excludes the two newest records
	got, err := store.ListSandboxesByStatus(types.SandboxInstalling, base.Add(15*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s0", got[0].ID)
	assert.Equal(t, "s1", got[1].ID)

	got, err = store.ListSandboxesByStatus(types.SandboxInstalling, time.Time{}, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestUpdateSandboxMaintainsStatusIndex(t *testing.T) {
	store := newTestStore(t)

	sb := newTestSandbox("a1", types.SandboxRequested, time.Now())
	require.NoError(t, store.CreateSandbox(sb))

	require.NoError(t, store.UpdateSandbox("a1", func(s *types.Sandbox) error {
		s.Status = types.SandboxCreating
		s.StatusChangedAt = time.Now()
		s.StatusHistory = append(s.StatusHistory, types.StatusChange{
			Status: types.SandboxCreating, Timestamp: time.Now(), Reason: "scheduler_pickup",
		})
		return nil
	}))

	requested, err := store.ListSandboxesByStatus(types.SandboxRequested, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, requested)

	creating, err := store.ListSandboxesByStatus(types.SandboxCreating, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, creating, 1)
	assert.Equal(t, "a1", creating[0].ID)
	assert.Len(t, creating[0].StatusHistory, 2)
}

func TestUpdateSandboxMutateErrorAborts(t *testing.T) {
	store := newTestStore(t)

	sb := newTestSandbox("a1", types.SandboxRequested, time.Now())
	require.NoError(t, store.CreateSandbox(sb))

	sentinel := assert.AnError
	err := store.UpdateSandbox("a1", func(s *types.Sandbox) error {
		s.Status = types.SandboxUnhealthy
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := store.GetSandbox("a1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxRequested, got.Status)
}

func TestPoolFIFOByStatus(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	offsets := map[string]int{"p0": 0, "p1": 1, "p2": 2}
	for _, id := range []string{"p2", "p0", "p1"} {
		e := &types.PoolEntry{
			ID:        id,
			Name:      "pool-" + id,
			Kind:      types.PoolKindGeneric,
			Status:    types.PoolReady,
			CreatedAt: base.Add(time.Duration(offsets[id]) * time.Minute),
		}
		require.NoError(t, store.CreatePoolEntry(e))
	}

	ready, err := store.ListPoolEntriesByStatus(types.PoolReady)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, "p0", ready[0].ID)
	assert.Equal(t, "p1", ready[1].ID)
	assert.Equal(t, "p2", ready[2].ID)
}

func TestPoolRepoIndex(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePoolEntry(&types.PoolEntry{
		ID: "r1", Kind: types.PoolKindRepo, RepoID: "repo-a",
		Status: types.PoolReady, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreatePoolEntry(&types.PoolEntry{
		ID: "r2", Kind: types.PoolKindRepo, RepoID: "repo-b",
		Status: types.PoolReady, CreatedAt: time.Now(),
	}))

	got, err := store.ListPoolEntriesByRepo("repo-a", types.PoolReady)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)

	got, err = store.ListPoolEntriesByRepo("repo-a", types.PoolCreating)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssignPoolEntryIsAtomic(t *testing.T) {
	store := newTestStore(t)

	entry := &types.PoolEntry{
		ID: "p1", Name: "pool-p1", HostID: "host-9", HostPort: 3100,
		Kind: types.PoolKindGeneric, Status: types.PoolReady, CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreatePoolEntry(entry))

	sb := newTestSandbox("a1", types.SandboxCloning, time.Now())
	sb.HostID = entry.HostID
	sb.HostPort = entry.HostPort
	require.NoError(t, store.AssignPoolEntry("p1", sb))

	gotEntry, err := store.GetPoolEntry("p1")
	require.NoError(t, err)
	assert.Equal(t, types.PoolAssigned, gotEntry.Status)
	assert.False(t, gotEntry.AssignedAt.IsZero())

	gotSb, err := store.GetSandbox("a1")
	require.NoError(t, err)
	assert.Equal(t, "host-9", gotSb.HostID)

	// A second assignment of the same entry must fail and must not
	// insert the new sandbox record
	err = store.AssignPoolEntry("p1", newTestSandbox("a2", types.SandboxCloning, time.Now()))
	require.Error(t, err)
	_, err = store.GetSandbox("a2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignPoolEntryLinksSession(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(&types.Session{
		ID: "sess-1", RepoSlug: "acme/widgets", UserID: "user-1", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreatePoolEntry(&types.PoolEntry{
		ID: "p1", Name: "pool-p1", Kind: types.PoolKindGeneric,
		Status: types.PoolReady, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreatePoolEntry(&types.PoolEntry{
		ID: "p2", Name: "pool-p2", Kind: types.PoolKindGeneric,
		Status: types.PoolReady, CreatedAt: time.Now(),
	}))

	sb := newTestSandbox("a1", types.SandboxCloning, time.Now())
	sb.SessionID = "sess-1"
	require.NoError(t, store.AssignPoolEntry("p1", sb))

	sess, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", sess.SandboxID)

	// A second assignment for the same session loses and leaves the
	// entry ready for another session
	other := newTestSandbox("a2", types.SandboxCloning, time.Now())
	other.SessionID = "sess-1"
	err = store.AssignPoolEntry("p2", other)
	assert.ErrorIs(t, err, ErrSessionLinked)
	entry, err := store.GetPoolEntry("p2")
	require.NoError(t, err)
	assert.Equal(t, types.PoolReady, entry.Status)
	_, err = store.GetSandbox("a2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLinkSessionSandboxEnforcesOneLiveSandbox(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(&types.Session{
		ID: "sess-1", RepoSlug: "acme/widgets", UserID: "user-1", CreatedAt: time.Now(),
	}))

	first := newTestSandbox("a1", types.SandboxRequested, time.Now())
	first.SessionID = "sess-1"
	require.NoError(t, store.LinkSessionSandbox("sess-1", first))

	sess, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", sess.SandboxID)

	// While the linked sandbox is alive, a second link must not commit
	// either the link or the losing record
	second := newTestSandbox("a2", types.SandboxRequested, time.Now())
	second.SessionID = "sess-1"
	err = store.LinkSessionSandbox("sess-1", second)
	assert.ErrorIs(t, err, ErrSessionLinked)
	_, err = store.GetSandbox("a2")
	assert.ErrorIs(t, err, ErrNotFound)

	// A destroyed sandbox frees the session for relinking
	require.NoError(t, store.UpdateSandbox("a1", func(sb *types.Sandbox) error {
		sb.Status = types.SandboxDestroyed
		return nil
	}))
	require.NoError(t, store.LinkSessionSandbox("sess-1", second))
	sess, err = store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "a2", sess.SandboxID)
}

func TestRepoImageRoundTrip(t *testing.T) {
	store := newTestStore(t)

	img := &types.RepoImage{
		RepoID: "repo-a", Branch: "main", Tag: "burrow/repo-a:abc123",
		SizeBytes: 1 << 30, CommitSHA: "abc123", Status: types.ImageReady,
	}
	require.NoError(t, store.PutRepoImage(img))

	got, err := store.GetRepoImage("repo-a", "main")
	require.NoError(t, err)
	assert.Equal(t, img.Tag, got.Tag)

	_, err = store.GetRepoImage("repo-a", "dev")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteRepoImage("repo-a", "main"))
	_, err = store.GetRepoImage("repo-a", "main")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecentMessages(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 12; i++ {
		m := &types.Message{
			ID:        string(rune('a'+i)) + "-msg",
			SessionID: "sess-1",
			Role:      types.RoleUser,
			Content:   "m",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.CreateMessage(m))
	}

	got, err := store.ListRecentMessages("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	// Chronological order, oldest of the retained window first
	assert.Equal(t, "c-msg", got[0].ID)
	assert.Equal(t, "l-msg", got[9].ID)
}

func TestCredentialRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cred := &types.Credential{
		UserID:      "user-1",
		AccessToken: []byte("sealed-bytes"),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.PutCredential(cred))

	got, err := store.GetCredential("user-1")
	require.NoError(t, err)
	assert.Equal(t, cred.AccessToken, got.AccessToken)

	_, err = store.GetCredential("user-2")
	assert.ErrorIs(t, err, ErrNotFound)
}
