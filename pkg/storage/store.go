package storage

import (
	"errors"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// ErrSessionLinked is returned when a session already references a
// non-destroyed sandbox
var ErrSessionLinked = errors.New("session already linked to a live sandbox")

// Store defines the interface for control-plane state storage
type Store interface {
	// Sandboxes
	CreateSandbox(sb *types.Sandbox) error
	GetSandbox(id string) (*types.Sandbox, error)
	GetSandboxByName(name string) (*types.Sandbox, error)
	ListSandboxes() ([]*types.Sandbox, error)
	// ListSandboxesByStatus returns up to limit sandboxes in the given
	// status whose statusChangedAt is before the cutoff, oldest first.
	// A zero cutoff means no age bound; limit <= 0 means no limit.
	ListSandboxesByStatus(status types.SandboxStatus, changedBefore time.Time, limit int) ([]*types.Sandbox, error)
	ListSandboxesBySession(sessionID string) ([]*types.Sandbox, error)
	// UpdateSandbox applies mutate to the stored record inside one
	// transaction. Returning an error from mutate aborts the update.
	UpdateSandbox(id string, mutate func(*types.Sandbox) error) error
	DeleteSandbox(id string) error

	// Pool
	CreatePoolEntry(e *types.PoolEntry) error
	GetPoolEntry(id string) (*types.PoolEntry, error)
	ListPoolEntries() ([]*types.PoolEntry, error)
	// ListPoolEntriesByStatus returns entries in creation order (FIFO)
	ListPoolEntriesByStatus(status types.PoolStatus) ([]*types.PoolEntry, error)
	ListPoolEntriesByRepo(repoID string, status types.PoolStatus) ([]*types.PoolEntry, error)
	UpdatePoolEntry(id string, mutate func(*types.PoolEntry) error) error
	DeletePoolEntry(id string) error
	// AssignPoolEntry marks the entry assigned, inserts the sandbox
	// record, and links the owning session in the same transaction, so
	// a crash cannot separate them. Fails with ErrSessionLinked when
	// the session already references a live sandbox.
	AssignPoolEntry(entryID string, sb *types.Sandbox) error

	// Repo images
	PutRepoImage(img *types.RepoImage) error
	GetRepoImage(repoID, branch string) (*types.RepoImage, error)
	ListRepoImages() ([]*types.RepoImage, error)
	DeleteRepoImage(repoID, branch string) error

	// Checkpoints
	PutCheckpoint(cp *types.Checkpoint) error
	GetCheckpoint(repoID, branch string) (*types.Checkpoint, error)
	DeleteCheckpoint(repoID, branch string) error

	// Sessions
	CreateSession(s *types.Session) error
	GetSession(id string) (*types.Session, error)
	UpdateSession(id string, mutate func(*types.Session) error) error
	DeleteSession(id string) error
	// LinkSessionSandbox inserts the sandbox and points the session at
	// it in one commit. Fails with ErrSessionLinked when the session
	// already references a non-destroyed sandbox, leaving both records
	// untouched.
	LinkSessionSandbox(sessionID string, sb *types.Sandbox) error

	// Messages
	CreateMessage(m *types.Message) error
	GetMessage(id string) (*types.Message, error)
	UpdateMessage(id string, mutate func(*types.Message) error) error
	// ListRecentMessages returns the last limit messages for a session
	// in chronological order
	ListRecentMessages(sessionID string, limit int) ([]*types.Message, error)

	// File changes and bash commands
	CreateFileChange(fc *types.FileChange) error
	UpdateFileChange(id string, mutate func(*types.FileChange) error) error
	ListFileChangesBySession(sessionID string) ([]*types.FileChange, error)
	CreateBashCommand(bc *types.BashCommand) error
	ListBashCommandsByMessage(messageID string) ([]*types.BashCommand, error)

	// Credentials
	PutCredential(c *types.Credential) error
	GetCredential(userID string) (*types.Credential, error)

	// Utility
	Close() error
}
