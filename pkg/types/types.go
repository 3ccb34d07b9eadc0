package types

import (
	"time"
)

// SandboxStatus represents the lifecycle state of a sandbox
type SandboxStatus string

const (
	SandboxRequested  SandboxStatus = "requested"
	SandboxCreating   SandboxStatus = "creating"
	SandboxCloning    SandboxStatus = "cloning"
	SandboxInstalling SandboxStatus = "installing"
	SandboxStarting   SandboxStatus = "starting"
	SandboxReady      SandboxStatus = "ready"
	SandboxActive     SandboxStatus = "active"
	SandboxStopping   SandboxStatus = "stopping"
	SandboxDestroying SandboxStatus = "destroying"
	SandboxDestroyed  SandboxStatus = "destroyed"
	SandboxUnhealthy  SandboxStatus = "unhealthy"
)

// StatusChange is one entry in a sandbox's append-only audit history
type StatusChange struct {
	Status    SandboxStatus
	Timestamp time.Time
	Reason    string
}

// Sandbox represents one ephemeral development sandbox tracked by the
// control plane. The host daemon owns the underlying compute; we hold
// only references (HostID, HostPort) and must tolerate the host losing
// them.
type Sandbox struct {
	ID        string
	Name      string
	SessionID string
	RepoID    string
	TeamID    string
	OwnerID   string

	// Placement, empty until the host creates the sandbox
	HostID      string
	HostPort    int
	PreviewURL  string
	ExecURL     string
	LogURL      string
	TerminalURL string

	// APISecret authenticates status callbacks from the sandbox.
	// Immutable after creation.
	APISecret string

	Status          SandboxStatus
	StatusChangedAt time.Time
	RetryCount      int
	LastError       string

	CreatedAt     time.Time
	LastHeartbeat time.Time
	DestroyedAt   time.Time

	TargetBranch    string
	EffectiveBranch string
	BranchFellBack  bool
	CommitSHA       string

	// StatusHistory is append-only; every status mutation appends
	// exactly one entry.
	StatusHistory []StatusChange
}

// PoolKind distinguishes generic pool entries from repo-affine ones
type PoolKind string

const (
	PoolKindGeneric PoolKind = "generic"
	PoolKindRepo    PoolKind = "repo"
)

// PoolStatus is the linear lifecycle of a pool entry (no retries)
type PoolStatus string

const (
	PoolCreating   PoolStatus = "creating"
	PoolReady      PoolStatus = "ready"
	PoolAssigned   PoolStatus = "assigned"
	PoolDestroying PoolStatus = "destroying"
	PoolFailed     PoolStatus = "failed"
)

// PoolEntry represents a pre-created sandbox awaiting assignment
type PoolEntry struct {
	ID         string
	Name       string
	HostID     string
	HostPort   int
	PreviewURL string

	Kind PoolKind

	// Repo-affine entries only
	RepoID     string
	ImageTag   string
	VolumeName string

	Status     PoolStatus
	CreatedAt  time.Time
	AssignedAt time.Time
}

// ImageStatus represents the state of a cached repo image
type ImageStatus string

const (
	ImageReady  ImageStatus = "ready"
	ImageFailed ImageStatus = "failed"
)

// RepoImage is an immutable host image with the repo pre-cloned and
// dependencies installed, keyed by (RepoID, Branch). Discovered via
// status callbacks, never created by the orchestrator.
type RepoImage struct {
	RepoID     string
	Branch     string
	Tag        string
	SizeBytes  int64
	CommitSHA  string
	UseCount   int
	LastUsedAt time.Time
	Status     ImageStatus
}

// Checkpoint is an optional memory snapshot enabling a faster cold
// start: restore memory plus filesystem and go straight to starting.
type Checkpoint struct {
	RepoID     string
	Branch     string
	Name       string
	SizeBytes  int64
	CommitSHA  string
	UseCount   int
	LastUsedAt time.Time
}

// Session binds a user's editing session to a repo, branch, and sandbox
type Session struct {
	ID            string
	RepoID        string
	RepoSlug      string
	TeamID        string
	UserID        string
	TargetBranch  string
	DefaultBranch string
	WorkingBranch string
	SandboxID     string
	StopRequested bool
	CreatedAt     time.Time
}

// MessageRole identifies the author of a conversation message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of the session conversation
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	CreatedAt time.Time
}

// ChangedFile is one file mutated during an agent turn, with the
// original content preserved for diff display
type ChangedFile struct {
	Path            string
	Content         string
	OriginalContent string
}

// FileChange is the durable record of all files changed by one agent
// turn, deduplicated per path (last write wins)
type FileChange struct {
	ID        string
	SessionID string
	MessageID string
	Files     []ChangedFile
	Committed bool
	CommitSHA string
	CreatedAt time.Time
}

// BashCommand records one shell command executed (or blocked) during
// an agent turn
type BashCommand struct {
	ID        string
	SessionID string
	MessageID string
	Command   string
	ExitCode  int
	Output    string
	Blocked   bool
	CreatedAt time.Time
}

// Credential holds a user's source-host OAuth tokens. Token fields are
// sealed with AES-256-GCM before they reach the store.
type Credential struct {
	UserID       string
	AccessToken  []byte
	RefreshToken []byte
	ExpiresAt    time.Time
	Revoked      bool
	UpdatedAt    time.Time
}
