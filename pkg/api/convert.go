package api

import (
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// Wire shapes for API responses. Internal types stay tag-free; the
// conversion layer owns the JSON contract.

type statusChangeJSON struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type sandboxJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SessionID   string `json:"sessionId,omitempty"`
	RepoID      string `json:"repoId,omitempty"`
	Status      string `json:"status"`
	PreviewURL  string `json:"previewUrl,omitempty"`
	ExecURL     string `json:"execUrl,omitempty"`
	LogURL      string `json:"logUrl,omitempty"`
	TerminalURL string `json:"terminalUrl,omitempty"`

	StatusChangedAt time.Time `json:"statusChangedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	LastHeartbeat   time.Time `json:"lastHeartbeat,omitempty"`
	DestroyedAt     time.Time `json:"destroyedAt,omitempty"`

	TargetBranch    string `json:"targetBranch,omitempty"`
	EffectiveBranch string `json:"effectiveBranch,omitempty"`
	BranchFellBack  bool   `json:"branchFellBack,omitempty"`
	RetryCount      int    `json:"retryCount,omitempty"`
	LastError       string `json:"lastError,omitempty"`

	StatusHistory []statusChangeJSON `json:"statusHistory,omitempty"`
}

// sandboxToAPI exposes the record without its API secret or host-side
// identifiers
func sandboxToAPI(sb *types.Sandbox) *sandboxJSON {
	out := &sandboxJSON{
		ID:              sb.ID,
		Name:            sb.Name,
		SessionID:       sb.SessionID,
		RepoID:          sb.RepoID,
		Status:          string(sb.Status),
		PreviewURL:      sb.PreviewURL,
		ExecURL:         sb.ExecURL,
		LogURL:          sb.LogURL,
		TerminalURL:     sb.TerminalURL,
		StatusChangedAt: sb.StatusChangedAt,
		CreatedAt:       sb.CreatedAt,
		LastHeartbeat:   sb.LastHeartbeat,
		DestroyedAt:     sb.DestroyedAt,
		TargetBranch:    sb.TargetBranch,
		EffectiveBranch: sb.EffectiveBranch,
		BranchFellBack:  sb.BranchFellBack,
		RetryCount:      sb.RetryCount,
		LastError:       sb.LastError,
	}
	for _, h := range sb.StatusHistory {
		out.StatusHistory = append(out.StatusHistory, statusChangeJSON{
			Status:    string(h.Status),
			Timestamp: h.Timestamp,
			Reason:    h.Reason,
		})
	}
	return out
}

type sessionJSON struct {
	ID            string    `json:"id"`
	RepoID        string    `json:"repoId,omitempty"`
	RepoSlug      string    `json:"repoSlug"`
	TeamID        string    `json:"teamId,omitempty"`
	UserID        string    `json:"userId"`
	TargetBranch  string    `json:"targetBranch,omitempty"`
	DefaultBranch string    `json:"defaultBranch,omitempty"`
	WorkingBranch string    `json:"workingBranch,omitempty"`
	SandboxID     string    `json:"sandboxId,omitempty"`
	StopRequested bool      `json:"stopRequested,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func sessionToAPI(s *types.Session) *sessionJSON {
	return &sessionJSON{
		ID:            s.ID,
		RepoID:        s.RepoID,
		RepoSlug:      s.RepoSlug,
		TeamID:        s.TeamID,
		UserID:        s.UserID,
		TargetBranch:  s.TargetBranch,
		DefaultBranch: s.DefaultBranch,
		WorkingBranch: s.WorkingBranch,
		SandboxID:     s.SandboxID,
		StopRequested: s.StopRequested,
		CreatedAt:     s.CreatedAt,
	}
}

type messageJSON struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func messageToAPI(m *types.Message) *messageJSON {
	return &messageJSON{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
