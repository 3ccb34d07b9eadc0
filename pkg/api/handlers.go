package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/lifecycle"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusResponse is the callback acknowledgement. Failures are carried
// in the body with a 200 status so host-side scripts do not retry.
type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// imageHint reports a repo image the host built during setup
type imageHint struct {
	RepoID    string `json:"repoId"`
	Branch    string `json:"branch"`
	Tag       string `json:"tag"`
	SizeBytes int64  `json:"sizeBytes"`
	CommitSHA string `json:"commitSha"`
}

// checkpointHint reports a memory snapshot the host captured
type checkpointHint struct {
	RepoID    string `json:"repoId"`
	Branch    string `json:"branch"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	CommitSHA string `json:"commitSha"`
}

type callbackRequest struct {
	SandboxName  string          `json:"sandboxName"`
	APISecret    string          `json:"apiSecret"`
	Status       string          `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	BuildLog     string          `json:"buildLog,omitempty"`
	Image        *imageHint      `json:"image,omitempty"`
	Checkpoint   *checkpointHint `json:"checkpoint,omitempty"`
}

// handleSandboxStatus processes host-originated setup progress. Secret
// mismatches and unknown sandboxes answer 200 with success=false.
func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, statusResponse{Success: false, Error: "invalid json"})
		return
	}

	err := s.machine.HandleCallback(req.SandboxName, req.APISecret, types.SandboxStatus(req.Status), req.ErrorMessage)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondJSON(w, http.StatusOK, statusResponse{Success: false, Error: "unknown sandbox"})
		return
	case errors.Is(err, lifecycle.ErrSecretMismatch):
		respondJSON(w, http.StatusOK, statusResponse{Success: false, Error: "secret mismatch"})
		return
	case err != nil:
		respondJSON(w, http.StatusOK, statusResponse{Success: false, Error: err.Error()})
		return
	}

	s.recordHints(&req)
	respondJSON(w, http.StatusOK, statusResponse{Success: true})
}

// recordHints persists warm-start artifacts the host reports alongside
// progress. Hints are best-effort; failures never fail the callback.
func (s *Server) recordHints(req *callbackRequest) {
	if req.Image != nil && req.Image.Tag != "" {
		err := s.store.PutRepoImage(&types.RepoImage{
			RepoID:    req.Image.RepoID,
			Branch:    req.Image.Branch,
			Tag:       req.Image.Tag,
			SizeBytes: req.Image.SizeBytes,
			CommitSHA: req.Image.CommitSHA,
			Status:    types.ImageReady,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("tag", req.Image.Tag).Msg("failed to record image hint")
		}
	}
	if req.Checkpoint != nil && req.Checkpoint.Name != "" {
		err := s.store.PutCheckpoint(&types.Checkpoint{
			RepoID:    req.Checkpoint.RepoID,
			Branch:    req.Checkpoint.Branch,
			Name:      req.Checkpoint.Name,
			SizeBytes: req.Checkpoint.SizeBytes,
			CommitSHA: req.Checkpoint.CommitSHA,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("name", req.Checkpoint.Name).Msg("failed to record checkpoint hint")
		}
	}
}

type createSessionRequest struct {
	RepoID        string `json:"repoId"`
	RepoSlug      string `json:"repoSlug"`
	TeamID        string `json:"teamId"`
	UserID        string `json:"userId"`
	TargetBranch  string `json:"targetBranch"`
	DefaultBranch string `json:"defaultBranch"`
	WorkingBranch string `json:"workingBranch"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.RepoSlug == "" || req.UserID == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "repoSlug and userId are required"})
		return
	}

	sess := &types.Session{
		ID:            uuid.New().String(),
		RepoID:        req.RepoID,
		RepoSlug:      req.RepoSlug,
		TeamID:        req.TeamID,
		UserID:        req.UserID,
		TargetBranch:  req.TargetBranch,
		DefaultBranch: req.DefaultBranch,
		WorkingBranch: req.WorkingBranch,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateSession(sess); err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusCreated, sessionToAPI(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		respondNotFound(w, err, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, sessionToAPI(sess))
}

// handleRequestSandbox assigns a sandbox to the session, preferring a
// warm pool entry over a cold-start record. The session link is made in
// the same store commit that inserts the sandbox, so concurrent and
// repeated requests all resolve to one live sandbox.
func (s *Server) handleRequestSandbox(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		respondNotFound(w, err, "session not found")
		return
	}

	if sb := s.liveSandbox(sess); sb != nil {
		respondJSON(w, http.StatusOK, sandboxToAPI(sb))
		return
	}

	sb, fromPool, err := s.pool.Assign(r.Context(), sess)
	if errors.Is(err, storage.ErrSessionLinked) {
		// Lost the race to a concurrent request; return the winner
		if sess, err := s.store.GetSession(sess.ID); err == nil {
			if sb := s.liveSandbox(sess); sb != nil {
				respondJSON(w, http.StatusOK, sandboxToAPI(sb))
				return
			}
		}
		respondJSON(w, http.StatusConflict, errorResponse{Error: "sandbox assignment in progress"})
		return
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	// Pool hits skip the requested queue; drive setup immediately
	if fromPool && s.setup != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := s.setup.Setup(ctx, sb); err != nil {
				s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("pool sandbox setup failed")
			}
		}()
	}

	respondJSON(w, http.StatusAccepted, sandboxToAPI(sb))
}

// liveSandbox returns the session's sandbox when it exists and has not
// been destroyed
func (s *Server) liveSandbox(sess *types.Session) *types.Sandbox {
	if sess.SandboxID == "" {
		return nil
	}
	sb, err := s.store.GetSandbox(sess.SandboxID)
	if err != nil || sb.Status == types.SandboxDestroyed {
		return nil
	}
	return sb
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		respondNotFound(w, err, "session not found")
		return
	}
	if sess.SandboxID != "" {
		if err := s.machine.Heartbeat(sess.SandboxID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, statusResponse{Success: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.store.UpdateSession(chi.URLParam(r, "id"), func(se *types.Session) error {
		se.StopRequested = true
		return nil
	})
	if err != nil {
		respondNotFound(w, err, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Success: true})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// handlePostMessage records the user message, creates the assistant
// placeholder the turn streams into, and starts the turn
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "agent not configured"})
		return
	}
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		respondNotFound(w, err, "session not found")
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "content is required"})
		return
	}

	// A new turn supersedes any standing stop request
	err = s.store.UpdateSession(sess.ID, func(se *types.Session) error {
		se.StopRequested = false
		return nil
	})
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	now := time.Now()
	userMsg := &types.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      types.RoleUser,
		Content:   req.Content,
		CreatedAt: now,
	}
	placeholder := &types.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      types.RoleAssistant,
		CreatedAt: now.Add(time.Millisecond),
	}
	if err := s.store.CreateMessage(userMsg); err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if err := s.store.CreateMessage(placeholder); err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	go func() {
		if err := s.runner.Run(context.Background(), sess.ID, placeholder.ID); err != nil {
			s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("agent turn failed to start")
		}
	}()

	respondJSON(w, http.StatusAccepted, messageToAPI(placeholder))
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMessage(chi.URLParam(r, "messageID"))
	if err != nil {
		respondNotFound(w, err, "message not found")
		return
	}
	respondJSON(w, http.StatusOK, messageToAPI(m))
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	var (
		sandboxes []*types.Sandbox
		err       error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		sandboxes, err = s.store.ListSandboxesByStatus(types.SandboxStatus(status), time.Time{}, 0)
	} else {
		sandboxes, err = s.store.ListSandboxes()
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	out := make([]*sandboxJSON, len(sandboxes))
	for i, sb := range sandboxes {
		out[i] = sandboxToAPI(sb)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := s.store.GetSandbox(chi.URLParam(r, "id"))
	if err != nil {
		respondNotFound(w, err, "sandbox not found")
		return
	}
	respondJSON(w, http.StatusOK, sandboxToAPI(sb))
}

// handleDeleteSandbox begins teardown. Sandboxes already shutting down
// acknowledge without a new transition.
func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSandbox(id); err != nil {
		respondNotFound(w, err, "sandbox not found")
		return
	}

	err := s.machine.Transition(id, types.SandboxStopping, "user_delete")
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		// Setup states cannot stop directly; mark unhealthy so the
		// scheduler tears them down
		err = s.machine.Transition(id, types.SandboxUnhealthy, "user_delete")
	}
	if err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusAccepted, statusResponse{Success: true})
}

// handleEvents streams broker events as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "events not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(eventToAPI(ev))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz verifies the store answers before reporting ready
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.store.ListSandboxesByStatus(types.SandboxRequested, time.Time{}, 1); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Headers are gone; nothing left to do
		_ = err
	}
}

func respondNotFound(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: msg})
		return
	}
	respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

type eventJSON struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	SandboxID string            `json:"sandboxId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func eventToAPI(ev *events.Event) *eventJSON {
	return &eventJSON{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		SandboxID: ev.SandboxID,
		SessionID: ev.SessionID,
		Message:   ev.Message,
		Metadata:  ev.Metadata,
	}
}
