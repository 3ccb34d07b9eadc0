package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/burrowhq/burrow/pkg/githost"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// maxCommitSubject caps the derived commit subject line
const maxCommitSubject = 72

// PullClient is the slice of the source host the committer needs
type PullClient interface {
	BranchExists(ctx context.Context, slug, branch string) (bool, error)
	CreateBranch(ctx context.Context, slug, branch, fromRef string) error
	CommitFiles(ctx context.Context, slug, branch, message string, files []githost.CommitFile) (string, error)
	EnsurePull(ctx context.Context, slug, title, head, base string) (*githost.Pull, error)
}

// Committer pushes a turn's changes to the session's working branch
// and keeps a pull request open against the default branch
type Committer struct {
	gh     PullClient
	logger zerolog.Logger
}

// NewCommitter creates a committer over the source host client
func NewCommitter(gh PullClient) *Committer {
	return &Committer{gh: gh, logger: log.WithComponent("agent")}
}

// AutoCommit commits the files to the session's working branch,
// creating it from the default branch if needed, and ensures a pull
// request exists. Returns the commit SHA and the pull.
func (c *Committer) AutoCommit(ctx context.Context, sess *types.Session, files []types.ChangedFile, summary string) (string, *githost.Pull, error) {
	exists, err := c.gh.BranchExists(ctx, sess.RepoSlug, sess.WorkingBranch)
	if err != nil {
		return "", nil, err
	}
	if !exists {
		if err := c.gh.CreateBranch(ctx, sess.RepoSlug, sess.WorkingBranch, sess.DefaultBranch); err != nil {
			return "", nil, fmt.Errorf("failed to create working branch: %w", err)
		}
	}

	commits := make([]githost.CommitFile, 0, len(files))
	for _, f := range files {
		commits = append(commits, githost.CommitFile{Path: f.Path, Content: f.Content})
	}

	message := CommitMessage(summary)
	sha, err := c.gh.CommitFiles(ctx, sess.RepoSlug, sess.WorkingBranch, message, commits)
	if err != nil {
		return "", nil, err
	}

	pull, err := c.gh.EnsurePull(ctx, sess.RepoSlug, message, sess.WorkingBranch, sess.DefaultBranch)
	if err != nil {
		// The commit landed; a missing pull is recoverable next turn
		c.logger.Warn().Err(err).Str("repo", sess.RepoSlug).Msg("failed to ensure pull request")
		return sha, nil, nil
	}
	return sha, pull, nil
}

// CommitMessage derives a commit subject from the first line of the
// turn summary, stripping markdown and status marks
func CommitMessage(summary string) string {
	line := summary
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.NewReplacer(
		"✓", "", "✗", "", "`", "", "*", "", "#", "", "_", "",
	).Replace(line)
	line = strings.Join(strings.Fields(line), " ")

	if line == "" {
		line = "Update files"
	}
	if len(line) > maxCommitSubject {
		line = strings.TrimSpace(line[:maxCommitSubject-1]) + "…"
	}
	return line
}
