package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// ErrBranchNotFound is returned when a requested ref does not exist
var ErrBranchNotFound = errors.New("branch not found")

// Repo describes one repository visible to the user
type Repo struct {
	ID            string `json:"id"`
	Slug          string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
}

// TreeEntry is one entry of a repository tree
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"` // "blob" or "tree"
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// Tree is a repository tree at a ref
type Tree struct {
	SHA       string      `json:"sha"`
	Entries   []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// Pull describes a pull request
type Pull struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Head   string `json:"head_ref"`
	Base   string `json:"base_ref"`
	URL    string `json:"html_url"`
}

// Client speaks HTTP to the source host on behalf of one user
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  zerolog.Logger
}

// NewClient creates a source-host client. Tokens are fetched per
// request from the TokenSource so refreshes are picked up.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		logger:  log.WithComponent("githost"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("source host request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrBranchNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("source host returned %d: %s", resp.StatusCode, data)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ListRepos lists repositories visible to the user
func (c *Client) ListRepos(ctx context.Context) ([]Repo, error) {
	var repos []Repo
	if err := c.do(ctx, http.MethodGet, "/user/repos", nil, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// GetRepo fetches one repository by slug
func (c *Client) GetRepo(ctx context.Context, slug string) (*Repo, error) {
	var repo Repo
	if err := c.do(ctx, http.MethodGet, "/repos/"+slug, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// BranchExists reports whether the ref exists in the repository
func (c *Client) BranchExists(ctx context.Context, slug, branch string) (bool, error) {
	err := c.do(ctx, http.MethodGet,
		"/repos/"+slug+"/branches/"+url.PathEscape(branch), nil, nil)
	if errors.Is(err, ErrBranchNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetTree fetches the repository tree at a ref
func (c *Client) GetTree(ctx context.Context, slug, ref string, recursive bool) (*Tree, error) {
	path := "/repos/" + slug + "/git/trees/" + url.PathEscape(ref)
	if recursive {
		path += "?recursive=1"
	}
	var tree Tree
	if err := c.do(ctx, http.MethodGet, path, nil, &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// GetFile fetches raw file content at a ref
func (c *Client) GetFile(ctx context.Context, slug, ref, path string) ([]byte, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodGet,
		"/repos/"+slug+"/contents/"+path+"?ref="+url.QueryEscape(ref), nil, &out)
	if err != nil {
		return nil, err
	}
	return []byte(out.Content), nil
}

// CreateBranch creates a branch pointing at fromRef's head
func (c *Client) CreateBranch(ctx context.Context, slug, branch, fromRef string) error {
	var head struct {
		SHA string `json:"sha"`
	}
	err := c.do(ctx, http.MethodGet,
		"/repos/"+slug+"/commits/"+url.PathEscape(fromRef), nil, &head)
	if err != nil {
		return err
	}

	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": head.SHA,
	}
	return c.do(ctx, http.MethodPost, "/repos/"+slug+"/git/refs", body, nil)
}

// CommitFile is one file to include in a commit
type CommitFile struct {
	Path    string
	Content string
}

// CommitFiles writes the given files as a single commit on branch and
// advances the branch ref. Returns the new commit SHA.
func (c *Client) CommitFiles(ctx context.Context, slug, branch, message string, files []CommitFile) (string, error) {
	// Resolve the branch head and its tree
	var head struct {
		SHA    string `json:"sha"`
		Commit struct {
			Tree struct {
				SHA string `json:"sha"`
			} `json:"tree"`
		} `json:"commit"`
	}
	err := c.do(ctx, http.MethodGet,
		"/repos/"+slug+"/commits/"+url.PathEscape(branch), nil, &head)
	if err != nil {
		return "", err
	}

	// Blobs
	type treeWrite struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	writes := make([]treeWrite, 0, len(files))
	for _, f := range files {
		var blob struct {
			SHA string `json:"sha"`
		}
		err := c.do(ctx, http.MethodPost, "/repos/"+slug+"/git/blobs",
			map[string]string{"content": f.Content, "encoding": "utf-8"}, &blob)
		if err != nil {
			return "", fmt.Errorf("failed to create blob for %s: %w", f.Path, err)
		}
		writes = append(writes, treeWrite{
			Path: f.Path, Mode: "100644", Type: "blob", SHA: blob.SHA,
		})
	}

	// Tree
	var tree struct {
		SHA string `json:"sha"`
	}
	err = c.do(ctx, http.MethodPost, "/repos/"+slug+"/git/trees", map[string]interface{}{
		"base_tree": head.Commit.Tree.SHA,
		"tree":      writes,
	}, &tree)
	if err != nil {
		return "", fmt.Errorf("failed to create tree: %w", err)
	}

	// Commit
	var commit struct {
		SHA string `json:"sha"`
	}
	err = c.do(ctx, http.MethodPost, "/repos/"+slug+"/git/commits", map[string]interface{}{
		"message": message,
		"tree":    tree.SHA,
		"parents": []string{head.SHA},
	}, &commit)
	if err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}

	// Advance the ref
	err = c.do(ctx, http.MethodPatch,
		"/repos/"+slug+"/git/refs/heads/"+url.PathEscape(branch),
		map[string]string{"sha": commit.SHA}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to update ref: %w", err)
	}

	c.logger.Info().
		Str("repo", slug).
		Str("branch", branch).
		Str("sha", commit.SHA).
		Int("files", len(files)).
		Msg("committed files")
	return commit.SHA, nil
}

// CreatePull opens a pull request from head into base
func (c *Client) CreatePull(ctx context.Context, slug, title, head, base string) (*Pull, error) {
	var pull Pull
	err := c.do(ctx, http.MethodPost, "/repos/"+slug+"/pulls", map[string]string{
		"title": title,
		"head":  head,
		"base":  base,
	}, &pull)
	if err != nil {
		return nil, err
	}
	return &pull, nil
}

// ListPulls lists open pull requests with the given head branch
func (c *Client) ListPulls(ctx context.Context, slug, head string) ([]Pull, error) {
	var pulls []Pull
	err := c.do(ctx, http.MethodGet,
		"/repos/"+slug+"/pulls?state=open&head="+url.QueryEscape(head), nil, &pulls)
	if err != nil {
		return nil, err
	}
	return pulls, nil
}

// EnsurePull returns an existing open pull for head, or opens one
func (c *Client) EnsurePull(ctx context.Context, slug, title, head, base string) (*Pull, error) {
	pulls, err := c.ListPulls(ctx, slug, head)
	if err != nil {
		return nil, err
	}
	if len(pulls) > 0 {
		return &pulls[0], nil
	}
	return c.CreatePull(ctx, slug, title, head, base)
}

// MergePull merges a pull request
func (c *Client) MergePull(ctx context.Context, slug string, number int) error {
	return c.do(ctx, http.MethodPut,
		fmt.Sprintf("/repos/%s/pulls/%d/merge", slug, number), map[string]string{}, nil)
}
