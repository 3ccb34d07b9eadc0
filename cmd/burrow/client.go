package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// apiClient is a thin HTTP client for the control plane, used by the
// inspection subcommands
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("api-addr")
	token, _ := cmd.Flags().GetString("token")
	return &apiClient{
		baseURL: addr,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("api-addr", "http://127.0.0.1:8420", "Control plane API address")
	cmd.PersistentFlags().String("token", "", "API token")
}

// sandboxView mirrors the API's sandbox shape
type sandboxView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SessionID       string    `json:"sessionId"`
	Status          string    `json:"status"`
	PreviewURL      string    `json:"previewUrl"`
	EffectiveBranch string    `json:"effectiveBranch"`
	LastError       string    `json:"lastError"`
	CreatedAt       time.Time `json:"createdAt"`
	StatusHistory   []struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
		Reason    string    `json:"reason"`
	} `json:"statusHistory"`
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect and manage sandboxes",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		path := "/sandboxes"
		if status != "" {
			path += "?status=" + status
		}

		var sandboxes []sandboxView
		if err := newAPIClient(cmd).do(http.MethodGet, path, nil, &sandboxes); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSESSION\tAGE")
		for _, sb := range sandboxes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				sb.ID, sb.Name, sb.Status, sb.SessionID,
				time.Since(sb.CreatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var sandboxGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one sandbox including its status history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sb sandboxView
		if err := newAPIClient(cmd).do(http.MethodGet, "/sandboxes/"+args[0], nil, &sb); err != nil {
			return err
		}

		fmt.Printf("ID:       %s\n", sb.ID)
		fmt.Printf("Name:     %s\n", sb.Name)
		fmt.Printf("Status:   %s\n", sb.Status)
		fmt.Printf("Session:  %s\n", sb.SessionID)
		if sb.PreviewURL != "" {
			fmt.Printf("Preview:  %s\n", sb.PreviewURL)
		}
		if sb.EffectiveBranch != "" {
			fmt.Printf("Branch:   %s\n", sb.EffectiveBranch)
		}
		if sb.LastError != "" {
			fmt.Printf("Error:    %s\n", sb.LastError)
		}
		fmt.Println("History:")
		for _, h := range sb.StatusHistory {
			fmt.Printf("  %s  %-12s %s\n", h.Timestamp.Format(time.RFC3339), h.Status, h.Reason)
		}
		return nil
	},
}

var sandboxDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Tear down a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(cmd).do(http.MethodDelete, "/sandboxes/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("Sandbox %s is being destroyed\n", args[0])
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage editing sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and request a sandbox for it",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoSlug, _ := cmd.Flags().GetString("repo")
		userID, _ := cmd.Flags().GetString("user")
		branch, _ := cmd.Flags().GetString("branch")
		defaultBranch, _ := cmd.Flags().GetString("default-branch")
		if repoSlug == "" || userID == "" {
			return fmt.Errorf("--repo and --user are required")
		}

		client := newAPIClient(cmd)
		var sess struct {
			ID string `json:"id"`
		}
		err := client.do(http.MethodPost, "/sessions", map[string]string{
			"repoSlug":      repoSlug,
			"userId":        userID,
			"targetBranch":  branch,
			"defaultBranch": defaultBranch,
		}, &sess)
		if err != nil {
			return err
		}

		var sb sandboxView
		if err := client.do(http.MethodPost, "/sessions/"+sess.ID+"/sandbox", nil, &sb); err != nil {
			return err
		}

		fmt.Printf("Session: %s\n", sess.ID)
		fmt.Printf("Sandbox: %s (%s)\n", sb.ID, sb.Status)
		return nil
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Request that the session's running turn stops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(cmd).do(http.MethodPost, "/sessions/"+args[0]+"/stop", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Stop requested for session %s\n", args[0])
		return nil
	},
}

func init() {
	addClientFlags(sandboxCmd)
	sandboxCmd.AddCommand(sandboxListCmd)
	sandboxCmd.AddCommand(sandboxGetCmd)
	sandboxCmd.AddCommand(sandboxDeleteCmd)
	sandboxListCmd.Flags().String("status", "", "Filter by status")

	addClientFlags(sessionCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCreateCmd.Flags().String("repo", "", "Repository slug (owner/name)")
	sessionCreateCmd.Flags().String("user", "", "User ID owning the session")
	sessionCreateCmd.Flags().String("branch", "", "Target branch")
	sessionCreateCmd.Flags().String("default-branch", "main", "Repository default branch")
}
