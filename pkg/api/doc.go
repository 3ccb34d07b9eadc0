// Package api serves the control plane's inbound HTTP surface: the
// sandbox status callback posted by host-side setup scripts, session
// heartbeats and stop requests, sandbox and session CRUD for CLI
// clients, an SSE event stream, and the health and metrics endpoints.
package api
