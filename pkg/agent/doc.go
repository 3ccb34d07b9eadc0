// Package agent drives one user turn end to end: it streams a model
// response, applies file writes and exact-substring edits, executes
// shell commands in the sandbox, and records everything durably.
//
// The loop runs up to a configured number of iterations, feeding
// command output back to the model, and finalizes with a per-path
// deduplicated change set, a user-facing summary, and an optional
// auto-commit plus pull request. A CLI variant runs a model binary
// inside the sandbox instead of streaming from this process; its
// contract to the rest of the system is identical.
package agent
