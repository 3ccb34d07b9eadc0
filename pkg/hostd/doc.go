// Package hostd is the typed HTTP gateway to the external host daemon
// that runs sandbox compute.
//
// The Client retries transient failures with exponential backoff,
// self-heals name conflicts on create by deleting the stale sandbox
// and retrying once, and surfaces a missing sandbox on setup as
// ErrSandboxGone so callers can fall back to creating a fresh one. A
// circuit breaker stops hammering a host daemon that is down.
//
// Scheduler and pool depend on the Backend interface rather than the
// concrete client, so alternative sandbox backends plug in behind the
// same contract.
package hostd
