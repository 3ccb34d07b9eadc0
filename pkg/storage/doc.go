// Package storage provides durable state for the Burrow control plane.
//
// The Store interface is implemented by a BoltDB-backed store. Records
// are JSON-encoded into per-type buckets; secondary index buckets with
// composite keys provide the ordered scans the scheduler relies on,
// such as sandboxes by (status, statusChangedAt).
//
// Mutations run as single Bolt update transactions. UpdateSandbox and
// AssignPoolEntry take mutation closures so callers get atomic
// read-modify-write semantics without holding locks of their own.
package storage
