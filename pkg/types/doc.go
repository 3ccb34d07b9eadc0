// Package types defines the shared data structures used across Burrow.
//
// This includes sandbox records, pool entries, repository image caches,
// sessions, and agent turn artifacts. Keeping all types in one package
// avoids circular dependencies between the storage, lifecycle, scheduler,
// pool, and agent packages.
package types
