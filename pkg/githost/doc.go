// Package githost is a minimal client for the source-hosting service.
//
// It covers exactly the surface the control plane consumes: listing a
// user's repositories, reading trees and file contents, creating
// branches, writing commits through the blob/tree/commit/ref chain,
// and opening or merging pull requests. OAuth tokens are refreshed
// transparently when close to expiry; a failed refresh revokes the
// stored credential and surfaces ErrReconnectRequired.
package githost
