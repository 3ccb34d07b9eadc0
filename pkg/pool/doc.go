// Package pool maintains pre-warmed sandboxes so a user's first
// request is served in sub-second time.
//
// Two pools run in parallel: a generic pool of base-image sandboxes
// and per-repo pools whose entries pre-mount a repo image and a
// persistent dependency volume. A replenish loop keeps both at their
// target sizes under a single shared creation budget; assignment
// prefers a repo-affine entry and falls back to the oldest generic
// one. Marking an entry assigned and inserting the user's sandbox
// record happen in one store transaction.
package pool
