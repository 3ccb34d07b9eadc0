// Package scheduler drives sandboxes through their lifecycle with a
// set of periodic tasks.
//
// Every task is idempotent: it scans records by (status, statusChangedAt)
// and re-observing the same record produces the same effect, so a crash
// mid-task is repaired by the next tick. Per-record failures are logged
// and skipped; one bad sandbox never stalls the batch.
package scheduler
