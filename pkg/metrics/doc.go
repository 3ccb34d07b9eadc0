// Package metrics defines Prometheus collectors for the Burrow
// control plane and the HTTP handler that exposes them.
package metrics
