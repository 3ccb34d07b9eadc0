// Package health provides liveness probes for pool entries and
// sandbox preview servers.
//
// A Checker performs one probe attempt and returns a Result. The pool
// manager uses the HTTP checker to validate that a ready entry's
// preview server still accepts connections before handing it to a
// user; the TCP checker covers hosts that expose only a raw port.
package health
