// Package lifecycle implements the sandbox state machine.
//
// All status mutations go through Machine.Transition, which validates
// the move against the allowed-successor table, appends an audit
// history entry, and applies side-effect options inside one store
// transaction. Host-originated progress callbacks are funneled through
// Machine.HandleCallback, which additionally enforces monotone phase
// ordering so late-arriving events cannot regress a sandbox.
package lifecycle
