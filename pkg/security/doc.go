// Package security provides encryption of stored credentials and
// generation of sandbox API secrets.
//
// Source-host OAuth tokens are sealed with AES-256-GCM before they are
// written to the store. API secrets are 64-character hex strings that
// sandboxes embed in every status callback to the control plane.
package security
