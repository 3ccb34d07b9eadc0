// Package events provides an in-process publish/subscribe broker for
// control-plane events. API consumers subscribe to stream sandbox and
// pool lifecycle changes without polling the store.
package events
