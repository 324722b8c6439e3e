// Package protocol owns the Event Socket data model shared by every layer.
//
// Ownership boundary:
// - header maps, command arguments and classified events
// - content-type, header and event-name vocabulary
// - error taxonomy surfaced to callers and diagnostics listeners
package protocol
