// Package session owns one Event Socket connection.
//
// Ownership boundary:
// - frame classification into named events and diagnostics
// - command serialization (one command in flight per socket)
// - reply correlation for api, bgapi and synchronous execute
// - socket termination and the disconnect/linger cleanup protocol
// - reconnect backoff arithmetic shared with the client
//
// Handlers registered with On, Once and OnError run on the session read
// goroutine. They must not block, and must not wait for a command reply
// themselves; start a goroutine for that.
package session
